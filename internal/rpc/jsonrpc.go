package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/kubotak-is/librarian/internal/errs"
)

// Version JSON-RPC 协议版本
const Version = "2.0"

// JSON-RPC 错误码
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request JSON-RPC 请求
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response JSON-RPC 响应，Result 与 Error 只会出现其一
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error JSON-RPC 错误对象
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Unwrap 将错误码映射到错误分类
func (e *Error) Unwrap() error {
	switch e.Code {
	case CodeInvalidParams:
		return errs.ErrInvalidParams
	case CodeMethodNotFound:
		return errs.ErrMethodNotFound
	case CodeParseError:
		return errs.ErrParse
	default:
		return nil
	}
}

// NewError 创建错误对象
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewResult 创建成功响应
func NewResult(id json.RawMessage, result json.RawMessage) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(id json.RawMessage, rpcErr *Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: rpcErr}
}

// ParseRequest 解析请求体，失败时返回可直接写回客户端的错误
func ParseRequest(data []byte) (*Request, *Error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, NewError(CodeParseError, "Parse error")
	}
	if req.JSONRPC != Version {
		return &req, NewError(CodeInvalidRequest, "Invalid Request: jsonrpc must be \"2.0\"")
	}
	if req.Method == "" {
		return &req, NewError(CodeInvalidRequest, "Invalid Request: method required")
	}
	return &req, nil
}

// isAbsent 判断 params 是否缺省
func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
