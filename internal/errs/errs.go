package errs

import "errors"

// 错误分类，调用方通过 errors.Is 判断
var (
	ErrNotFound          = errors.New("not found")
	ErrParse             = errors.New("parse error")
	ErrInvalidParams     = errors.New("invalid params")
	ErrMethodNotFound    = errors.New("method not found")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrIO                = errors.New("io failure")
	ErrSecurityRejected  = errors.New("security rejected")
	ErrConflict          = errors.New("conflict")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrNotFound, "NotFound"},
	{ErrParse, "ParseError"},
	{ErrInvalidParams, "InvalidParams"},
	{ErrMethodNotFound, "MethodNotFound"},
	{ErrResourceExhausted, "ResourceExhausted"},
	{ErrIO, "IOFailure"},
	{ErrSecurityRejected, "SecurityRejected"},
	{ErrConflict, "Conflict"},
}

// Kind 返回错误所属的分类名称，无法识别时返回 "Internal"
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}
