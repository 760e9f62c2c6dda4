package rpc

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kubotak-is/librarian/internal/cache"
	"github.com/kubotak-is/librarian/internal/logger"
	"github.com/kubotak-is/librarian/internal/models"
)

const (
	// ProtocolVersion initialize 返回的协议版本
	ProtocolVersion = "2025-06-18"
	// ResourceScheme 资源 URI 前缀
	ResourceScheme = "agent_library://"
	// ResourceMIMEType 资源内容类型
	ResourceMIMEType = "text/markdown"
	// CacheKeyPromptsList prompts/list 的缓存键
	CacheKeyPromptsList = "prompts/list"
)

// Snapshot 一次请求使用的库集合，Generation 在每次整体替换时递增
type Snapshot struct {
	Libraries  []models.AgentLibrary
	Generation uint64
}

type handlerFunc func(d *Dispatcher, params json.RawMessage, snap Snapshot) (json.RawMessage, *Error)

// Dispatcher 将 JSON-RPC 方法路由到对应处理函数
//
// Dispatcher 本身无状态，库集合由调用方在每次请求时传入；
// prompts/list 的结果缓存在调用方提供的 ResponseCache 中。
type Dispatcher struct {
	serverName    string
	serverVersion string
	cache         *cache.ResponseCache
	listTTL       time.Duration
	methods       map[string]handlerFunc
}

// NewDispatcher 创建分发器，responseCache 为 nil 时不缓存
func NewDispatcher(responseCache *cache.ResponseCache, listTTL time.Duration, serverName, serverVersion string) *Dispatcher {
	return &Dispatcher{
		serverName:    serverName,
		serverVersion: serverVersion,
		cache:         responseCache,
		listTTL:       listTTL,
		methods: map[string]handlerFunc{
			"initialize":     (*Dispatcher).initialize,
			"initialized":    (*Dispatcher).initialized,
			"prompts/list":   (*Dispatcher).promptsList,
			"prompts/get":    (*Dispatcher).promptsGet,
			"resources/list": (*Dispatcher).resourcesList,
			"resources/read": (*Dispatcher).resourcesRead,
		},
	}
}

// Dispatch 处理单个请求，业务错误总是以 JSON-RPC 错误对象返回
func (d *Dispatcher) Dispatch(req *Request, libs []models.AgentLibrary) *Response {
	return d.DispatchSnapshot(req, Snapshot{Libraries: libs})
}

// DispatchSnapshot 与 Dispatch 相同，缓存条目按快照的 Generation 区分
func (d *Dispatcher) DispatchSnapshot(req *Request, snap Snapshot) *Response {
	handler, ok := d.methods[req.Method]
	if !ok {
		logger.Debug("Method not found: %s", req.Method)
		return NewErrorResponse(req.ID, NewError(CodeMethodNotFound, "Method not found"))
	}

	result, rpcErr := handler(d, req.Params, snap)
	if rpcErr != nil {
		return NewErrorResponse(req.ID, rpcErr)
	}
	return NewResult(req.ID, result)
}

func (d *Dispatcher) initialize(_ json.RawMessage, _ Snapshot) (json.RawMessage, *Error) {
	return marshalResult(&mcp.InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: &mcp.ServerCapabilities{
			Prompts:   &mcp.PromptCapabilities{},
			Resources: &mcp.ResourceCapabilities{},
		},
		ServerInfo: &mcp.Implementation{
			Name:    d.serverName,
			Version: d.serverVersion,
		},
	})
}

func (d *Dispatcher) initialized(_ json.RawMessage, _ Snapshot) (json.RawMessage, *Error) {
	return json.RawMessage(`{}`), nil
}

func (d *Dispatcher) promptsList(_ json.RawMessage, snap Snapshot) (json.RawMessage, *Error) {
	build := func() (json.RawMessage, error) {
		prompts := make([]*mcp.Prompt, 0)
		for _, lib := range snap.Libraries {
			for _, p := range lib.Prompts {
				prompts = append(prompts, &mcp.Prompt{
					Name:        p.ID,
					Title:       p.Title,
					Description: p.Description,
				})
			}
		}
		return json.Marshal(&mcp.ListPromptsResult{Prompts: prompts})
	}

	if d.cache == nil {
		return wrapBuild(build)
	}

	result, err := d.cache.GetOrCompute(promptsListKey(snap.Generation), d.listTTL, build)
	if err != nil {
		logger.Error("Failed to build prompts list: %v", err)
		return nil, NewError(CodeInternalError, "Internal error")
	}
	return result, nil
}

func (d *Dispatcher) promptsGet(params json.RawMessage, snap Snapshot) (json.RawMessage, *Error) {
	var p mcp.GetPromptParams
	if isAbsent(params) || json.Unmarshal(params, &p) != nil || p.Name == "" {
		return nil, NewError(CodeInvalidParams, "Invalid params: name required")
	}

	prompt, ok := findPrompt(snap.Libraries, p.Name)
	if !ok {
		return nil, NewError(CodeInvalidParams, fmt.Sprintf("Prompt '%s' not found", p.Name))
	}

	return marshalResult(&mcp.GetPromptResult{
		Description: prompt.Description,
		Messages: []*mcp.PromptMessage{
			{
				Role:    "user",
				Content: &mcp.TextContent{Text: prompt.Content},
			},
		},
	})
}

func (d *Dispatcher) resourcesList(_ json.RawMessage, snap Snapshot) (json.RawMessage, *Error) {
	resources := make([]*mcp.Resource, 0)
	for _, lib := range snap.Libraries {
		for _, p := range lib.Prompts {
			resources = append(resources, &mcp.Resource{
				URI:         ResourceURI(p.ID),
				Name:        p.ID,
				Title:       p.Title,
				Description: p.Description,
				MIMEType:    ResourceMIMEType,
			})
		}
	}
	return marshalResult(&mcp.ListResourcesResult{Resources: resources})
}

func (d *Dispatcher) resourcesRead(params json.RawMessage, snap Snapshot) (json.RawMessage, *Error) {
	var p mcp.ReadResourceParams
	if isAbsent(params) || json.Unmarshal(params, &p) != nil || p.URI == "" {
		return nil, NewError(CodeInvalidParams, "Invalid params: uri required")
	}

	if id, ok := strings.CutPrefix(p.URI, ResourceScheme); ok {
		if prompt, found := findPrompt(snap.Libraries, id); found {
			return marshalResult(&readResourceResult{
				Contents: []textResourceContents{
					{
						URI:      p.URI,
						MIMEType: ResourceMIMEType,
						Text:     prompt.Content,
					},
				},
			})
		}
	}

	return nil, NewError(CodeInvalidParams, fmt.Sprintf("Resource '%s' not found", p.URI))
}

// readResourceResult 与 mcp.ReadResourceResult 的结构相同，但空内容时仍输出 text 字段
type readResourceResult struct {
	Contents []textResourceContents `json:"contents"`
}

type textResourceContents struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType,omitempty"`
	Text     string `json:"text"`
}

func promptsListKey(generation uint64) string {
	return fmt.Sprintf("%s@%d", CacheKeyPromptsList, generation)
}

// ResourceURI 返回提示词对应的资源 URI
func ResourceURI(promptID string) string {
	return ResourceScheme + promptID
}

// findPrompt 按库顺序查找，第一个匹配胜出
func findPrompt(libs []models.AgentLibrary, id string) (models.Prompt, bool) {
	for _, lib := range libs {
		if p, ok := lib.FindPrompt(id); ok {
			return p, true
		}
	}
	return models.Prompt{}, false
}

func marshalResult(v any) (json.RawMessage, *Error) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("Failed to marshal result: %v", err)
		return nil, NewError(CodeInternalError, "Internal error")
	}
	return data, nil
}

func wrapBuild(build func() (json.RawMessage, error)) (json.RawMessage, *Error) {
	data, err := build()
	if err != nil {
		logger.Error("Failed to build result: %v", err)
		return nil, NewError(CodeInternalError, "Internal error")
	}
	return data, nil
}
