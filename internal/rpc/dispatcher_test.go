package rpc

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubotak-is/librarian/internal/cache"
	"github.com/kubotak-is/librarian/internal/errs"
	"github.com/kubotak-is/librarian/internal/models"
)

func testLibrary() models.AgentLibrary {
	return models.AgentLibrary{
		Index: models.AgentIndex{
			Name: "Test Library",
			McpEndpoints: []models.McpEndpoint{
				{ID: "test_prompt", Label: "Test Prompt", Description: "A test prompt", PromptFile: "test_prompt.md"},
			},
		},
		Prompts: []models.Prompt{
			{ID: "test_prompt", Title: "Test Prompt", Description: "A test prompt", Content: "# Test Prompt\n\nbody"},
		},
	}
}

func newTestDispatcher(ttl time.Duration) *Dispatcher {
	return NewDispatcher(cache.New(time.Minute), ttl, "librarian", "0.1.0")
}

func call(t *testing.T, d *Dispatcher, method, params string, libs []models.AgentLibrary) *Response {
	t.Helper()
	req := &Request{JSONRPC: Version, ID: json.RawMessage(`1`), Method: method}
	if params != "" {
		req.Params = json.RawMessage(params)
	}
	return d.Dispatch(req, libs)
}

func TestDispatch_Initialize(t *testing.T) {
	t.Parallel()

	resp := call(t, newTestDispatcher(time.Minute), "initialize", `{"anything":true}`, nil)
	require.Nil(t, resp.Error)

	var result map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, ProtocolVersion, result["protocolVersion"])
	caps := result["capabilities"].(map[string]any)
	assert.Contains(t, caps, "prompts")
	assert.Contains(t, caps, "resources")
	info := result["serverInfo"].(map[string]any)
	assert.Equal(t, "librarian", info["name"])
	assert.Equal(t, "0.1.0", info["version"])
}

func TestDispatch_Initialized(t *testing.T) {
	t.Parallel()

	resp := call(t, newTestDispatcher(time.Minute), "initialized", "", nil)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{}`, string(resp.Result))
}

func TestDispatch_MethodNotFound(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(time.Minute)
	for _, libs := range [][]models.AgentLibrary{nil, {testLibrary()}} {
		resp := call(t, d, "method-that-does-not-exist", "", libs)
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
		assert.Equal(t, "Method not found", resp.Error.Message)
		assert.Nil(t, resp.Result)
		assert.ErrorIs(t, resp.Error, errs.ErrMethodNotFound)
	}
}

func TestDispatch_PromptsGet(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(time.Minute)
	libs := []models.AgentLibrary{testLibrary()}

	t.Run("name required", func(t *testing.T) {
		for _, params := range []string{"", `{}`, `null`, `{"name":5}`, `[]`} {
			resp := call(t, d, "prompts/get", params, libs)
			require.NotNil(t, resp.Error, params)
			assert.Equal(t, CodeInvalidParams, resp.Error.Code)
			assert.Equal(t, "Invalid params: name required", resp.Error.Message)
			assert.Nil(t, resp.Result)
		}
	})

	t.Run("found", func(t *testing.T) {
		resp := call(t, d, "prompts/get", `{"name":"test_prompt"}`, libs)
		require.Nil(t, resp.Error)

		var result struct {
			Messages []struct {
				Role    string `json:"role"`
				Content struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.Unmarshal(resp.Result, &result))
		require.Len(t, result.Messages, 1)
		assert.Equal(t, "user", result.Messages[0].Role)
		assert.Equal(t, "text", result.Messages[0].Content.Type)
		assert.Equal(t, "# Test Prompt\n\nbody", result.Messages[0].Content.Text)
	})

	t.Run("unknown prompt", func(t *testing.T) {
		resp := call(t, d, "prompts/get", `{"name":"missing"}`, libs)
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeInvalidParams, resp.Error.Code)
		assert.Equal(t, "Prompt 'missing' not found", resp.Error.Message)
	})
}

func TestDispatch_PromptsGet_FirstLibraryWins(t *testing.T) {
	t.Parallel()

	other := testLibrary()
	other.Prompts[0].Content = "shadowed"

	resp := call(t, newTestDispatcher(time.Minute), "prompts/get", `{"name":"test_prompt"}`, []models.AgentLibrary{testLibrary(), other})
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), "body")
	assert.NotContains(t, string(resp.Result), "shadowed")
}

func TestDispatch_PromptsList(t *testing.T) {
	t.Parallel()

	second := models.AgentLibrary{Prompts: []models.Prompt{{ID: "b", Title: "B", Description: "bee"}}}
	resp := call(t, NewDispatcher(nil, 0, "librarian", "0.1.0"), "prompts/list", "", []models.AgentLibrary{testLibrary(), second})
	require.Nil(t, resp.Error)

	var result struct {
		Prompts []struct {
			Name        string `json:"name"`
			Title       string `json:"title"`
			Description string `json:"description"`
		} `json:"prompts"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Prompts, 2)
	assert.Equal(t, "test_prompt", result.Prompts[0].Name)
	assert.Equal(t, "Test Prompt", result.Prompts[0].Title)
	assert.Equal(t, "b", result.Prompts[1].Name)
}

func TestDispatch_PromptsList_EmptyIsArray(t *testing.T) {
	t.Parallel()

	resp := call(t, newTestDispatcher(time.Minute), "prompts/list", "", nil)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"prompts":[]}`, string(resp.Result))
}

func TestDispatch_PromptsList_Cached(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(150 * time.Millisecond)
	libs := []models.AgentLibrary{testLibrary()}

	first := call(t, d, "prompts/list", "", libs)
	require.Nil(t, first.Error)

	changed := testLibrary()
	changed.Prompts[0].Title = "Changed Title"
	second := call(t, d, "prompts/list", "", []models.AgentLibrary{changed})
	require.Nil(t, second.Error)
	assert.Equal(t, string(first.Result), string(second.Result))

	require.Eventually(t, func() bool {
		resp := call(t, d, "prompts/list", "", []models.AgentLibrary{changed})
		return resp.Error == nil && string(resp.Result) != string(first.Result)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDispatch_PromptsList_GenerationKeysCache(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(time.Minute)
	req := &Request{JSONRPC: Version, ID: json.RawMessage(`1`), Method: "prompts/list"}

	changed := testLibrary()
	changed.Prompts[0].ID = "new_prompt"

	// 旧快照在新快照之后才完成计算
	stale := d.DispatchSnapshot(req, Snapshot{Libraries: []models.AgentLibrary{testLibrary()}, Generation: 1})
	require.Nil(t, stale.Error)
	assert.Contains(t, string(stale.Result), "test_prompt")

	fresh := d.DispatchSnapshot(req, Snapshot{Libraries: []models.AgentLibrary{changed}, Generation: 2})
	require.Nil(t, fresh.Error)
	assert.Contains(t, string(fresh.Result), "new_prompt")
	assert.NotContains(t, string(fresh.Result), "test_prompt")
}

func TestDispatch_ResourcesRead_EmptyContentKeepsText(t *testing.T) {
	t.Parallel()

	lib := testLibrary()
	lib.Prompts[0].Content = ""

	resp := call(t, newTestDispatcher(time.Minute), "resources/read", `{"uri":"agent_library://test_prompt"}`, []models.AgentLibrary{lib})
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"contents":[{"uri":"agent_library://test_prompt","mimeType":"text/markdown","text":""}]}`, string(resp.Result))
}

func TestDispatch_Resources(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(time.Minute)
	libs := []models.AgentLibrary{testLibrary()}

	resp := call(t, d, "resources/list", "", libs)
	require.Nil(t, resp.Error)
	var listed struct {
		Resources []struct {
			URI      string `json:"uri"`
			Name     string `json:"name"`
			Title    string `json:"title"`
			MIMEType string `json:"mimeType"`
		} `json:"resources"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &listed))
	require.Len(t, listed.Resources, 1)
	assert.Equal(t, "agent_library://test_prompt", listed.Resources[0].URI)
	assert.Equal(t, "test_prompt", listed.Resources[0].Name)
	assert.Equal(t, "Test Prompt", listed.Resources[0].Title)
	assert.Equal(t, "text/markdown", listed.Resources[0].MIMEType)

	resp = call(t, d, "resources/read", `{"uri":"agent_library://test_prompt"}`, libs)
	require.Nil(t, resp.Error)
	var read struct {
		Contents []struct {
			URI  string `json:"uri"`
			Text string `json:"text"`
		} `json:"contents"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &read))
	require.Len(t, read.Contents, 1)
	assert.Equal(t, "agent_library://test_prompt", read.Contents[0].URI)
	assert.Equal(t, "# Test Prompt\n\nbody", read.Contents[0].Text)

	tests := []struct {
		params  string
		message string
	}{
		{`{}`, "Invalid params: uri required"},
		{``, "Invalid params: uri required"},
		{`{"uri":"file:///test_prompt"}`, "Resource 'file:///test_prompt' not found"},
		{`{"uri":"agent_library://missing"}`, "Resource 'agent_library://missing' not found"},
	}
	for _, tt := range tests {
		resp := call(t, d, "resources/read", tt.params, libs)
		require.NotNil(t, resp.Error, tt.params)
		assert.Equal(t, CodeInvalidParams, resp.Error.Code)
		assert.Equal(t, tt.message, resp.Error.Message)
	}
}

func TestResponse_EchoesID(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(time.Minute)

	resp := d.Dispatch(&Request{JSONRPC: Version, Method: "initialized"}, nil)
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":null,"result":{}}`, string(data))

	resp = d.Dispatch(&Request{JSONRPC: Version, ID: json.RawMessage(`"abc"`), Method: "nope"}, nil)
	data, err = json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"abc","error":{"code":-32601,"message":"Method not found"}}`, string(data))
}

func TestParseRequest(t *testing.T) {
	t.Parallel()

	req, rpcErr := ParseRequest([]byte(`{"jsonrpc":"2.0","id":7,"method":"prompts/list"}`))
	require.Nil(t, rpcErr)
	assert.Equal(t, "prompts/list", req.Method)
	assert.Equal(t, `7`, string(req.ID))

	_, rpcErr = ParseRequest([]byte(`{not json`))
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodeParseError, rpcErr.Code)

	req, rpcErr = ParseRequest([]byte(`{"jsonrpc":"1.0","id":1,"method":"x"}`))
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodeInvalidRequest, rpcErr.Code)
	assert.Equal(t, `1`, string(req.ID))

	_, rpcErr = ParseRequest([]byte(`{"jsonrpc":"2.0","id":1}`))
	require.NotNil(t, rpcErr)
	assert.Equal(t, CodeInvalidRequest, rpcErr.Code)
}
