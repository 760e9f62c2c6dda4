package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubotak-is/librarian/internal/auth"
	"github.com/kubotak-is/librarian/internal/config"
	"github.com/kubotak-is/librarian/internal/database"
	"github.com/kubotak-is/librarian/internal/library"
	"github.com/kubotak-is/librarian/internal/manager"
	"github.com/kubotak-is/librarian/internal/models"
	"github.com/kubotak-is/librarian/internal/rpc"
	"github.com/kubotak-is/librarian/internal/watcher"
)

type stubEndpoint struct {
	methods []string
}

func (s *stubEndpoint) Handle(_ context.Context, req *rpc.Request) *rpc.Response {
	s.methods = append(s.methods, req.Method)
	return rpc.NewResult(req.ID, json.RawMessage(`{"ok":true}`))
}

func doRequest(e *echo.Echo, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "127.0.0.1:50000"
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMCPRouter(t *testing.T) {
	t.Parallel()

	cfg := config.Default().MCP
	endpoint := &stubEndpoint{}
	e := NewMCPRouter(endpoint, cfg)

	for _, path := range []string{"/", "/rpc"} {
		rec := doRequest(e, http.MethodPost, path, `{"jsonrpc":"2.0","id":3,"method":"prompts/list"}`, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "application/json")
		assert.JSONEq(t, `{"jsonrpc":"2.0","id":3,"result":{"ok":true}}`, rec.Body.String())
	}
	assert.Equal(t, []string{"prompts/list", "prompts/list"}, endpoint.methods)
}

func TestMCPRouter_MalformedRequests(t *testing.T) {
	t.Parallel()

	e := NewMCPRouter(&stubEndpoint{}, config.Default().MCP)

	rec := doRequest(e, http.MethodPost, "/", `{nope`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error"}}`, rec.Body.String())

	rec = doRequest(e, http.MethodPost, "/", `{"jsonrpc":"2.0","id":"x"}`, nil)
	var resp rpc.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeInvalidRequest, resp.Error.Code)
	assert.Equal(t, `"x"`, string(resp.ID))
}

func TestMCPRouter_CORS(t *testing.T) {
	t.Parallel()

	cfg := config.Default().MCP
	e := NewMCPRouter(&stubEndpoint{}, cfg)

	rec := doRequest(e, http.MethodOptions, "/", "", map[string]string{
		echo.HeaderOrigin:                     cfg.AllowedOrigin,
		echo.HeaderAccessControlRequestMethod: http.MethodPost,
	})
	assert.Equal(t, cfg.AllowedOrigin, rec.Header().Get(echo.HeaderAccessControlAllowOrigin))

	rec = doRequest(e, http.MethodOptions, "/", "", map[string]string{
		echo.HeaderOrigin:                     "http://evil.example",
		echo.HeaderAccessControlRequestMethod: http.MethodPost,
	})
	assert.Empty(t, rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
}

func TestMCPRouter_BodyLimit(t *testing.T) {
	t.Parallel()

	cfg := config.Default().MCP
	cfg.BodyLimit = "1K"
	e := NewMCPRouter(&stubEndpoint{}, cfg)

	body := `{"jsonrpc":"2.0","id":1,"method":"x","params":{"pad":"` + strings.Repeat("a", 4096) + `"}}`
	rec := doRequest(e, http.MethodPost, "/", body, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

// adminFixture 使用真实组件搭建管理接口
type adminFixture struct {
	e        *echo.Echo
	registry *manager.Registry
	watcher  *watcher.Watcher
	repos    *database.JSONStore
	hub      *EventHub
	repo     string
	port     int
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func createRepo(t *testing.T) string {
	t.Helper()
	repo := t.TempDir()
	libDir := filepath.Join(repo, library.DirName)
	require.NoError(t, os.MkdirAll(libDir, 0o755))
	index := "mcp_endpoints:\n  - {id: test_prompt, label: Test, description: d, prompt_file: test_prompt.md}\n"
	require.NoError(t, os.WriteFile(filepath.Join(libDir, library.IndexFile), []byte(index), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(libDir, "test_prompt.md"), []byte("hello"), 0o644))
	return repo
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()

	port := freePort(t)
	cfg := config.Default()
	cfg.MCP.PortMin = port
	cfg.MCP.PortMax = port
	cfg.Security.MaxPromptBytes = 64

	store := library.NewStore()
	opts := manager.OptionsFromConfig(cfg)
	opts.ShutdownTimeout = time.Second
	registry := manager.NewRegistry(store, func(inst *manager.ServerInstance) http.Handler {
		return NewMCPRouter(inst, cfg.MCP)
	}, opts)
	repos := database.NewJSONStore(filepath.Join(t.TempDir(), "config.json"))
	registry.SetStatusRecorder(repos)
	w := watcher.New(10*time.Millisecond, nil)
	hub := NewEventHub()
	w.Subscribe(hub)

	t.Cleanup(func() {
		_ = registry.StopAll(context.Background())
		_ = w.Close()
	})

	repo := createRepo(t)
	_, err := repos.SaveRepository(context.Background(), models.NewRepositoryConfig("repo-1", "Repo One", repo))
	require.NoError(t, err)

	h := NewAdminHandler(AdminDeps{
		Config:       cfg,
		Registry:     registry,
		Library:      store,
		Watcher:      w,
		Repositories: repos,
		Guard:        auth.NewGuard(cfg.Security.DeniedPrefixes, cfg.MCP.PortMin, cfg.MCP.PortMax),
		Hub:          hub,
	})

	return &adminFixture{e: h.Router(), registry: registry, watcher: w, repos: repos, hub: hub, repo: repo, port: port}
}

func decodeMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Message
}

func TestAdmin_ServerLifecycle(t *testing.T) {
	f := newAdminFixture(t)

	rec := doRequest(f.e, http.MethodPost, "/api/servers/repo-1/start", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "MCP Server for repository 'repo-1' started on port "+strconv.Itoa(f.port), decodeMessage(t, rec))

	rec = doRequest(f.e, http.MethodPost, "/api/servers/repo-1/start", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(f.e, http.MethodGet, "/api/servers/repo-1", "", nil)
	var status manager.ServerStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "repo-1", status.RepositoryID)
	assert.Equal(t, f.port, status.Port)
	assert.True(t, status.Running())
	assert.NotNil(t, status.StartedAt)

	rec = doRequest(f.e, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"port_range":[`+strconv.Itoa(f.port)+`,`+strconv.Itoa(f.port)+`]`)

	stored, err := f.repos.GetRepository(context.Background(), "repo-1")
	require.NoError(t, err)
	require.NotNil(t, stored.MCPServer)
	assert.Equal(t, models.StatusRunning, stored.MCPServer.Status)

	// 实例通过真实端口提供 JSON-RPC
	resp, err := http.Post("http://127.0.0.1:"+strconv.Itoa(f.port)+"/rpc", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"prompts/get","params":{"name":"test_prompt"}}`))
	require.NoError(t, err)
	var rpcResp rpc.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcResp))
	resp.Body.Close()
	require.Nil(t, rpcResp.Error)
	assert.Contains(t, string(rpcResp.Result), "hello")

	rec = doRequest(f.e, http.MethodPost, "/api/servers/repo-1/reload", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Reloaded 1 prompts and 1 endpoints for repository 'repo-1'", decodeMessage(t, rec))

	rec = doRequest(f.e, http.MethodPost, "/api/servers/repo-1/load", `{"path":"`+f.repo+`"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doRequest(f.e, http.MethodPost, "/api/servers/repo-1/stop", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MCP Server for repository 'repo-1' stopped", decodeMessage(t, rec))

	rec = doRequest(f.e, http.MethodPost, "/api/servers/repo-1/stop", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(f.e, http.MethodPost, "/api/servers/repo-1/reload", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Agent library reloaded (1 prompts, 1 endpoints), but no MCP server is running", decodeMessage(t, rec))

	rec = doRequest(f.e, http.MethodPost, "/api/servers/repo-1/load", `{"path":"`+f.repo+`"}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_Security(t *testing.T) {
	f := newAdminFixture(t)

	rec := doRequest(f.e, http.MethodPost, "/api/servers/repo-2/start", `{"path":"/etc/passwd"}`, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(f.e, http.MethodPost, "/api/servers/repo-2/start", `{"path":"relative/repo"}`, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(f.e, http.MethodPost, "/api/servers/repo-1/start", `{"port":8080}`, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, decodeMessage(t, rec), "port must be in range")

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.RemoteAddr = "10.0.0.8:1234"
	out := httptest.NewRecorder()
	f.e.ServeHTTP(out, req)
	assert.Equal(t, http.StatusForbidden, out.Code)
}

func TestAdmin_Repositories(t *testing.T) {
	f := newAdminFixture(t)

	other := createRepo(t)
	rec := doRequest(f.e, http.MethodPost, "/api/repositories", `{"name":"Other","path":"`+other+`","is_active":true}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var saved models.RepositoryConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &saved))
	assert.NotEmpty(t, saved.ID)

	rec = doRequest(f.e, http.MethodGet, "/api/repositories", "", nil)
	var repos []models.RepositoryConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &repos))
	assert.Len(t, repos, 2)

	rec = doRequest(f.e, http.MethodDelete, "/api/repositories/"+saved.ID, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(f.e, http.MethodGet, "/api/repositories/"+saved.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(f.e, http.MethodPost, "/api/scan", `{"roots":["`+filepath.Dir(f.repo)+`"]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), f.repo)
}

func TestAdmin_SavePrompt(t *testing.T) {
	f := newAdminFixture(t)

	rec := doRequest(f.e, http.MethodPut, "/api/repositories/repo-1/prompts/test_prompt", `{"content":"rewritten"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	data, err := os.ReadFile(filepath.Join(f.repo, library.DirName, "test_prompt.md"))
	require.NoError(t, err)
	assert.Equal(t, "rewritten", string(data))

	rec = doRequest(f.e, http.MethodPut, "/api/repositories/repo-1/prompts/test_prompt", `{"content":"`+strings.Repeat("x", 100)+`"}`, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(f.e, http.MethodPut, "/api/repositories/repo-1/prompts/missing", `{"content":"x"}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_WatchAndEvents(t *testing.T) {
	f := newAdminFixture(t)
	srv := httptest.NewServer(f.e)
	defer srv.Close()

	rec := doRequest(f.e, http.MethodPost, "/api/watches/repo-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doRequest(f.e, http.MethodGet, "/api/watches", "", nil)
	assert.JSONEq(t, `["repo-1"]`, rec.Body.String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get(echo.HeaderContentType))

	require.Eventually(t, func() bool { return f.hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	changed := filepath.Join(f.repo, library.DirName, "new.md")
	require.NoError(t, os.WriteFile(changed, []byte("new"), 0o644))

	scanner := bufio.NewScanner(resp.Body)
	var sawEvent bool
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: "+EventFileChange {
			sawEvent = true
			continue
		}
		if sawEvent && strings.HasPrefix(line, "data: ") {
			var event models.FileChangeEvent
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event))
			assert.Equal(t, "repo-1", event.RepositoryID)
			assert.Equal(t, changed, event.FilePath)
			break
		}
	}
	assert.True(t, sawEvent)

	rec = doRequest(f.e, http.MethodDelete, "/api/watches/repo-1", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(f.e, http.MethodDelete, "/api/watches/repo-1", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventHub_DropsForSlowSubscribers(t *testing.T) {
	t.Parallel()

	hub := NewEventHub()
	ch := hub.subscribe()
	defer hub.unsubscribe(ch)

	for range subscriberBuffer {
		require.NoError(t, hub.Notify(models.FileChangeEvent{RepositoryID: "r"}))
	}
	assert.Error(t, hub.Notify(models.FileChangeEvent{RepositoryID: "r"}))
	assert.Len(t, ch, subscriberBuffer)
}

func TestEventHub_CloseEndsStreamsOnShutdown(t *testing.T) {
	t.Parallel()

	hub := NewEventHub()
	e := echo.New()
	e.GET("/events", hub.ServeSSE)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: e, ReadHeaderTimeout: time.Second}
	srv.RegisterOnShutdown(hub.Close)
	go func() { _ = srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, srv.Shutdown(ctx))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, hub.Subscribers())

	// 关闭后的新连接立即被拒绝
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
