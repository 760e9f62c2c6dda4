package manager

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/kubotak-is/librarian/internal/cache"
	"github.com/kubotak-is/librarian/internal/logger"
	"github.com/kubotak-is/librarian/internal/models"
	"github.com/kubotak-is/librarian/internal/rpc"
)

// ServerInstance 一个仓库对应的 MCP 服务器实例
type ServerInstance struct {
	RepositoryID string
	LibraryPath  string
	Port         int
	StartedAt    time.Time

	mu         sync.RWMutex
	libraries  []models.AgentLibrary
	generation uint64
	responses  *cache.ResponseCache
	dispatcher *rpc.Dispatcher

	server   *http.Server
	done     chan struct{}
	serveErr error
}

func newServerInstance(repositoryID, libraryPath string, port int, lib models.AgentLibrary, opts Options) *ServerInstance {
	responses := cache.New(opts.CacheCleanup)
	return &ServerInstance{
		RepositoryID: repositoryID,
		LibraryPath:  libraryPath,
		Port:         port,
		StartedAt:    time.Now(),
		libraries:    []models.AgentLibrary{lib},
		responses:    responses,
		dispatcher:   rpc.NewDispatcher(responses, opts.PromptListTTL, opts.ServerName, opts.ServerVersion),
		done:         make(chan struct{}),
	}
}

// Libraries 返回当前库集合的快照
func (i *ServerInstance) Libraries() []models.AgentLibrary {
	return i.snapshot().Libraries
}

// ReplaceLibraries 整体替换库集合并清空响应缓存
func (i *ServerInstance) ReplaceLibraries(libs []models.AgentLibrary) {
	next := make([]models.AgentLibrary, len(libs))
	copy(next, libs)

	i.mu.Lock()
	i.libraries = next
	i.generation++
	i.mu.Unlock()

	i.responses.Flush()
}

// snapshot 同时读取库集合与代数，替换前取得的快照不会写入替换后的缓存条目
func (i *ServerInstance) snapshot() rpc.Snapshot {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return rpc.Snapshot{Libraries: i.libraries, Generation: i.generation}
}

// Handle 使用当前库集合处理一个 JSON-RPC 请求
func (i *ServerInstance) Handle(_ context.Context, req *rpc.Request) *rpc.Response {
	return i.dispatcher.DispatchSnapshot(req, i.snapshot())
}

func (i *ServerInstance) status() ServerStatus {
	startedAt := i.StartedAt
	return ServerStatus{
		RepositoryID: i.RepositoryID,
		Port:         i.Port,
		Status:       models.StatusRunning,
		StartedAt:    &startedAt,
	}
}

// Err 等待监听结束并返回异常退出的错误
func (i *ServerInstance) Err() error {
	<-i.done
	return i.serveErr
}

func (i *ServerInstance) serve(ln net.Listener, handler http.Handler) {
	i.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		defer close(i.done)
		err := i.server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			i.serveErr = err
			logger.ErrorWithFields("MCP server stopped unexpectedly", map[string]interface{}{
				"repository_id": i.RepositoryID,
				"port":          i.Port,
				"error":         err,
			})
		}
	}()
}

// shutdown 停止监听，超时后强制关闭连接
func (i *ServerInstance) shutdown(ctx context.Context, timeout time.Duration) error {
	if i.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := i.server.Shutdown(shutdownCtx); err != nil {
		_ = i.server.Close()
	}
	<-i.done
	return nil
}
