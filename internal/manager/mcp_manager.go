package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kubotak-is/librarian/internal/auth"
	"github.com/kubotak-is/librarian/internal/config"
	"github.com/kubotak-is/librarian/internal/errs"
	"github.com/kubotak-is/librarian/internal/logger"
	"github.com/kubotak-is/librarian/internal/models"
)

// Options 注册表运行参数
type Options struct {
	Host            string
	PortMin         int
	PortMax         int
	ServerName      string
	ServerVersion   string
	PromptListTTL   time.Duration
	CacheCleanup    time.Duration
	ShutdownTimeout time.Duration
}

// OptionsFromConfig 从配置构建注册表参数
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Host:            cfg.MCP.Host,
		PortMin:         cfg.MCP.PortMin,
		PortMax:         cfg.MCP.PortMax,
		ServerName:      cfg.MCP.ServerName,
		ServerVersion:   cfg.MCP.ServerVersion,
		PromptListTTL:   cfg.Cache.PromptListTTL,
		CacheCleanup:    cfg.Cache.CleanupInterval,
		ShutdownTimeout: 5 * time.Second,
	}
}

// ServerStatus 服务器状态
type ServerStatus struct {
	RepositoryID string     `json:"repository_id"`
	Port         int        `json:"port,omitempty"`
	Status       string     `json:"status"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
}

// Running 是否运行中
func (s ServerStatus) Running() bool {
	return s.Status == models.StatusRunning
}

// LoadResult load 操作结果
type LoadResult struct {
	RepositoryID string `json:"repository_id"`
	Prompts      int    `json:"prompts"`
	Endpoints    int    `json:"endpoints"`
	Message      string `json:"message"`
}

// ReloadResult reload 操作结果
type ReloadResult struct {
	RepositoryID string `json:"repository_id"`
	Prompts      int    `json:"prompts"`
	Endpoints    int    `json:"endpoints"`
	Running      bool   `json:"running"`
	Message      string `json:"message"`
}

// Registry 管理所有仓库的 MCP 服务器实例
//
// 同一仓库 id 在停止之前不能再次启动；正在启动中的 id 通过 pending 占位，
// 保证并发启动时至多一个实例绑定端口。
type Registry struct {
	loader     LibraryLoader
	newHandler HandlerFactory
	guard      *auth.Guard
	opts       Options
	recorder   StatusRecorder

	mu        sync.Mutex
	instances map[string]*ServerInstance
	pending   map[string]struct{}
}

// NewRegistry 创建新的服务器注册表
func NewRegistry(loader LibraryLoader, newHandler HandlerFactory, opts Options) *Registry {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	return &Registry{
		loader:     loader,
		newHandler: newHandler,
		guard:      auth.NewGuard(nil, opts.PortMin, opts.PortMax),
		opts:       opts,
		instances:  make(map[string]*ServerInstance),
		pending:    make(map[string]struct{}),
	}
}

// SetStatusRecorder 设置状态回写目标
func (r *Registry) SetStatusRecorder(recorder StatusRecorder) {
	r.recorder = recorder
}

// Start 为仓库启动 MCP 服务器，port 为 0 时在保留范围内自动选择
func (r *Registry) Start(ctx context.Context, repositoryID, libraryPath string, port int) (int, error) {
	if port != 0 {
		if err := r.guard.ValidatePort(port); err != nil {
			return 0, err
		}
	}

	if err := r.reserve(repositoryID); err != nil {
		return 0, err
	}
	defer r.release(repositoryID)

	lib, err := r.loader.Load(libraryPath)
	if err != nil {
		return 0, fmt.Errorf("failed to parse agent library: %w", err)
	}

	ln, err := r.listen(port)
	if err != nil {
		r.record(ctx, repositoryID, port, models.StatusError)
		return 0, err
	}
	boundPort := ln.Addr().(*net.TCPAddr).Port

	inst := newServerInstance(repositoryID, libraryPath, boundPort, lib, r.opts)
	inst.serve(ln, r.newHandler(inst))

	r.mu.Lock()
	r.instances[repositoryID] = inst
	r.mu.Unlock()

	logger.InfoWithFields("MCP server started", map[string]interface{}{
		"repository_id": repositoryID,
		"port":          boundPort,
		"prompts":       len(lib.Prompts),
	})
	r.record(ctx, repositoryID, boundPort, models.StatusRunning)

	go r.watchExit(inst)

	return boundPort, nil
}

// Stop 停止仓库的 MCP 服务器
func (r *Registry) Stop(ctx context.Context, repositoryID string) error {
	r.mu.Lock()
	inst, ok := r.instances[repositoryID]
	if ok {
		delete(r.instances, repositoryID)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: no MCP server found for repository '%s'", errs.ErrNotFound, repositoryID)
	}

	if err := inst.shutdown(ctx, r.opts.ShutdownTimeout); err != nil {
		return fmt.Errorf("%w: failed to stop server for repository '%s': %v", errs.ErrIO, repositoryID, err)
	}

	logger.InfoWithFields("MCP server stopped", map[string]interface{}{
		"repository_id": repositoryID,
		"port":          inst.Port,
	})
	r.record(ctx, repositoryID, inst.Port, models.StatusStopped)
	return nil
}

// StopAll 并行停止全部服务器
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			err := r.Stop(gctx, id)
			if errors.Is(err, errs.ErrNotFound) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// Status 查询仓库服务器状态
func (r *Registry) Status(repositoryID string) ServerStatus {
	r.mu.Lock()
	inst, ok := r.instances[repositoryID]
	r.mu.Unlock()

	if !ok {
		return ServerStatus{RepositoryID: repositoryID, Status: models.StatusStopped}
	}
	return inst.status()
}

// List 返回全部运行中服务器的状态，按仓库 id 排序
func (r *Registry) List() []ServerStatus {
	r.mu.Lock()
	out := make([]ServerStatus, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst.status())
	}
	r.mu.Unlock()

	sort.Slice(out, func(a, b int) bool { return out[a].RepositoryID < out[b].RepositoryID })
	return out
}

// Instance 获取运行中的实例
func (r *Registry) Instance(repositoryID string) (*ServerInstance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[repositoryID]
	return inst, ok
}

// Load 用新的库集合整体替换运行中实例的库集合
func (r *Registry) Load(repositoryID string, libs []models.AgentLibrary) (LoadResult, error) {
	inst, ok := r.Instance(repositoryID)
	if !ok {
		return LoadResult{}, fmt.Errorf("%w: MCP Server is not running. Please start the server first.", errs.ErrNotFound)
	}

	inst.ReplaceLibraries(libs)

	result := LoadResult{RepositoryID: repositoryID}
	for _, lib := range libs {
		result.Prompts += len(lib.Prompts)
		result.Endpoints += len(lib.Index.McpEndpoints)
	}
	result.Message = fmt.Sprintf("Loaded %d prompts and %d endpoints into repository '%s'", result.Prompts, result.Endpoints, repositoryID)

	logger.InfoWithFields("Agent libraries loaded", map[string]interface{}{
		"repository_id": repositoryID,
		"libraries":     len(libs),
		"prompts":       result.Prompts,
	})
	return result, nil
}

// Reload 从磁盘重新解析库，存在运行中实例时替换其库集合
//
// repoPath 为空时使用运行中实例记录的路径。
func (r *Registry) Reload(repositoryID, repoPath string) (ReloadResult, error) {
	inst, running := r.Instance(repositoryID)
	if repoPath == "" {
		if !running {
			return ReloadResult{}, fmt.Errorf("%w: repository path required when no MCP server is running for '%s'", errs.ErrInvalidParams, repositoryID)
		}
		repoPath = inst.LibraryPath
	}

	r.loader.Invalidate(repoPath)
	lib, err := r.loader.Load(repoPath)
	if err != nil {
		logger.ErrorWithFields("Failed to reload agent library", map[string]interface{}{
			"repository_id":   repositoryID,
			"repository_path": repoPath,
			"error":           err,
		})
		return ReloadResult{}, fmt.Errorf("failed to reload agent library: %w", err)
	}

	// 重新获取，避免替换到解析期间已被停止的实例
	inst, running = r.Instance(repositoryID)

	result := ReloadResult{
		RepositoryID: repositoryID,
		Prompts:      len(lib.Prompts),
		Endpoints:    len(lib.Index.McpEndpoints),
		Running:      running,
	}
	if running {
		inst.ReplaceLibraries([]models.AgentLibrary{lib})
		result.Message = fmt.Sprintf("Reloaded %d prompts and %d endpoints for repository '%s'", result.Prompts, result.Endpoints, repositoryID)
	} else {
		result.Message = fmt.Sprintf("Agent library reloaded (%d prompts, %d endpoints), but no MCP server is running", result.Prompts, result.Endpoints)
	}

	logger.Info("%s", result.Message)
	return result, nil
}

func (r *Registry) reserve(repositoryID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[repositoryID]; ok {
		return fmt.Errorf("%w: MCP server for repository '%s' is already running", errs.ErrConflict, repositoryID)
	}
	if _, ok := r.pending[repositoryID]; ok {
		return fmt.Errorf("%w: MCP server for repository '%s' is already starting", errs.ErrConflict, repositoryID)
	}
	r.pending[repositoryID] = struct{}{}
	return nil
}

func (r *Registry) release(repositoryID string) {
	r.mu.Lock()
	delete(r.pending, repositoryID)
	r.mu.Unlock()
}

// listen 绑定指定端口，或在保留范围内选择第一个可绑定的端口
func (r *Registry) listen(port int) (net.Listener, error) {
	if port != 0 {
		addr := net.JoinHostPort(r.opts.Host, fmt.Sprint(port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to bind to %s: %v", errs.ErrIO, addr, err)
		}
		return ln, nil
	}

	for p := r.opts.PortMin; p <= r.opts.PortMax; p++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(r.opts.Host, fmt.Sprint(p)))
		if err == nil {
			return ln, nil
		}
	}
	return nil, fmt.Errorf("%w: no available ports in range %d-%d", errs.ErrResourceExhausted, r.opts.PortMin, r.opts.PortMax)
}

// watchExit 监听异常退出时移除实例并回写错误状态
func (r *Registry) watchExit(inst *ServerInstance) {
	if inst.Err() == nil {
		return
	}

	r.mu.Lock()
	if current, ok := r.instances[inst.RepositoryID]; ok && current == inst {
		delete(r.instances, inst.RepositoryID)
	}
	r.mu.Unlock()

	r.record(context.Background(), inst.RepositoryID, inst.Port, models.StatusError)
}

// record 回写状态，失败只记录日志
func (r *Registry) record(ctx context.Context, repositoryID string, port int, status string) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.UpdateServerStatus(ctx, repositoryID, port, status); err != nil {
		logger.WarnWithFields("Failed to record server status", map[string]interface{}{
			"repository_id": repositoryID,
			"status":        status,
			"error":         err,
		})
	}
}
