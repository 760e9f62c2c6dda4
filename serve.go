package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kubotak-is/librarian/internal/auth"
	"github.com/kubotak-is/librarian/internal/config"
	"github.com/kubotak-is/librarian/internal/database"
	"github.com/kubotak-is/librarian/internal/handlers"
	"github.com/kubotak-is/librarian/internal/library"
	"github.com/kubotak-is/librarian/internal/logger"
	"github.com/kubotak-is/librarian/internal/manager"
	"github.com/kubotak-is/librarian/internal/models"
	"github.com/kubotak-is/librarian/internal/watcher"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control API and MCP servers for registered repositories",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	// 配置日志
	closer, err := logger.Setup(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(orBackground(parent), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting librarian with config: %s", cfg.Server.GetServerAddr())

	// 仓库记录存储
	repos, err := database.Open(cfg.Storage)
	if err != nil {
		return err
	}
	defer repos.Close()

	// 上次进程残留的运行状态
	if n, err := database.ResetStaleStatuses(ctx, repos); err != nil {
		logger.Warn("Failed to reset stale server statuses: %v", err)
	} else if n > 0 {
		logger.Info("Reset %d stale server statuses", n)
	}

	store := library.NewStore()
	guard := auth.NewGuard(cfg.Security.DeniedPrefixes, cfg.MCP.PortMin, cfg.MCP.PortMax)

	registry := manager.NewRegistry(store, func(inst *manager.ServerInstance) http.Handler {
		return handlers.NewMCPRouter(inst, cfg.MCP)
	}, manager.OptionsFromConfig(cfg))
	registry.SetStatusRecorder(repos)

	w := watcher.New(cfg.Watcher.Interval, cfg.Watcher.IgnorePatterns)
	defer w.Close()

	hub := handlers.NewEventHub()
	w.Subscribe(hub)

	if cfg.Watcher.AutoReload {
		auto := manager.NewAutoReloader(registry, cfg.Watcher.AutoReloadDelay, hub.PublishReload)
		w.Subscribe(auto)
		defer auto.Close()
		logger.Info("Auto reload enabled (delay %s)", cfg.Watcher.AutoReloadDelay)
	}

	admin := handlers.NewAdminHandler(handlers.AdminDeps{
		Config:       cfg,
		Registry:     registry,
		Library:      store,
		Watcher:      w,
		Repositories: repos,
		Guard:        guard,
		Hub:          hub,
		Loopback:     auth.NewLoopbackMiddleware(true),
	})

	autoStart(ctx, cfg, repos, registry, w, guard)

	srv := &http.Server{
		Addr:              cfg.Server.GetServerAddr(),
		Handler:           admin.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// SSE 连接不会随 Shutdown 结束，需要主动关闭
	srv.RegisterOnShutdown(hub.Close)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Control API listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serveErr:
		if err != nil {
			logger.Error("Control API failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Control API shutdown: %v", err)
	}
	if err := registry.StopAll(shutdownCtx); err != nil {
		logger.Warn("Failed to stop MCP servers: %v", err)
	}

	logger.Info("Shutdown complete")
	return nil
}

// autoStart 为启用的仓库启动服务器与文件监听，单个仓库失败只记录日志
func autoStart(ctx context.Context, cfg *config.Config, repos database.RepositoryStore, registry *manager.Registry, w *watcher.Watcher, guard *auth.Guard) {
	startServers := cfg.Repositories.AutoStart
	if js, ok := repos.(*database.JSONStore); ok {
		if settings, err := js.Settings(ctx); err == nil {
			startServers = startServers && settings.AutoStartServers
		}
	}
	if !startServers && !cfg.Repositories.AutoWatch {
		return
	}

	active, err := database.ActiveRepositories(ctx, repos)
	if err != nil {
		logger.Error("Failed to list repositories: %v", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, repo := range active {
		g.Go(func() error {
			if err := guard.ValidatePath(repo.Path); err != nil {
				logger.Warn("Skipping repository %s: %v", repo.ID, err)
				return nil
			}
			if startServers {
				startRepository(gctx, registry, guard, repo)
			}
			if cfg.Repositories.AutoWatch {
				if err := w.Watch(repo.ID, repo.Path); err != nil {
					logger.Warn("Failed to watch repository %s: %v", repo.ID, err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// startRepository 优先使用记录中的端口，不可用时自动选择
func startRepository(ctx context.Context, registry *manager.Registry, guard *auth.Guard, repo models.RepositoryConfig) {
	if repo.MCPServer != nil && repo.MCPServer.Port != 0 && guard.ValidatePort(repo.MCPServer.Port) == nil {
		if _, err := registry.Start(ctx, repo.ID, repo.Path, repo.MCPServer.Port); err == nil {
			return
		}
	}
	if _, err := registry.Start(ctx, repo.ID, repo.Path, 0); err != nil {
		logger.Warn("Failed to auto-start repository %s: %v", repo.ID, err)
	}
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
