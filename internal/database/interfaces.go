package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kubotak-is/librarian/internal/config"
	"github.com/kubotak-is/librarian/internal/models"
)

// RepositoryStore 仓库记录存储接口
type RepositoryStore interface {
	ListRepositories(ctx context.Context) ([]models.RepositoryConfig, error)
	GetRepository(ctx context.Context, id string) (models.RepositoryConfig, error)
	SaveRepository(ctx context.Context, repo models.RepositoryConfig) (models.RepositoryConfig, error)
	RemoveRepository(ctx context.Context, id string) (bool, error)
	UpdateServerStatus(ctx context.Context, id string, port int, status string) error
	Close() error
}

// Open 根据配置打开仓库记录存储
func Open(cfg config.StorageConfig) (RepositoryStore, error) {
	switch cfg.Driver {
	case "json":
		return NewJSONStore(cfg.Path), nil
	case "sqlite":
		return NewSQLStore("sqlite", cfg.Path)
	case "postgres":
		return NewSQLStore("postgres", cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

// ActiveRepositories 返回启用的仓库记录
func ActiveRepositories(ctx context.Context, store RepositoryStore) ([]models.RepositoryConfig, error) {
	repos, err := store.ListRepositories(ctx)
	if err != nil {
		return nil, err
	}
	settings := models.AppSettings{Repositories: repos}
	return settings.ActiveRepositories(), nil
}

// ResetStaleStatuses 进程启动时将记录为运行中的仓库改回 stopped，返回修改的条数
func ResetStaleStatuses(ctx context.Context, store RepositoryStore) (int, error) {
	repos, err := store.ListRepositories(ctx)
	if err != nil {
		return 0, err
	}
	settings := models.AppSettings{Repositories: repos}

	reset := 0
	for _, repo := range settings.RunningServers() {
		if err := store.UpdateServerStatus(ctx, repo.ID, repo.MCPServer.Port, models.StatusStopped); err != nil {
			return reset, fmt.Errorf("failed to reset status for repository %s: %w", repo.ID, err)
		}
		reset++
	}
	return reset, nil
}

// prepareRecord 补全 id 并刷新更新时间
func prepareRecord(repo models.RepositoryConfig) models.RepositoryConfig {
	if repo.ID == "" {
		repo.ID = uuid.NewString()
	}
	repo.Touch()
	return repo
}
