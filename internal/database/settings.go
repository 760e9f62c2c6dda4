package database

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/kubotak-is/librarian/internal/errs"
	"github.com/kubotak-is/librarian/internal/models"
)

// JSONStore 以单个 JSON 文档保存应用设置与仓库记录
type JSONStore struct {
	path string
	mu   sync.Mutex
}

// NewJSONStore 创建 JSON 文档存储，文件在首次写入时创建
func NewJSONStore(path string) *JSONStore {
	return &JSONStore{path: path}
}

// Close 实现 RepositoryStore
func (s *JSONStore) Close() error {
	return nil
}

// Settings 读取完整设置文档，文件不存在时返回默认值
func (s *JSONStore) Settings(_ context.Context) (models.AppSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// SaveSettings 覆盖完整设置文档
func (s *JSONStore) SaveSettings(_ context.Context, settings models.AppSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(settings)
}

// ListRepositories 获取全部仓库记录
func (s *JSONStore) ListRepositories(ctx context.Context) ([]models.RepositoryConfig, error) {
	settings, err := s.Settings(ctx)
	if err != nil {
		return nil, err
	}
	return settings.Repositories, nil
}

// GetRepository 根据 id 获取仓库记录
func (s *JSONStore) GetRepository(ctx context.Context, id string) (models.RepositoryConfig, error) {
	settings, err := s.Settings(ctx)
	if err != nil {
		return models.RepositoryConfig{}, err
	}
	repo, ok := settings.GetRepository(id)
	if !ok {
		return models.RepositoryConfig{}, fmt.Errorf("%w: repository '%s' not found", errs.ErrNotFound, id)
	}
	return repo, nil
}

// SaveRepository 添加或替换仓库记录
func (s *JSONStore) SaveRepository(_ context.Context, repo models.RepositoryConfig) (models.RepositoryConfig, error) {
	repo = prepareRecord(repo)

	err := s.update(func(settings *models.AppSettings) (bool, error) {
		settings.AddRepository(repo)
		return true, nil
	})
	if err != nil {
		return models.RepositoryConfig{}, err
	}
	return repo, nil
}

// RemoveRepository 删除仓库记录，返回是否存在
func (s *JSONStore) RemoveRepository(_ context.Context, id string) (bool, error) {
	var removed bool
	err := s.update(func(settings *models.AppSettings) (bool, error) {
		removed = settings.RemoveRepository(id)
		return removed, nil
	})
	return removed, err
}

// UpdateServerStatus 回写仓库的服务器端口与状态
func (s *JSONStore) UpdateServerStatus(_ context.Context, id string, port int, status string) error {
	return s.update(func(settings *models.AppSettings) (bool, error) {
		updated := settings.UpdateRepository(id, func(repo *models.RepositoryConfig) {
			repo.MCPServer = &models.MCPServerConfig{Port: port, Status: status}
			repo.Touch()
		})
		if !updated {
			return false, fmt.Errorf("%w: repository '%s' not found", errs.ErrNotFound, id)
		}
		return true, nil
	})
}

// update 在同一把锁内完成读取、修改与写回
func (s *JSONStore) update(fn func(*models.AppSettings) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings, err := s.load()
	if err != nil {
		return err
	}
	changed, err := fn(&settings)
	if err != nil || !changed {
		return err
	}
	return s.save(settings)
}

func (s *JSONStore) load() (models.AppSettings, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return models.DefaultAppSettings(), nil
	}
	if err != nil {
		return models.AppSettings{}, fmt.Errorf("%w: failed to read config file: %v", errs.ErrIO, err)
	}

	var settings models.AppSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return models.AppSettings{}, fmt.Errorf("%w: failed to parse config: %v", errs.ErrParse, err)
	}
	if settings.Repositories == nil {
		settings.Repositories = []models.RepositoryConfig{}
	}
	return settings, nil
}

func (s *JSONStore) save(settings models.AppSettings) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("%w: failed to create config directory: %v", errs.ErrIO, err)
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: failed to write config file: %v", errs.ErrIO, err)
	}
	return nil
}
