package models

import "time"

// 服务器状态
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusError   = "error"
)

// MCPServerConfig 仓库关联的 MCP 服务器状态
type MCPServerConfig struct {
	Port   int    `json:"port" db:"mcp_port"`
	Status string `json:"status" db:"mcp_status"`
}

// RepositoryConfig 表示 repositories 表 / 设置文件中的一条仓库记录
type RepositoryConfig struct {
	ID          string           `json:"id" db:"id"`
	Name        string           `json:"name" db:"name"`
	Path        string           `json:"path" db:"path"`
	IsActive    bool             `json:"is_active" db:"is_active"`
	LastUpdated string           `json:"last_updated" db:"last_updated"`
	MCPServer   *MCPServerConfig `json:"mcp_server,omitempty"`
}

// NewRepositoryConfig 创建一条启用状态的仓库记录
func NewRepositoryConfig(id, name, path string) RepositoryConfig {
	return RepositoryConfig{
		ID:          id,
		Name:        name,
		Path:        path,
		IsActive:    true,
		LastUpdated: Now(),
	}
}

// Touch 刷新最后更新时间
func (r *RepositoryConfig) Touch() {
	r.LastUpdated = Now()
}

// IsRunning 记录中的服务器是否处于运行状态
func (r RepositoryConfig) IsRunning() bool {
	return r.MCPServer != nil && r.MCPServer.Status == StatusRunning
}

// AppSettings 设置文件的完整文档
type AppSettings struct {
	Repositories         []RepositoryConfig `json:"repositories"`
	LastOpenedRepository *string            `json:"last_opened_repository"`
	Theme                string             `json:"theme"`
	AutoStartServers     bool               `json:"auto_start_servers"`
}

// DefaultAppSettings 返回默认设置
func DefaultAppSettings() AppSettings {
	return AppSettings{
		Repositories:     []RepositoryConfig{},
		Theme:            "light",
		AutoStartServers: true,
	}
}

// AddRepository 添加仓库，id 相同时替换
func (s *AppSettings) AddRepository(repo RepositoryConfig) {
	for i := range s.Repositories {
		if s.Repositories[i].ID == repo.ID {
			s.Repositories[i] = repo
			return
		}
	}
	s.Repositories = append(s.Repositories, repo)
}

// RemoveRepository 删除仓库，返回是否存在
func (s *AppSettings) RemoveRepository(id string) bool {
	kept := s.Repositories[:0]
	for _, r := range s.Repositories {
		if r.ID != id {
			kept = append(kept, r)
		}
	}
	removed := len(kept) != len(s.Repositories)
	s.Repositories = kept
	return removed
}

// GetRepository 根据 id 获取仓库
func (s *AppSettings) GetRepository(id string) (RepositoryConfig, bool) {
	for _, r := range s.Repositories {
		if r.ID == id {
			return r, true
		}
	}
	return RepositoryConfig{}, false
}

// UpdateRepository 对指定仓库执行更新
func (s *AppSettings) UpdateRepository(id string, update func(*RepositoryConfig)) bool {
	for i := range s.Repositories {
		if s.Repositories[i].ID == id {
			update(&s.Repositories[i])
			return true
		}
	}
	return false
}

// ActiveRepositories 返回启用的仓库
func (s *AppSettings) ActiveRepositories() []RepositoryConfig {
	var out []RepositoryConfig
	for _, r := range s.Repositories {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out
}

// RunningServers 返回记录为运行中的仓库
func (s *AppSettings) RunningServers() []RepositoryConfig {
	var out []RepositoryConfig
	for _, r := range s.Repositories {
		if r.IsRunning() {
			out = append(out, r)
		}
	}
	return out
}

// Now 返回 RFC3339 格式的当前 UTC 时间
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
