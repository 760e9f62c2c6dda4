package manager

import (
	"context"
	"net/http"

	"github.com/kubotak-is/librarian/internal/models"
)

// LibraryLoader 库加载接口
type LibraryLoader interface {
	Load(repoPath string) (models.AgentLibrary, error)
	Invalidate(repoPath string)
}

// StatusRecorder 服务器状态回写接口
type StatusRecorder interface {
	UpdateServerStatus(ctx context.Context, repositoryID string, port int, status string) error
}

// HandlerFactory 为服务器实例创建 HTTP 处理器
type HandlerFactory func(inst *ServerInstance) http.Handler

// ServerRegistryInterface 服务器注册表接口
type ServerRegistryInterface interface {
	Start(ctx context.Context, repositoryID, libraryPath string, port int) (int, error)
	Stop(ctx context.Context, repositoryID string) error
	Status(repositoryID string) ServerStatus
	List() []ServerStatus
	Load(repositoryID string, libs []models.AgentLibrary) (LoadResult, error)
	Reload(repositoryID, repoPath string) (ReloadResult, error)
}
