package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/kubotak-is/librarian/internal/auth"
	"github.com/kubotak-is/librarian/internal/config"
	"github.com/kubotak-is/librarian/internal/database"
	"github.com/kubotak-is/librarian/internal/errs"
	"github.com/kubotak-is/librarian/internal/library"
	"github.com/kubotak-is/librarian/internal/logger"
	"github.com/kubotak-is/librarian/internal/manager"
	"github.com/kubotak-is/librarian/internal/models"
)

// LibraryService 库读取与写回
type LibraryService interface {
	Load(repoPath string) (models.AgentLibrary, error)
	SavePrompt(repoPath, promptID, content string, maxBytes int64) error
}

// WatchService 文件监听操作
type WatchService interface {
	Watch(repositoryID, repoPath string) error
	Unwatch(repositoryID string) bool
	List() []string
}

// AdminDeps 管理接口依赖
type AdminDeps struct {
	Config       *config.Config
	Registry     manager.ServerRegistryInterface
	Library      LibraryService
	Watcher      WatchService
	Repositories database.RepositoryStore
	Guard        *auth.Guard
	Hub          *EventHub
	Loopback     *auth.LoopbackMiddleware
}

// AdminHandler 控制面 HTTP 接口
type AdminHandler struct {
	AdminDeps
}

// NewAdminHandler 创建管理接口处理器
func NewAdminHandler(deps AdminDeps) *AdminHandler {
	if deps.Loopback == nil {
		deps.Loopback = auth.NewLoopbackMiddleware(true)
	}
	if deps.Hub == nil {
		deps.Hub = NewEventHub()
	}
	return &AdminHandler{AdminDeps: deps}
}

type messageResponse struct {
	Message string `json:"message"`
}

type startRequest struct {
	Path string `json:"path"`
	Port int    `json:"port"`
}

type pathRequest struct {
	Path string `json:"path"`
}

type promptRequest struct {
	Content string `json:"content"`
}

type scanRequest struct {
	Roots []string `json:"roots"`
}

// Router 创建管理接口路由
func (h *AdminHandler) Router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(requestLogger())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{h.Config.MCP.AllowedOrigin},
	}))

	group := e.Group("/api", h.Loopback.Middleware)

	group.GET("/health", h.health)

	// 仓库记录
	group.GET("/repositories", h.listRepositories)
	group.POST("/repositories", h.addRepository)
	group.GET("/repositories/:id", h.getRepository)
	group.DELETE("/repositories/:id", h.removeRepository)
	group.PUT("/repositories/:id/prompts/:prompt", h.savePrompt)

	// 服务器生命周期
	group.GET("/servers", h.listServers)
	group.GET("/servers/:id", h.serverStatus)
	group.POST("/servers/:id/start", h.startServer)
	group.POST("/servers/:id/stop", h.stopServer)
	group.POST("/servers/:id/load", h.loadServer)
	group.POST("/servers/:id/reload", h.reloadServer)

	// 文件监听
	group.GET("/watches", h.listWatches)
	group.POST("/watches/:id", h.watch)
	group.DELETE("/watches/:id", h.unwatch)

	group.POST("/scan", h.scan)
	group.GET("/events", h.Hub.ServeSSE)

	return e
}

func (h *AdminHandler) health(c echo.Context) error {
	portMin, portMax := h.Guard.PortRange()
	return c.JSON(http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    h.Config.MCP.ServerVersion,
		"servers":    len(h.Registry.List()),
		"watches":    len(h.Watcher.List()),
		"port_range": []int{portMin, portMax},
	})
}

func (h *AdminHandler) listRepositories(c echo.Context) error {
	repos, err := h.Repositories.ListRepositories(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, repos)
}

func (h *AdminHandler) getRepository(c echo.Context) error {
	repo, err := h.Repositories.GetRepository(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, repo)
}

func (h *AdminHandler) addRepository(c echo.Context) error {
	var repo models.RepositoryConfig
	if err := c.Bind(&repo); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}
	if repo.Path == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "path is required")
	}
	if err := h.Guard.ValidatePath(repo.Path); err != nil {
		return httpError(err)
	}

	saved, err := h.Repositories.SaveRepository(c.Request().Context(), repo)
	if err != nil {
		return httpError(err)
	}
	logger.Info("Repository saved: %s (%s)", saved.ID, saved.Path)
	return c.JSON(http.StatusCreated, saved)
}

func (h *AdminHandler) removeRepository(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if h.Registry.Status(id).Running() {
		if err := h.Registry.Stop(ctx, id); err != nil && !errors.Is(err, errs.ErrNotFound) {
			return httpError(err)
		}
	}
	h.Watcher.Unwatch(id)

	removed, err := h.Repositories.RemoveRepository(ctx, id)
	if err != nil {
		return httpError(err)
	}
	if !removed {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("Repository '%s' not found", id))
	}
	return c.JSON(http.StatusOK, messageResponse{Message: fmt.Sprintf("Repository '%s' removed", id)})
}

func (h *AdminHandler) savePrompt(c echo.Context) error {
	var req promptRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}

	repoPath, err := h.resolvePath(c.Request().Context(), c.Param("id"), "")
	if err != nil {
		return httpError(err)
	}

	promptID := c.Param("prompt")
	if err := h.Library.SavePrompt(repoPath, promptID, req.Content, h.Config.Security.MaxPromptBytes); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, messageResponse{Message: fmt.Sprintf("Prompt '%s' saved", promptID)})
}

func (h *AdminHandler) listServers(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Registry.List())
}

func (h *AdminHandler) serverStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Registry.Status(c.Param("id")))
}

func (h *AdminHandler) startServer(c echo.Context) error {
	var req startRequest
	if err := bindOptional(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	id := c.Param("id")
	repoPath, err := h.resolvePath(ctx, id, req.Path)
	if err != nil {
		return httpError(err)
	}

	port, err := h.Registry.Start(ctx, id, repoPath, req.Port)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, messageResponse{
		Message: fmt.Sprintf("MCP Server for repository '%s' started on port %d", id, port),
	})
}

func (h *AdminHandler) stopServer(c echo.Context) error {
	id := c.Param("id")
	if err := h.Registry.Stop(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, messageResponse{Message: fmt.Sprintf("MCP Server for repository '%s' stopped", id)})
}

func (h *AdminHandler) loadServer(c echo.Context) error {
	var req pathRequest
	if err := bindOptional(c, &req); err != nil {
		return err
	}

	id := c.Param("id")
	repoPath, err := h.resolvePath(c.Request().Context(), id, req.Path)
	if err != nil {
		return httpError(err)
	}

	lib, err := h.Library.Load(repoPath)
	if err != nil {
		return httpError(fmt.Errorf("failed to parse agent library: %w", err))
	}

	result, err := h.Registry.Load(id, []models.AgentLibrary{lib})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *AdminHandler) reloadServer(c echo.Context) error {
	var req pathRequest
	if err := bindOptional(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	id := c.Param("id")

	repoPath := req.Path
	if repoPath == "" && !h.Registry.Status(id).Running() {
		resolved, err := h.resolvePath(ctx, id, "")
		if err != nil {
			return httpError(err)
		}
		repoPath = resolved
	} else if repoPath != "" {
		if err := h.Guard.ValidatePath(repoPath); err != nil {
			return httpError(err)
		}
	}

	result, err := h.Registry.Reload(id, repoPath)
	if err != nil {
		return httpError(err)
	}
	h.Hub.PublishReload(result)
	return c.JSON(http.StatusOK, result)
}

func (h *AdminHandler) listWatches(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Watcher.List())
}

func (h *AdminHandler) watch(c echo.Context) error {
	var req pathRequest
	if err := bindOptional(c, &req); err != nil {
		return err
	}

	id := c.Param("id")
	repoPath, err := h.resolvePath(c.Request().Context(), id, req.Path)
	if err != nil {
		return httpError(err)
	}

	if err := h.Watcher.Watch(id, repoPath); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, messageResponse{Message: fmt.Sprintf("Watching repository '%s'", id)})
}

func (h *AdminHandler) unwatch(c echo.Context) error {
	id := c.Param("id")
	if !h.Watcher.Unwatch(id) {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("Repository '%s' is not being watched", id))
	}
	return c.JSON(http.StatusOK, messageResponse{Message: fmt.Sprintf("Stopped watching repository '%s'", id)})
}

func (h *AdminHandler) scan(c echo.Context) error {
	var req scanRequest
	if err := bindOptional(c, &req); err != nil {
		return err
	}

	roots := req.Roots
	if len(roots) == 0 {
		roots = h.Config.Repositories.SearchRoots
	}
	for _, root := range roots {
		if err := h.Guard.ValidatePath(root); err != nil {
			return httpError(err)
		}
	}

	return c.JSON(http.StatusOK, library.FindRepositories(roots))
}

// resolvePath 优先使用请求中的路径，否则读取仓库记录中的路径，并做安全校验
func (h *AdminHandler) resolvePath(ctx context.Context, id, requested string) (string, error) {
	path := requested
	if path == "" {
		if h.Repositories == nil {
			return "", fmt.Errorf("%w: path is required", errs.ErrInvalidParams)
		}
		repo, err := h.Repositories.GetRepository(ctx, id)
		if err != nil {
			return "", err
		}
		path = repo.Path
	}

	if err := h.Guard.ValidatePath(path); err != nil {
		return "", err
	}
	return path, nil
}

// bindOptional 允许空请求体
func bindOptional(c echo.Context, v any) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

// httpError 将错误分类映射为 HTTP 状态码
func httpError(err error) *echo.HTTPError {
	status := http.StatusInternalServerError
	switch errs.Kind(err) {
	case "NotFound", "MethodNotFound":
		status = http.StatusNotFound
	case "ParseError":
		status = http.StatusUnprocessableEntity
	case "InvalidParams":
		status = http.StatusBadRequest
	case "ResourceExhausted":
		status = http.StatusServiceUnavailable
	case "SecurityRejected":
		status = http.StatusForbidden
	case "Conflict":
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		logger.Error("Admin request failed: %v", err)
	}
	return echo.NewHTTPError(status, err.Error())
}
