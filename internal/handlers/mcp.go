package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/kubotak-is/librarian/internal/config"
	"github.com/kubotak-is/librarian/internal/errs"
	"github.com/kubotak-is/librarian/internal/logger"
	"github.com/kubotak-is/librarian/internal/rpc"
)

// RPCEndpoint 处理 JSON-RPC 请求的服务器实例
type RPCEndpoint interface {
	Handle(ctx context.Context, req *rpc.Request) *rpc.Response
}

// NewMCPRouter 创建单个仓库 MCP 服务器的 HTTP 路由
func NewMCPRouter(endpoint RPCEndpoint, cfg config.MCPConfig) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(requestLogger())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{cfg.AllowedOrigin},
		AllowMethods: []string{http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType},
	}))
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}

	h := &mcpHandler{endpoint: endpoint}
	e.POST("/", h.handleRPC)
	e.POST("/rpc", h.handleRPC)

	return e
}

type mcpHandler struct {
	endpoint RPCEndpoint
}

// handleRPC 解析 JSON-RPC 请求并返回响应，协议层错误同样以 200 返回错误对象
func (h *mcpHandler) handleRPC(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusOK, rpc.NewErrorResponse(nil, rpc.NewError(rpc.CodeParseError, "Parse error")))
	}

	req, rpcErr := rpc.ParseRequest(body)
	if rpcErr != nil {
		var id json.RawMessage
		if req != nil {
			id = req.ID
		}
		logger.Debug("Rejected JSON-RPC request (%s): %s", errs.Kind(rpcErr), rpcErr.Message)
		return c.JSON(http.StatusOK, rpc.NewErrorResponse(id, rpcErr))
	}

	logger.Debug("JSON-RPC request: %s", req.Method)
	return c.JSON(http.StatusOK, h.endpoint.Handle(c.Request().Context(), req))
}

// requestLogger 将访问日志写入进程日志
func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			l := logger.With("method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			if v.Error != nil {
				l.Warn("HTTP request failed", "error", v.Error)
				return nil
			}
			l.Debug("HTTP request")
			return nil
		},
	})
}
