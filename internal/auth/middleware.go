package auth

import (
	"net"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kubotak-is/librarian/internal/logger"
)

// LoopbackMiddleware 只允许来自本机回环地址的请求
type LoopbackMiddleware struct {
	enabled bool
}

// NewLoopbackMiddleware 创建回环地址限制中间件
func NewLoopbackMiddleware(enabled bool) *LoopbackMiddleware {
	return &LoopbackMiddleware{enabled: enabled}
}

// IsLoopback 判断远端地址是否为回环地址
func IsLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Middleware echo 中间件函数
func (lm *LoopbackMiddleware) Middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !lm.enabled {
			return next(c)
		}

		r := c.Request()
		if !IsLoopback(r.RemoteAddr) {
			logger.Warn("Rejected non-loopback request %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
			return echo.NewHTTPError(http.StatusForbidden, "Forbidden: loopback clients only")
		}

		return next(c)
	}
}

// IsEnabled 检查限制是否启用
func (lm *LoopbackMiddleware) IsEnabled() bool {
	return lm.enabled
}
