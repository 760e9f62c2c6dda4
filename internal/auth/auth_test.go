package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubotak-is/librarian/internal/errs"
)

var systemPrefixes = []string{"/etc", "/usr", "/bin", "/sbin", "/var", "/boot", "/dev", "/proc", "/sys"}

func TestValidatePath(t *testing.T) {
	t.Parallel()

	g := NewGuard(systemPrefixes, 9500, 9599)

	valid := []string{"/Users/test/workspace", "/home/user/documents", "/tmp/test", "/variant/data"}
	for _, p := range valid {
		assert.NoError(t, g.ValidatePath(p), p)
	}

	rejected := []string{
		"/Users/test/../etc/passwd",
		"../etc/passwd",
		"/home/user/../../etc",
		"relative/path",
		"./current/dir",
		"/etc/passwd",
		"/usr/bin/bash",
		"/var/log/system.log",
		"/bin/sh",
		"/sbin/init",
		"/boot/vmlinuz",
		"/dev/null",
		"/proc/version",
		"/sys/kernel",
		"/etc",
	}
	for _, p := range rejected {
		err := g.ValidatePath(p)
		require.Error(t, err, p)
		assert.ErrorIs(t, err, errs.ErrSecurityRejected, p)
	}
}

func TestValidatePort(t *testing.T) {
	t.Parallel()

	g := NewGuard(nil, 9500, 9599)

	for _, p := range []int{9500, 9550, 9599} {
		assert.NoError(t, g.ValidatePort(p))
	}
	for _, p := range []int{9499, 9600, 3000, 80, 443, 22} {
		assert.ErrorIs(t, g.ValidatePort(p), errs.ErrSecurityRejected)
	}
}

func TestLoopbackMiddleware(t *testing.T) {
	t.Parallel()

	e := echo.New()
	handler := NewLoopbackMiddleware(true).Middleware(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	tests := []struct {
		remote string
		ok     bool
	}{
		{"127.0.0.1:5555", true},
		{"[::1]:5555", true},
		{"192.168.1.20:5555", false},
		{"garbage", false},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remote
		rec := httptest.NewRecorder()

		err := handler(e.NewContext(req, rec))
		if tt.ok {
			require.NoError(t, err, tt.remote)
			assert.Equal(t, http.StatusOK, rec.Code)
			continue
		}
		var httpErr *echo.HTTPError
		require.ErrorAs(t, err, &httpErr, tt.remote)
		assert.Equal(t, http.StatusForbidden, httpErr.Code)
	}
}

func TestLoopbackMiddleware_Disabled(t *testing.T) {
	t.Parallel()

	lm := NewLoopbackMiddleware(false)
	assert.False(t, lm.IsEnabled())

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()

	err := lm.Middleware(func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})(e.NewContext(req, rec))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
