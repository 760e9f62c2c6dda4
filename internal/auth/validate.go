package auth

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kubotak-is/librarian/internal/errs"
)

// Guard 路径与端口校验
type Guard struct {
	deniedPrefixes []string
	portMin        int
	portMax        int
}

// NewGuard 创建校验器
func NewGuard(deniedPrefixes []string, portMin, portMax int) *Guard {
	return &Guard{
		deniedPrefixes: deniedPrefixes,
		portMin:        portMin,
		portMax:        portMax,
	}
}

// ValidatePath 拒绝相对路径、路径穿越以及系统目录
func (g *Guard) ValidatePath(path string) error {
	if strings.Contains(path, "..") {
		return fmt.Errorf("%w: path traversal detected", errs.ErrSecurityRejected)
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("%w: only absolute paths are allowed", errs.ErrSecurityRejected)
	}

	clean := filepath.Clean(path)
	for _, prefix := range g.deniedPrefixes {
		if clean == prefix || strings.HasPrefix(clean, prefix+string(filepath.Separator)) {
			return fmt.Errorf("%w: access to system directories is not allowed", errs.ErrSecurityRejected)
		}
	}

	return nil
}

// ValidatePort 端口必须位于保留范围内
func (g *Guard) ValidatePort(port int) error {
	if port < g.portMin || port > g.portMax {
		return fmt.Errorf("%w: port must be in range %d-%d", errs.ErrSecurityRejected, g.portMin, g.portMax)
	}
	return nil
}

// PortRange 返回保留端口范围
func (g *Guard) PortRange() (int, int) {
	return g.portMin, g.portMax
}
