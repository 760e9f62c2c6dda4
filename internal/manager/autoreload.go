package manager

import (
	"sync"
	"time"

	"github.com/kubotak-is/librarian/internal/logger"
	"github.com/kubotak-is/librarian/internal/models"
)

// Reloader 自动重载依赖的注册表操作
type Reloader interface {
	Status(repositoryID string) ServerStatus
	Reload(repositoryID, repoPath string) (ReloadResult, error)
}

// AutoReloader 订阅文件变更事件，按仓库去抖后重载运行中的服务器
type AutoReloader struct {
	registry Reloader
	delay    time.Duration
	onReload func(ReloadResult)

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewAutoReloader 创建自动重载订阅者，onReload 可以为 nil
func NewAutoReloader(registry Reloader, delay time.Duration, onReload func(ReloadResult)) *AutoReloader {
	return &AutoReloader{
		registry: registry,
		delay:    delay,
		onReload: onReload,
		timers:   make(map[string]*time.Timer),
	}
}

// Notify 接收文件变更事件，同一仓库在 delay 内的事件合并为一次重载
func (a *AutoReloader) Notify(event models.FileChangeEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}

	id := event.RepositoryID
	if t, ok := a.timers[id]; ok {
		t.Reset(a.delay)
		return nil
	}
	a.timers[id] = time.AfterFunc(a.delay, func() { a.fire(id) })
	return nil
}

// Close 取消所有等待中的重载
func (a *AutoReloader) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	for id, t := range a.timers {
		t.Stop()
		delete(a.timers, id)
	}
	return nil
}

func (a *AutoReloader) fire(repositoryID string) {
	a.mu.Lock()
	delete(a.timers, repositoryID)
	closed := a.closed
	a.mu.Unlock()

	if closed || !a.registry.Status(repositoryID).Running() {
		return
	}

	result, err := a.registry.Reload(repositoryID, "")
	if err != nil {
		logger.WarnWithFields("Auto reload failed", map[string]interface{}{
			"repository_id": repositoryID,
			"error":         err,
		})
		return
	}

	if a.onReload != nil {
		a.onReload(result)
	}
}
