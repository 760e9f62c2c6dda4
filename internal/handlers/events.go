package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/kubotak-is/librarian/internal/logger"
	"github.com/kubotak-is/librarian/internal/manager"
	"github.com/kubotak-is/librarian/internal/models"
)

// SSE 事件名称
const (
	EventFileChange = "file-change"
	EventReload     = "reload"
)

const subscriberBuffer = 64

type sseMessage struct {
	event string
	data  []byte
}

// EventHub 将文件变更与重载结果推送给 SSE 客户端
//
// 每个客户端一个带缓冲的通道；缓冲已满的客户端会丢弃该条事件。
type EventHub struct {
	mu          sync.RWMutex
	subscribers map[chan sseMessage]struct{}
	keepAlive   time.Duration

	closed    chan struct{}
	closeOnce sync.Once
}

// NewEventHub 创建事件中心
func NewEventHub() *EventHub {
	return &EventHub{
		subscribers: make(map[chan sseMessage]struct{}),
		keepAlive:   15 * time.Second,
		closed:      make(chan struct{}),
	}
}

// Close 结束全部 SSE 连接，之后的连接请求立即返回
func (h *EventHub) Close() {
	h.closeOnce.Do(func() {
		close(h.closed)
	})
}

// Notify 实现 watcher.Sink
func (h *EventHub) Notify(event models.FileChangeEvent) error {
	return h.publish(EventFileChange, event)
}

// PublishReload 推送重载结果
func (h *EventHub) PublishReload(result manager.ReloadResult) {
	if err := h.publish(EventReload, result); err != nil {
		logger.Warn("Failed to publish reload event: %v", err)
	}
}

// Subscribers 当前连接的客户端数
func (h *EventHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *EventHub) publish(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event, err)
	}
	msg := sseMessage{event: event, data: data}

	dropped := 0
	h.mu.RLock()
	for ch := range h.subscribers {
		select {
		case ch <- msg:
		default:
			dropped++
		}
	}
	h.mu.RUnlock()

	if dropped > 0 {
		return fmt.Errorf("dropped %s event for %d slow subscribers", event, dropped)
	}
	return nil
}

func (h *EventHub) subscribe() chan sseMessage {
	ch := make(chan sseMessage, subscriberBuffer)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *EventHub) unsubscribe(ch chan sseMessage) {
	h.mu.Lock()
	delete(h.subscribers, ch)
	h.mu.Unlock()
}

// ServeSSE 保持连接并持续写出事件，直到客户端断开
func (h *EventHub) ServeSSE(c echo.Context) error {
	select {
	case <-h.closed:
		return echo.NewHTTPError(http.StatusServiceUnavailable, "server is shutting down")
	default:
	}

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.closed:
			return nil
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case msg := <-ch:
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.event, msg.data); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}
