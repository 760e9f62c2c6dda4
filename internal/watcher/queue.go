package watcher

import (
	"sync"

	"github.com/kubotak-is/librarian/internal/models"
)

// eventQueue 无界事件队列，push 永不阻塞
type eventQueue struct {
	mu     sync.Mutex
	items  []models.FileChangeEvent
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(event models.FileChangeEvent) {
	q.mu.Lock()
	q.items = append(q.items, event)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// drain 取出当前全部事件
func (q *eventQueue) drain() []models.FileChangeEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
