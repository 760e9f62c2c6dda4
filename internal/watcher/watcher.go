package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zeebo/blake3"

	"github.com/kubotak-is/librarian/internal/errs"
	"github.com/kubotak-is/librarian/internal/library"
	"github.com/kubotak-is/librarian/internal/logger"
	"github.com/kubotak-is/librarian/internal/models"
)

// Sink 文件变更事件的订阅者
type Sink interface {
	Notify(event models.FileChangeEvent) error
}

// SinkFunc 函数形式的订阅者
type SinkFunc func(event models.FileChangeEvent) error

// Notify 实现 Sink
func (f SinkFunc) Notify(event models.FileChangeEvent) error {
	return f(event)
}

// Watcher 监听各仓库的 .agent_library 目录并将变更转发给订阅者
//
// 每个仓库一个监听 goroutine；所有事件进入同一个无界队列，由单个 goroutine 分发。
type Watcher struct {
	interval time.Duration
	patterns []string

	mu      sync.Mutex
	watches map[string]*watch

	sinksMu sync.RWMutex
	sinks   []Sink

	queue     *eventQueue
	done      chan struct{}
	fanInDone chan struct{}
	closeOnce sync.Once
}

// New 创建监听器，interval 为同一路径同类事件的合并窗口
func New(interval time.Duration, extraPatterns []string) *Watcher {
	patterns := make([]string, 0, len(DefaultIgnorePatterns)+len(extraPatterns))
	patterns = append(patterns, DefaultIgnorePatterns...)
	patterns = append(patterns, extraPatterns...)

	w := &Watcher{
		interval:  interval,
		patterns:  patterns,
		watches:   make(map[string]*watch),
		queue:     newEventQueue(),
		done:      make(chan struct{}),
		fanInDone: make(chan struct{}),
	}
	go w.fanIn()
	return w
}

// Subscribe 注册订阅者
func (w *Watcher) Subscribe(sink Sink) {
	w.sinksMu.Lock()
	defer w.sinksMu.Unlock()
	w.sinks = append(w.sinks, sink)
}

// Watch 开始监听仓库，已监听的同一仓库会先停止旧的监听
func (w *Watcher) Watch(repositoryID, repoPath string) error {
	libDir := library.LibraryDir(repoPath)
	info, err := os.Stat(libDir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: agent library directory not found: %s", errs.ErrNotFound, libDir)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: failed to create watcher: %v", errs.ErrIO, err)
	}

	wt := &watch{
		repositoryID: repositoryID,
		libDir:       libDir,
		fsw:          fsw,
		owner:        w,
		hashes:       make(map[string][32]byte),
		lastSeen:     make(map[string]emitted),
		stop:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	if err := wt.addTree(libDir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("%w: failed to watch directory: %v", errs.ErrIO, err)
	}

	w.mu.Lock()
	old := w.watches[repositoryID]
	w.watches[repositoryID] = wt
	w.mu.Unlock()

	if old != nil {
		old.close()
	}

	go wt.run()

	logger.InfoWithFields("Watching repository", map[string]interface{}{
		"repository_id": repositoryID,
		"path":          libDir,
	})
	return nil
}

// Unwatch 停止监听仓库，返回是否存在该监听
func (w *Watcher) Unwatch(repositoryID string) bool {
	w.mu.Lock()
	wt, ok := w.watches[repositoryID]
	delete(w.watches, repositoryID)
	w.mu.Unlock()

	if !ok {
		return false
	}
	wt.close()
	logger.Info("Stopped watching repository %s", repositoryID)
	return true
}

// List 返回正在监听的仓库 id
func (w *Watcher) List() []string {
	w.mu.Lock()
	ids := make([]string, 0, len(w.watches))
	for id := range w.watches {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Close 停止所有监听与分发
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		watches := w.watches
		w.watches = make(map[string]*watch)
		w.mu.Unlock()

		for _, wt := range watches {
			wt.close()
		}
		close(w.done)
		<-w.fanInDone
	})
	return nil
}

// fanIn 从队列取出事件并逐个转发给订阅者，转发失败只记录日志
func (w *Watcher) fanIn() {
	defer close(w.fanInDone)
	for {
		select {
		case <-w.done:
			return
		case <-w.queue.notify:
			for _, event := range w.queue.drain() {
				w.deliver(event)
			}
		}
	}
}

func (w *Watcher) deliver(event models.FileChangeEvent) {
	w.sinksMu.RLock()
	sinks := make([]Sink, len(w.sinks))
	copy(sinks, w.sinks)
	w.sinksMu.RUnlock()

	for _, sink := range sinks {
		if err := sink.Notify(event); err != nil {
			logger.WarnWithFields("Failed to forward file change event", map[string]interface{}{
				"repository_id": event.RepositoryID,
				"path":          event.FilePath,
				"error":         err,
			})
		}
	}
}

type emitted struct {
	kind models.ChangeKind
	at   time.Time
}

// watch 单个仓库的监听，hashes 与 lastSeen 只在 run goroutine 中访问
type watch struct {
	repositoryID string
	libDir       string
	fsw          *fsnotify.Watcher
	owner        *Watcher

	hashes   map[string][32]byte
	lastSeen map[string]emitted

	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// addTree 递归添加目录，并记录已有文件的内容哈希
func (wt *watch) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != wt.libDir {
				if rel, ok := within(wt.libDir, path); ok && shouldIgnore(wt.owner.patterns, rel) {
					return filepath.SkipDir
				}
			}
			return wt.fsw.Add(path)
		}
		if sum, ok := hashFile(path); ok {
			wt.hashes[path] = sum
		}
		return nil
	})
}

func (wt *watch) run() {
	defer close(wt.stopped)
	for {
		select {
		case <-wt.stop:
			return
		case ev, ok := <-wt.fsw.Events:
			if !ok {
				return
			}
			if event, ok := wt.process(ev, time.Now()); ok {
				wt.owner.queue.push(event)
			}
		case err, ok := <-wt.fsw.Errors:
			if !ok {
				return
			}
			logger.WarnWithFields("File watcher error", map[string]interface{}{
				"repository_id": wt.repositoryID,
				"error":         err,
			})
		}
	}
}

// process 过滤并规范化一个原始事件
func (wt *watch) process(ev fsnotify.Event, now time.Time) (models.FileChangeEvent, bool) {
	path := filepath.Clean(ev.Name)
	rel, ok := within(wt.libDir, path)
	if !ok || shouldIgnore(wt.owner.patterns, rel) || isWriteTemp(path) {
		return models.FileChangeEvent{}, false
	}

	kind, ok := normalize(ev.Op)
	if !ok {
		return models.FileChangeEvent{}, false
	}

	switch kind {
	case models.ChangeCreated:
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := wt.addTree(path); err != nil {
				logger.Warn("Failed to watch new directory %s: %v", path, err)
			}
		} else if sum, ok := hashFile(path); ok {
			wt.hashes[path] = sum
		}
	case models.ChangeModified:
		sum, ok := hashFile(path)
		if !ok {
			return models.FileChangeEvent{}, false
		}
		if prev, seen := wt.hashes[path]; seen && prev == sum {
			return models.FileChangeEvent{}, false
		}
		wt.hashes[path] = sum
	case models.ChangeDeleted, models.ChangeRenamed:
		delete(wt.hashes, path)
	}

	if last, seen := wt.lastSeen[path]; seen && last.kind == kind && now.Sub(last.at) < wt.owner.interval {
		return models.FileChangeEvent{}, false
	}
	wt.lastSeen[path] = emitted{kind: kind, at: now}

	return models.FileChangeEvent{
		RepositoryID: wt.repositoryID,
		FilePath:     path,
		ChangeType:   kind,
		Timestamp:    now.UTC(),
	}, true
}

func (wt *watch) close() {
	wt.closeOnce.Do(func() {
		close(wt.stop)
		if err := wt.fsw.Close(); err != nil && !errors.Is(err, fsnotify.ErrClosed) {
			logger.Warn("Failed to close watcher for %s: %v", wt.repositoryID, err)
		}
		<-wt.stopped
	})
}

// hashFile 计算文件内容哈希，目录或不可读文件返回 false
func hashFile(path string) ([32]byte, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return [32]byte{}, false
	}
	return blake3.Sum256(data), true
}
