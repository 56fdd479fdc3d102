// 工作流定义目录监听器。
//
// 以轮询方式扫描目录中的 *.yaml / *.yml / *.json 文件，
// 防抖后把一批变更交给回调（通常是重新注册工作流定义）。
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// --- 文件事件 ---

// FileEvent represents a definition file change
type FileEvent struct {
	// Path 是变更文件的绝对路径
	Path string `json:"path"`

	// Op 是操作类型
	Op FileOp `json:"op"`

	// Timestamp 是检测到变更的时间
	Timestamp time.Time `json:"timestamp"`
}

// FileOp represents file operation types
type FileOp int

const (
	// FileOpCreate 表示文件已创建
	FileOpCreate FileOp = iota
	// FileOpWrite 表示文件已被修改
	FileOpWrite
	// FileOpRemove 表示文件已被删除
	FileOpRemove
)

// String returns the string representation of FileOp
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// ErrWatcherRunning is returned by Start on a running watcher.
var ErrWatcherRunning = errors.New("watcher already running")

// --- 监听器选项 ---

// WatcherOption configures the DefinitionWatcher
type WatcherOption func(*DefinitionWatcher)

// WithPollInterval sets how often the directory is scanned
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *DefinitionWatcher) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithDebounceDelay sets the quiet period before a batch is dispatched
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *DefinitionWatcher) {
		if d >= 0 {
			w.debounceDelay = d
		}
	}
}

// WithWatcherLogger sets the logger for the watcher
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *DefinitionWatcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// --- 监听器实现 ---

// DefinitionWatcher polls a workflow definitions directory.
type DefinitionWatcher struct {
	mu sync.RWMutex

	dir           string
	pollInterval  time.Duration
	debounceDelay time.Duration

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	events   chan FileEvent

	callbacks    []func([]FileEvent)
	lastModTimes map[string]time.Time

	logger *zap.Logger
}

// NewDefinitionWatcher creates a watcher for dir. The directory must exist.
func NewDefinitionWatcher(dir string, opts ...WatcherOption) (*DefinitionWatcher, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", abs)
	}

	w := &DefinitionWatcher{
		dir:           abs,
		pollInterval:  2 * time.Second,
		debounceDelay: 100 * time.Millisecond,
		events:        make(chan FileEvent, 100),
		lastModTimes:  make(map[string]time.Time),
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "definition_watcher"))
	return w, nil
}

// Dir returns the watched directory.
func (w *DefinitionWatcher) Dir() string { return w.dir }

// Files lists the definition files currently in the directory, sorted.
func (w *DefinitionWatcher) Files() ([]string, error) {
	return ScanDefinitionFiles(w.dir)
}

// ScanDefinitionFiles lists *.yaml, *.yml and *.json files directly under dir.
func ScanDefinitionFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !isDefinitionFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func isDefinitionFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// OnChange registers a callback for debounced batches of events
func (w *DefinitionWatcher) OnChange(callback func([]FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start records the current directory contents and begins polling.
// Files present at Start are not reported.
func (w *DefinitionWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrWatcherRunning
	}
	w.running = true
	w.stopChan = make(chan struct{})
	w.mu.Unlock()

	files, err := w.Files()
	if err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return fmt.Errorf("failed to scan %s: %w", w.dir, err)
	}
	w.mu.Lock()
	for _, f := range files {
		if info, err := os.Stat(f); err == nil {
			w.lastModTimes[f] = info.ModTime()
		}
	}
	stop := w.stopChan
	w.mu.Unlock()

	w.wg.Add(2)
	go w.pollLoop(ctx, stop)
	go w.dispatchLoop(ctx, stop)

	w.logger.Info("definition watcher started",
		zap.String("dir", w.dir),
		zap.Duration("poll_interval", w.pollInterval))
	return nil
}

// Stop stops the watcher and waits for its goroutines.
func (w *DefinitionWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	close(w.stopChan)
	w.running = false
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("definition watcher stopped")
}

// IsRunning returns whether the watcher is running
func (w *DefinitionWatcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

func (w *DefinitionWatcher) pollLoop(ctx context.Context, stop <-chan struct{}) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			for _, ev := range w.checkFiles() {
				select {
				case w.events <- ev:
				case <-stop:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// checkFiles diffs the directory against the last scan.
func (w *DefinitionWatcher) checkFiles() []FileEvent {
	files, err := w.Files()
	if err != nil {
		w.logger.Warn("failed to scan definitions directory", zap.Error(err))
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	present := make(map[string]bool, len(files))
	var out []FileEvent
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		present[f] = true
		lastMod, existed := w.lastModTimes[f]
		switch {
		case !existed:
			w.lastModTimes[f] = info.ModTime()
			out = append(out, FileEvent{Path: f, Op: FileOpCreate, Timestamp: now})
		case !info.ModTime().Equal(lastMod):
			w.lastModTimes[f] = info.ModTime()
			out = append(out, FileEvent{Path: f, Op: FileOpWrite, Timestamp: now})
		}
	}
	for f := range w.lastModTimes {
		if !present[f] {
			delete(w.lastModTimes, f)
			out = append(out, FileEvent{Path: f, Op: FileOpRemove, Timestamp: now})
		}
	}
	return out
}

// dispatchLoop coalesces events per path and fires callbacks once the
// directory has been quiet for debounceDelay.
func (w *DefinitionWatcher) dispatchLoop(ctx context.Context, stop <-chan struct{}) {
	defer w.wg.Done()

	pending := make(map[string]FileEvent)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case ev := <-w.events:
			pending[ev.Path] = ev
			timer.Reset(w.debounceDelay)
		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			batch := make([]FileEvent, 0, len(pending))
			for _, ev := range pending {
				batch = append(batch, ev)
			}
			sort.Slice(batch, func(i, j int) bool { return batch[i].Path < batch[j].Path })
			pending = make(map[string]FileEvent)

			w.mu.RLock()
			callbacks := append(([]func([]FileEvent))(nil), w.callbacks...)
			w.mu.RUnlock()

			w.logger.Debug("dispatching definition changes", zap.Int("files", len(batch)))
			for _, cb := range callbacks {
				cb(batch)
			}
		}
	}
}
