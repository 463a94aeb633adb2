package contextfile

import (
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/talon-agent/talon/internal/domain/service"
)

// Watcher caches configured context files and invalidates entries when the
// file changes on disk, so re-reads happen only between turns that actually
// need them.
type Watcher struct {
	logger *zap.Logger
	fsw    *fsnotify.Watcher

	mu    sync.Mutex
	cache map[string]string
}

// NewWatcher starts the filesystem watcher. A nil fsnotify watcher (e.g. on
// an exhausted inotify budget) degrades to reading every turn.
func NewWatcher(logger *zap.Logger) *Watcher {
	w := &Watcher{
		logger: logger.With(zap.String("component", "context_files")),
		cache:  make(map[string]string),
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("Filesystem watcher unavailable, context files re-read every turn", zap.Error(err))
		return w
	}
	w.fsw = fsw
	go w.watch()
	return w
}

func (w *Watcher) watch() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.mu.Lock()
				delete(w.cache, event.Name)
				w.mu.Unlock()
				w.logger.Debug("Context file changed, cache invalidated", zap.String("path", event.Name))
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Filesystem watcher error", zap.Error(err))
		}
	}
}

// Load returns the current content of each existing path. Missing or
// unreadable files are skipped with a warning; the turn proceeds without
// them.
func (w *Watcher) Load(paths []string) []service.ContextFile {
	out := make([]service.ContextFile, 0, len(paths))
	for _, path := range paths {
		content, ok := w.read(path)
		if !ok {
			continue
		}
		out = append(out, service.ContextFile{Path: path, Content: content})
	}
	return out
}

func (w *Watcher) read(path string) (string, bool) {
	w.mu.Lock()
	cached, ok := w.cache[path]
	w.mu.Unlock()
	if ok && w.fsw != nil {
		return cached, true
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("Context file unreadable, skipping", zap.String("path", path), zap.Error(err))
		return "", false
	}
	content := string(raw)

	if w.fsw != nil {
		if err := w.fsw.Add(path); err != nil {
			w.logger.Debug("Cannot watch context file", zap.String("path", path), zap.Error(err))
		} else {
			w.mu.Lock()
			w.cache[path] = content
			w.mu.Unlock()
		}
	}
	return content, true
}

// Close stops the filesystem watcher.
func (w *Watcher) Close() error {
	if w.fsw == nil {
		return nil
	}
	return w.fsw.Close()
}
