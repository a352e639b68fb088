package workspace

import (
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultDebounce is the quiet period fs_watcher.py's FileWatcher waits
// before invoking its re-render callback.
const DefaultDebounce = 300 * time.Millisecond

// DefaultIgnorePatterns mirrors fs_watcher.py's FileWatcher defaults.
var DefaultIgnorePatterns = []string{
	"node_modules", ".git", "dist", "build", "vendor", "__pycache__",
	".smithers", "*.log", "*.pyc",
}

// Watcher debounces change notifications and invokes a re-render callback
// once a quiet period elapses with no further changes, ignoring standard
// noise patterns. The Python original has no filesystem-level scanner
// either (its start() is "a placeholder for actual watcher" — no pack
// repo imports a filesystem-watch library, so there is no kernel-event
// source to wire here regardless); both ports are purely reactive to
// explicit change reports from FileSurface's own Write/Delete.
type Watcher struct {
	debounce time.Duration
	ignore   []string

	mu       sync.Mutex
	onChange func()
	timer    *time.Timer
}

// NewWatcher builds a Watcher, falling back to DefaultDebounce and
// DefaultIgnorePatterns for zero values.
func NewWatcher(debounce time.Duration, ignore []string) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if ignore == nil {
		ignore = DefaultIgnorePatterns
	}
	return &Watcher{debounce: debounce, ignore: ignore}
}

// SetOnChange installs the callback invoked after the debounce window
// elapses with no further changes.
func (w *Watcher) SetOnChange(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = fn
}

// OnFileChange reports a change to path, debouncing it against any
// pending tick. Changes matching an ignore pattern are dropped silently,
// same as fs_watcher.py's _matches_ignore gate.
func (w *Watcher) OnFileChange(path string) {
	if w.matchesIgnore(path) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		cb := w.onChange
		w.mu.Unlock()
		if cb != nil {
			cb()
		}
	})
}

// Stop cancels any pending debounce timer without invoking the callback.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Watcher) matchesIgnore(path string) bool {
	base := filepath.Base(path)
	sep := string(filepath.Separator)
	for _, pattern := range w.ignore {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, path); ok {
			return true
		}
		if strings.Contains(path, sep+pattern+sep) || strings.HasPrefix(path, pattern+sep) {
			return true
		}
	}
	return false
}
