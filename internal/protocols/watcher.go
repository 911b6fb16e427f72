package protocols

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	debounce     = 100 * time.Millisecond
	pollInterval = 60 * time.Second
)

// Watcher reloads protocols when the protocol file changes. It watches the
// parent directory so editors that replace the file by rename are seen, and
// polls the modification time as a safety net.
type Watcher struct {
	path   string
	reload func(context.Context) error
	log    *zap.Logger
	poll   time.Duration

	lastMod time.Time
}

func NewWatcher(path string, reload func(context.Context) error, log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	w := &Watcher{path: path, reload: reload, log: log, poll: pollInterval}
	w.lastMod = w.modTime()
	return w
}

func (w *Watcher) modTime() time.Time {
	info, err := os.Stat(w.path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	var events <-chan fsnotify.Event
	var errs <-chan error

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("protocol watcher: fsnotify unavailable, polling only", zap.Error(err))
	} else {
		defer fw.Close()
		if err := fw.Add(filepath.Dir(w.path)); err != nil {
			w.log.Warn("protocol watcher: cannot watch directory, polling only",
				zap.String("path", w.path), zap.Error(err))
		} else {
			events = fw.Events
			errs = fw.Errors
		}
	}

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	var pending <-chan time.Time
	name := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(evt.Name) != name {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				pending = time.After(debounce)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.log.Error("protocol watcher error", zap.Error(err))
		case <-pending:
			pending = nil
			w.trigger(ctx, "file event")
		case <-ticker.C:
			if !w.modTime().Equal(w.lastMod) {
				w.trigger(ctx, "poll")
			}
		}
	}
}

func (w *Watcher) trigger(ctx context.Context, reason string) {
	w.lastMod = w.modTime()
	if err := w.reload(ctx); err != nil {
		w.log.Error("protocol reload failed, keeping current set",
			zap.String("reason", reason), zap.Error(err))
		return
	}
	w.log.Info("protocols reloaded from file", zap.String("reason", reason), zap.String("path", w.path))
}
