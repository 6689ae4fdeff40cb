package discovery

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher debounces filesystem events under the models root into rescan
// requests. It watches the root and the first directory level (model
// directories); new version directories inside them trigger a rescan.
type Watcher struct {
	root     string
	scanner  *Scanner
	debounce time.Duration
	logger   *zap.SugaredLogger
}

// NewWatcher creates a watcher that triggers scanner rescans.
func NewWatcher(root string, scanner *Scanner, debounce time.Duration, logger *zap.SugaredLogger) *Watcher {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{root: root, scanner: scanner, debounce: debounce, logger: logger}
}

// Run blocks until the context is cancelled, rescanning after bursts of
// filesystem events settle.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fsw.Close() }()

	if err := fsw.Add(w.root); err != nil {
		return err
	}

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) == 0 {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				// Best effort: watch newly created model directories so
				// version directories appearing inside them are seen.
				_ = fsw.Add(ev.Name)
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warnw("Filesystem watcher error", "error", err)

		case <-timerC:
			timer = nil
			timerC = nil
			if _, err := w.scanner.Scan(ctx); err != nil {
				w.logger.Errorw("Rescan after filesystem change failed", "error", err)
			}
		}
	}
}
