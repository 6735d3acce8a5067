// internal/tasklist/watcher.go
package tasklist

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/logging"
)

// DefaultDebounce coalesces bursts of filesystem events into one reload
// notification. Editors commonly emit several events per save.
const DefaultDebounce = 200 * time.Millisecond

// Watcher notifies when the task-list document changes on disk.
//
// The parent directory is watched rather than the file itself so that
// editors that replace the file via rename keep being observed.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *logging.Logger

	fsw     *fsnotify.Watcher
	changes chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// NewWatcher starts watching the document at path.
func NewWatcher(path string, debounce time.Duration, logger *logging.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = logging.Nop()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving watch path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:     abs,
		debounce: debounce,
		logger:   logger,
		fsw:      fsw,
		changes:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Changes returns a channel that receives one notification per detected
// edit burst. Notifications are coalesced; receivers reload the document
// rather than replaying individual events.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// loop translates raw fsnotify events into debounced notifications.
func (w *Watcher) loop() {
	ctx := context.Background()
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			select {
			case w.changes <- struct{}{}:
			default:
				// A notification is already pending; coalesce.
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn(ctx, "task list watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher and releases filesystem resources.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
	})
	return err
}
