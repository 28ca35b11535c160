package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/warden/internal/bus"
)

// MarkerWatcher watches the staging dir and publishes a marker.written
// event when an exiting container drops its completion marker, so the
// reconciler can react before the next recovery tick.
type MarkerWatcher struct {
	stagingDir string
	bus        *bus.Bus
	logger     *slog.Logger
}

func NewMarkerWatcher(stagingDir string, eventBus *bus.Bus, logger *slog.Logger) *MarkerWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &MarkerWatcher{stagingDir: stagingDir, bus: eventBus, logger: logger}
}

// Start begins watching. It returns after the watch is registered; events
// are published from a background goroutine until ctx is done.
func (w *MarkerWatcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.stagingDir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new marker watcher: %w", err)
	}
	if err := fsw.Add(w.stagingDir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch staging dir %s: %w", w.stagingDir, err)
	}

	go func() {
		defer func() { _ = fsw.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				// The exit trap writes to a .tmp file then renames, so a
				// marker only ever appears complete.
				if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				taskID := TaskIDFromMarkerPath(ev.Name)
				if taskID == "" {
					continue
				}
				if _, err := os.Stat(ev.Name); err != nil {
					continue
				}
				w.logger.Info("completion marker observed",
					"task_id", taskID, "path", filepath.Base(ev.Name))
				w.bus.Publish(bus.TopicMarkerWritten, bus.MarkerEvent{
					TaskID: taskID,
					Path:   ev.Name,
				})
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("marker watcher error", "error", err)
			}
		}
	}()
	return nil
}
