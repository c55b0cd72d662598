package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce batches the burst of events editors produce on save.
const watchDebounce = 250 * time.Millisecond

// Watch reloads the catalog whenever path changes, until ctx is done.
// The parent directory is watched so atomic rename-on-save is seen. A file
// that fails to parse is logged and the previous table stays in place.
func (c *Catalog) Watch(ctx context.Context, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("catalog watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("catalog watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("catalog watcher: %w", err)
	}
	c.logger.Info("watching model catalog", "path", abs)

	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending bool
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			pending = true
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			timerC = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("catalog watcher error", "err", err)

		case <-timerC:
			timerC = nil
			if !pending {
				continue
			}
			pending = false
			if err := c.Reload(abs); err != nil {
				c.logger.Warn("catalog reload failed, keeping previous table", "path", abs, "err", err)
			}
		}
	}
}
