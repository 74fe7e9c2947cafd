package state

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// WaitForStateChange blocks until the document is written
// or timeout elapses, reporting which.
// It serves to pace polling loops;
// callers must still re-read the document to learn what changed.
func (s *Store) WaitForStateChange(ctx context.Context, timeout time.Duration) (bool, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, errors.Wrap(err, "creating watcher")
	}
	defer w.Close()

	if err = w.Add(s.dir); err != nil {
		return false, errors.Wrapf(err, "watching %s", s.dir)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()

		case <-timer.C:
			return false, nil

		case ev, ok := <-w.Events:
			if !ok {
				return false, nil
			}
			if filepath.Base(ev.Name) != DocName {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
				s.logger.Debug("state changed", "op", ev.Op.String())
				return true, nil
			}

		case err, ok := <-w.Errors:
			if !ok {
				return false, nil
			}
			return false, errors.Wrap(err, "watching state")
		}
	}
}
