package state

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// Lock is a cross-process exclusive lock
// implemented by the existence of a marker file.
// A Lock holds no in-memory state about ownership,
// so one Lock may be shared by goroutines that each pair TryAcquire with Release.
type Lock struct {
	path    string
	backoff time.Duration
}

// NewLock produces a Lock whose marker file is at path.
func NewLock(path string) *Lock {
	return &Lock{path: path, backoff: time.Second}
}

// Init checks that the marker file can be created and removed.
// It reports false if the marker already exists.
func (l *Lock) Init() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return false, errors.Wrapf(err, "creating dir for %s", l.path)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "creating %s", l.path)
	}
	if err = f.Close(); err != nil {
		return false, errors.Wrapf(err, "closing %s", l.path)
	}
	return true, errors.Wrapf(os.Remove(l.path), "removing %s", l.path)
}

// TryAcquire creates the marker file exclusively,
// retrying with doubling delays while another holder has it.
// It reports false when timeout elapses first.
// Errors other than "already held" are returned immediately.
func (l *Lock) TryAcquire(ctx context.Context, timeout time.Duration) (bool, error) {
	var (
		start = time.Now()
		delay = l.backoff
	)
	for {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			stamp := time.Now().UTC().Format(time.RFC3339Nano)
			_, _ = f.WriteString(stamp + "\n")
			if err = f.Close(); err != nil {
				return false, errors.Wrapf(err, "closing %s", l.path)
			}
			return true, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return false, errors.Wrapf(err, "creating %s", l.path)
		}
		if time.Since(start) > timeout {
			return false, nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}

// Release removes the marker file.
// Call it only after a successful TryAcquire.
// It reports false if the marker was already gone.
func (l *Lock) Release() (bool, error) {
	err := os.Remove(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, errors.Wrapf(err, "removing %s", l.path)
}
