package state

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// LockTimeout is how long IncrementWith waits for the counter's lock.
const LockTimeout = time.Hour

// Counter is a version number kept as decimal text in a file.
// It changes only under its Lock,
// whose marker file is the counter file's name plus ".lock".
type Counter struct {
	path string
	lock *Lock
}

// NewCounter produces a Counter stored at path.
func NewCounter(path string) *Counter {
	return &Counter{
		path: path,
		lock: NewLock(path + ".lock"),
	}
}

// Init creates the counter file with the value 0.
// It reports false, with no error, if the file already exists.
func (c *Counter) Init() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return false, errors.Wrapf(err, "creating dir for %s", c.path)
	}
	if _, err := c.lock.Init(); err != nil {
		return false, errors.Wrap(err, "initializing lock")
	}
	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "creating %s", c.path)
	}
	if _, err = f.WriteString("0\n"); err != nil {
		f.Close()
		return false, errors.Wrapf(err, "writing %s", c.path)
	}
	return true, errors.Wrapf(f.Close(), "closing %s", c.path)
}

// Reset sets the counter to 0 unconditionally.
func (c *Counter) Reset() error {
	return c.write(0)
}

// Current reads the counter's value without locking.
func (c *Counter) Current() (int64, error) {
	b, err := os.ReadFile(c.path)
	if err != nil {
		return 0, errors.Wrapf(err, "reading %s", c.path)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	return n, errors.Wrapf(err, "parsing %s", c.path)
}

// IncrementWith acquires the lock and, if the counter still equals expected,
// calls f and then advances the counter.
// It reports false, with no error, when the lock could not be had within LockTimeout
// or when the counter has moved past expected.
// An error from f is returned and leaves the counter unchanged.
func (c *Counter) IncrementWith(ctx context.Context, expected int64, f func() error) (ok bool, err error) {
	acquired, err := c.lock.TryAcquire(ctx, LockTimeout)
	if err != nil {
		return false, errors.Wrap(err, "acquiring lock")
	}
	if !acquired {
		return false, nil
	}
	defer func() {
		if _, err2 := c.lock.Release(); err2 != nil && err == nil {
			err = errors.Wrap(err2, "releasing lock")
		}
	}()

	current, err := c.Current()
	if err != nil {
		return false, err
	}
	if current != expected {
		return false, nil
	}
	if err = f(); err != nil {
		return false, err
	}
	if err = c.write(current + 1); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Counter) write(n int64) error {
	next := c.path + ".next"
	if err := os.WriteFile(next, []byte(strconv.FormatInt(n, 10)+"\n"), 0644); err != nil {
		return errors.Wrapf(err, "writing %s", next)
	}
	return errors.Wrapf(os.Rename(next, c.path), "renaming %s to %s", next, c.path)
}
