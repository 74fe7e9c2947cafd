package snapshot

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// PathErrs is the error from a batch operation in which some items failed.
// It maps each failed item's relative path to its error.
type PathErrs map[string]error

func (e PathErrs) Error() string {
	paths := make([]string, 0, len(e))
	for p := range e {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	strs := make([]string, 0, len(paths))
	for _, p := range paths {
		strs = append(strs, fmt.Sprintf("%s: %s", p, e[p]))
	}
	return strings.Join(strs, "; ")
}

// SafeJoin joins root and rel,
// and checks that the canonical result still begins with root's canonical path.
// It fails with ErrUnsafePath if rel is rooted or if the check fails.
//
// The check compares strings,
// so a result in a sibling directory whose name extends root's
// (root /data/app, result /data/app2/x) passes.
func SafeJoin(root, rel string) (string, error) {
	slashed := strings.ReplaceAll(rel, `\`, "/")
	if strings.HasPrefix(slashed, "/") || filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", errors.Wrapf(ErrUnsafePath, "%s is rooted", rel)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", errors.Wrapf(err, "resolving %s", root)
	}
	full := filepath.Join(absRoot, filepath.FromSlash(slashed))
	if !strings.HasPrefix(full, absRoot) {
		return "", errors.Wrapf(ErrUnsafePath, "%s escapes %s", rel, root)
	}
	return full, nil
}

// Populate writes every item of snapshot id into dir.
// Items are written concurrently, up to GOMAXPROCS at a time.
// An item whose path is unsafe is skipped with a warning.
// Other per-item failures are logged and do not stop the rest;
// after all items finish they are returned together as a PathErrs.
//
// Each file's modification time is set to the item's ModTime.
// Files are always rewritten, whether or not their content changed.
func Populate(ctx context.Context, r Repository, id ID, dir string, opts ...Option) error {
	o := getOptions(opts)
	if id.IsZero() {
		return nil
	}

	var items []Item
	err := r.Items(ctx, id, func(item Item) error {
		items = append(items, item)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "listing items of %s", id)
	}

	var (
		mu    sync.Mutex
		errs  = make(PathErrs)
		done  int64
		total = int64(len(items))
	)

	// Not errgroup.WithContext: one failure must not cancel its siblings.
	var eg errgroup.Group
	eg.SetLimit(runtime.GOMAXPROCS(0))

	o.progress("populate", 0, total)
	for _, item := range items {
		eg.Go(func() error {
			defer func() {
				o.progress("populate", atomic.AddInt64(&done, 1), total)
			}()

			dest, err := SafeJoin(dir, item.Path)
			if err != nil {
				o.logger.WarnContext(ctx, "skipping unsafe path", "path", item.Path, "dir", dir, "error", err)
				return nil
			}
			if err = writeItem(ctx, item, dest); err != nil {
				o.logger.ErrorContext(ctx, "writing item", "path", item.Path, "dest", dest, "error", err)
				mu.Lock()
				errs[item.Path] = err
				mu.Unlock()
			}
			return nil
		})
	}
	eg.Wait()

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func writeItem(ctx context.Context, item Item, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return errors.Wrapf(err, "creating directory for %s", dest)
	}

	rc, err := item.Open(ctx)
	if err != nil {
		return errors.Wrap(err, "opening content")
	}
	defer rc.Close()

	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if os.IsPermission(err) {
		// A read-only file from an earlier snapshot.
		if err = clearReadOnly(dest); err == nil {
			f, err = os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		}
	}
	if err != nil {
		return errors.Wrapf(err, "opening %s for writing", dest)
	}
	if _, err = io.Copy(f, rc); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing %s", dest)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", dest)
	}
	return errors.Wrapf(os.Chtimes(dest, item.ModTime, item.ModTime), "setting times of %s", dest)
}

// ProcessDeletions removes from dir every file
// whose path is in snapshot prev but not in snapshot cur.
// Unsafe paths are skipped with a warning,
// and files that cannot be removed are logged.
func ProcessDeletions(ctx context.Context, r Repository, prev, cur ID, dir string, opts ...Option) error {
	o := getOptions(opts)

	deleted, err := DeletedItems(ctx, r, prev, cur)
	if err != nil {
		return err
	}
	for _, item := range deleted {
		path, err := SafeJoin(dir, item.Path)
		if err != nil {
			o.logger.WarnContext(ctx, "skipping unsafe path", "path", item.Path, "dir", dir, "error", err)
			continue
		}
		if !TryDeleteFile(path) {
			o.logger.ErrorContext(ctx, "could not delete file", "path", path)
		}
	}
	return nil
}

// Update brings dir from snapshot current to snapshot target:
// it populates dir from target,
// then deletes the files that are in current but not in target.
// It does nothing if the two are equal.
func Update(ctx context.Context, r Repository, current, target ID, dir string, opts ...Option) error {
	if current.Equal(target) {
		return nil
	}
	popErr := Populate(ctx, r, target, dir, opts...)
	if err := ProcessDeletions(ctx, r, current, target, dir, opts...); err != nil {
		return err
	}
	return popErr
}
