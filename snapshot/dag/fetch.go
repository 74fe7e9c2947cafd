package dag

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/snapsync"
	"github.com/bobg/snapsync/split"
)

const fetchBatch = 64

// refresh fetches the origin's head and checks it out,
// if it differs from the local head.
func (r *Repo) refresh(ctx context.Context) error {
	remote, err := r.origin.GetAnchor(ctx, HeadAnchor, time.Now())
	if errors.Is(err, snapsync.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "getting origin head")
	}
	local, err := r.head(ctx)
	if err != nil {
		return err
	}
	if local == remote {
		return nil
	}
	if _, err = r.Fetch(ctx, remote); err != nil {
		return err
	}
	return r.Reset(ctx, refID(remote))
}

// fallback reads from primary,
// and from secondary what primary lacks.
type fallback struct {
	primary, secondary snapsync.Getter
}

func (f fallback) Get(ctx context.Context, ref snapsync.Ref) (snapsync.Blob, error) {
	b, err := f.primary.Get(ctx, ref)
	if errors.Is(err, snapsync.ErrNotFound) {
		return f.secondary.Get(ctx, ref)
	}
	return b, err
}

func (f fallback) ListRefs(ctx context.Context, start snapsync.Ref, fn func(snapsync.Ref) error) error {
	return f.primary.ListRefs(ctx, start, fn)
}

// Fetch copies from the origin every object reachable from the commit at head
// that the local object store lacks.
// It returns the number of objects copied.
//
// Commits are copied last, oldest first,
// so a commit present locally implies everything it reaches is too.
// Other objects are copied children first.
func (r *Repo) Fetch(ctx context.Context, head snapsync.Ref) (int, error) {
	if !r.IsMirror() {
		return 0, errors.New("repository has no origin")
	}

	f := &fetcher{
		r:    r,
		g:    fallback{primary: r.objects, secondary: r.origin},
		seen: make(map[snapsync.Ref]bool),
	}
	if err := f.visitCommit(ctx, head); err != nil {
		return 0, err
	}

	var (
		total = int64(len(f.blobs) + len(f.commits))
		done  int64
	)
	r.progress("fetch", 0, total)

	for len(f.blobs) > 0 {
		n := fetchBatch
		if n > len(f.blobs) {
			n = len(f.blobs)
		}
		batch := f.blobs[:n]
		f.blobs = f.blobs[n:]

		got, err := snapsync.GetMulti(ctx, r.origin, batch)
		if err != nil {
			return int(done), errors.Wrap(err, "getting objects from origin")
		}
		blobs := make([]snapsync.Blob, 0, len(batch))
		for _, ref := range batch {
			blobs = append(blobs, got[ref])
		}
		if _, err = snapsync.PutMulti(ctx, r.objects, blobs); err != nil {
			return int(done), errors.Wrap(err, "storing objects")
		}
		done += int64(n)
		r.progress("fetch", done, total)
	}

	for _, ref := range f.commits {
		b, err := r.origin.Get(ctx, ref)
		if err != nil {
			return int(done), errors.Wrapf(err, "getting commit %s from origin", ref)
		}
		if _, _, err = r.objects.Put(ctx, b); err != nil {
			return int(done), errors.Wrapf(err, "storing commit %s", ref)
		}
		done++
		r.progress("fetch", done, total)
	}

	r.logger.InfoContext(ctx, "fetched", "origin", r.originURI, "head", head, "objects", done)
	return int(done), nil
}

type fetcher struct {
	r       *Repo
	g       snapsync.Getter
	seen    map[snapsync.Ref]bool
	blobs   []snapsync.Ref
	commits []snapsync.Ref
}

func (f *fetcher) missing(ctx context.Context, ref snapsync.Ref) (bool, error) {
	_, err := f.r.objects.Get(ctx, ref)
	if errors.Is(err, snapsync.ErrNotFound) {
		return true, nil
	}
	return false, err
}

func (f *fetcher) visitCommit(ctx context.Context, ref snapsync.Ref) error {
	if f.seen[ref] {
		return nil
	}
	f.seen[ref] = true

	missing, err := f.missing(ctx, ref)
	if err != nil || !missing {
		return err
	}

	var c Commit
	if err = snapsync.GetJSON(ctx, f.g, ref, &c); err != nil {
		return errors.Wrapf(err, "getting commit %s", ref)
	}
	if err = f.visitTree(ctx, c.Tree); err != nil {
		return err
	}
	for _, p := range c.Parents {
		if err = f.visitCommit(ctx, p); err != nil {
			return err
		}
	}
	f.commits = append(f.commits, ref)
	return nil
}

// visitTree walks a tree whether or not it is present locally,
// since an interrupted fetch may have stored a tree without its children.
func (f *fetcher) visitTree(ctx context.Context, ref snapsync.Ref) error {
	if f.seen[ref] {
		return nil
	}
	f.seen[ref] = true

	var t Tree
	if err := snapsync.GetJSON(ctx, f.g, ref, &t); err != nil {
		return errors.Wrapf(err, "getting tree %s", ref)
	}
	for _, e := range t.Entries {
		if e.Dir {
			if err := f.visitTree(ctx, e.Ref); err != nil {
				return err
			}
			continue
		}
		err := split.Refs(ctx, f.g, e.Ref, func(chunk snapsync.Ref) error {
			return f.add(ctx, chunk)
		})
		if err != nil {
			return errors.Wrapf(err, "walking content of %s", e.Name)
		}
	}
	return f.addMissing(ctx, ref)
}

func (f *fetcher) add(ctx context.Context, ref snapsync.Ref) error {
	if f.seen[ref] {
		return nil
	}
	f.seen[ref] = true
	return f.addMissing(ctx, ref)
}

func (f *fetcher) addMissing(ctx context.Context, ref snapsync.Ref) error {
	missing, err := f.missing(ctx, ref)
	if err != nil {
		return err
	}
	if missing {
		f.blobs = append(f.blobs, ref)
	}
	return nil
}
