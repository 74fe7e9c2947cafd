package dag

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/snapsync"
	"github.com/bobg/snapsync/gc"
	"github.com/bobg/snapsync/split"
)

// Reachable returns the set of objects reachable from the current head:
// the commits in its history and everything they refer to.
// Everything else in the object store can be removed with gc.Run.
func (r *Repo) Reachable(ctx context.Context) (*gc.MemKeep, error) {
	k := gc.NewMemKeep()
	err := gc.AddAnchors(ctx, k, r.objects, time.Now(), r.protectCommit)
	return k, err
}

func (r *Repo) protectCommit(ctx context.Context, k gc.Keep, ref snapsync.Ref) error {
	for !ref.IsZero() {
		added, err := k.Add(ctx, ref)
		if err != nil || !added {
			return err
		}
		var c Commit
		if err = snapsync.GetJSON(ctx, r.objects, ref, &c); err != nil {
			return errors.Wrapf(err, "getting commit %s", ref)
		}
		if err = gc.Protect(ctx, k, c.Tree, r.treeChildren(ctx, k)); err != nil {
			return err
		}
		ref = snapsync.Zero
		for i, p := range c.Parents {
			if i == 0 {
				ref = p
				continue
			}
			if err = r.protectCommit(ctx, k, p); err != nil {
				return err
			}
		}
	}
	return nil
}

// treeChildren enumerates the subtrees of a tree for gc.Protect,
// adding the content refs of its files to k directly.
func (r *Repo) treeChildren(ctx context.Context, k gc.Keep) func(snapsync.Ref, func(snapsync.Ref) error) error {
	return func(ref snapsync.Ref, f func(snapsync.Ref) error) error {
		var t Tree
		if err := snapsync.GetJSON(ctx, r.objects, ref, &t); err != nil {
			return errors.Wrapf(err, "getting tree %s", ref)
		}
		for _, e := range t.Entries {
			if e.Dir {
				if err := f(e.Ref); err != nil {
					return err
				}
				continue
			}
			err := split.Refs(ctx, r.objects, e.Ref, func(chunk snapsync.Ref) error {
				_, err := k.Add(ctx, chunk)
				return err
			})
			if err != nil {
				return err
			}
		}
		return nil
	}
}
