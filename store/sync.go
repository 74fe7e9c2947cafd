package store

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/snapsync"
)

// Sync synchronizes two or more stores.
// It runs ListRefs on all input stores.
// When a ref is found to be in some but not all stores,
// its blob is added to the stores where it's missing.
// Anchors are not synchronized.
func Sync(ctx context.Context, stores []snapsync.Store) error {
	if len(stores) < 2 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type tuple struct {
		s   snapsync.Store
		ch  <-chan snapsync.Ref
		ref *snapsync.Ref
	}

	eg, ctx2 := errgroup.WithContext(ctx)

	tuples := make([]*tuple, 0, len(stores))
	for _, s := range stores {
		ch := make(chan snapsync.Ref)
		eg.Go(func() error {
			defer close(ch)
			return s.ListRefs(ctx2, snapsync.Ref{}, func(ref snapsync.Ref) error {
				select {
				case <-ctx2.Done():
					return ctx2.Err()
				case ch <- ref:
				}
				return nil
			})
		})
		tuples = append(tuples, &tuple{s: s, ch: ch})
	}

	// Each pass advances the stores that held the smallest ref in the previous pass
	// (initially, all of them).
	havers := tuples
	for {
		for _, tup := range havers {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ref, ok := <-tup.ch:
				if ok {
					tup.ref = &ref
				} else {
					tup.ref = nil
				}
			}
		}

		sort.SliceStable(tuples, func(i, j int) bool {
			ri := tuples[i].ref
			rj := tuples[j].ref
			if ri != nil {
				if rj != nil {
					return ri.Less(*rj)
				}
				return true
			}
			return false
		})

		if tuples[0].ref == nil {
			// We've reached the end of input on all channels.
			return eg.Wait()
		}

		ref := *(tuples[0].ref)

		havers = []*tuple{tuples[0]}
		i := 1
		for i < len(tuples) && tuples[i].ref != nil && *(tuples[i].ref) == ref {
			havers = append(havers, tuples[i])
			i++
		}

		if i == len(tuples) {
			continue
		}

		blob, err := havers[0].s.Get(ctx, ref)
		if err != nil {
			return errors.Wrapf(err, "getting blob for %s", ref)
		}

		for _, tup := range tuples[i:] {
			_, _, err = tup.s.Put(ctx, blob)
			if err != nil {
				return errors.Wrapf(err, "storing blob for %s", ref)
			}
		}
	}
}
