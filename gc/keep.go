package gc

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/snapsync"
)

// Keep is a set of refs to protect from garbage collection.
type Keep interface {
	// Add adds a single ref to the Keep.
	// It returns true if it was newly added and false if it was already present.
	Add(context.Context, snapsync.Ref) (bool, error)

	// Contains tells whether a ref is in the Keep.
	Contains(context.Context, snapsync.Ref) (bool, error)
}

// MemKeep is an in-memory Keep.
type MemKeep struct {
	mu sync.Mutex
	m  map[snapsync.Ref]struct{}
}

var _ Keep = &MemKeep{}

// NewMemKeep produces an empty MemKeep.
func NewMemKeep() *MemKeep {
	return &MemKeep{m: make(map[snapsync.Ref]struct{})}
}

// Add implements Keep.
func (k *MemKeep) Add(_ context.Context, ref snapsync.Ref) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.m[ref]; ok {
		return false, nil
	}
	k.m[ref] = struct{}{}
	return true, nil
}

// Contains implements Keep.
func (k *MemKeep) Contains(_ context.Context, ref snapsync.Ref) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.m[ref]
	return ok, nil
}

// Len tells how many refs are in the Keep.
func (k *MemKeep) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.m)
}

// ProtectFunc adds to k everything reachable from ref.
type ProtectFunc func(ctx context.Context, k Keep, ref snapsync.Ref) error

// Protect adds ref to k and, if it was not already there,
// calls walk to enumerate the refs it points to,
// adding each of those recursively.
// The walk function may be nil for leaf blobs.
func Protect(ctx context.Context, k Keep, ref snapsync.Ref, walk func(snapsync.Ref, func(snapsync.Ref) error) error) error {
	added, err := k.Add(ctx, ref)
	if err != nil {
		return errors.Wrapf(err, "adding %s", ref)
	}
	if !added || walk == nil {
		return nil
	}
	return walk(ref, func(child snapsync.Ref) error {
		return Protect(ctx, k, child, walk)
	})
}

// AddAnchors protects the targets of anchors in g at or after time `since`.
//
// An anchor is protected if its timestamp is at or after `since`.
// An anchor is also protected if it has the latest timestamp _before_ `since` for a given name
// (since that anchor was in effect as of time `since`),
// unless there is another one with the same name and a timestamp exactly equal to `since`.
//
// Each protected anchor's ref is passed to protect.
func AddAnchors(ctx context.Context, k Keep, g snapsync.AnchorGetter, since time.Time, protect ProtectFunc) error {
	type entry struct {
		a  snapsync.Anchor
		tr snapsync.TimeRef
	}
	var last *entry

	err := g.ListAnchors(ctx, "", func(a snapsync.Anchor, tr snapsync.TimeRef) error {
		// Maybe protect the anchor from the previous iteration.
		if last != nil && shouldAdd(last.a, last.tr.T, a, tr.T, since) {
			if err := protect(ctx, k, last.tr.R); err != nil {
				return err
			}
		}

		last = &entry{a: a, tr: tr}

		if tr.T.Before(since) {
			return nil
		}
		return protect(ctx, k, tr.R)
	})
	if err != nil {
		return err
	}

	if last != nil && last.tr.T.Before(since) {
		return protect(ctx, k, last.tr.R)
	}
	return nil
}

func shouldAdd(prevName snapsync.Anchor, prevTime time.Time, name snapsync.Anchor, t, since time.Time) bool {
	// Add it if it was the last one with its name,
	// and it was before `since`.
	if name != prevName && prevTime.Before(since) {
		return true
	}

	// Also add it if it has the same name as the current anchor,
	// and was the last one before `since`
	// (unless this one is at exactly `since`).
	return name == prevName && t.After(since) && prevTime.Before(since)
}
