// Package mem implements an in-memory object store.
// It serves as a scratch repository object store and as the backing store in tests.
package mem

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/bobg/snapsync"
	"github.com/bobg/snapsync/store"
)

var _ snapsync.AnchorStore = &Store{}

// Store keeps objects and anchor histories in memory.
// It is safe for concurrent use,
// and callbacks passed to ListRefs and ListAnchors may call back into the store.
type Store struct {
	mu      sync.RWMutex
	objects map[snapsync.Ref]snapsync.Blob
	history map[snapsync.Anchor][]snapsync.TimeRef
}

// New produces an empty Store.
func New() *Store {
	return &Store{
		objects: make(map[snapsync.Ref]snapsync.Blob),
		history: make(map[snapsync.Anchor][]snapsync.TimeRef),
	}
}

// Len is the number of objects in s.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Get implements snapsync.Getter.
func (s *Store) Get(_ context.Context, ref snapsync.Ref) (snapsync.Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.objects[ref]
	if !ok {
		return nil, snapsync.ErrNotFound
	}
	return b, nil
}

// GetMulti fetches a batch of objects under a single lock.
// Missing objects are reported in a snapsync.MultiErr
// alongside the ones that were found.
func (s *Store) GetMulti(_ context.Context, refs []snapsync.Ref) (map[snapsync.Ref]snapsync.Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		found   = make(map[snapsync.Ref]snapsync.Blob, len(refs))
		missing snapsync.MultiErr
	)
	for _, ref := range refs {
		b, ok := s.objects[ref]
		if ok {
			found[ref] = b
			continue
		}
		if missing == nil {
			missing = make(snapsync.MultiErr)
		}
		missing[ref] = snapsync.ErrNotFound
	}
	if missing != nil {
		return found, missing
	}
	return found, nil
}

// Put implements snapsync.Store.
func (s *Store) Put(_ context.Context, b snapsync.Blob) (snapsync.Ref, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, added := s.putLocked(b)
	return ref, added, nil
}

// PutMulti stores a batch of objects under a single lock.
// An object appearing more than once in blobs is reported as added
// if any of its copies was.
func (s *Store) PutMulti(_ context.Context, blobs []snapsync.Blob) (map[snapsync.Ref]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := make(map[snapsync.Ref]bool, len(blobs))
	for _, b := range blobs {
		ref, ok := s.putLocked(b)
		added[ref] = added[ref] || ok
	}
	return added, nil
}

func (s *Store) putLocked(b snapsync.Blob) (snapsync.Ref, bool) {
	ref := b.Ref()
	if _, ok := s.objects[ref]; ok {
		return ref, false
	}
	s.objects[ref] = slices.Clone(b)
	return ref, true
}

// Delete removes an object.
// Deleting an absent object is not an error.
func (s *Store) Delete(_ context.Context, ref snapsync.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.objects, ref)
	return nil
}

// ListRefs calls f on each object ref after start, in ascending order.
// It works from a copy of the ref set taken at the start of the call.
func (s *Store) ListRefs(_ context.Context, start snapsync.Ref, f func(snapsync.Ref) error) error {
	s.mu.RLock()
	refs := make([]snapsync.Ref, 0, len(s.objects))
	for ref := range s.objects {
		if start.Less(ref) {
			refs = append(refs, ref)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(refs, compareRefs)
	for _, ref := range refs {
		if err := f(ref); err != nil {
			return err
		}
	}
	return nil
}

func compareRefs(a, b snapsync.Ref) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	}
	return 0
}

// GetAnchor returns the value of anchor a as of the given time.
func (s *Store) GetAnchor(_ context.Context, a snapsync.Anchor, at time.Time) (snapsync.Ref, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return snapsync.FindAnchor(s.history[a], at)
}

// PutAnchor records ref as the value of anchor a from the given time on.
// Entries may arrive out of order;
// among entries with the same time the last one put wins.
func (s *Store) PutAnchor(_ context.Context, ref snapsync.Ref, a snapsync.Anchor, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := append(s.history[a], snapsync.TimeRef{T: at, R: ref})
	snapsync.SortTimeRefs(h)
	s.history[a] = h
	return nil
}

// ListAnchors calls f on each entry of each anchor after start,
// anchors in ascending order and each anchor's entries chronologically.
// It works from a copy of the histories taken at the start of the call.
func (s *Store) ListAnchors(_ context.Context, start snapsync.Anchor, f func(snapsync.Anchor, snapsync.TimeRef) error) error {
	type entry struct {
		a  snapsync.Anchor
		tr snapsync.TimeRef
	}

	s.mu.RLock()
	var anchors []snapsync.Anchor
	for a := range s.history {
		if a > start {
			anchors = append(anchors, a)
		}
	}
	slices.Sort(anchors)
	var entries []entry
	for _, a := range anchors {
		for _, tr := range s.history[a] {
			entries = append(entries, entry{a: a, tr: tr})
		}
	}
	s.mu.RUnlock()

	for _, e := range entries {
		if err := f(e.a, e.tr); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	store.Register("mem", func(context.Context, map[string]interface{}) (snapsync.AnchorStore, error) {
		return New(), nil
	})
}
