// Package lru implements a blob store that acts as a least-recently-used cache for a nested blob store.
package lru

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/bobg/snapsync"
	"github.com/bobg/snapsync/store"
)

var _ snapsync.AnchorStore = &Store{}

// Store implements a memory-based least-recently-used cache for a blob store.
// It caches only blobs, not anchors.
// Writes pass through to the underlying blob store.
type Store struct {
	c *lru.Cache // Ref->Blob
	s snapsync.AnchorStore
}

// New produces a new Store backed by `s` and caching up to `size` blobs.
func New(s snapsync.AnchorStore, size int) (*Store, error) {
	c, err := lru.New(size)
	return &Store{s: s, c: c}, err
}

// Get gets the blob with hash `ref`.
func (s *Store) Get(ctx context.Context, ref snapsync.Ref) (snapsync.Blob, error) {
	if got, ok := s.c.Get(ref); ok {
		return got.(snapsync.Blob), nil
	}
	blob, err := s.s.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	s.c.Add(ref, blob)
	return blob, nil
}

// Put adds a blob to the store if it wasn't already present.
func (s *Store) Put(ctx context.Context, b snapsync.Blob) (snapsync.Ref, bool, error) {
	ref, added, err := s.s.Put(ctx, b)
	if err != nil {
		return ref, added, err
	}
	s.c.Add(ref, b)
	return ref, added, nil
}

// Delete removes a blob from the cache and,
// if the nested store supports deletion,
// from the nested store.
func (s *Store) Delete(ctx context.Context, ref snapsync.Ref) error {
	s.c.Remove(ref)
	if d, ok := s.s.(interface {
		Delete(context.Context, snapsync.Ref) error
	}); ok {
		return d.Delete(ctx, ref)
	}
	return nil
}

// ListRefs produces all blob refs in the store, in lexicographic order.
func (s *Store) ListRefs(ctx context.Context, start snapsync.Ref, f func(snapsync.Ref) error) error {
	return s.s.ListRefs(ctx, start, f)
}

// GetAnchor implements snapsync.AnchorGetter.
func (s *Store) GetAnchor(ctx context.Context, a snapsync.Anchor, at time.Time) (snapsync.Ref, error) {
	return s.s.GetAnchor(ctx, a, at)
}

// ListAnchors implements snapsync.AnchorGetter.
func (s *Store) ListAnchors(ctx context.Context, start snapsync.Anchor, f func(snapsync.Anchor, snapsync.TimeRef) error) error {
	return s.s.ListAnchors(ctx, start, f)
}

// PutAnchor implements snapsync.AnchorStore.
func (s *Store) PutAnchor(ctx context.Context, ref snapsync.Ref, a snapsync.Anchor, at time.Time) error {
	return s.s.PutAnchor(ctx, ref, a, at)
}

func init() {
	store.Register("lru", func(ctx context.Context, conf map[string]interface{}) (snapsync.AnchorStore, error) {
		size, ok := store.Int(conf, "size")
		if !ok {
			return nil, errors.New(`missing "size" parameter`)
		}
		nested, err := store.Nested(ctx, conf, "nested")
		if err != nil {
			return nil, err
		}
		return New(nested, size)
	})
}
