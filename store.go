package snapsync

import (
	"context"
	"errors"
	"time"
)

// Getter is a read-only Store (qv).
type Getter interface {
	// Get gets a blob by its ref.
	Get(context.Context, Ref) (Blob, error)

	// ListRefs calls a function for each blob ref in the store in lexicographic order,
	// beginning with the first ref _after_ the specified one.
	//
	// The calls reflect at least the set of refs
	// known at the moment ListRefs was called.
	// It is unspecified whether later changes,
	// that happen concurrently with ListRefs,
	// are reflected.
	//
	// If the callback function returns an error,
	// ListRefs exits with that error.
	ListRefs(context.Context, Ref, func(r Ref) error) error
}

// Store is a blob store.
// It stores byte sequences - "blobs" - of arbitrary length.
// Each blob can be retrieved using its "ref" as a lookup key.
// A ref is simply the SHA2-256 hash of the blob's content.
type Store interface {
	Getter

	// Put adds b to the store if it was not already present.
	// It returns b's ref and a boolean that is true iff the blob had to be added.
	Put(ctx context.Context, b Blob) (ref Ref, added bool, err error)
}

// AnchorGetter is the read side of an AnchorStore.
type AnchorGetter interface {
	// GetAnchor returns the latest ref stored for the given anchor
	// at or before the given time.
	// It returns ErrNotFound if there is none.
	GetAnchor(context.Context, Anchor, time.Time) (Ref, error)

	// ListAnchors calls a function for each anchor/TimeRef pair in the store,
	// in lexicographic order by anchor and chronological order within an anchor,
	// beginning with the first anchor _after_ the specified one.
	ListAnchors(context.Context, Anchor, func(Anchor, TimeRef) error) error
}

// AnchorStore is a Store that also keeps anchors.
type AnchorStore interface {
	Store
	AnchorGetter

	// PutAnchor records ref as the value of the given anchor as of the given time.
	PutAnchor(context.Context, Ref, Anchor, time.Time) error
}

// ErrNotFound is the error returned
// when a Getter tries to access a non-existent ref.
var ErrNotFound = errors.New("not found")
