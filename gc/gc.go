// Package gc removes unreachable blobs from a store.
package gc

import (
	"context"

	"github.com/pkg/errors"

	"github.com/bobg/snapsync"
)

// Store is a blob store that can delete blobs.
type Store interface {
	snapsync.Getter
	Delete(context.Context, snapsync.Ref) error
}

// Run runs a garbage collection on s,
// with k the set of refs to keep.
// It returns the number of blobs deleted.
func Run(ctx context.Context, s Store, k Keep) (int, error) {
	// Collect first, so no backend is asked to delete while it is listing.
	var doomed []snapsync.Ref
	err := s.ListRefs(ctx, snapsync.Ref{}, func(ref snapsync.Ref) error {
		found, err := k.Contains(ctx, ref)
		if err != nil {
			return err
		}
		if !found {
			doomed = append(doomed, ref)
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "listing refs")
	}
	for i, ref := range doomed {
		if err = s.Delete(ctx, ref); err != nil {
			return i, errors.Wrapf(err, "deleting %s", ref)
		}
	}
	return len(doomed), nil
}
