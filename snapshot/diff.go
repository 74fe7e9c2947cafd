package snapshot

import (
	"context"

	"github.com/pkg/errors"
)

// DeletedItems returns the items of current whose paths are absent from target.
// This is a path-presence diff:
// a file whose content differs between the two snapshots is not reported.
// Paths compare case-sensitively.
// A nil current gives no items; a nil target gives every item of current.
func DeletedItems(ctx context.Context, r Repository, current, target ID) ([]Item, error) {
	if current.IsZero() {
		return nil, nil
	}

	present := make(map[string]struct{})
	if !target.IsZero() {
		err := r.Items(ctx, target, func(item Item) error {
			present[item.Path] = struct{}{}
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "listing items of %s", target)
		}
	}

	var result []Item
	err := r.Items(ctx, current, func(item Item) error {
		if _, ok := present[item.Path]; !ok {
			result = append(result, item)
		}
		return nil
	})
	return result, errors.Wrapf(err, "listing items of %s", current)
}

// AddedItems returns the items of target whose paths are absent from current.
// It is DeletedItems with the arguments swapped.
func AddedItems(ctx context.Context, r Repository, current, target ID) ([]Item, error) {
	return DeletedItems(ctx, r, target, current)
}
