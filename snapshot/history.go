package snapshot

import (
	"context"

	"github.com/pkg/errors"
)

// ListAll calls f on every snapshot of r,
// newest first,
// following Previous from the head.
func ListAll(ctx context.Context, r Repository, f func(ID) error) error {
	id, err := r.Latest(ctx)
	if err != nil {
		return errors.Wrap(err, "getting latest snapshot")
	}
	for !id.IsZero() {
		if err = f(id); err != nil {
			return err
		}
		prev, err := r.Previous(ctx, id)
		if err != nil {
			return errors.Wrapf(err, "getting predecessor of %s", id)
		}
		id = prev
	}
	return nil
}

// ListBetween returns the snapshots from first back to last, inclusive,
// newest first.
// The first endpoint is the newer one.
// If either endpoint is not found in the history of r,
// the result is empty and a warning is logged.
func ListBetween(ctx context.Context, r Repository, first, last ID, opts ...Option) ([]ID, error) {
	o := getOptions(opts)

	var (
		result     []ID
		collecting bool
		done       = errors.New("done")
	)
	err := ListAll(ctx, r, func(id ID) error {
		if !collecting && id.Equal(first) {
			collecting = true
		}
		if collecting {
			result = append(result, id)
			if id.Equal(last) {
				return done
			}
		}
		return nil
	})
	if errors.Is(err, done) {
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	o.logger.WarnContext(ctx, "snapshot range endpoint not found", "first", first, "last", last, "found_first", collecting)
	return nil, nil
}
