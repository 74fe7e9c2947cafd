package testutil

import (
	"context"
	"errors"
	"sort"
	"testing"
	"testing/quick"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/snapsync"
)

// AllRefs writes a random set of random blobs to an empty store
// and makes sure that the right set of refs comes back in a call to ListRefs.
func AllRefs(ctx context.Context, t *testing.T, storeFactory func() snapsync.Store) {
	if err := quick.Check(allRefsHelper(ctx, t, storeFactory), &quick.Config{MaxCount: 20}); err != nil {
		t.Error(err)
	}
}

func allRefsHelper(ctx context.Context, t *testing.T, storeFactory func() snapsync.Store) func([][]byte) bool {
	return func(blobs [][]byte) bool {
		var (
			store = storeFactory()
			want  []snapsync.Ref
		)
		for _, blob := range blobs {
			ref, added, err := store.Put(ctx, blob)
			if err != nil {
				t.Fatal(err)
			}
			if added {
				want = append(want, ref)
			}
		}
		var got []snapsync.Ref
		err := store.ListRefs(ctx, snapsync.Zero, func(r snapsync.Ref) error {
			got = append(got, r)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}

		sort.Slice(want, func(i, j int) bool { return want[i].Less(want[j]) })

		if diff := cmp.Diff(want, got); diff != "" {
			t.Logf("mismatch (-want +got):\n%s", diff)
			return false
		}
		return true
	}
}

// Deleter is a store that can remove blobs.
type Deleter interface {
	snapsync.Store
	Delete(context.Context, snapsync.Ref) error
}

// Delete checks that deleted blobs are gone and others remain.
func Delete(ctx context.Context, t *testing.T, store Deleter) {
	var (
		keep = snapsync.Blob("keep me")
		drop = snapsync.Blob("drop me")
	)
	keepRef, _, err := store.Put(ctx, keep)
	if err != nil {
		t.Fatal(err)
	}
	dropRef, _, err := store.Put(ctx, drop)
	if err != nil {
		t.Fatal(err)
	}
	if err = store.Delete(ctx, dropRef); err != nil {
		t.Fatal(err)
	}
	if err = store.Delete(ctx, dropRef); err != nil {
		t.Errorf("deleting an absent blob: %s", err)
	}
	if _, err = store.Get(ctx, dropRef); !errors.Is(err, snapsync.ErrNotFound) {
		t.Errorf("got error %v after delete, want ErrNotFound", err)
	}
	if _, err = store.Get(ctx, keepRef); err != nil {
		t.Errorf("getting kept blob: %s", err)
	}
}
