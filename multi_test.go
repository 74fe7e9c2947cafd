package snapsync_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	. "github.com/bobg/snapsync"
	"github.com/bobg/snapsync/store/mem"
)

// singleStore hides the batch methods of the store it wraps,
// so GetMulti and PutMulti fall back to concurrent single calls.
type singleStore struct {
	Store
}

func TestMulti(t *testing.T) {
	ctx := context.Background()
	stores := []struct {
		name string
		new  func() Store
	}{
		{name: "batched", new: func() Store { return mem.New() }},
		{name: "single", new: func() Store { return singleStore{Store: mem.New()} }},
	}

	cases := []struct {
		stored, missing []string
	}{
		{},
		{stored: []string{"tree", "commit", "chunk"}},
		{stored: []string{""}},
		{missing: []string{""}},
		{stored: []string{"tree"}, missing: []string{"", "chunk"}},
		{stored: []string{"a", "b", "c", "d"}, missing: []string{"e"}},
	}
	for _, st := range stores {
		for i, c := range cases {
			t.Run(fmt.Sprintf("%s_case_%02d", st.name, i+1), func(t *testing.T) {
				s := st.new()

				var blobs []Blob
				for _, b := range c.stored {
					blobs = append(blobs, Blob(b))
				}
				added, err := PutMulti(ctx, s, blobs)
				if err != nil {
					t.Fatal(err)
				}
				want := make(map[Ref]Blob)
				for _, b := range blobs {
					want[b.Ref()] = b
					if !added[b.Ref()] {
						t.Errorf("blob %q not reported as added", b)
					}
				}

				// Putting the same blobs again adds nothing.
				added, err = PutMulti(ctx, s, blobs)
				if err != nil {
					t.Fatal(err)
				}
				for ref, a := range added {
					if a {
						t.Errorf("blob %s reported as added twice", ref)
					}
				}

				var (
					refs    []Ref
					wantErr = make(map[Ref]bool)
				)
				for ref := range want {
					refs = append(refs, ref)
				}
				for _, b := range c.missing {
					ref := Blob(b).Ref()
					refs = append(refs, ref)
					wantErr[ref] = true
				}

				got, err := GetMulti(ctx, s, refs)
				if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
					t.Errorf("mismatch (-want +got):\n%s", diff)
				}
				if len(wantErr) == 0 {
					if err != nil {
						t.Fatal(err)
					}
					return
				}

				var merr MultiErr
				if !errors.As(err, &merr) {
					t.Fatalf("got error %v, want MultiErr", err)
				}
				if len(merr) != len(wantErr) {
					t.Errorf("got %d errors, want %d", len(merr), len(wantErr))
				}
				for ref, e := range merr {
					if !wantErr[ref] {
						t.Errorf("unexpected error for %s", ref)
					}
					if !errors.Is(e, ErrNotFound) {
						t.Errorf("got %v for %s, want ErrNotFound", e, ref)
					}
				}
			})
		}
	}
}

// batchStore counts calls to its GetMulti and PutMulti methods.
type batchStore struct {
	*mem.Store
	gets, puts int
}

func (s *batchStore) GetMulti(ctx context.Context, refs []Ref) (map[Ref]Blob, error) {
	s.gets++
	res := make(map[Ref]Blob)
	for _, ref := range refs {
		b, err := s.Get(ctx, ref)
		if err != nil {
			return nil, err
		}
		res[ref] = b
	}
	return res, nil
}

func (s *batchStore) PutMulti(ctx context.Context, blobs []Blob) (map[Ref]bool, error) {
	s.puts++
	res := make(map[Ref]bool)
	for _, b := range blobs {
		ref, added, err := s.Put(ctx, b)
		if err != nil {
			return nil, err
		}
		res[ref] = added
	}
	return res, nil
}

// TestMultiCopy copies objects between stores in batches
// the way a mirror fetches from its origin.
func TestMultiCopy(t *testing.T) {
	var (
		ctx    = context.Background()
		origin = &batchStore{Store: mem.New()}
		local  = &batchStore{Store: mem.New()}
		refs   []Ref
	)
	for i := 0; i < 10; i++ {
		ref, _, err := origin.Put(ctx, Blob(fmt.Sprintf("object %d", i)))
		if err != nil {
			t.Fatal(err)
		}
		refs = append(refs, ref)
	}

	const batch = 4
	for len(refs) > 0 {
		n := batch
		if n > len(refs) {
			n = len(refs)
		}
		got, err := GetMulti(ctx, origin, refs[:n])
		if err != nil {
			t.Fatal(err)
		}
		var blobs []Blob
		for _, ref := range refs[:n] {
			blobs = append(blobs, got[ref])
		}
		if _, err = PutMulti(ctx, local, blobs); err != nil {
			t.Fatal(err)
		}
		refs = refs[n:]
	}

	if origin.gets != 3 || local.puts != 3 {
		t.Errorf("got %d batched gets and %d batched puts, want 3 and 3", origin.gets, local.puts)
	}

	var want, got []Ref
	if err := origin.ListRefs(ctx, Zero, func(ref Ref) error { want = append(want, ref); return nil }); err != nil {
		t.Fatal(err)
	}
	if err := local.ListRefs(ctx, Zero, func(ref Ref) error { got = append(got, ref); return nil }); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("local store differs from origin (-want +got):\n%s", diff)
	}
}
