package store_test

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/snapsync"
	. "github.com/bobg/snapsync/store"
	"github.com/bobg/snapsync/store/mem"
)

func TestSync(t *testing.T) {
	const text = `abc def ghi jkl mno pqr stu`

	var (
		ctx    = context.Background()
		words  = strings.Fields(text)
		stores = make([]snapsync.Store, 0, len(words)+1)
	)
	for i := range words {
		s := mem.New()
		stores = append(stores, s)
		for j, word := range words {
			if i == j {
				continue
			}

			_, _, err := s.Put(ctx, snapsync.Blob(word))
			if err != nil {
				t.Fatal(err)
			}
		}
	}

	// One store starts out empty, and one holds a blob nobody else has.
	stores = append(stores, mem.New())
	if _, _, err := stores[0].Put(ctx, snapsync.Blob("only in the first")); err != nil {
		t.Fatal(err)
	}

	err := Sync(ctx, stores)
	if err != nil {
		t.Fatal(err)
	}

	var refs []snapsync.Ref
	err = stores[0].ListRefs(ctx, snapsync.Ref{}, func(ref snapsync.Ref) error {
		refs = append(refs, ref)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != len(words)+1 {
		t.Errorf("got %d refs in the first store, want %d", len(refs), len(words)+1)
	}

	for i := 1; i < len(stores); i++ {
		s := stores[i]
		var refs2 []snapsync.Ref
		err = s.ListRefs(ctx, snapsync.Ref{}, func(ref snapsync.Ref) error {
			refs2 = append(refs2, ref)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(refs, refs2); diff != "" {
			t.Errorf("store %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()

	if _, err := Create(ctx, "no-such-type", nil); err == nil {
		t.Error("got no error for an unregistered type")
	}
	if _, err := FromConfig(ctx, map[string]interface{}{}); err == nil {
		t.Error("got no error for a config without a type")
	}

	s, err := FromConfig(ctx, map[string]interface{}{"type": "mem"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*mem.Store); !ok {
		t.Errorf("got %T, want *mem.Store", s)
	}

	cases := []struct {
		v      interface{}
		want   int
		wantOK bool
	}{
		{v: 7, want: 7, wantOK: true},
		{v: int64(8), want: 8, wantOK: true},
		{v: float64(9), want: 9, wantOK: true},
		{v: "10"},
	}
	for _, c := range cases {
		got, ok := Int(map[string]interface{}{"n": c.v}, "n")
		if got != c.want || ok != c.wantOK {
			t.Errorf("Int(%v) = %d, %v; want %d, %v", c.v, got, ok, c.want, c.wantOK)
		}
	}
}
