package gc_test

import (
	"bytes"
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/snapsync"
	. "github.com/bobg/snapsync/gc"
	"github.com/bobg/snapsync/split"
	"github.com/bobg/snapsync/store/mem"
	"github.com/bobg/snapsync/testutil"
)

func protectSplit(g snapsync.Getter) ProtectFunc {
	return func(ctx context.Context, k Keep, ref snapsync.Ref) error {
		return split.Refs(ctx, g, ref, func(r snapsync.Ref) error {
			_, err := k.Add(ctx, r)
			return err
		})
	}
}

func listRefs(ctx context.Context, t *testing.T, g snapsync.Getter) []snapsync.Ref {
	var refs []snapsync.Ref
	err := g.ListRefs(ctx, snapsync.Ref{}, func(ref snapsync.Ref) error {
		refs = append(refs, ref)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return refs
}

func TestGC(t *testing.T) {
	var (
		ctx   = context.Background()
		store = mem.New()
	)

	other := make([]byte, 256*1024)
	rand.New(rand.NewSource(8675309)).Read(other)

	root, _, err := split.Write(ctx, store, bytes.NewReader(other))
	if err != nil {
		t.Fatal(err)
	}

	k := NewMemKeep()
	if err = protectSplit(store)(ctx, k, root); err != nil {
		t.Fatal(err)
	}

	want := listRefs(ctx, t, store)
	if k.Len() != len(want) {
		t.Errorf("got %d kept refs, want %d", k.Len(), len(want))
	}

	if _, _, err = split.Write(ctx, store, bytes.NewReader(testutil.Data(t))); err != nil {
		t.Fatal(err)
	}

	n, err := Run(ctx, store, k)
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Error("nothing was collected")
	}

	got := listRefs(ctx, t, store)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	buf := new(bytes.Buffer)
	if err = split.Read(ctx, store, root, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), other) {
		t.Error("kept content does not read back")
	}
}

func TestProtect(t *testing.T) {
	ctx := context.Background()

	// A small graph: 1 -> {2, 3}, 2 -> {3}, 3 -> {}.
	edges := map[snapsync.Ref][]snapsync.Ref{
		{1}: {{2}, {3}},
		{2}: {{3}},
	}
	var visits int
	walk := func(ref snapsync.Ref, f func(snapsync.Ref) error) error {
		visits++
		for _, child := range edges[ref] {
			if err := f(child); err != nil {
				return err
			}
		}
		return nil
	}

	k := NewMemKeep()
	if err := Protect(ctx, k, snapsync.Ref{1}, walk); err != nil {
		t.Fatal(err)
	}
	if k.Len() != 3 {
		t.Errorf("got %d kept refs, want 3", k.Len())
	}
	if visits != 3 {
		t.Errorf("got %d visits, want 3", visits)
	}
}

func TestAddAnchors(t *testing.T) {
	var (
		ctx   = context.Background()
		store = mem.New()
		t1    = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
		t2    = t1.Add(time.Hour)
		t3    = t2.Add(time.Hour)
	)

	put := func(ref snapsync.Ref, a snapsync.Anchor, at time.Time) {
		if err := store.PutAnchor(ctx, ref, a, at); err != nil {
			t.Fatal(err)
		}
	}
	put(snapsync.Ref{1}, "a", t1)
	put(snapsync.Ref{2}, "a", t2)
	put(snapsync.Ref{3}, "a", t3)
	put(snapsync.Ref{4}, "b", t1)

	cases := []struct {
		since time.Time
		want  []snapsync.Ref
	}{
		{since: t1, want: []snapsync.Ref{{1}, {2}, {3}, {4}}},
		{since: t2, want: []snapsync.Ref{{2}, {3}, {4}}},
		{since: t2.Add(time.Minute), want: []snapsync.Ref{{2}, {3}, {4}}},
		{since: t3.Add(time.Minute), want: []snapsync.Ref{{3}, {4}}},
	}

	for i, c := range cases {
		k := NewMemKeep()
		protect := func(ctx context.Context, k Keep, ref snapsync.Ref) error {
			_, err := k.Add(ctx, ref)
			return err
		}
		if err := AddAnchors(ctx, k, store, c.since, protect); err != nil {
			t.Fatal(err)
		}
		for _, ref := range c.want {
			if ok, _ := k.Contains(ctx, ref); !ok {
				t.Errorf("case %d: %s not kept", i+1, ref)
			}
		}
		if k.Len() != len(c.want) {
			t.Errorf("case %d: got %d kept refs, want %d", i+1, k.Len(), len(c.want))
		}
	}
}
