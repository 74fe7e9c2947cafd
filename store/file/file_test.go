package file

import (
	"context"
	"testing"

	"github.com/bobg/snapsync"
	"github.com/bobg/snapsync/testutil"
)

func TestStore(t *testing.T) {
	testutil.ReadWrite(context.Background(), t, New(t.TempDir()), testutil.Data(t))
}

func TestAllRefs(t *testing.T) {
	testutil.AllRefs(context.Background(), t, func() snapsync.Store { return New(t.TempDir()) })
}

func TestAnchors(t *testing.T) {
	testutil.Anchors(context.Background(), t, New(t.TempDir()))
}

func TestDelete(t *testing.T) {
	testutil.Delete(context.Background(), t, New(t.TempDir()))
}

func TestListRefsStart(t *testing.T) {
	var (
		ctx = context.Background()
		s   = New(t.TempDir())
	)
	var refs []snapsync.Ref
	for _, word := range []string{"alpha", "beta", "gamma", "delta"} {
		ref, _, err := s.Put(ctx, snapsync.Blob(word))
		if err != nil {
			t.Fatal(err)
		}
		refs = append(refs, ref)
	}

	var all []snapsync.Ref
	err := s.ListRefs(ctx, snapsync.Zero, func(r snapsync.Ref) error {
		all = append(all, r)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != len(refs) {
		t.Fatalf("got %d refs, want %d", len(all), len(refs))
	}

	var rest []snapsync.Ref
	err = s.ListRefs(ctx, all[1], func(r snapsync.Ref) error {
		rest = append(rest, r)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != len(all)-2 {
		t.Errorf("got %d refs after %s, want %d", len(rest), all[1], len(all)-2)
	}
	for _, r := range rest {
		if !all[1].Less(r) {
			t.Errorf("ref %s listed but not after start %s", r, all[1])
		}
	}
}
