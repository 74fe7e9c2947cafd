package lru

import (
	"context"
	"testing"

	"github.com/bobg/snapsync"
	"github.com/bobg/snapsync/store"
	"github.com/bobg/snapsync/store/mem"
	"github.com/bobg/snapsync/testutil"
)

func TestStore(t *testing.T) {
	s, err := New(mem.New(), 1000)
	if err != nil {
		t.Fatal(err)
	}
	testutil.ReadWrite(context.Background(), t, s, testutil.Data(t))
}

func TestAnchors(t *testing.T) {
	s, err := New(mem.New(), 1000)
	if err != nil {
		t.Fatal(err)
	}
	testutil.Anchors(context.Background(), t, s)
}

func TestDelete(t *testing.T) {
	s, err := New(mem.New(), 1000)
	if err != nil {
		t.Fatal(err)
	}
	testutil.Delete(context.Background(), t, s)
}

func TestCacheHit(t *testing.T) {
	ctx := context.Background()
	nested := mem.New()
	s, err := New(nested, 10)
	if err != nil {
		t.Fatal(err)
	}

	ref, _, err := nested.Put(ctx, snapsync.Blob("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err = s.Get(ctx, ref); err != nil {
		t.Fatal(err)
	}

	// Remove the blob behind the cache's back.
	if err = nested.Delete(ctx, ref); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("got %q, want hello", got)
	}
}

func TestRegistry(t *testing.T) {
	conf := map[string]interface{}{
		"type":   "lru",
		"size":   float64(5),
		"nested": map[string]interface{}{"type": "mem"},
	}
	s, err := store.FromConfig(context.Background(), conf)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*Store); !ok {
		t.Errorf("got %T, want *Store", s)
	}
}
