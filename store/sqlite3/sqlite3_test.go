package sqlite3

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/bobg/snapsync"
	"github.com/bobg/snapsync/testutil"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	withTestStore(ctx, t, func(s *Store) {
		testutil.ReadWrite(ctx, t, s, testutil.Data(t))
	})
}

func TestAllRefs(t *testing.T) {
	ctx := context.Background()
	testutil.AllRefs(ctx, t, func() snapsync.Store {
		db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "refs.db"))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { db.Close() })
		s, err := New(ctx, db)
		if err != nil {
			t.Fatal(err)
		}
		return s
	})
}

func TestAnchors(t *testing.T) {
	ctx := context.Background()
	withTestStore(ctx, t, func(s *Store) {
		testutil.Anchors(ctx, t, s)
	})
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	withTestStore(ctx, t, func(s *Store) {
		testutil.Delete(ctx, t, s)
	})
}

func withTestStore(ctx context.Context, t *testing.T, fn func(*Store)) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "snapsync.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	s, err := New(ctx, db)
	if err != nil {
		t.Fatal(err)
	}

	fn(s)
}
