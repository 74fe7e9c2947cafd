package pg

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/bobg/snapsync/testutil"
)

func TestStore(t *testing.T) {
	withStore(t, func(ctx context.Context, store *Store) {
		testutil.ReadWrite(ctx, t, store, testutil.Data(t))
	})
}

func TestAnchors(t *testing.T) {
	withStore(t, func(ctx context.Context, store *Store) {
		testutil.Anchors(ctx, t, store)
	})
}

func TestDelete(t *testing.T) {
	withStore(t, func(ctx context.Context, store *Store) {
		testutil.Delete(ctx, t, store)
	})
}

const connVar = "SNAPSYNC_PG_TESTING_CONN"

// withStore runs f against a store in a fresh schema-less database.
// The database named by the connection string must be empty.
func withStore(t *testing.T, f func(context.Context, *Store)) {
	connstr := os.Getenv(connVar)
	if connstr == "" {
		t.Skipf("to run %s, set %s to a valid Postgresql connection string", t.Name(), connVar)
	}

	db, err := sql.Open("postgres", connstr)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	_, err = db.ExecContext(ctx, `DROP TABLE IF EXISTS blobs; DROP TABLE IF EXISTS anchors`)
	if err != nil {
		t.Fatal(err)
	}

	store, err := New(ctx, db)
	if err != nil {
		t.Fatal(err)
	}

	f(ctx, store)
}
