package bolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/bobg/snapsync"
	"github.com/bobg/snapsync/testutil"
)

func withStore(t *testing.T) *Store {
	s, err := Open(filepath.Join(t.TempDir(), "snapsync.bolt"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore(t *testing.T) {
	testutil.ReadWrite(context.Background(), t, withStore(t), testutil.Data(t))
}

func TestAllRefs(t *testing.T) {
	testutil.AllRefs(context.Background(), t, func() snapsync.Store { return withStore(t) })
}

func TestAnchors(t *testing.T) {
	testutil.Anchors(context.Background(), t, withStore(t))
}

func TestDelete(t *testing.T) {
	testutil.Delete(context.Background(), t, withStore(t))
}
