package testutil

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/bobg/snapsync"
	"github.com/bobg/snapsync/split"
)

// Data produces a deterministic pseudorandom test payload
// large enough to span many split chunks.
func Data(t *testing.T) []byte {
	t.Helper()
	data := make([]byte, 512*1024)
	rand.New(rand.NewSource(19770805)).Read(data)
	return data
}

// ReadWrite permits testing a Store implementation
// by split-writing some data to it,
// then reading it back out to make sure it's the same.
func ReadWrite(ctx context.Context, t *testing.T, store snapsync.Store, data []byte) {
	t1 := time.Now()
	ref, _, err := split.Write(ctx, store, bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("wrote %d bytes in %s", len(data), time.Since(t1))

	buf := new(bytes.Buffer)
	t2 := time.Now()
	err = split.Read(ctx, store, ref, buf)
	if err != nil {
		t.Fatal(err)
	}
	got := buf.Bytes()
	t.Logf("read %d bytes in %s", len(got), time.Since(t2))

	if len(got) != len(data) {
		t.Errorf("got length %d, want %d", len(got), len(data))
	} else {
		for i := 0; i < len(got); i++ {
			if got[i] != data[i] {
				t.Fatalf("mismatch at position %d (of %d)", i, len(got))
			}
		}
	}

	_, added, err := store.Put(ctx, snapsync.Blob(data[:100]))
	if err != nil {
		t.Fatal(err)
	}
	_, added2, err := store.Put(ctx, snapsync.Blob(data[:100]))
	if err != nil {
		t.Fatal(err)
	}
	if !added || added2 {
		t.Errorf("got added=%v, %v for two Puts of the same blob, want true, false", added, added2)
	}

	_, err = store.Get(ctx, snapsync.Blob("not stored anywhere").Ref())
	if !errors.Is(err, snapsync.ErrNotFound) {
		t.Errorf("got error %v for a missing blob, want ErrNotFound", err)
	}
}
