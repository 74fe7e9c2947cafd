package split

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/bobg/snapsync"
	"github.com/bobg/snapsync/store/mem"
)

func TestSplitEmpty(t *testing.T) {
	m := mem.New()
	w := NewWriter(context.Background(), m)
	err := w.Close()
	if err != nil {
		t.Fatal(err)
	}
	if w.Root != snapsync.Zero {
		t.Errorf("got Root of %s, want %s", w.Root, snapsync.Zero)
	}

	buf := new(bytes.Buffer)
	if err = Read(context.Background(), m, w.Root, buf); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 0 {
		t.Errorf("got %d bytes reading the empty tree, want 0", buf.Len())
	}
}

func TestSplitRoundTrip(t *testing.T) {
	var (
		ctx  = context.Background()
		m    = mem.New()
		data = make([]byte, 1<<20)
	)
	rand.New(rand.NewSource(1)).Read(data)

	ref, n, err := Write(ctx, m, bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len(data)) {
		t.Errorf("wrote %d bytes, want %d", n, len(data))
	}

	buf := new(bytes.Buffer)
	if err = Read(ctx, m, ref, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), data) {
		t.Fatal("content mismatch after round trip")
	}

	// Same content, same root.
	ref2, _, err := Write(ctx, m, bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if ref2 != ref {
		t.Errorf("got root %s on second write, want %s", ref2, ref)
	}

	var (
		seen    = make(map[snapsync.Ref]bool)
		lastRef snapsync.Ref
	)
	err = Refs(ctx, m, ref, func(r snapsync.Ref) error {
		seen[r] = true
		lastRef = r
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if lastRef != ref {
		t.Errorf("root visited before its children")
	}

	var stored int
	err = m.ListRefs(ctx, snapsync.Zero, func(r snapsync.Ref) error {
		stored++
		if !seen[r] {
			t.Errorf("stored ref %s not reached by Refs", r)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if stored != len(seen) {
		t.Errorf("Refs reached %d refs, store holds %d", len(seen), stored)
	}
}

func TestSplitShapes(t *testing.T) {
	ctx := context.Background()
	src := make([]byte, 1<<16)
	rand.New(rand.NewSource(2)).Read(src)

	cases := []struct {
		size   int
		fanout uint
	}{
		{size: 1, fanout: 4},
		{size: 100, fanout: 4},
		{size: 4096, fanout: 1},
		{size: 4096, fanout: 2},
		{size: 20000, fanout: 0},
		{size: 20000, fanout: 1},
		{size: 65536, fanout: 1},
		{size: 65536, fanout: 3},
	}
	for i, c := range cases {
		t.Run(fmt.Sprintf("case_%02d", i+1), func(t *testing.T) {
			m := mem.New()
			data := src[:c.size]

			ref, n, err := Write(ctx, m, bytes.NewReader(data), Bits(6), MinSize(64), Fanout(c.fanout))
			if err != nil {
				t.Fatal(err)
			}
			if n != int64(c.size) {
				t.Errorf("wrote %d bytes, want %d", n, c.size)
			}

			var root Node
			if err = snapsync.GetJSON(ctx, m, ref, &root); err != nil {
				t.Fatal(err)
			}
			if root.Size != uint64(c.size) {
				t.Errorf("root size %d, want %d", root.Size, c.size)
			}

			buf := new(bytes.Buffer)
			if err = Read(ctx, m, ref, buf); err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(buf.Bytes(), data) {
				t.Fatalf("content mismatch after round trip (%d bytes read)", buf.Len())
			}

			reached := make(map[snapsync.Ref]bool)
			err = Refs(ctx, m, ref, func(r snapsync.Ref) error {
				reached[r] = true
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}
			err = m.ListRefs(ctx, snapsync.Zero, func(r snapsync.Ref) error {
				if !reached[r] {
					t.Errorf("stored ref %s is not part of the tree", r)
				}
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}
		})
	}
}
