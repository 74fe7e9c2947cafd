package testutil

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/snapsync"
)

// Anchors exercises the anchor methods of an AnchorStore.
// The store must start out without anchors.
func Anchors(ctx context.Context, t *testing.T, store snapsync.AnchorStore) {
	var (
		a1 = snapsync.Anchor("anchor1")
		a2 = snapsync.Anchor("anchor2")
		a3 = snapsync.Anchor("anchor3")

		r1a = snapsync.Ref{0x1a}
		r1b = snapsync.Ref{0x1b}
		r2  = snapsync.Ref{0x2}

		t1 = time.Date(1977, 8, 5, 12, 0, 0, 0, time.FixedZone("UTC-4", -4*60*60))
		t2 = t1.Add(time.Hour)
	)

	err := store.PutAnchor(ctx, r1a, a1, t1)
	if err != nil {
		t.Fatal(err)
	}
	err = store.PutAnchor(ctx, r1b, a1, t2)
	if err != nil {
		t.Fatal(err)
	}
	err = store.PutAnchor(ctx, r2, a2, t1)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		a       snapsync.Anchor
		tm      time.Time
		want    snapsync.Ref
		wantErr error
	}{
		{a: a1, tm: t1, want: r1a},
		{a: a1, tm: t1.Add(time.Minute), want: r1a},
		{a: a1, tm: t2, want: r1b},
		{a: a1, tm: t2.Add(time.Minute), want: r1b},
		{a: a1, tm: t1.Add(-time.Minute), wantErr: snapsync.ErrNotFound},
		{a: a1, tm: t2.Add(-time.Minute), want: r1a},

		{a: a2, tm: t1, want: r2},
		{a: a2, tm: t1.Add(time.Minute), want: r2},
		{a: a2, tm: t1.Add(-time.Minute), wantErr: snapsync.ErrNotFound},

		{a: a3, tm: t2, wantErr: snapsync.ErrNotFound},
	}

	for i, c := range cases {
		t.Run(fmt.Sprintf("case_%02d", i+1), func(t *testing.T) {
			got, err := store.GetAnchor(ctx, c.a, c.tm)
			if c.wantErr != nil {
				if !errors.Is(err, c.wantErr) {
					t.Fatalf("got error %v, want %v", err, c.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != c.want {
				t.Fatalf("got %s, want %s", got, c.want)
			}
		})
	}

	type listed struct {
		A snapsync.Anchor
		R snapsync.Ref
	}
	var got []listed
	err = store.ListAnchors(ctx, "", func(a snapsync.Anchor, tr snapsync.TimeRef) error {
		got = append(got, listed{A: a, R: tr.R})
		if !tr.T.Equal(t1) && !tr.T.Equal(t2) {
			t.Errorf("anchor %s has unexpected time %s", a, tr.T)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []listed{{A: a1, R: r1a}, {A: a1, R: r1b}, {A: a2, R: r2}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ListAnchors mismatch (-want +got):\n%s", diff)
	}
}
