package snapsync

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestFindAnchor(t *testing.T) {
	var (
		published = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
		second    = published.Add(time.Hour)
		rollback  = second.Add(time.Hour)

		c1 = RefFromBytes([]byte("commit 1"))
		c2 = RefFromBytes([]byte("commit 2"))
	)

	// A publisher's HEAD: two commits, then a rollback to the first.
	publisher := []TimeRef{{T: published, R: c1}, {T: second, R: c2}, {T: rollback, R: c1}}

	// A mirror that checked out the second commit
	// and then fast-forwarded twice within one clock tick.
	mirror := []TimeRef{{T: published, R: c1}, {T: second, R: c2}, {T: second, R: c1}}

	cases := []struct {
		name    string
		pairs   []TimeRef
		at      time.Time
		want    Ref
		wantErr error
	}{
		{name: "empty history", at: published, wantErr: ErrNotFound},
		{name: "before first commit", pairs: publisher, at: published.Add(-time.Second), wantErr: ErrNotFound},
		{name: "at first commit", pairs: publisher, at: published, want: c1},
		{name: "between commits", pairs: publisher, at: published.Add(time.Minute), want: c1},
		{name: "at second commit", pairs: publisher, at: second, want: c2},
		{name: "just before rollback", pairs: publisher, at: rollback.Add(-time.Nanosecond), want: c2},
		{name: "after rollback", pairs: publisher, at: rollback.Add(time.Minute), want: c1},
		{name: "same tick last wins", pairs: mirror, at: second, want: c1},
		{name: "after same tick", pairs: mirror, at: second.Add(time.Second), want: c1},
		{name: "before same tick", pairs: mirror, at: second.Add(-time.Second), want: c1},
		{name: "other zone same instant", pairs: publisher, at: second.In(time.FixedZone("UTC+2", 2*60*60)), want: c2},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := FindAnchor(tc.pairs, tc.at)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Errorf("got error %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestSortTimeRefs(t *testing.T) {
	var (
		t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
		r  = func(s string) Ref { return RefFromBytes([]byte(s)) }
	)

	// Entries as a store might accumulate them:
	// a late arrival, and two updates in the same tick.
	pairs := []TimeRef{
		{T: t0.Add(2 * time.Minute), R: r("c")},
		{T: t0, R: r("a")},
		{T: t0.Add(time.Minute), R: r("b1")},
		{T: t0.Add(time.Minute), R: r("b2")},
	}
	SortTimeRefs(pairs)

	var got []Ref
	for _, p := range pairs {
		got = append(got, p.R)
	}
	want := []Ref{r("a"), r("b1"), r("b2"), r("c")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	ref, err := FindAnchor(pairs, t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if ref != r("b2") {
		t.Errorf("got %s, want the later write %s", ref, r("b2"))
	}
}
