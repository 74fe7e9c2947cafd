package snapshot

import (
	"fmt"
	"testing"
	"time"
)

func TestShouldUpdate(t *testing.T) {
	p := DefaultPolicy

	cases := []struct {
		first       bool
		sinceLast   time.Duration
		percent     float64
		lastPercent float64
		want        bool
	}{
		{first: true, want: true},
		{sinceLast: time.Second, percent: 0.01, lastPercent: 0, want: false},
		{sinceLast: 15 * time.Second, percent: 0.01, lastPercent: 0, want: true},
		{sinceLast: time.Second, percent: 0.051, lastPercent: 0.049, want: true},
		{sinceLast: time.Second, percent: 0.09, lastPercent: 0.051, want: false},
		{sinceLast: time.Second, percent: 0.10, lastPercent: 0.09, want: true},
		{sinceLast: time.Second, percent: 1, lastPercent: 0.97, want: true},
	}
	for i, c := range cases {
		t.Run(fmt.Sprintf("case_%02d", i+1), func(t *testing.T) {
			got := p.ShouldUpdate(c.first, c.sinceLast, c.percent, c.lastPercent)
			if got != c.want {
				t.Errorf("got %v, want %v", got, c.want)
			}
		})
	}
}

func TestThrottled(t *testing.T) {
	var (
		now   = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
		clock = func() time.Time { return now }
		fired []int64
	)
	f := throttled(DefaultPolicy, func(stage string, done, total int64) {
		fired = append(fired, done)
	}, clock)

	// 1000 steps of 0.1% each, one second apart:
	// the 5% boundaries come every 50 seconds,
	// so the 15-second timer governs.
	for i := int64(0); i <= 100; i++ {
		f("fetch", i, 1000)
		now = now.Add(time.Second)
	}
	want := []int64{0, 15, 30, 45, 50, 65, 80, 95, 100}
	if fmt.Sprint(fired) != fmt.Sprint(want) {
		t.Errorf("got %v, want %v", fired, want)
	}

	// A new stage fires at once.
	fired = nil
	f("checkout", 1, 1000)
	if len(fired) != 1 {
		t.Errorf("new stage: got %d updates, want 1", len(fired))
	}
}
