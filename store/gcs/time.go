package gcs

import (
	"fmt"
	"math/big"
	"time"

	"github.com/pkg/errors"
)

// The name of an anchor object ends in a stamp:
// the number of nanoseconds from the anchor's time to the latest representable time.
// Stamps have a fixed width,
// so listing a HEAD prefix in name order yields the newest entry first.

const stampWidth = 30

var (
	nanosPerSecond = big.NewInt(int64(time.Second))

	// The latest time.Time, from https://stackoverflow.com/a/32620397.
	maxNanos = unixNanos(time.Unix(1<<63-1-int64((1969*365+1969/4-1969/100+1969/400)*24*60*60), 999999999))
)

func unixNanos(t time.Time) *big.Int {
	n := big.NewInt(t.Unix())
	n.Mul(n, nanosPerSecond)
	return n.Add(n, big.NewInt(int64(t.Nanosecond())))
}

func fromUnixNanos(n *big.Int) time.Time {
	var secs, nanos big.Int
	secs.DivMod(n, nanosPerSecond, &nanos)
	return time.Unix(secs.Int64(), nanos.Int64())
}

// invStamp produces the stamp for t.
func invStamp(t time.Time) string {
	var inv big.Int
	inv.Sub(maxNanos, unixNanos(t))
	return fmt.Sprintf("%0*d", stampWidth, &inv)
}

// parseInvStamp recovers the time from a stamp.
func parseInvStamp(s string) (time.Time, error) {
	if len(s) != stampWidth {
		return time.Time{}, errors.Errorf("stamp %q has length %d, want %d", s, len(s), stampWidth)
	}
	var inv big.Int
	if _, ok := inv.SetString(s, 10); !ok || inv.Sign() < 0 {
		return time.Time{}, errors.Errorf("malformed stamp %q", s)
	}
	var n big.Int
	n.Sub(maxNanos, &inv)
	return fromUnixNanos(&n), nil
}
