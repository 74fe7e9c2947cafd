package snapshot

import (
	"math"
	"sync"
	"time"
)

// UpdatePolicy decides when a progress report is worth passing on.
type UpdatePolicy struct {
	// MinInterval is the longest time to go without an update.
	MinInterval time.Duration

	// PercentStep is the fraction of completion (0 to 1)
	// that always earns an update when crossed.
	PercentStep float64
}

// DefaultPolicy reports every 15 seconds or every 5%, whichever comes first.
var DefaultPolicy = UpdatePolicy{
	MinInterval: 15 * time.Second,
	PercentStep: 0.05,
}

// ShouldUpdate tells whether to fire an update.
// First is true for the first report of an operation.
// SinceLast is the time since the last fired update.
// Percent and lastPercent are the completion fractions (0 to 1)
// now and at the last fired update.
func (p UpdatePolicy) ShouldUpdate(first bool, sinceLast time.Duration, percent, lastPercent float64) bool {
	if first {
		return true
	}
	if p.MinInterval > 0 && sinceLast >= p.MinInterval {
		return true
	}
	if p.PercentStep <= 0 {
		return false
	}
	return step(percent, p.PercentStep) > step(lastPercent, p.PercentStep)
}

func step(percent, size float64) int {
	return int(math.Floor(percent/size + 1e-9))
}

// Throttled wraps f so that it fires only when policy says so.
// Each stage is throttled separately,
// and the interval timer restarts after every fired update.
func Throttled(policy UpdatePolicy, f ProgressFunc) ProgressFunc {
	return throttled(policy, f, time.Now)
}

type stageState struct {
	last        time.Time
	lastPercent float64
}

func throttled(policy UpdatePolicy, f ProgressFunc, now func() time.Time) ProgressFunc {
	var (
		mu     sync.Mutex
		stages = make(map[string]*stageState)
	)
	return func(stage string, done, total int64) {
		var percent float64
		if total > 0 {
			percent = float64(done) / float64(total)
		}

		mu.Lock()
		t := now()
		st, ok := stages[stage]
		fire := !ok || policy.ShouldUpdate(false, t.Sub(st.last), percent, st.lastPercent)
		if fire {
			stages[stage] = &stageState{last: t, lastPercent: percent}
		}
		mu.Unlock()

		if fire {
			f(stage, done, total)
		}
	}
}
