package protocol

import (
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Default throttle settings.
const (
	DefaultThrottleWindow = 10 * time.Second
	DefaultThrottleMax    = 10
)

// Throttle is a fixed-window request counter.
// Within each window the first Max requests are allowed and the rest are refused.
type Throttle struct {
	Window time.Duration
	Max    int
	Logger *slog.Logger

	mu      sync.Mutex
	count   int
	resetAt time.Time
	now     func() time.Time
}

// NewThrottle produces a Throttle with the default window and limit.
func NewThrottle() *Throttle {
	return &Throttle{
		Window: DefaultThrottleWindow,
		Max:    DefaultThrottleMax,
	}
}

func (t *Throttle) clock() time.Time {
	if t.now != nil {
		return t.now()
	}
	return time.Now()
}

// must be called with t.mu held
func (t *Throttle) roll(now time.Time) {
	if now.Before(t.resetAt) {
		return
	}
	t.count = 0
	t.resetAt = now.Add(t.Window)
}

// Allow counts a request and tells whether it may proceed.
func (t *Throttle) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.roll(t.clock())
	t.count++
	return t.count <= t.Max
}

// Count is the number of requests seen in the current window.
func (t *Throttle) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.roll(t.clock())
	return t.count
}

// Middleware refuses requests beyond the limit with 503 Service Unavailable.
func (t *Throttle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !t.Allow() {
			logger := t.Logger
			if logger == nil {
				logger = slog.New(slog.NewTextHandler(io.Discard, nil))
			}
			logger.WarnContext(req.Context(), "throttled request", "path", req.URL.Path, "remote", req.RemoteAddr)
			http.Error(w, "Server busy", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, req)
	})
}
