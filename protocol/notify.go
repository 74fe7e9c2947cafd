package protocol

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/bobg/snapsync/state"
)

// ErrAbandoned is the error of a notify request still outstanding when its round timed out.
var ErrAbandoned = errors.New("notify request abandoned after timeout")

// NotifyResult is the outcome of notifying one endpoint.
type NotifyResult struct {
	// Subscriber is the first subscriber found with this endpoint.
	Subscriber *state.Agent
	URI        string
	Status     int
	Err        error
}

// OK tells whether the endpoint accepted the notification.
func (r NotifyResult) OK() bool {
	return r.Err == nil && r.Status == http.StatusAccepted
}

// Notify sends "notifyall" to the public endpoint of each given subscriber.
// Subscribers without an endpoint are skipped,
// and an endpoint shared by several subscribers is notified once.
// The requests run concurrently.
// Notify waits up to NotifyTimeout for them all;
// any still outstanding are left to finish on their own
// and reported with ErrAbandoned.
// Each completed request is followed by a warm-up request whose outcome is ignored.
// The results are in the order of first appearance of each endpoint.
func (p *Publisher) Notify(ctx context.Context, subs []*state.Agent) []NotifyResult {
	var (
		results []NotifyResult
		seen    = make(map[string]bool)
	)
	for _, s := range subs {
		if s.Subscriber == nil || s.Subscriber.PublicNotifyURI == "" {
			continue
		}
		key := normalizeURI(s.Subscriber.PublicNotifyURI)
		if seen[key] {
			continue
		}
		seen[key] = true
		results = append(results, NotifyResult{Subscriber: s, URI: s.Subscriber.PublicNotifyURI, Err: ErrAbandoned})
	}
	if len(results) == 0 {
		return nil
	}

	timeout := p.NotifyTimeout
	if timeout <= 0 {
		timeout = DefaultNotifyTimeout
	}

	var (
		round  = uuid.NewString()
		logger = p.logger().With("round", round)
		client = p.client()
		uris   = make([]string, len(results))
	)
	for i, r := range results {
		uris[i] = r.URI
	}

	logger.InfoContext(ctx, "notifying subscribers", "endpoints", len(results))

	call := func(i int) (int, error) {
		status, err := client.NotifyAll(ctx, uris[i])
		if err == nil {
			client.WarmUp(uris[i])
		}
		return status, err
	}
	done := func(i, status int, err error) {
		r := &results[i]
		r.Status, r.Err = status, err
		switch {
		case err != nil:
			logger.ErrorContext(ctx, "notify failed", "subscriber", r.Subscriber.ID, "uri", r.URI, "error", err)
		case status != http.StatusAccepted:
			logger.WarnContext(ctx, "notify returned unexpected status", "subscriber", r.Subscriber.ID, "uri", r.URI, "status", status)
		default:
			logger.DebugContext(ctx, "notified", "subscriber", r.Subscriber.ID, "uri", r.URI)
		}
	}
	if n := fanOut(len(uris), timeout, call, done); n > 0 {
		logger.WarnContext(ctx, "notify timed out", "outstanding", n, "timeout", timeout)
	}
	return results
}

// fanOut calls call(i) concurrently for each i in [0, n)
// and passes each outcome to done, in completion order, on the calling goroutine.
// It stops waiting after timeout and returns the number of calls still outstanding.
// Those are left to finish on their own; their outcomes are discarded.
func fanOut(n int, timeout time.Duration, call func(i int) (int, error), done func(i, status int, err error)) int {
	type outcome struct {
		i, status int
		err       error
	}
	ch := make(chan outcome, n)
	for i := 0; i < n; i++ {
		go func() {
			status, err := call(i)
			ch <- outcome{i: i, status: status, err: err}
		}()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for pending := n; pending > 0; pending-- {
		select {
		case o := <-ch:
			done(o.i, o.status, o.err)
		case <-timer.C:
			return pending
		}
	}
	return 0
}
