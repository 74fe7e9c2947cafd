package protocol

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bobg/snapsync/snapshot"
)

// Receiver serves a subscriber instance's side of the protocol:
//
//	GET  /           warm-up
//	GET  /status     the checked-out snapshot (Status)
//	POST /notifyall  notify the private endpoints of the out-of-sync instances behind PublicURI
//	POST /notify     pull the latest snapshot and report it to the publisher
//
// Both POST operations are throttled.
type Receiver struct {
	// ID is this instance's subscriber id.
	ID string

	// Repo is a mirror of the publisher's repository.
	Repo snapshot.Repository

	// PublicURI is the endpoint shared by the instances behind a load balancer.
	PublicURI string

	// PublisherURL is the base URL of the publisher's PublisherHandler.
	PublisherURL string

	Client   *Client
	Throttle *Throttle
	Logger   *slog.Logger

	// NotifyTimeout bounds the fan-out of /notifyall.
	// It defaults to DefaultNotifyTimeout.
	NotifyTimeout time.Duration

	pullMu sync.Mutex
}

// Header is implemented by repositories that can report
// their checked-out snapshot without refreshing it.
type Header interface {
	Head(context.Context) (snapshot.ID, error)
}

func (rc *Receiver) logger() *slog.Logger {
	if rc.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return rc.Logger
}

// Handler produces the http.Handler for rc.
// A nil Throttle is replaced with NewThrottle, and a nil Client with NewClient.
func (rc *Receiver) Handler() http.Handler {
	if rc.Throttle == nil {
		rc.Throttle = NewThrottle()
		rc.Throttle.Logger = rc.Logger
	}
	if rc.Client == nil {
		rc.Client = NewClient(nil, rc.Logger)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "ok\n")
	})
	r.Get("/"+OpStatus, rc.handleStatus)
	r.With(rc.Throttle.Middleware).Post("/"+OpNotifyAll, rc.handleNotifyAll)
	r.With(rc.Throttle.Middleware).Post("/"+OpNotify, rc.handleNotify)

	return r
}

func (rc *Receiver) status(ctx context.Context) (*Status, error) {
	var (
		id  snapshot.ID
		err error
	)
	if h, ok := rc.Repo.(Header); ok {
		id, err = h.Head(ctx)
	} else {
		id, err = rc.Repo.Latest(ctx)
	}
	if err != nil {
		return nil, err
	}

	st := &Status{ID: rc.ID, Busy: rc.Throttle.Count()}
	if id.IsZero() {
		return st, nil
	}
	info, err := rc.Repo.Info(ctx, id)
	if err != nil {
		return nil, err
	}
	st.Token = id.Token()
	st.Comment = info.Comment
	st.Time = info.Timestamp
	return st, nil
}

func (rc *Receiver) handleStatus(w http.ResponseWriter, req *http.Request) {
	st, err := rc.status(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (rc *Receiver) handleNotifyAll(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	subs, err := rc.Client.OutOfSync(ctx, rc.PublisherURL, rc.PublicURI)
	if err != nil {
		rc.logger().ErrorContext(ctx, "listing out-of-sync subscribers", "publisher", rc.PublisherURL, "error", err)
		writeError(w, http.StatusBadGateway, err)
		return
	}

	var (
		uris []string
		seen = make(map[string]bool)
	)
	for _, s := range subs {
		if s.Subscriber == nil || s.Subscriber.PrivateNotifyURI == "" {
			continue
		}
		key := normalizeURI(s.Subscriber.PrivateNotifyURI)
		if seen[key] {
			continue
		}
		seen[key] = true
		uris = append(uris, s.Subscriber.PrivateNotifyURI)
	}

	timeout := rc.NotifyTimeout
	if timeout <= 0 {
		timeout = DefaultNotifyTimeout
	}

	// Instances still pulling when the response is written keep going.
	callCtx := context.WithoutCancel(ctx)

	result := make(map[string]int, len(uris))
	for _, u := range uris {
		result[u] = 0
	}
	call := func(i int) (int, error) {
		return rc.Client.Notify(callCtx, uris[i])
	}
	done := func(i, status int, err error) {
		u := uris[i]
		switch {
		case err != nil:
			rc.logger().ErrorContext(ctx, "notifying instance", "uri", u, "error", err)
		case status != http.StatusAccepted:
			rc.logger().WarnContext(ctx, "instance returned unexpected status", "uri", u, "status", status)
		}
		result[u] = status
	}
	if n := fanOut(len(uris), timeout, call, done); n > 0 {
		rc.logger().WarnContext(ctx, "instances still pulling after timeout", "outstanding", n, "timeout", timeout)
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (rc *Receiver) handleNotify(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	rc.pullMu.Lock()
	defer rc.pullMu.Unlock()

	id, err := rc.Repo.Latest(ctx)
	if err != nil {
		rc.logger().ErrorContext(ctx, "pulling latest snapshot", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !id.IsZero() && rc.PublisherURL != "" {
		if err = rc.Client.SetStatus(ctx, rc.PublisherURL, rc.ID, id.Token()); err != nil {
			rc.logger().ErrorContext(ctx, "reporting status", "publisher", rc.PublisherURL, "error", err)
			writeError(w, http.StatusBadGateway, err)
			return
		}
	}
	rc.logger().InfoContext(ctx, "synced", "subscriber", rc.ID, "snapshot", id)

	st, err := rc.status(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}
