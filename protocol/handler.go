package protocol

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"

	"github.com/bobg/snapsync/state"
)

// PublisherHandler serves the publisher's side of the protocol:
//
//	GET  /publisher                   the publisher record
//	GET  /subscribers?prefix=         its subscribers
//	GET  /subscribers/outofsync?uri=  those not at the latest snapshot
//	POST /subscribers                 register a subscriber (InitRequest)
//	PUT  /subscribers/{id}/status     status callback (StatusRequest)
func PublisherHandler(p *Publisher) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/publisher", func(w http.ResponseWriter, req *http.Request) {
		a, err := p.State.Publisher(p.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if a == nil {
			http.Error(w, "no such publisher", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, a)
	})

	r.Get("/subscribers", func(w http.ResponseWriter, req *http.Request) {
		subs, err := p.Subscribers(req.URL.Query().Get("prefix"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, nonNil(subs))
	})

	r.Get("/subscribers/outofsync", func(w http.ResponseWriter, req *http.Request) {
		subs, err := p.OutOfSync(req.URL.Query().Get("uri"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, nonNil(subs))
	})

	r.Post("/subscribers", func(w http.ResponseWriter, req *http.Request) {
		var ireq InitRequest
		if err := json.NewDecoder(req.Body).Decode(&ireq); err != nil {
			writeError(w, http.StatusBadRequest, errors.Wrap(err, "decoding request"))
			return
		}
		a, err := p.Register(req.Context(), ireq)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, a)
	})

	r.Put("/subscribers/{id}/status", func(w http.ResponseWriter, req *http.Request) {
		var sreq StatusRequest
		if err := json.NewDecoder(req.Body).Decode(&sreq); err != nil {
			writeError(w, http.StatusBadRequest, errors.Wrap(err, "decoding request"))
			return
		}
		err := p.SetSubscriberStatus(req.Context(), chi.URLParam(req, "id"), sreq.Token)
		if errors.Is(err, state.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return r
}

func nonNil(subs []*state.Agent) []*state.Agent {
	if subs == nil {
		return []*state.Agent{}
	}
	return subs
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
