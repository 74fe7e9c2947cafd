// Package logging implements a store that delegates everything to a nested store,
// logging operations as they happen.
package logging

import (
	"context"
	"log/slog"
	"time"

	"github.com/bobg/snapsync"
	"github.com/bobg/snapsync/store"
)

var _ snapsync.AnchorStore = &Store{}

// Store logs each call before passing it to the nested store.
type Store struct {
	s      snapsync.AnchorStore
	logger *slog.Logger
}

// New produces a Store that logs calls on s to logger at debug level,
// and failed calls at error level.
func New(s snapsync.AnchorStore, logger *slog.Logger) *Store {
	return &Store{s: s, logger: logger}
}

func (s *Store) log(ctx context.Context, err error, msg string, args ...any) {
	if err != nil {
		s.logger.ErrorContext(ctx, msg, append(args, "error", err)...)
		return
	}
	s.logger.DebugContext(ctx, msg, args...)
}

func (s *Store) Get(ctx context.Context, ref snapsync.Ref) (snapsync.Blob, error) {
	b, err := s.s.Get(ctx, ref)
	s.log(ctx, err, "Get", "ref", ref, "size", len(b))
	return b, err
}

func (s *Store) ListRefs(ctx context.Context, start snapsync.Ref, f func(snapsync.Ref) error) error {
	s.logger.DebugContext(ctx, "ListRefs", "start", start)
	return s.s.ListRefs(ctx, start, func(ref snapsync.Ref) error {
		err := f(ref)
		s.log(ctx, err, "  ListRefs", "ref", ref)
		return err
	})
}

func (s *Store) Put(ctx context.Context, b snapsync.Blob) (snapsync.Ref, bool, error) {
	ref, added, err := s.s.Put(ctx, b)
	s.log(ctx, err, "Put", "ref", ref, "added", added)
	return ref, added, err
}

func (s *Store) GetAnchor(ctx context.Context, a snapsync.Anchor, at time.Time) (snapsync.Ref, error) {
	ref, err := s.s.GetAnchor(ctx, a, at)
	s.log(ctx, err, "GetAnchor", "anchor", a, "at", at, "ref", ref)
	return ref, err
}

func (s *Store) ListAnchors(ctx context.Context, start snapsync.Anchor, f func(snapsync.Anchor, snapsync.TimeRef) error) error {
	s.logger.DebugContext(ctx, "ListAnchors", "start", start)
	return s.s.ListAnchors(ctx, start, func(a snapsync.Anchor, tr snapsync.TimeRef) error {
		err := f(a, tr)
		s.log(ctx, err, "  ListAnchors", "anchor", a, "at", tr.T, "ref", tr.R)
		return err
	})
}

func (s *Store) PutAnchor(ctx context.Context, ref snapsync.Ref, a snapsync.Anchor, at time.Time) error {
	err := s.s.PutAnchor(ctx, ref, a, at)
	s.log(ctx, err, "PutAnchor", "anchor", a, "at", at, "ref", ref)
	return err
}

func init() {
	store.Register("logging", func(ctx context.Context, conf map[string]interface{}) (snapsync.AnchorStore, error) {
		nested, err := store.Nested(ctx, conf, "nested")
		if err != nil {
			return nil, err
		}
		return New(nested, store.Logger(ctx).With("store", conf["nested"].(map[string]interface{})["type"])), nil
	})
}
