// Package state keeps publisher and subscriber records in a JSON document
// on a filesystem shared by cooperating processes.
//
// Reads are unlocked.
// Writes are optimistic transactions:
// a version counter is read without the lock,
// re-checked under the lock,
// and the document is replaced with a rename only if the counter has not moved.
package state

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// DocName is the name of the document file in a state directory.
const DocName = "state.json"

// MaxRetries is how many times a transaction that lost a race is retried.
const MaxRetries = 5

var (
	// ErrContention is the error when a transaction keeps losing races.
	ErrContention = errors.New("unable to update after repeated contention")

	// ErrAgentNotFound is the error for updating an absent agent,
	// or one of the wrong kind.
	ErrAgentNotFound = errors.New("agent not found")
)

// Store is an agent state store in a directory.
type Store struct {
	dir     string
	counter *Counter
	logger  *slog.Logger
	backoff time.Duration
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the Store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New produces a Store for the state directory dir.
// Call Initialize before first use of a new directory.
func New(dir string, opts ...Option) *Store {
	s := &Store{
		dir:     dir,
		counter: NewCounter(filepath.Join(dir, DocName+".ver")),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		backoff: time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir is the Store's directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) docPath() string {
	return filepath.Join(s.dir, DocName)
}

// Initialize creates the version counter and an empty document.
// It reports whether the counter was newly created.
// If the counter already exists and force is false, nothing changes.
// With force, the counter is reset and the document truncated and rewritten.
func (s *Store) Initialize(force bool) (bool, error) {
	created, err := s.counter.Init()
	if err != nil {
		return false, errors.Wrap(err, "initializing counter")
	}
	if !created && !force {
		return false, nil
	}
	if !created {
		if err = s.counter.Reset(); err != nil {
			return false, errors.Wrap(err, "resetting counter")
		}
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_EXCL
	if force {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(s.docPath(), flags, 0644)
	if err != nil {
		return false, errors.Wrapf(err, "creating %s", s.docPath())
	}
	if err = encodeDoc(f, NewDocument()); err != nil {
		f.Close()
		return false, errors.Wrapf(err, "writing %s", s.docPath())
	}
	if err = f.Close(); err != nil {
		return false, errors.Wrapf(err, "closing %s", s.docPath())
	}

	s.logger.Info("initialized state", "dir", s.dir, "force", force)
	return created, nil
}

// Document reads the current document without locking.
func (s *Store) Document() (*Document, error) {
	f, err := os.Open(s.docPath())
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", s.docPath())
	}
	defer f.Close()

	doc := NewDocument()
	if err = json.NewDecoder(f).Decode(doc); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", s.docPath())
	}
	if doc.Agents == nil {
		doc.Agents = make(map[string]*Agent)
	}
	return doc, nil
}

func (s *Store) writeDocument(doc *Document) error {
	next := s.docPath() + ".next"
	f, err := os.Create(next)
	if err != nil {
		return errors.Wrapf(err, "creating %s", next)
	}
	if err = encodeDoc(f, doc); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing %s", next)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", next)
	}
	return errors.Wrapf(os.Rename(next, s.docPath()), "renaming %s", next)
}

func encodeDoc(w io.Writer, doc *Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// ReadModifyWrite applies mutate to a fresh copy of the document
// and replaces the stored document with the result,
// provided no other transaction committed in between.
// A transaction that loses that race is retried with doubling delays,
// up to MaxRetries times, after which the result is ErrContention.
// An error from mutate aborts the transaction and is returned as is.
func (s *Store) ReadModifyWrite(ctx context.Context, mutate func(*Document) error) error {
	delay := s.backoff
	for attempt := 0; ; attempt++ {
		v, err := s.counter.Current()
		if err != nil {
			return errors.Wrap(err, "reading version")
		}
		ok, err := s.counter.IncrementWith(ctx, v, func() error {
			doc, err := s.Document()
			if err != nil {
				return err
			}
			if err = mutate(doc); err != nil {
				return err
			}
			return s.writeDocument(doc)
		})
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if attempt >= MaxRetries {
			return ErrContention
		}

		s.logger.Debug("state transaction lost a race, retrying", "version", v, "attempt", attempt+1, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}

// Agent reads the agent with the given id.
// It returns nil, with no error, if there is none.
func (s *Store) Agent(id string) (*Agent, error) {
	doc, err := s.Document()
	if err != nil {
		return nil, err
	}
	return doc.Agents[id], nil
}

// Publisher reads the publisher with the given id.
// It returns nil, with no error, if there is none.
func (s *Store) Publisher(id string) (*Agent, error) {
	return s.agentOfKind(id, KindPublisher)
}

// Subscriber reads the subscriber with the given id.
// It returns nil, with no error, if there is none.
func (s *Store) Subscriber(id string) (*Agent, error) {
	return s.agentOfKind(id, KindSubscriber)
}

func (s *Store) agentOfKind(id string, kind Kind) (*Agent, error) {
	a, err := s.Agent(id)
	if err != nil || a == nil || a.Kind != kind {
		return nil, err
	}
	return a, nil
}

// AgentsByPrefix reads the agents whose ids begin with prefix, sorted by id.
func (s *Store) AgentsByPrefix(prefix string) ([]*Agent, error) {
	doc, err := s.Document()
	if err != nil {
		return nil, err
	}
	var result []*Agent
	for id, a := range doc.Agents {
		if a != nil && strings.HasPrefix(id, prefix) {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Publishers reads the publishers whose ids begin with prefix.
func (s *Store) Publishers(prefix string) ([]*Agent, error) {
	return s.byKind(prefix, KindPublisher)
}

// Subscribers reads the subscribers whose ids begin with prefix.
func (s *Store) Subscribers(prefix string) ([]*Agent, error) {
	return s.byKind(prefix, KindSubscriber)
}

func (s *Store) byKind(prefix string, kind Kind) ([]*Agent, error) {
	agents, err := s.AgentsByPrefix(prefix)
	if err != nil {
		return nil, err
	}
	var result []*Agent
	for _, a := range agents {
		if a.Kind == kind {
			result = append(result, a)
		}
	}
	return result, nil
}

// CreatePublisher adds a publisher record.
// See create.
func (s *Store) CreatePublisher(ctx context.Context, a *Agent, replace bool) (bool, error) {
	if a.Kind != KindPublisher {
		return false, errors.Errorf("agent %s is a %s, not a publisher", a.ID, a.Kind)
	}
	return s.create(ctx, a, replace)
}

// CreateSubscriber adds a subscriber record.
// See create.
func (s *Store) CreateSubscriber(ctx context.Context, a *Agent, replace bool) (bool, error) {
	if a.Kind != KindSubscriber {
		return false, errors.Errorf("agent %s is a %s, not a subscriber", a.ID, a.Kind)
	}
	return s.create(ctx, a, replace)
}

// create stores a copy of a,
// with Created and LastModified set to the transaction time
// and a zero ExpiryTime replaced by Never.
// It reports false if an agent with the same id exists and replace is false;
// the existing record is then left alone.
func (s *Store) create(ctx context.Context, a *Agent, replace bool) (bool, error) {
	if a.ID == "" {
		return false, errors.New("agent id is empty")
	}
	if err := a.Validate(); err != nil {
		return false, err
	}

	var created bool
	err := s.ReadModifyWrite(ctx, func(doc *Document) error {
		created = false
		if _, ok := doc.Agents[a.ID]; ok && !replace {
			return nil
		}
		c := a.clone()
		c.Created = s.now().UTC()
		c.LastModified = c.Created
		if c.ExpiryTime.IsZero() {
			c.ExpiryTime = Never
		}
		doc.Agents[c.ID] = c
		created = true
		return nil
	})
	if err != nil {
		return false, errors.Wrapf(err, "creating agent %s", a.ID)
	}
	if created {
		s.logger.Info("created agent", "id", a.ID, "kind", a.Kind, "replace", replace)
	}
	return created, nil
}

// UpdatePublisher applies mutate to the publisher with the given id
// and sets its LastModified.
// The result is ErrAgentNotFound if there is no such publisher.
func (s *Store) UpdatePublisher(ctx context.Context, id string, mutate func(*Agent) error) error {
	return s.update(ctx, id, KindPublisher, mutate)
}

// UpdateSubscriber applies mutate to the subscriber with the given id
// and sets its LastModified.
// The result is ErrAgentNotFound if there is no such subscriber.
func (s *Store) UpdateSubscriber(ctx context.Context, id string, mutate func(*Agent) error) error {
	return s.update(ctx, id, KindSubscriber, mutate)
}

func (s *Store) update(ctx context.Context, id string, kind Kind, mutate func(*Agent) error) error {
	err := s.ReadModifyWrite(ctx, func(doc *Document) error {
		a, ok := doc.Agents[id]
		if !ok || a == nil || a.Kind != kind {
			return errors.Wrapf(ErrAgentNotFound, "%s %s", kind, id)
		}
		c := a.clone()
		if err := mutate(c); err != nil {
			return err
		}
		c.ID = id
		c.Kind = kind
		if err := c.Validate(); err != nil {
			return err
		}
		c.LastModified = s.now().UTC()
		doc.Agents[id] = c
		return nil
	})
	return errors.Wrapf(err, "updating %s", id)
}

// Delete removes the agent with the given id, if there is one.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.ReadModifyWrite(ctx, func(doc *Document) error {
		delete(doc.Agents, id)
		return nil
	})
	return errors.Wrapf(err, "deleting %s", id)
}

// GarbageCollect removes, in one transaction, every agent whose ExpiryTime has passed.
// A malformed record stops the scan;
// the error is logged and the agents collected before it are still removed.
// The result is the number of agents removed.
func (s *Store) GarbageCollect(ctx context.Context) (int, error) {
	var n int
	err := s.ReadModifyWrite(ctx, func(doc *Document) error {
		n = 0
		now := s.now()

		ids := make([]string, 0, len(doc.Agents))
		for id := range doc.Agents {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			a := doc.Agents[id]
			if a == nil {
				s.logger.Error("malformed agent record during garbage collection", "id", id, "error", "null record")
				break
			}
			if err := a.Validate(); err != nil {
				s.logger.Error("malformed agent record during garbage collection", "id", id, "error", err)
				break
			}
			if a.Expired(now) {
				delete(doc.Agents, id)
				n++
			}
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "collecting expired agents")
	}
	s.logger.Info("collected expired agents", "count", n)
	return n, nil
}
