package protocol

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/snapsync/snapshot"
	"github.com/bobg/snapsync/snapshot/dag"
	"github.com/bobg/snapsync/state"
)

// DefaultNotifyTimeout bounds the wait for all notify requests in one round.
const DefaultNotifyTimeout = 5 * time.Minute

// Publisher publishes snapshots of a directory
// and tracks its subscribers' progress toward the latest one.
type Publisher struct {
	// ID is the publisher's agent id in State.
	ID string

	Repo   snapshot.Repository
	State  *state.Store
	Client *Client
	Logger *slog.Logger

	// NotifyTimeout defaults to DefaultNotifyTimeout.
	NotifyTimeout time.Duration
}

func (p *Publisher) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return p.Logger
}

func (p *Publisher) client() *Client {
	if p.Client == nil {
		return NewClient(nil, p.Logger)
	}
	return p.Client
}

// Publish records the contents of dir as a new snapshot
// and sets the publisher's latest token.
// Files and directories whose names are in ignore (ignoring case) are left out,
// as are the top-level .git and metadata directories.
// An empty comment is replaced by DefaultComment.
//
// The latest token is taken from the repository after the snapshot is made,
// not from the snapshot's own ID,
// so that a concurrent publish is never rolled back.
func (p *Publisher) Publish(ctx context.Context, dir string, ignore []string, comment string) (snapshot.ID, error) {
	if comment == "" {
		comment = DefaultComment(dir, time.Now())
	}

	ignored := make(map[string]bool)
	for _, name := range ignore {
		ignored[strings.ToLower(name)] = true
	}
	filter := func(rel string, d fs.DirEntry) bool {
		if ignored[strings.ToLower(d.Name())] {
			return false
		}
		if d.IsDir() && !strings.Contains(rel, "/") {
			if strings.EqualFold(d.Name(), ".git") || d.Name() == dag.MetaDir {
				p.logger().InfoContext(ctx, "ignoring top-level directory", "dir", rel)
				return false
			}
		}
		return true
	}

	id, err := snapshot.CreateFromDirectory(ctx, p.Repo, dir, comment, filter)
	if err != nil {
		return nil, errors.Wrapf(err, "creating snapshot of %s", dir)
	}

	latest, err := p.Repo.Latest(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "getting latest snapshot")
	}
	err = p.State.UpdatePublisher(ctx, p.ID, func(a *state.Agent) error {
		a.Publisher.LatestSnapshotToken = latest.Token()
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "recording latest snapshot for %s", p.ID)
	}

	p.logger().InfoContext(ctx, "published", "publisher", p.ID, "dir", dir, "snapshot", id, "latest", latest)
	return id, nil
}

// Subscribers lists the subscribers of this publisher whose ids begin with prefix.
func (p *Publisher) Subscribers(prefix string) ([]*state.Agent, error) {
	subs, err := p.State.Subscribers(prefix)
	if err != nil {
		return nil, err
	}
	var result []*state.Agent
	for _, s := range subs {
		if s.Subscriber.SubscribedTo == p.ID {
			result = append(result, s)
		}
	}
	return result, nil
}

// LatestToken is the token of the publisher's latest snapshot as recorded in State.
func (p *Publisher) LatestToken() (string, error) {
	a, err := p.State.Publisher(p.ID)
	if err != nil {
		return "", err
	}
	if a == nil {
		return "", errors.Wrapf(state.ErrAgentNotFound, "publisher %s", p.ID)
	}
	return a.Publisher.LatestSnapshotToken, nil
}

// OutOfSync lists the subscribers of this publisher
// whose last synced token differs from the latest one.
// If filterURI is not empty,
// only subscribers with that public notify URI are included.
func (p *Publisher) OutOfSync(filterURI string) ([]*state.Agent, error) {
	latest, err := p.LatestToken()
	if err != nil {
		return nil, err
	}
	subs, err := p.Subscribers("")
	if err != nil {
		return nil, err
	}
	if filterURI != "" {
		filterURI = normalizeURI(filterURI)
	}

	var result []*state.Agent
	for _, s := range subs {
		if s.Subscriber.LastSyncedSnapshotToken == latest {
			continue
		}
		if filterURI != "" && normalizeURI(s.Subscriber.PublicNotifyURI) != filterURI {
			continue
		}
		result = append(result, s)
	}
	return result, nil
}

// SetSubscriberStatus records that subscriber id has synced the snapshot with the given token.
// Repeating it with the same token changes nothing but LastModified.
func (p *Publisher) SetSubscriberStatus(ctx context.Context, id, token string) error {
	if _, err := snapshot.FromToken(token); err != nil {
		return err
	}
	err := p.State.UpdateSubscriber(ctx, id, func(a *state.Agent) error {
		a.Subscriber.LastSyncedSnapshotToken = token
		return nil
	})
	if err != nil {
		return err
	}
	p.logger().InfoContext(ctx, "subscriber status", "subscriber", id, "token", token)
	return nil
}

// Register creates or replaces the record of a subscriber to this publisher.
// The private URI defaults to the public one.
func (p *Publisher) Register(ctx context.Context, ireq InitRequest) (*state.Agent, error) {
	if ireq.ID == "" {
		return nil, errors.New("subscriber id is empty")
	}
	if err := checkAbsURI(ireq.PublicURI); err != nil {
		return nil, errors.Wrap(err, "public uri")
	}
	if ireq.PrivateURI == "" {
		ireq.PrivateURI = ireq.PublicURI
	} else if err := checkAbsURI(ireq.PrivateURI); err != nil {
		return nil, errors.Wrap(err, "private uri")
	}

	a := state.NewSubscriber(ireq.ID, state.Subscriber{
		SubscribedTo:     p.ID,
		PublicNotifyURI:  ireq.PublicURI,
		PrivateNotifyURI: ireq.PrivateURI,
	})
	if _, err := p.State.CreateSubscriber(ctx, a, true); err != nil {
		return nil, err
	}
	return p.State.Subscriber(ireq.ID)
}

func checkAbsURI(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return errors.Wrapf(err, "parsing %q", s)
	}
	if !u.IsAbs() || u.Host == "" {
		return errors.Errorf("%q is not an absolute URI", s)
	}
	return nil
}
