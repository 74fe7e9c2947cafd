package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bobg/subcmd"
	"github.com/pkg/errors"

	"github.com/bobg/snapsync"
	"github.com/bobg/snapsync/protocol"
	"github.com/bobg/snapsync/snapshot/dag"
	"github.com/bobg/snapsync/state"
	"github.com/bobg/snapsync/store"
)

func (c maincmd) init(ctx context.Context, origin string, force bool, _ []string) error {
	repo, err := c.initialize(ctx, origin, force)
	if err != nil {
		return err
	}
	return repo.Close()
}

func (c maincmd) initialize(ctx context.Context, origin string, force bool) (*dag.Repo, error) {
	repo, err := c.repo(ctx, origin)
	if err != nil {
		return nil, err
	}

	repoCreated, err := repo.Initialize(ctx)
	if err != nil {
		repo.Close()
		return nil, errors.Wrap(err, "initializing repository")
	}
	st := c.state()
	stateCreated, err := st.Initialize(force)
	if err != nil {
		repo.Close()
		return nil, errors.Wrap(err, "initializing state")
	}
	_, err = st.CreatePublisher(ctx, state.NewPublisher(c.conf.PublisherID, state.Publisher{RepositoryURI: repo.Dir()}), force)
	if err != nil {
		repo.Close()
		return nil, errors.Wrap(err, "creating publisher")
	}

	fmt.Fprintf(c.out, "Repository %s (created: %v)\n", repo.Dir(), repoCreated)
	fmt.Fprintf(c.out, "State %s (created: %v)\n", st.Dir(), stateCreated)
	return repo, nil
}

type publishArgs struct {
	dir, ignore, comment string
}

// publishParams are the flags shared by publish and deploy.
func publishParams() []subcmd.Param {
	return subcmd.Params(
		"dir", subcmd.String, "", "directory to publish",
		"ignore", subcmd.String, "", "file and directory names to leave out, separated by ;",
		"comment", subcmd.String, "", "snapshot comment (default: machine, directory, time, and user)",
	)
}

func (c maincmd) publish(ctx context.Context, dir, ignore, comment string, _ []string) error {
	pa := &publishArgs{dir: dir, ignore: ignore, comment: comment}

	repo, err := c.repo(ctx, "")
	if err != nil {
		return err
	}
	defer repo.Close()

	return c.doPublish(ctx, repo, pa)
}

func (c maincmd) doPublish(ctx context.Context, repo *dag.Repo, pa *publishArgs) error {
	if pa.dir == "" {
		return errors.New("must supply -dir")
	}
	ignore, err := protocol.ParseIgnore(pa.ignore)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.out, "Publishing directory to: %s\n", c.conf.PublisherID)
	id, err := c.publisher(repo).Publish(ctx, pa.dir, ignore, pa.comment)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Snapshot: %s\n", id.Token())

	return c.syncReplicas(ctx, repo)
}

// syncReplicas brings the configured replica stores up to date with the repository's objects.
func (c maincmd) syncReplicas(ctx context.Context, repo *dag.Repo) error {
	if len(c.conf.Replicas) == 0 {
		return nil
	}
	stores := []snapsync.Store{repo.Objects()}
	for i, rconf := range c.conf.Replicas {
		s, err := store.FromConfig(ctx, rconf)
		if err != nil {
			return errors.Wrapf(err, "creating replica %d", i)
		}
		stores = append(stores, s)
	}

	start := time.Now()
	if err := store.Sync(ctx, stores); err != nil {
		return errors.Wrap(err, "syncing replicas")
	}

	// Blobs are synced; anchors are not, so copy the head.
	head, err := repo.Head(ctx)
	if err != nil {
		return err
	}
	if !head.IsZero() {
		ref := snapsync.RefFromBytes(head)
		now := time.Now()
		for _, s := range stores[1:] {
			if as, ok := s.(snapsync.AnchorStore); ok {
				if err = as.PutAnchor(ctx, ref, dag.HeadAnchor, now); err != nil {
					return errors.Wrap(err, "copying head anchor to replica")
				}
			}
		}
	}
	c.logger.Info("synced replicas", "replicas", len(stores)-1, "elapsed", time.Since(start))
	return nil
}

func (c maincmd) deploy(ctx context.Context, dir, ignore, comment string, poll time.Duration, _ []string) error {
	pa := &publishArgs{dir: dir, ignore: ignore, comment: comment}

	repo, err := c.initialize(ctx, "", false)
	if err != nil {
		return err
	}
	defer repo.Close()

	if err = c.doPublish(ctx, repo, pa); err != nil {
		return err
	}

	p := c.publisher(repo)
	subs, err := p.Subscribers("")
	if err != nil {
		return err
	}
	c.printNotifyResults(p.Notify(ctx, subs))

	return p.Watch(ctx, c.out, poll, "")
}
