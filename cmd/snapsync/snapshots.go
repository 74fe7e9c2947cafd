package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/snapsync/gc"
	"github.com/bobg/snapsync/snapshot"
)

func (c maincmd) syncDir(ctx context.Context, dir, token string, _ []string) error {
	if dir == "" {
		return errors.New("must supply -dir")
	}

	repo, err := c.repo(ctx, "")
	if err != nil {
		return err
	}
	defer repo.Close()

	id, err := snapshot.FromToken(token)
	if err != nil {
		return err
	}
	if id.IsZero() {
		if id, err = repo.Latest(ctx); err != nil {
			return err
		}
	}
	return snapshot.Populate(ctx, repo, id, dir, snapshot.WithLogger(c.logger), snapshot.WithProgress(c.progress))
}

func (c maincmd) snapshots(ctx context.Context, first, last string, _ []string) error {
	repo, err := c.repo(ctx, "")
	if err != nil {
		return err
	}
	defer repo.Close()

	show := func(id snapshot.ID) error {
		info, err := repo.Info(ctx, id)
		if err != nil {
			return err
		}
		comment := strings.TrimSpace(info.Comment)
		if i := strings.IndexByte(comment, '\n'); i >= 0 {
			comment = comment[:i] + " ..."
		}
		fmt.Fprintf(c.out, "%s %s %s\n", id.Token(), info.Timestamp.Format(time.RFC3339), comment)
		return nil
	}

	if first == "" && last == "" {
		return snapshot.ListAll(ctx, repo, show)
	}

	firstID, err := snapshot.FromToken(first)
	if err != nil {
		return err
	}
	lastID, err := snapshot.FromToken(last)
	if err != nil {
		return err
	}
	ids, err := snapshot.ListBetween(ctx, repo, firstID, lastID, snapshot.WithLogger(c.logger))
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err = show(id); err != nil {
			return err
		}
	}
	return nil
}

func (c maincmd) diff(ctx context.Context, from, to string, _ []string) error {
	repo, err := c.repo(ctx, "")
	if err != nil {
		return err
	}
	defer repo.Close()

	current, err := snapshot.FromToken(from)
	if err != nil {
		return err
	}
	target, err := snapshot.FromToken(to)
	if err != nil {
		return err
	}
	if target.IsZero() {
		if target, err = repo.Latest(ctx); err != nil {
			return err
		}
	}

	added, err := snapshot.AddedItems(ctx, repo, current, target)
	if err != nil {
		return err
	}
	deleted, err := snapshot.DeletedItems(ctx, repo, current, target)
	if err != nil {
		return err
	}
	for _, item := range added {
		fmt.Fprintf(c.out, "+ %s\n", item.Path)
	}
	for _, item := range deleted {
		fmt.Fprintf(c.out, "- %s\n", item.Path)
	}
	return nil
}

func (c maincmd) gc(ctx context.Context, objects bool, _ []string) error {
	n, err := c.state().GarbageCollect(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Removed %d expired agents\n", n)

	if !objects {
		return nil
	}

	repo, err := c.repo(ctx, "")
	if err != nil {
		return err
	}
	defer repo.Close()

	s, ok := repo.Objects().(gc.Store)
	if !ok {
		return errors.New("object store does not support deletion")
	}
	keep, err := repo.Reachable(ctx)
	if err != nil {
		return errors.Wrap(err, "computing reachable objects")
	}
	n, err = gc.Run(ctx, s, keep)
	if err != nil {
		return errors.Wrap(err, "deleting unreachable objects")
	}
	fmt.Fprintf(c.out, "Kept %d objects, deleted %d\n", keep.Len(), n)
	return nil
}
