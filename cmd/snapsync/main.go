// Command snapsync publishes directory snapshots to subscribers
// and tracks their progress.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/bobg/subcmd"
	"github.com/pkg/errors"

	"github.com/bobg/snapsync/config"
	"github.com/bobg/snapsync/protocol"
	"github.com/bobg/snapsync/snapshot"
	"github.com/bobg/snapsync/snapshot/dag"
	"github.com/bobg/snapsync/state"
	"github.com/bobg/snapsync/store"
	_ "github.com/bobg/snapsync/store/bolt"
	_ "github.com/bobg/snapsync/store/file"
	_ "github.com/bobg/snapsync/store/gcs"
	_ "github.com/bobg/snapsync/store/logging"
	_ "github.com/bobg/snapsync/store/lru"
	_ "github.com/bobg/snapsync/store/mem"
	_ "github.com/bobg/snapsync/store/pg"
	_ "github.com/bobg/snapsync/store/rpc"
	_ "github.com/bobg/snapsync/store/sqlite3"
)

type maincmd struct {
	conf   *config.Config
	logger *slog.Logger
	out    io.Writer
}

func main() {
	confPath := flag.String("config", "snapsync.yaml", "path to config file")
	flag.Parse()

	conf, err := config.Load(*confPath)
	if err != nil {
		log.Fatal(err)
	}
	logger := conf.Logger(os.Stderr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = store.WithLogger(ctx, logger)

	c := maincmd{conf: conf, logger: logger, out: os.Stdout}
	if err = subcmd.Run(ctx, c, flag.Args()); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func (c maincmd) Subcmds() subcmd.Map {
	return subcmd.Commands(
		"init", c.init, subcmd.Params(
			"origin", subcmd.String, "", "origin repository directory or grpc://host:port (makes a mirror)",
			"force", subcmd.Bool, false, "reset the state if already created",
		),
		"publish", c.publish, publishParams(),
		"deploy", c.deploy, append(publishParams(), subcmd.Params(
			"t", subcmd.Duration, 15*time.Second, "polling interval while watching",
		)...),
		"sync-dir", c.syncDir, subcmd.Params(
			"dir", subcmd.String, "", "directory to populate",
			"token", subcmd.String, "", "snapshot token (default: latest)",
		),
		"snapshots", c.snapshots, subcmd.Params(
			"first", subcmd.String, "", "newest snapshot to list (token)",
			"last", subcmd.String, "", "oldest snapshot to list (token)",
		),
		"diff", c.diff, subcmd.Params(
			"from", subcmd.String, "", "current snapshot token",
			"to", subcmd.String, "", "target snapshot token (default: latest)",
		),
		"gc", c.gc, subcmd.Params(
			"objects", subcmd.Bool, false, "also delete objects unreachable from the repository head",
		),
		"notify", c.notify, subcmd.Params(
			"prefix", subcmd.String, "", "notify only subscribers whose ids begin with this",
		),
		"watch", c.watch, subcmd.Params(
			"t", subcmd.Duration, time.Duration(0), "polling interval (default: check once)",
			"uri", subcmd.String, "", "watch only subscribers with this public notification URL",
		),
		"new-subscriber", c.newSubscriber, subcmd.Params(
			"id", subcmd.String, "", "subscriber id",
			"public", subcmd.String, "", "public update notification URL",
			"private", subcmd.String, "", "private update notification URL (default: the public one)",
		),
		"get-subscriber", c.getSubscriber, subcmd.Params(
			"id", subcmd.String, "", "subscriber id (default: all)",
		),
		"set-status", c.setStatus, subcmd.Params(
			"id", subcmd.String, "", "subscriber id",
			"token", subcmd.String, "", "snapshot token",
		),
		"remove-subscriber", c.removeSubscriber, subcmd.Params(
			"id", subcmd.String, "", "subscriber id",
		),
		"serve-publisher", c.servePublisher, subcmd.Params(
			"listen", subcmd.String, c.conf.Publisher.Listen, "listen address",
		),
		"serve-subscriber", c.serveSubscriber, subcmd.Params(
			"listen", subcmd.String, c.conf.Subscriber.Listen, "listen address",
			"origin", subcmd.String, "", "origin repository (default: from config)",
		),
		"serve-objects", c.serveObjects, subcmd.Params(
			"listen", subcmd.String, c.conf.Publisher.ObjectsListen, "listen address",
		),
		"version", c.version, nil,
	)
}

// repo opens the configured repository.
// A non-empty origin overrides the configured one.
func (c maincmd) repo(ctx context.Context, origin string) (*dag.Repo, error) {
	opts := []dag.Option{
		dag.WithLogger(c.logger),
		dag.WithProgress(c.progress),
	}
	if origin == "" {
		origin = c.conf.Origin
	}
	if origin != "" {
		opts = append(opts, dag.WithOrigin(origin))
	}
	if c.conf.Objects != nil {
		s, err := store.FromConfig(ctx, c.conf.Objects)
		if err != nil {
			return nil, errors.Wrap(err, "creating object store")
		}
		opts = append(opts, dag.WithObjects(s))
	}
	r, err := dag.New(c.conf.Repository, opts...)
	return r, errors.Wrapf(err, "opening repository %s", c.conf.Repository)
}

func (c maincmd) progress(stage string, done, total int64) {
	if total > 0 {
		c.logger.Info("progress", "stage", stage, "done", done, "total", total, "percent", fmt.Sprintf("%.0f%%", 100*float64(done)/float64(total)))
		return
	}
	c.logger.Info("progress", "stage", stage, "done", done)
}

func (c maincmd) state() *state.Store {
	return state.New(c.conf.StateDir, state.WithLogger(c.logger))
}

func (c maincmd) publisher(repo snapshot.Repository) *protocol.Publisher {
	return &protocol.Publisher{
		ID:            c.conf.PublisherID,
		Repo:          repo,
		State:         c.state(),
		Client:        protocol.NewClient(nil, c.logger),
		Logger:        c.logger,
		NotifyTimeout: c.conf.Publisher.NotifyTimeout,
	}
}

func (c maincmd) version(context.Context, []string) error {
	v := "(devel)"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		v = info.Main.Version
	}
	fmt.Fprintf(c.out, "snapsync %s\n", v)
	return nil
}

func printAgent(w io.Writer, a *state.Agent) {
	if a == nil {
		return
	}
	fmt.Fprintf(w, "Id : %s\n", a.ID)
	fmt.Fprintf(w, "Kind : %s\n", a.Kind)
	fmt.Fprintf(w, "Created : %s\n", a.Created)
	fmt.Fprintf(w, "LastModified : %s\n", a.LastModified)
	fmt.Fprintf(w, "ExpiryTime : %s\n", a.ExpiryTime)
	switch {
	case a.Publisher != nil:
		fmt.Fprintf(w, "RepositoryUri : %s\n", a.Publisher.RepositoryURI)
		fmt.Fprintf(w, "LatestSnapshotToken : %s\n", a.Publisher.LatestSnapshotToken)
		fmt.Fprintf(w, "StableSnapshotToken : %s\n", a.Publisher.StableSnapshotToken)
	case a.Subscriber != nil:
		fmt.Fprintf(w, "SubscribedTo : %s\n", a.Subscriber.SubscribedTo)
		fmt.Fprintf(w, "LastSyncedSnapshotToken : %s\n", a.Subscriber.LastSyncedSnapshotToken)
		fmt.Fprintf(w, "PublicUri : %s\n", a.Subscriber.PublicNotifyURI)
		fmt.Fprintf(w, "PrivateUri : %s\n", a.Subscriber.PrivateNotifyURI)
	}
	fmt.Fprintln(w)
}
