package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc"

	"github.com/bobg/snapsync/protocol"
	"github.com/bobg/snapsync/store/rpc"
)

const shutdownTimeout = 10 * time.Second

func (c maincmd) servePublisher(ctx context.Context, addr string, _ []string) error {
	repo, err := c.repo(ctx, "")
	if err != nil {
		return err
	}
	defer repo.Close()

	return c.serveHTTP(ctx, addr, protocol.PublisherHandler(c.publisher(repo)))
}

func (c maincmd) serveSubscriber(ctx context.Context, addr, origin string, _ []string) error {
	sc := c.conf.Subscriber
	if sc.ID == "" || sc.PublisherURL == "" {
		return errors.New("subscriber id and publisher_url must be configured")
	}

	repo, err := c.repo(ctx, origin)
	if err != nil {
		return err
	}
	defer repo.Close()
	if !repo.IsMirror() {
		return errors.New("subscriber repository must be a mirror")
	}
	if _, err = repo.Initialize(ctx); err != nil {
		return errors.Wrap(err, "initializing mirror")
	}

	client := protocol.NewClient(nil, c.logger)
	if sc.PublicURI != "" {
		_, err = client.Register(ctx, sc.PublisherURL, protocol.InitRequest{ID: sc.ID, PublicURI: sc.PublicURI, PrivateURI: sc.PrivateURI})
		if err != nil {
			c.logger.Warn("could not register with publisher", "publisher", sc.PublisherURL, "error", err)
		}
	}

	rc := &protocol.Receiver{
		ID:           sc.ID,
		Repo:         repo,
		PublicURI:    sc.PublicURI,
		PublisherURL: sc.PublisherURL,
		Client:       client,
		Throttle: &protocol.Throttle{
			Window: sc.ThrottleWindow,
			Max:    sc.ThrottleMax,
			Logger: c.logger,
		},
		Logger:        c.logger,
		NotifyTimeout: c.conf.Publisher.NotifyTimeout,
	}
	return c.serveHTTP(ctx, addr, rc.Handler())
}

func (c maincmd) serveHTTP(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 30 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	c.logger.Info("listening", "addr", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (c maincmd) serveObjects(ctx context.Context, addr string, _ []string) error {
	repo, err := c.repo(ctx, "")
	if err != nil {
		return err
	}
	defer repo.Close()

	gs := grpc.NewServer()
	rpc.Register(gs, rpc.NewServer(repo.Objects()))

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", addr)
	}
	defer lis.Close()

	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()

	c.logger.Info("serving objects", "addr", lis.Addr().String())
	return gs.Serve(lis)
}
