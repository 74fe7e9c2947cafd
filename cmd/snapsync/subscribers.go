package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/snapsync/protocol"
)

func (c maincmd) newSubscriber(ctx context.Context, id, public, private string, _ []string) error {
	if id == "" || public == "" {
		return errors.New("must supply -id and -public")
	}

	a, err := c.publisher(nil).Register(ctx, protocol.InitRequest{ID: id, PublicURI: public, PrivateURI: private})
	if err != nil {
		return err
	}
	printAgent(c.out, a)
	return nil
}

func (c maincmd) getSubscriber(_ context.Context, id string, _ []string) error {
	st := c.state()
	if id != "" {
		a, err := st.Subscriber(id)
		if err != nil {
			return err
		}
		printAgent(c.out, a)
		return nil
	}

	subs, err := st.Subscribers("")
	if err != nil {
		return err
	}
	for _, a := range subs {
		printAgent(c.out, a)
	}
	return nil
}

func (c maincmd) setStatus(ctx context.Context, id, token string, _ []string) error {
	if id == "" || token == "" {
		return errors.New("must supply -id and -token")
	}
	return c.publisher(nil).SetSubscriberStatus(ctx, id, token)
}

func (c maincmd) removeSubscriber(ctx context.Context, id string, _ []string) error {
	if id == "" {
		return errors.New("must supply -id")
	}

	st := c.state()
	a, err := st.Subscriber(id)
	if err != nil {
		return err
	}
	if err = st.Delete(ctx, id); err != nil {
		return err
	}
	printAgent(c.out, a)
	return nil
}

func (c maincmd) notify(ctx context.Context, prefix string, _ []string) error {
	p := c.publisher(nil)
	subs, err := p.Subscribers(prefix)
	if err != nil {
		return err
	}
	c.printNotifyResults(p.Notify(ctx, subs))
	return nil
}

func (c maincmd) printNotifyResults(results []protocol.NotifyResult) {
	for _, r := range results {
		switch {
		case r.OK():
			fmt.Fprintf(c.out, "%s %s: notified\n", r.Subscriber.ID, r.URI)
		case r.Err != nil:
			fmt.Fprintf(c.out, "%s %s: %s\n", r.Subscriber.ID, r.URI, r.Err)
		default:
			fmt.Fprintf(c.out, "%s %s: %d %s\n", r.Subscriber.ID, r.URI, r.Status, http.StatusText(r.Status))
		}
	}
}

func (c maincmd) watch(ctx context.Context, poll time.Duration, uri string, _ []string) error {
	return c.publisher(nil).Watch(ctx, c.out, poll, uri)
}
