package protocol

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/bobg/snapsync/state"
)

const watchRule = "==================================================="

// Watch reports subscribers that have not synced the latest snapshot until there are none.
// Each time the set of such subscribers changes, the full set is written to w.
// When it is empty, Watch writes a final line and returns.
// If pollInterval is not positive, Watch checks once and returns.
// Otherwise it waits up to pollInterval for a change to the state between checks.
func (p *Publisher) Watch(ctx context.Context, w io.Writer, pollInterval time.Duration, filterURI string) error {
	var last map[string]bool
	for {
		subs, err := p.OutOfSync(filterURI)
		if err != nil {
			return err
		}
		if len(subs) == 0 {
			_, err = fmt.Fprintln(w, "Subscribers all up to date.")
			return err
		}

		ids := make(map[string]bool, len(subs))
		for _, s := range subs {
			ids[s.ID] = true
		}
		if !sameSet(ids, last) {
			if err = writeWaiting(w, subs); err != nil {
				return err
			}
			last = ids
		}

		if pollInterval <= 0 {
			return nil
		}
		if _, err = p.State.WaitForStateChange(ctx, pollInterval); err != nil {
			return err
		}
	}
}

func writeWaiting(w io.Writer, subs []*state.Agent) error {
	if _, err := fmt.Fprintf(w, "Waiting for the following subscribers to catch up.\n%s\n", watchRule); err != nil {
		return err
	}
	for _, s := range subs {
		_, err := fmt.Fprintf(w, "Id : %s\nPublicUri : %s\nPrivateUri : %s\n", s.ID, s.Subscriber.PublicNotifyURI, s.Subscriber.PrivateNotifyURI)
		if err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, watchRule)
	return err
}

func sameSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}
