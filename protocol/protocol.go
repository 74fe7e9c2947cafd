// Package protocol moves snapshots from a publisher to its subscribers.
//
// A publisher records a snapshot and its token,
// notifies each distinct public endpoint of its subscribers ("notifyall"),
// and then watches the state store until every subscriber reports the latest token.
// A public endpoint fans the notification out to the private endpoints
// of the instances behind it ("notify");
// each instance pulls the latest snapshot from its origin
// and calls back to the publisher to record its new status.
package protocol

import (
	"fmt"
	"net/url"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Operation names, used as the final path element of endpoint URLs.
const (
	OpNotify    = "notify"
	OpNotifyAll = "notifyall"
	OpStatus    = "status"
)

// ErrMalformedResponse is the error for a response body
// that is missing or cannot be decoded where a JSON reply was expected.
var ErrMalformedResponse = errors.New("malformed response")

// InitRequest registers a subscriber with a publisher.
type InitRequest struct {
	ID         string `json:"id"`
	PublicURI  string `json:"public_uri"`
	PrivateURI string `json:"private_uri,omitempty"`
}

// StatusRequest is the body of a subscriber's status callback.
type StatusRequest struct {
	Token string `json:"token"`
}

// Status is what a subscriber endpoint reports about itself.
type Status struct {
	ID      string    `json:"id"`
	Token   string    `json:"token,omitempty"`
	Comment string    `json:"comment,omitempty"`
	Time    time.Time `json:"time"`
	Busy    int       `json:"busy"`
}

// SubscriberID is the conventional id of the subscriber
// for site number siteID on the given host.
func SubscriberID(siteID, host string) string {
	return strings.ToLower(fmt.Sprintf("site%s.%s", siteID, host))
}

// DefaultComment describes a publish of dir
// by the current user on this machine at time now.
func DefaultComment(dir string, now time.Time) string {
	host, _ := os.Hostname()
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	username := "unknown"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}

	var b strings.Builder
	fmt.Fprintf(&b, "  Machine: %s\n", host)
	fmt.Fprintf(&b, "Directory: %s\n", dir)
	fmt.Fprintf(&b, " DateTime: %s\n", now.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "     User: %s\n", username)
	return b.String()
}

// ParseIgnore splits a semicolon-separated list of file and directory names.
// Names are matched exactly (ignoring case), so wildcards and path separators are rejected.
func ParseIgnore(s string) ([]string, error) {
	var result []string
	for _, name := range strings.Split(s, ";") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if strings.ContainsAny(name, `*/\`) {
			return nil, errors.Errorf("ignore entry %q: wildcards and path separators are not supported", name)
		}
		result = append(result, name)
	}
	return result, nil
}

// normalizeURI puts an absolute URI in a form suitable for comparing and de-duplicating:
// lowercase scheme and host, and a path of at least "/".
// Strings that do not parse as absolute URIs are returned unchanged.
func normalizeURI(s string) string {
	u, err := url.Parse(s)
	if err != nil || !u.IsAbs() {
		return s
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}

func endpoint(base, op string) (string, error) {
	u, err := url.JoinPath(base, op)
	return u, errors.Wrapf(err, "joining %s and %s", base, op)
}
