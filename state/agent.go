package state

import (
	"time"

	"github.com/pkg/errors"
)

// Kind discriminates the variants of Agent.
type Kind string

const (
	KindPublisher  Kind = "publisher"
	KindSubscriber Kind = "subscriber"
)

// Never is the ExpiryTime of an agent that does not expire.
var Never = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// Agent is a publisher or subscriber record.
// Exactly one of Publisher and Subscriber is set, according to Kind.
type Agent struct {
	Kind         Kind      `json:"kind"`
	ID           string    `json:"id"`
	Created      time.Time `json:"created"`
	LastModified time.Time `json:"last_modified"`
	ExpiryTime   time.Time `json:"expiry_time"`

	Publisher  *Publisher  `json:"publisher,omitempty"`
	Subscriber *Subscriber `json:"subscriber,omitempty"`
}

// Publisher is the payload of a publisher agent.
type Publisher struct {
	RepositoryURI       string `json:"repository_uri,omitempty"`
	LatestSnapshotToken string `json:"latest_snapshot_token,omitempty"`
	StableSnapshotToken string `json:"stable_snapshot_token,omitempty"`
}

// Subscriber is the payload of a subscriber agent.
type Subscriber struct {
	SubscribedTo            string `json:"subscribed_to"`
	LastSyncedSnapshotToken string `json:"last_synced_snapshot_token,omitempty"`
	PublicNotifyURI         string `json:"public_notify_uri,omitempty"`
	PrivateNotifyURI        string `json:"private_notify_uri,omitempty"`
}

// NewPublisher produces a publisher agent that never expires.
func NewPublisher(id string, p Publisher) *Agent {
	return &Agent{
		Kind:       KindPublisher,
		ID:         id,
		ExpiryTime: Never,
		Publisher:  &p,
	}
}

// NewSubscriber produces a subscriber agent that never expires.
func NewSubscriber(id string, s Subscriber) *Agent {
	return &Agent{
		Kind:       KindSubscriber,
		ID:         id,
		ExpiryTime: Never,
		Subscriber: &s,
	}
}

// Validate checks that the payload matches Kind.
func (a *Agent) Validate() error {
	switch a.Kind {
	case KindPublisher:
		if a.Publisher == nil || a.Subscriber != nil {
			return errors.Errorf("agent %s: publisher payload mismatch", a.ID)
		}
	case KindSubscriber:
		if a.Subscriber == nil || a.Publisher != nil {
			return errors.Errorf("agent %s: subscriber payload mismatch", a.ID)
		}
	default:
		return errors.Errorf("agent %s: unknown kind %q", a.ID, a.Kind)
	}
	return nil
}

// Expired tells whether a's ExpiryTime is before now.
func (a *Agent) Expired(now time.Time) bool {
	return a.ExpiryTime.Before(now)
}

func (a *Agent) clone() *Agent {
	c := *a
	if a.Publisher != nil {
		p := *a.Publisher
		c.Publisher = &p
	}
	if a.Subscriber != nil {
		s := *a.Subscriber
		c.Subscriber = &s
	}
	return &c
}

// Document is the persisted set of agents.
type Document struct {
	Log    string            `json:"log,omitempty"`
	Agents map[string]*Agent `json:"agents"`
}

// NewDocument produces an empty Document.
func NewDocument() *Document {
	return &Document{Agents: make(map[string]*Agent)}
}
