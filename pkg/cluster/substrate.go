// Package cluster fans relay traffic out across server processes over a
// publish/subscribe substrate, degrading to local-only delivery when the
// substrate is unreachable.
package cluster

import (
	"context"
	"errors"
)

var (
	// ErrSubstrateUnavailable is returned by substrates that cannot reach
	// their backend. It never leaves this package through Fanout.
	ErrSubstrateUnavailable = errors.New("cluster: substrate unavailable")
	// ErrNoResponders is returned by Request when nobody subscribes to the subject.
	ErrNoResponders = errors.New("cluster: no responders")
	// ErrNoOwner is returned when no node claims a forwarded session.
	ErrNoOwner = errors.New("cluster: session has no owner")
)

// Event reports a substrate connectivity change.
type Event int

const (
	EventUp     Event = iota + 1 // connection (re)established
	EventDown                    // temporarily disconnected, reconnecting
	EventClosed                  // permanently closed, must be redialled
)

func (e Event) String() string {
	switch e {
	case EventUp:
		return "up"
	case EventDown:
		return "down"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Message is a message received from the substrate.
type Message struct {
	Subject string
	Data    []byte

	respond func([]byte) error
}

// Respond answers a request. It is a no-op error for plain publishes.
func (m *Message) Respond(data []byte) error {
	if m.respond == nil {
		return errors.New("cluster: message has no reply subject")
	}
	return m.respond(data)
}

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// Substrate is the pub/sub transport shared by all nodes. Implementations must
// not deliver a client's own publishes back to it.
type Substrate interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, fn func(*Message)) (Subscription, error)
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	Events() <-chan Event
	Close() error
}

// Dialer opens a new substrate connection.
type Dialer func(ctx context.Context) (Substrate, error)
