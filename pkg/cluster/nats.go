package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSOptions configures a NATS substrate connection.
type NATSOptions struct {
	URL         string
	Name        string // connection name shown in NATS monitoring
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// NATSSubstrate is a Substrate backed by a NATS connection.
type NATSSubstrate struct {
	nc     *nats.Conn
	log    *slog.Logger
	events chan Event

	closeOnce sync.Once
	done      chan struct{}
}

// NATSDialer returns a Dialer that connects with opts.
func NATSDialer(opts NATSOptions) Dialer {
	return func(ctx context.Context) (Substrate, error) {
		return DialNATS(ctx, opts)
	}
}

// DialNATS connects to NATS. The connection reconnects forever on its own;
// while disconnected publishes fail immediately instead of being buffered.
func DialNATS(ctx context.Context, opts NATSOptions) (*NATSSubstrate, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("cluster: nats: empty url: %w", ErrSubstrateUnavailable)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < timeout {
			timeout = until
		}
	}

	s := &NATSSubstrate{
		log:    log,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}

	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.Timeout(timeout),
		nats.NoEcho(),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.ReconnectBufSize(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "err", err)
			s.emit(EventDown)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
			s.emit(EventUp)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			s.emit(EventClosed)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("cluster: nats connect %s: %w: %w", opts.URL, ErrSubstrateUnavailable, err)
	}
	s.nc = nc
	log.Info("connected to nats", "url", nc.ConnectedUrl())
	return s, nil
}

// Conn exposes the underlying connection (used for JetStream KV counters).
func (s *NATSSubstrate) Conn() *nats.Conn {
	return s.nc
}

func (s *NATSSubstrate) Publish(subject string, data []byte) error {
	if err := s.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("cluster: nats publish %s: %w", subject, err)
	}
	return nil
}

func (s *NATSSubstrate) Subscribe(subject string, fn func(*Message)) (Subscription, error) {
	sub, err := s.nc.Subscribe(subject, func(m *nats.Msg) {
		msg := &Message{Subject: m.Subject, Data: m.Data}
		if m.Reply != "" {
			msg.respond = m.Respond
		}
		fn(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("cluster: nats subscribe %s: %w", subject, err)
	}
	return sub, nil
}

func (s *NATSSubstrate) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := s.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("cluster: nats request %s: %w", subject, ErrNoResponders)
		}
		return nil, fmt.Errorf("cluster: nats request %s: %w", subject, err)
	}
	return msg.Data, nil
}

func (s *NATSSubstrate) Events() <-chan Event {
	return s.events
}

// Close drains nothing; in-flight publishes are dropped.
func (s *NATSSubstrate) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.nc.Close()
	})
	return nil
}

func (s *NATSSubstrate) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	default:
		s.log.Warn("nats event dropped, supervisor not keeping up", "event", ev)
	}
}
