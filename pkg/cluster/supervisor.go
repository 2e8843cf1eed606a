package cluster

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Supervisor keeps a Fanout attached to a substrate, redialling with
// exponential backoff whenever the connection is lost for good.
type Supervisor struct {
	fanout *Fanout
	dial   Dialer
	log    *slog.Logger

	// NewBackOff builds the redial policy. Nil means DefaultBackOff.
	NewBackOff func() backoff.BackOff

	// OnAttach runs whenever the substrate becomes usable; OnDetach whenever
	// it stops being usable.
	OnAttach func(Substrate)
	OnDetach func()
}

// NewSupervisor creates a supervisor for f using dial.
func NewSupervisor(f *Fanout, dial Dialer, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{fanout: f, dial: dial, log: log}
}

// DefaultBackOff starts at 100ms, doubles up to 10s and never gives up.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run blocks until ctx is cancelled. The fan-out stays in local-only mode
// whenever no substrate is attached.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		sub, err := s.connect(ctx)
		if err != nil {
			return nil // only ctx cancellation ends connect
		}

		if err := s.fanout.Attach(sub); err != nil {
			s.log.Warn("attach substrate", "err", err)
			_ = sub.Close()
			if !s.sleep(ctx, time.Second) {
				return nil
			}
			continue
		}
		s.attached(sub)

		s.follow(ctx, sub)

		s.fanout.Detach()
		s.detached()
		_ = sub.Close()

		if ctx.Err() != nil {
			return nil
		}
		s.log.Warn("substrate closed, redialling")
	}
}

func (s *Supervisor) connect(ctx context.Context) (Substrate, error) {
	newBackOff := s.NewBackOff
	if newBackOff == nil {
		newBackOff = DefaultBackOff
	}

	var sub Substrate
	op := func() error {
		var err error
		sub, err = s.dial(ctx)
		return err
	}
	notify := func(err error, next time.Duration) {
		s.log.Warn("substrate unavailable, running local-only", "err", err, "retry_in", next)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(newBackOff(), ctx), notify); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		_ = sub.Close()
		return nil, ctx.Err()
	}
	return sub, nil
}

// follow tracks connectivity events until the substrate closes or ctx ends.
func (s *Supervisor) follow(ctx context.Context, sub Substrate) {
	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			s.log.Debug("substrate event", "event", ev)
			switch ev {
			case EventDown:
				s.fanout.Suspend()
				s.detached()
			case EventUp:
				s.fanout.Resume()
				s.attached(sub)
			case EventClosed:
				return
			}
		}
	}
}

func (s *Supervisor) attached(sub Substrate) {
	if s.OnAttach != nil {
		s.OnAttach(sub)
	}
}

func (s *Supervisor) detached() {
	if s.OnDetach != nil {
		s.OnDetach()
	}
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
