// Package session holds active transfer sessions, enforces their state
// machine and expires them on a hard TTL or after a grace period once they
// reach a terminal state.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/NicolasHaas/skylink/pkg/model"
)

var (
	ErrNotFound          = errors.New("session: not found")
	ErrNotParticipant    = errors.New("session: not a participant")
	ErrInvalidTransition = errors.New("session: invalid transition")
	ErrInvalidArgument   = errors.New("session: invalid argument")
	ErrClosed            = errors.New("session: store closed")
)

// Options configures a Store.
type Options struct {
	TTL    time.Duration // hard lifetime from creation
	Grace  time.Duration // retention after a terminal state
	Node   string        // recorded as owner on new sessions
	Clock  clock.Clock   // nil means the wall clock
	Logger *slog.Logger

	// OnRemove is called once for every session that leaves the store,
	// outside any lock.
	OnRemove func(id string)
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		TTL:   15 * time.Minute,
		Grace: 30 * time.Second,
	}
}

type entry struct {
	mu     sync.Mutex
	s      model.Session
	ttl    *clock.Timer
	grace  *clock.Timer
	reapAt time.Time // set once terminal
}

// Store is the in-memory session registry.
type Store struct {
	opts  Options
	clock clock.Clock
	log   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*entry
	closed   bool
}

// New creates a store. Zero TTL or Grace fall back to DefaultOptions.
func New(opts Options) *Store {
	def := DefaultOptions()
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.Grace <= 0 {
		opts.Grace = def.Grace
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		opts:     opts,
		clock:    clk,
		log:      log,
		sessions: make(map[string]*entry),
	}
}

// Create starts a pending session between participants. The first
// participant is the initiator.
func (st *Store) Create(participants []string, meta model.FileMeta) (model.Session, error) {
	if err := validateParticipants(participants); err != nil {
		return model.Session{}, err
	}
	if err := meta.Validate(); err != nil {
		return model.Session{}, fmt.Errorf("session: create: %w: %w", ErrInvalidArgument, err)
	}

	now := st.clock.Now()
	e := &entry{s: model.Session{
		ID:           uuid.NewString(),
		Participants: append([]string(nil), participants...),
		FileMeta:     meta,
		Status:       model.SessionPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(st.opts.TTL),
		Node:         st.opts.Node,
	}}

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return model.Session{}, ErrClosed
	}
	st.sessions[e.s.ID] = e
	e.mu.Lock()
	st.mu.Unlock()

	id := e.s.ID
	e.ttl = st.clock.AfterFunc(st.opts.TTL, func() { st.remove(id, e, "ttl") })
	out := e.s.Clone()
	e.mu.Unlock()

	st.log.Debug("session created", "session", id, "participants", participants)
	return out, nil
}

// Get returns a copy of the session.
func (st *Store) Get(id string) (model.Session, error) {
	e, err := st.acquire(id)
	if err != nil {
		return model.Session{}, err
	}
	defer e.mu.Unlock()
	return e.s.Clone(), nil
}

// Respond accepts or rejects a pending session.
func (st *Store) Respond(from, id string, accept bool) (model.Session, error) {
	next := model.SessionRejected
	if accept {
		next = model.SessionAccepted
	}
	return st.transition(from, id, next, func(*model.Session) {})
}

// Progress records a progress report in percent.
func (st *Store) Progress(from, id string, pct float64) (model.Session, error) {
	if pct < 0 || pct > 100 {
		return model.Session{}, fmt.Errorf("session: progress %v: %w", pct, ErrInvalidArgument)
	}
	return st.transition(from, id, model.SessionInProgress, func(s *model.Session) {
		s.Progress = pct
	})
}

// Complete marks an accepted or in-progress session as completed.
func (st *Store) Complete(from, id string) (model.Session, error) {
	return st.transition(from, id, model.SessionCompleted, func(s *model.Session) {
		s.Progress = 100
	})
}

// Cancel cancels a non-terminal session.
func (st *Store) Cancel(from, id string) (model.Session, error) {
	return st.transition(from, id, model.SessionCancelled, func(*model.Session) {})
}

// Fail moves a non-terminal session to the error state.
func (st *Store) Fail(from, id, reason string) (model.Session, error) {
	return st.transition(from, id, model.SessionError, func(s *model.Session) {
		s.Reason = reason
	})
}

// Involving returns the ids of the live, non-terminal sessions username takes part in.
func (st *Store) Involving(username string) []string {
	st.mu.RLock()
	entries := make(map[string]*entry, len(st.sessions))
	for id, e := range st.sessions {
		entries[id] = e
	}
	st.mu.RUnlock()

	var ids []string
	for id, e := range entries {
		e.mu.Lock()
		if !e.s.Status.Terminal() && e.s.HasParticipant(username) {
			ids = append(ids, id)
		}
		e.mu.Unlock()
	}
	return ids
}

// Len returns the number of stored sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Close stops every timer and drops all sessions. OnRemove is not called.
func (st *Store) Close() {
	st.mu.Lock()
	entries := st.sessions
	st.sessions = make(map[string]*entry)
	st.closed = true
	st.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		e.stopTimers()
		e.mu.Unlock()
	}
}

func (st *Store) transition(from, id string, next model.SessionStatus, apply func(*model.Session)) (model.Session, error) {
	e, err := st.acquire(id)
	if err != nil {
		return model.Session{}, err
	}
	defer e.mu.Unlock()

	if !e.s.HasParticipant(from) {
		return model.Session{}, fmt.Errorf("session: %s by %q: %w", next, from, ErrNotParticipant)
	}
	if !e.s.Status.CanTransition(next) {
		return model.Session{}, fmt.Errorf("session: %s -> %s: %w", e.s.Status, next, ErrInvalidTransition)
	}

	e.s.Status = next
	apply(&e.s)

	if next.Terminal() {
		st.scheduleGraceLocked(e)
	}
	return e.s.Clone(), nil
}

// scheduleGraceLocked replaces the TTL timer with the grace timer. The
// deletion never happens later than the hard deadline.
func (st *Store) scheduleGraceLocked(e *entry) {
	now := st.clock.Now()
	reap := now.Add(st.opts.Grace)
	if e.s.ExpiresAt.Before(reap) {
		reap = e.s.ExpiresAt
	}
	e.reapAt = reap
	if e.ttl != nil {
		e.ttl.Stop()
		e.ttl = nil
	}
	id := e.s.ID
	e.grace = st.clock.AfterFunc(reap.Sub(now), func() { st.remove(id, e, "grace") })
}

// acquire returns the live entry for id with its mutex held. Expired entries
// are removed and reported as not found.
func (st *Store) acquire(id string) (*entry, error) {
	st.mu.RLock()
	e, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session: %q: %w", id, ErrNotFound)
	}

	e.mu.Lock()
	now := st.clock.Now()
	expired := !now.Before(e.s.ExpiresAt) || (!e.reapAt.IsZero() && !now.Before(e.reapAt))
	if expired {
		e.mu.Unlock()
		st.remove(id, e, "expired")
		return nil, fmt.Errorf("session: %q: %w", id, ErrNotFound)
	}
	return e, nil
}

// remove deletes id if it still maps to e. Safe to call more than once.
func (st *Store) remove(id string, e *entry, reason string) {
	st.mu.Lock()
	cur, ok := st.sessions[id]
	if !ok || cur != e {
		st.mu.Unlock()
		return
	}
	delete(st.sessions, id)
	st.mu.Unlock()

	e.mu.Lock()
	e.stopTimers()
	status := e.s.Status
	e.mu.Unlock()

	st.log.Debug("session removed", "session", id, "reason", reason, "status", status)
	if st.opts.OnRemove != nil {
		st.opts.OnRemove(id)
	}
}

func (e *entry) stopTimers() {
	if e.ttl != nil {
		e.ttl.Stop()
		e.ttl = nil
	}
	if e.grace != nil {
		e.grace.Stop()
		e.grace = nil
	}
}

func validateParticipants(participants []string) error {
	if len(participants) < 2 {
		return fmt.Errorf("session: need at least two participants: %w", ErrInvalidArgument)
	}
	seen := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		if p == "" {
			return fmt.Errorf("session: empty participant: %w", ErrInvalidArgument)
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("session: duplicate participant %q: %w", p, ErrInvalidArgument)
		}
		seen[p] = struct{}{}
	}
	return nil
}
