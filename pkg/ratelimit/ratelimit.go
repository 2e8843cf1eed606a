// Package ratelimit implements fixed-window request limiting that prefers a
// counter store shared by all nodes and falls back to process-local counting.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Defaults mirror a 60 requests per minute per client limit.
const (
	DefaultLimit  = 60
	DefaultWindow = time.Minute
)

// Gate decides whether one more hit for key is allowed.
type Gate interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// CounterStore counts hits per key in fixed windows shared across processes.
type CounterStore interface {
	// Incr records a hit and returns the count in the current window.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

type counter struct {
	n int64
}

// Local counts hits in process memory. Windows start at the first hit of a
// key and are not extended by later hits.
type Local struct {
	limit  int64
	window time.Duration

	mu    sync.Mutex
	cache *ttlcache.Cache[string, *counter]
}

// NewLocal creates a local gate allowing limit hits per window.
func NewLocal(limit int, window time.Duration) *Local {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Local{
		limit:  int64(limit),
		window: window,
		cache: ttlcache.New[string, *counter](
			ttlcache.WithTTL[string, *counter](window),
			ttlcache.WithDisableTouchOnHit[string, *counter](),
		),
	}
}

func (l *Local) Allow(_ context.Context, key string) (bool, error) {
	return l.incr(key) <= l.limit, nil
}

func (l *Local) incr(key string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var c *counter
	if item := l.cache.Get(key); item != nil {
		c = item.Value()
	} else {
		c = &counter{}
		l.cache.Set(key, c, l.window)
	}
	c.n++
	return c.n
}

// Len returns the number of tracked keys, expired ones included until swept.
func (l *Local) Len() int {
	return l.cache.Len()
}

// Run sweeps expired windows until ctx is cancelled.
func (l *Local) Run(ctx context.Context) error {
	go l.cache.Start()
	<-ctx.Done()
	l.cache.Stop()
	return nil
}

// Shared counts hits in a CounterStore only. Store errors are returned.
type Shared struct {
	store  CounterStore
	limit  int64
	window time.Duration
}

// NewShared creates a gate over store.
func NewShared(store CounterStore, limit int, window time.Duration) *Shared {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Shared{store: store, limit: int64(limit), window: window}
}

func (s *Shared) Allow(ctx context.Context, key string) (bool, error) {
	n, err := s.store.Incr(ctx, key, s.window)
	if err != nil {
		return false, fmt.Errorf("ratelimit: shared incr %q: %w", key, err)
	}
	return n <= s.limit, nil
}

// Fallback uses the shared store while one is attached and healthy and the
// local gate otherwise. It never returns an error.
type Fallback struct {
	limit  int
	window time.Duration
	local  *Local
	log    *slog.Logger

	mu       sync.RWMutex
	shared   *Shared
	degraded atomic.Bool

	sharedHits atomic.Uint64
	localHits  atomic.Uint64
	rejected   atomic.Uint64
}

// NewFallback creates a gate with no shared store attached.
func NewFallback(limit int, window time.Duration, log *slog.Logger) *Fallback {
	if log == nil {
		log = slog.Default()
	}
	return &Fallback{
		limit:  limit,
		window: window,
		local:  NewLocal(limit, window),
		log:    log,
	}
}

// Local returns the fallback gate.
func (f *Fallback) Local() *Local {
	return f.local
}

// SetStore attaches (non-nil) or detaches (nil) the shared store.
func (f *Fallback) SetStore(store CounterStore) {
	f.mu.Lock()
	if store == nil {
		f.shared = nil
	} else {
		f.shared = NewShared(store, f.limit, f.window)
	}
	f.mu.Unlock()

	if store == nil {
		f.log.Warn("shared rate store detached, limiting per process")
	} else {
		f.degraded.Store(false)
		f.log.Info("shared rate store attached")
	}
}

// Shared reports whether a shared store is attached.
func (f *Fallback) Shared() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.shared != nil
}

func (f *Fallback) Allow(ctx context.Context, key string) (bool, error) {
	f.mu.RLock()
	shared := f.shared
	f.mu.RUnlock()

	if shared != nil {
		ok, err := shared.Allow(ctx, key)
		if err == nil {
			if f.degraded.Swap(false) {
				f.log.Info("shared rate store healthy again")
			}
			f.sharedHits.Add(1)
			return f.count(ok), nil
		}
		if !f.degraded.Swap(true) {
			f.log.Warn("shared rate store failed, limiting per process", "err", err)
		}
	}

	ok, _ := f.local.Allow(ctx, key)
	f.localHits.Add(1)
	return f.count(ok), nil
}

// Stats returns hits decided by the shared store, by the local gate, and
// the number rejected.
func (f *Fallback) Stats() (shared, local, rejected uint64) {
	return f.sharedHits.Load(), f.localHits.Load(), f.rejected.Load()
}

func (f *Fallback) count(ok bool) bool {
	if !ok {
		f.rejected.Add(1)
	}
	return ok
}
