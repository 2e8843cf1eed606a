package cluster

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Bus is an in-process substrate shared by several nodes of one binary. It
// also keeps windowed counters so it can stand in for a shared rate store.
type Bus struct {
	mu       sync.Mutex
	clients  map[*BusClient]struct{}
	down     bool
	counters map[string]*busCounter
	prune    time.Time // next sweep of expired counters
	now      func() time.Time
}

type busCounter struct {
	n       int64
	expires time.Time
}

// NewBus creates an empty bus in the up state.
func NewBus() *Bus {
	return &Bus{
		clients:  make(map[*BusClient]struct{}),
		counters: make(map[string]*busCounter),
		now:      time.Now,
	}
}

// Connect attaches a new client.
func (b *Bus) Connect() *BusClient {
	c := &BusClient{
		bus:    b,
		subs:   make(map[string]map[int]func(*Message)),
		events: make(chan Event, 16),
		inbox:  newMailbox(),
	}
	go c.inbox.run()

	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	return c
}

// Dialer returns a Dialer connecting to the bus. It fails while the bus is down.
func (b *Bus) Dialer() Dialer {
	return func(ctx context.Context) (Substrate, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b.mu.Lock()
		down := b.down
		b.mu.Unlock()
		if down {
			return nil, fmt.Errorf("cluster: bus dial: %w", ErrSubstrateUnavailable)
		}
		return b.Connect(), nil
	}
}

// SetDown simulates an outage (true) or recovery (false). Clients see
// EventDown and EventUp respectively.
func (b *Bus) SetDown(down bool) {
	b.mu.Lock()
	if b.down == down {
		b.mu.Unlock()
		return
	}
	b.down = down
	clients := b.snapshotLocked()
	b.mu.Unlock()

	ev := EventUp
	if down {
		ev = EventDown
	}
	for _, c := range clients {
		c.emit(ev)
	}
}

// Incr adds one hit to key within a fixed window starting at the first hit.
func (b *Bus) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return 0, fmt.Errorf("cluster: bus incr: %w", ErrSubstrateUnavailable)
	}
	now := b.now()
	if !now.Before(b.prune) {
		for k, c := range b.counters {
			if !now.Before(c.expires) {
				delete(b.counters, k)
			}
		}
		b.prune = now.Add(window)
	}
	c, ok := b.counters[key]
	if !ok || !now.Before(c.expires) {
		c = &busCounter{expires: now.Add(window)}
		b.counters[key] = c
	}
	c.n++
	return c.n, nil
}

func (b *Bus) snapshotLocked() []*BusClient {
	out := make([]*BusClient, 0, len(b.clients))
	for c := range b.clients {
		out = append(out, c)
	}
	return out
}

func (b *Bus) isDown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.down
}

// BusClient is one node's connection to a Bus.
type BusClient struct {
	bus    *Bus
	events chan Event
	inbox  *mailbox

	mu     sync.Mutex
	subs   map[string]map[int]func(*Message)
	nextID int
	closed bool
}

// Bus returns the bus this client is connected to.
func (c *BusClient) Bus() *Bus {
	return c.bus
}

func (c *BusClient) Publish(subject string, data []byte) error {
	if c.isClosed() || c.bus.isDown() {
		return fmt.Errorf("cluster: bus publish %s: %w", subject, ErrSubstrateUnavailable)
	}
	for _, peer := range c.peers() {
		for _, fn := range peer.handlers(subject) {
			msg := &Message{Subject: subject, Data: append([]byte(nil), data...)}
			peer.inbox.push(func() { fn(msg) })
		}
	}
	return nil
}

func (c *BusClient) Subscribe(subject string, fn func(*Message)) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("cluster: bus subscribe %s: %w", subject, ErrSubstrateUnavailable)
	}
	c.nextID++
	id := c.nextID
	if c.subs[subject] == nil {
		c.subs[subject] = make(map[int]func(*Message))
	}
	c.subs[subject][id] = fn
	return &busSubscription{client: c, subject: subject, id: id}, nil
}

// Request sends data to the first peer subscribed to subject and waits for
// its reply.
func (c *BusClient) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	if c.isClosed() || c.bus.isDown() {
		return nil, fmt.Errorf("cluster: bus request %s: %w", subject, ErrSubstrateUnavailable)
	}
	var (
		target *BusClient
		fn     func(*Message)
	)
	for _, peer := range c.peers() {
		if hs := peer.handlers(subject); len(hs) > 0 {
			target, fn = peer, hs[0]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("cluster: bus request %s: %w", subject, ErrNoResponders)
	}

	reply := make(chan []byte, 1)
	msg := &Message{
		Subject: subject,
		Data:    append([]byte(nil), data...),
		respond: func(b []byte) error {
			select {
			case reply <- append([]byte(nil), b...):
			default:
			}
			return nil
		},
	}
	target.inbox.push(func() { fn(msg) })

	select {
	case b := <-reply:
		return b, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("cluster: bus request %s: %w", subject, ctx.Err())
	}
}

func (c *BusClient) Events() <-chan Event {
	return c.events
}

// Close detaches the client from the bus and emits EventClosed.
func (c *BusClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.subs = make(map[string]map[int]func(*Message))
	c.mu.Unlock()

	c.bus.mu.Lock()
	delete(c.bus.clients, c)
	c.bus.mu.Unlock()

	c.inbox.close()
	c.emit(EventClosed)
	return nil
}

func (c *BusClient) peers() []*BusClient {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	out := make([]*BusClient, 0, len(c.bus.clients))
	for p := range c.bus.clients {
		if p != c {
			out = append(out, p)
		}
	}
	return out
}

// handlers returns subject handlers ordered by subscription id.
func (c *BusClient) handlers(subject string) []func(*Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.subs[subject]
	if len(subs) == 0 {
		return nil
	}
	ids := make([]int, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]func(*Message), 0, len(ids))
	for _, id := range ids {
		out = append(out, subs[id])
	}
	return out
}

func (c *BusClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *BusClient) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

type busSubscription struct {
	client  *BusClient
	subject string
	id      int
}

func (s *busSubscription) Unsubscribe() error {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	delete(s.client.subs[s.subject], s.id)
	return nil
}

// mailbox runs queued deliveries in order on a single goroutine without
// blocking publishers.
type mailbox struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

func (m *mailbox) push(fn func()) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.queue = nil
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) run() {
	for range m.wake {
		for {
			m.mu.Lock()
			if m.closed {
				m.mu.Unlock()
				return
			}
			if len(m.queue) == 0 {
				m.mu.Unlock()
				break
			}
			fn := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()
			fn()
		}
	}
}
