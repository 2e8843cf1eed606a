package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/NicolasHaas/skylink/pkg/model"
	"github.com/NicolasHaas/skylink/pkg/protocol"
)

// Mode is the delivery mode of a Fanout.
type Mode int32

const (
	ModeLocal   Mode = iota // only connections on this node are reachable
	ModeCluster             // remote connections are reached via the substrate
)

func (m Mode) String() string {
	if m == ModeCluster {
		return "cluster"
	}
	return "local"
}

// LocalHub delivers frames to the connections of this node.
type LocalHub interface {
	// Send delivers to one connection and reports whether it is held here.
	Send(connID, event string, data json.RawMessage) bool
	// SendAll delivers to every connection held here.
	SendAll(event string, data json.RawMessage)
}

// SessionHandler executes a forwarded session command on the owning node and
// returns the encoded reply.
type SessionHandler func(data []byte) []byte

// Options configures a Fanout.
type Options struct {
	Node    string
	Prefix  string        // subject prefix, e.g. "skylink"
	Timeout time.Duration // bound on every substrate request
	Logger  *slog.Logger

	// Registerer, when set, receives the publish counter.
	Registerer prometheus.Registerer
}

type claim struct {
	handler SessionHandler
	sub     Subscription
}

// Fanout delivers relay events to local connections directly and to remote
// ones through the attached substrate.
type Fanout struct {
	node    string
	prefix  string
	timeout time.Duration
	hub     LocalHub
	log     *slog.Logger

	mu        sync.RWMutex
	sub       Substrate
	suspended bool
	subs      []Subscription
	claims    map[string]*claim

	cbMu       sync.RWMutex
	onPresence func(protocol.PresenceUpdate)
	localUsers func() []model.User

	published atomic.Uint64
	dropped   atomic.Uint64
	failures  atomic.Uint64
	msgs      *prometheus.CounterVec
}

// New creates a Fanout in local-only mode.
func New(hub LocalHub, opts Options) *Fanout {
	if opts.Prefix == "" {
		opts.Prefix = "skylink"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	f := &Fanout{
		node:    opts.Node,
		prefix:  opts.Prefix,
		timeout: opts.Timeout,
		hub:     hub,
		log:     log,
		claims:  make(map[string]*claim),
		msgs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skylink",
			Subsystem: "substrate",
			Name:      "publish_total",
			Help:      "Messages published to the cluster substrate.",
		}, []string{"subject", "result"}),
	}
	if opts.Registerer != nil {
		opts.Registerer.MustRegister(f.msgs)
	}
	return f
}

// Node returns this node's id.
func (f *Fanout) Node() string {
	return f.node
}

// Mode reports whether remote delivery is currently possible.
func (f *Fanout) Mode() Mode {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.modeLocked()
}

func (f *Fanout) modeLocked() Mode {
	if f.sub != nil && !f.suspended {
		return ModeCluster
	}
	return ModeLocal
}

// Stats returns publish, drop and failure counts.
func (f *Fanout) Stats() (published, dropped, failures uint64) {
	return f.published.Load(), f.dropped.Load(), f.failures.Load()
}

// OnPresence installs the handler for presence updates from other nodes.
func (f *Fanout) OnPresence(fn func(protocol.PresenceUpdate)) {
	f.cbMu.Lock()
	f.onPresence = fn
	f.cbMu.Unlock()
}

// SetLocalUsers installs the source of entries republished by AnnounceAll.
func (f *Fanout) SetLocalUsers(fn func() []model.User) {
	f.cbMu.Lock()
	f.localUsers = fn
	f.cbMu.Unlock()
}

// Attach switches to cluster mode over sub. Existing session claims are
// re-registered and local presence is announced.
func (f *Fanout) Attach(sub Substrate) error {
	handlers := map[string]func(*Message){
		protocol.SubjectDeliver:      f.handleDeliver,
		protocol.SubjectBroadcast:    f.handleBroadcast,
		protocol.SubjectPresence:     f.handlePresence,
		protocol.SubjectPresenceSync: f.handlePresenceSync,
	}

	var subs []Subscription
	for name, fn := range handlers {
		s, err := sub.Subscribe(f.subject(name), fn)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return fmt.Errorf("cluster: attach: %w", err)
		}
		subs = append(subs, s)
	}

	f.mu.Lock()
	f.sub = sub
	f.suspended = false
	f.subs = subs
	for id, c := range f.claims {
		c.sub = f.subscribeSessionLocked(id, c.handler)
	}
	f.mu.Unlock()

	f.log.Info("cluster fan-out attached", "node", f.node)
	f.AnnounceAll()
	return nil
}

// Detach drops the substrate and returns to local-only mode. The substrate
// itself is not closed.
func (f *Fanout) Detach() {
	f.mu.Lock()
	if f.sub == nil {
		f.mu.Unlock()
		return
	}
	for _, s := range f.subs {
		_ = s.Unsubscribe()
	}
	for _, c := range f.claims {
		if c.sub != nil {
			_ = c.sub.Unsubscribe()
			c.sub = nil
		}
	}
	f.subs = nil
	f.sub = nil
	f.suspended = false
	f.mu.Unlock()

	f.log.Warn("cluster fan-out detached, delivering locally only", "node", f.node)
}

// Suspend keeps the substrate but stops using it until Resume.
func (f *Fanout) Suspend() {
	f.mu.Lock()
	changed := f.sub != nil && !f.suspended
	f.suspended = true
	f.mu.Unlock()
	if changed {
		f.log.Warn("cluster substrate down, delivering locally only", "node", f.node)
	}
}

// Resume leaves suspension and re-announces local presence.
func (f *Fanout) Resume() {
	f.mu.Lock()
	changed := f.sub != nil && f.suspended
	f.suspended = false
	f.mu.Unlock()
	if changed {
		f.log.Info("cluster substrate back, resuming fan-out", "node", f.node)
		f.AnnounceAll()
	}
}

// Deliver sends event to connID, on this node or, in cluster mode, wherever
// it lives. Failures are logged, never returned.
func (f *Fanout) Deliver(connID, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		f.log.Error("marshal delivery", "event", event, "err", err)
		return
	}
	if f.hub.Send(connID, event, data) {
		return
	}
	if f.Mode() != ModeCluster {
		f.dropped.Add(1)
		f.log.Debug("delivery target not local, dropped", "conn", connID, "event", event)
		return
	}
	if err := f.publish(protocol.SubjectDeliver, protocol.Delivery{
		Origin: f.node,
		ConnID: connID,
		Event:  event,
		Data:   data,
	}); err != nil {
		f.dropped.Add(1)
	}
}

// Broadcast sends event to every connection in the cluster.
func (f *Fanout) Broadcast(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		f.log.Error("marshal broadcast", "event", event, "err", err)
		return
	}
	f.hub.SendAll(event, data)
	if f.Mode() != ModeCluster {
		return
	}
	_ = f.publish(protocol.SubjectBroadcast, protocol.Delivery{
		Origin: f.node,
		Event:  event,
		Data:   data,
	})
}

// PublishPresence mirrors a local presence entry to the other nodes.
func (f *Fanout) PublishPresence(u model.User) {
	if f.Mode() != ModeCluster {
		return
	}
	_ = f.publish(protocol.SubjectPresence, presenceUpdate(f.node, u))
}

// AnnounceGone tells the other nodes that every user of this node is offline.
func (f *Fanout) AnnounceGone() {
	if f.Mode() != ModeCluster {
		return
	}
	_ = f.publish(protocol.SubjectPresence, protocol.PresenceUpdate{Origin: f.node, Gone: true})
}

// AnnounceAll republishes every local presence entry and asks the other
// nodes to do the same.
func (f *Fanout) AnnounceAll() {
	if f.Mode() != ModeCluster {
		return
	}
	f.republishLocal()
	_ = f.publish(protocol.SubjectPresenceSync, protocol.PresenceSync{Origin: f.node})
}

// ClaimSession makes this node answer forwarded commands for session id.
func (f *Fanout) ClaimSession(id string, h SessionHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &claim{handler: h}
	if f.modeLocked() == ModeCluster {
		c.sub = f.subscribeSessionLocked(id, h)
	}
	f.claims[id] = c
}

// ReleaseSession drops the claim on session id.
func (f *Fanout) ReleaseSession(id string) {
	f.mu.Lock()
	c, ok := f.claims[id]
	delete(f.claims, id)
	f.mu.Unlock()
	if ok && c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
}

// Claims returns the number of sessions this node answers for.
func (f *Fanout) Claims() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.claims)
}

// ForwardSession sends a session command to the node owning id and returns
// its reply. ErrNoOwner covers local-only mode, missing owners and
// substrate failures.
func (f *Fanout) ForwardSession(ctx context.Context, id string, data []byte) ([]byte, error) {
	f.mu.RLock()
	sub := f.sub
	mode := f.modeLocked()
	f.mu.RUnlock()
	if mode != ModeCluster {
		return nil, fmt.Errorf("cluster: forward %s: %w", id, ErrNoOwner)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	reply, err := sub.Request(ctx, f.sessionSubject(id), data)
	if err != nil {
		if !errors.Is(err, ErrNoResponders) {
			f.failures.Add(1)
			f.log.Warn("session forward failed", "session", id, "err", err)
		}
		return nil, fmt.Errorf("cluster: forward %s: %w", id, ErrNoOwner)
	}
	return reply, nil
}

func (f *Fanout) subscribeSessionLocked(id string, h SessionHandler) Subscription {
	s, err := f.sub.Subscribe(f.sessionSubject(id), func(m *Message) {
		if err := m.Respond(h(m.Data)); err != nil {
			f.log.Warn("session reply failed", "session", id, "err", err)
		}
	})
	if err != nil {
		f.log.Warn("claim session on substrate", "session", id, "err", err)
		return nil
	}
	return s
}

func (f *Fanout) publish(name string, v any) error {
	f.mu.RLock()
	sub := f.sub
	f.mu.RUnlock()
	if sub == nil {
		return ErrSubstrateUnavailable
	}

	data, err := json.Marshal(v)
	if err != nil {
		f.log.Error("marshal substrate message", "subject", name, "err", err)
		return err
	}
	if err := sub.Publish(f.subject(name), data); err != nil {
		f.failures.Add(1)
		f.msgs.WithLabelValues(name, "error").Inc()
		f.log.Warn("substrate publish failed, local delivery only", "subject", name, "err", err)
		return err
	}
	f.published.Add(1)
	f.msgs.WithLabelValues(name, "ok").Inc()
	return nil
}

func (f *Fanout) republishLocal() {
	f.cbMu.RLock()
	fn := f.localUsers
	f.cbMu.RUnlock()
	if fn == nil {
		return
	}
	for _, u := range fn() {
		_ = f.publish(protocol.SubjectPresence, presenceUpdate(f.node, u))
	}
}

func (f *Fanout) handleDeliver(m *Message) {
	var d protocol.Delivery
	if err := json.Unmarshal(m.Data, &d); err != nil {
		f.log.Warn("bad delivery message", "err", err)
		return
	}
	if d.Origin == f.node || d.ConnID == "" {
		return
	}
	f.hub.Send(d.ConnID, d.Event, d.Data)
}

func (f *Fanout) handleBroadcast(m *Message) {
	var d protocol.Delivery
	if err := json.Unmarshal(m.Data, &d); err != nil {
		f.log.Warn("bad broadcast message", "err", err)
		return
	}
	if d.Origin == f.node {
		return
	}
	f.hub.SendAll(d.Event, d.Data)
}

func (f *Fanout) handlePresence(m *Message) {
	var p protocol.PresenceUpdate
	if err := json.Unmarshal(m.Data, &p); err != nil {
		f.log.Warn("bad presence message", "err", err)
		return
	}
	if p.Origin == f.node {
		return
	}
	f.cbMu.RLock()
	fn := f.onPresence
	f.cbMu.RUnlock()
	if fn != nil {
		fn(p)
	}
}

func (f *Fanout) handlePresenceSync(m *Message) {
	var p protocol.PresenceSync
	if err := json.Unmarshal(m.Data, &p); err != nil {
		f.log.Warn("bad presence sync message", "err", err)
		return
	}
	if p.Origin == f.node {
		return
	}
	f.republishLocal()
}

func (f *Fanout) subject(name string) string {
	return f.prefix + "." + name
}

func (f *Fanout) sessionSubject(id string) string {
	return f.prefix + "." + protocol.SubjectSession + "." + id
}

func presenceUpdate(node string, u model.User) protocol.PresenceUpdate {
	return protocol.PresenceUpdate{
		Origin:   node,
		Username: u.Username,
		Role:     u.Role,
		Status:   u.Status,
		ConnID:   u.ConnID,
	}
}
