package cluster

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NicolasHaas/skylink/pkg/model"
	"github.com/NicolasHaas/skylink/pkg/protocol"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeHub struct {
	mu    sync.Mutex
	conns map[string]bool
	got   []string
}

func newFakeHub(conns ...string) *fakeHub {
	h := &fakeHub{conns: make(map[string]bool)}
	for _, c := range conns {
		h.conns[c] = true
	}
	return h
}

func (h *fakeHub) Send(connID, event string, data json.RawMessage) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.conns[connID] {
		return false
	}
	h.got = append(h.got, connID+":"+event+":"+string(data))
	return true
}

func (h *fakeHub) SendAll(event string, data json.RawMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.got = append(h.got, "*:"+event+":"+string(data))
}

func (h *fakeHub) received() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.got...)
}

type node struct {
	fanout *Fanout
	hub    *fakeHub
	client *BusClient
}

func newNode(t *testing.T, bus *Bus, name string, conns ...string) *node {
	t.Helper()
	hub := newFakeHub(conns...)
	n := &node{
		hub:    hub,
		fanout: New(hub, Options{Node: name, Prefix: "test", Timeout: 500 * time.Millisecond}),
	}
	if bus != nil {
		n.client = bus.Connect()
		require.NoError(t, n.fanout.Attach(n.client))
		t.Cleanup(func() { _ = n.client.Close() })
	}
	return n
}

func TestLocalModeDelivery(t *testing.T) {
	n := newNode(t, nil, "a", "c1")
	assert.Equal(t, ModeLocal, n.fanout.Mode())

	n.fanout.Deliver("c1", "ping", map[string]int{"n": 1})
	n.fanout.Deliver("elsewhere", "ping", map[string]int{"n": 2})
	n.fanout.Broadcast("hello", "x")

	assert.Equal(t, []string{`c1:ping:{"n":1}`, `*:hello:"x"`}, n.hub.received())
	_, dropped, _ := n.fanout.Stats()
	assert.Equal(t, uint64(1), dropped)
}

func TestCrossNodeDeliver(t *testing.T) {
	bus := NewBus()
	a := newNode(t, bus, "a", "ca")
	b := newNode(t, bus, "b", "cb")
	require.Equal(t, ModeCluster, a.fanout.Mode())

	a.fanout.Deliver("cb", "file-send-request", map[string]string{"from": "alice"})

	require.Eventually(t, func() bool { return len(b.hub.received()) == 1 }, waitFor, tick)
	assert.Equal(t, `cb:file-send-request:{"from":"alice"}`, b.hub.received()[0])
	assert.Empty(t, a.hub.received())
}

func TestCrossNodeBroadcastNotEchoed(t *testing.T) {
	bus := NewBus()
	a := newNode(t, bus, "a")
	b := newNode(t, bus, "b")
	c := newNode(t, bus, "c")

	a.fanout.Broadcast("user-list", []string{"alice"})

	want := []string{`*:user-list:["alice"]`}
	require.Eventually(t, func() bool {
		return len(b.hub.received()) == 1 && len(c.hub.received()) == 1
	}, waitFor, tick)
	assert.Equal(t, want, b.hub.received())
	assert.Equal(t, want, c.hub.received())

	// Give any echo a chance to arrive before checking the origin.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, want, a.hub.received())
}

func TestPresenceReplication(t *testing.T) {
	bus := NewBus()
	a := newNode(t, bus, "a")
	b := newNode(t, bus, "b")

	var mu sync.Mutex
	var got []protocol.PresenceUpdate
	b.fanout.OnPresence(func(p protocol.PresenceUpdate) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	})

	a.fanout.PublishPresence(model.User{Username: "alice", Role: "sender", Status: model.StatusOnline, ConnID: "ca"})
	a.fanout.AnnounceGone()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, waitFor, tick)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, protocol.PresenceUpdate{Origin: "a", Username: "alice", Role: "sender", Status: model.StatusOnline, ConnID: "ca"}, got[0])
	assert.True(t, got[1].Gone)
}

func TestAttachRequestsPresenceSync(t *testing.T) {
	bus := NewBus()
	b := newNode(t, bus, "b")
	b.fanout.SetLocalUsers(func() []model.User {
		return []model.User{{Username: "bob", Status: model.StatusOnline, ConnID: "cb"}}
	})

	a := New(newFakeHub(), Options{Node: "a", Prefix: "test"})
	var seen atomic.Bool
	a.OnPresence(func(p protocol.PresenceUpdate) {
		if p.Username == "bob" && p.Origin == "b" {
			seen.Store(true)
		}
	})
	client := bus.Connect()
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, a.Attach(client))

	require.Eventually(t, seen.Load, waitFor, tick)
}

func TestForwardSession(t *testing.T) {
	bus := NewBus()
	a := newNode(t, bus, "a")
	b := newNode(t, bus, "b")

	a.fanout.ClaimSession("s1", func(data []byte) []byte {
		return append([]byte("ack:"), data...)
	})
	assert.Equal(t, 1, a.fanout.Claims())

	reply, err := b.fanout.ForwardSession(context.Background(), "s1", []byte("cancel"))
	require.NoError(t, err)
	assert.Equal(t, "ack:cancel", string(reply))

	_, err = b.fanout.ForwardSession(context.Background(), "unknown", []byte("x"))
	assert.ErrorIs(t, err, ErrNoOwner)

	a.fanout.ReleaseSession("s1")
	_, err = b.fanout.ForwardSession(context.Background(), "s1", []byte("x"))
	assert.ErrorIs(t, err, ErrNoOwner)
}

func TestForwardSessionLocalMode(t *testing.T) {
	n := newNode(t, nil, "a")
	_, err := n.fanout.ForwardSession(context.Background(), "s1", nil)
	assert.ErrorIs(t, err, ErrNoOwner)
}

func TestClaimsSurviveReattach(t *testing.T) {
	bus := NewBus()
	a := New(newFakeHub(), Options{Node: "a", Prefix: "test"})
	b := newNode(t, bus, "b")

	// Claimed while local-only, subscribed on attach.
	a.ClaimSession("s1", func([]byte) []byte { return []byte("ok") })
	client := bus.Connect()
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, a.Attach(client))

	reply, err := b.fanout.ForwardSession(context.Background(), "s1", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(reply))

	a.Detach()
	assert.Equal(t, ModeLocal, a.Mode())
	_, err = b.fanout.ForwardSession(context.Background(), "s1", nil)
	assert.ErrorIs(t, err, ErrNoOwner)
}

func TestPublishFailureDegrades(t *testing.T) {
	bus := NewBus()
	a := newNode(t, bus, "a", "ca")
	_ = newNode(t, bus, "b", "cb")

	bus.SetDown(true)
	a.fanout.Deliver("cb", "ping", 1)
	a.fanout.Deliver("ca", "ping", 2)

	assert.Equal(t, []string{"ca:ping:2"}, a.hub.received())
	_, dropped, failures := a.fanout.Stats()
	assert.Equal(t, uint64(1), dropped)
	assert.Equal(t, uint64(1), failures)
}

func TestPublishCounterRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	bus := NewBus()
	f := New(newFakeHub(), Options{Node: "a", Prefix: "test", Registerer: reg})
	client := bus.Connect()
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, f.Attach(client))

	f.Broadcast("x", 1)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "skylink_substrate_publish_total", families[0].GetName())
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(10 * time.Millisecond)
}

func TestSupervisorDegradeAndUpgrade(t *testing.T) {
	bus := NewBus()
	bus.SetDown(true)

	f := New(newFakeHub(), Options{Node: "a", Prefix: "test"})
	sup := NewSupervisor(f, bus.Dialer(), nil)
	sup.NewBackOff = fastBackOff

	var attaches, detaches atomic.Int32
	sup.OnAttach = func(Substrate) { attaches.Add(1) }
	sup.OnDetach = func() { detaches.Add(1) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	// Dial keeps failing while the bus is down.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, ModeLocal, f.Mode())

	bus.SetDown(false)
	require.Eventually(t, func() bool { return f.Mode() == ModeCluster }, waitFor, tick)
	require.Eventually(t, func() bool { return attaches.Load() == 1 }, waitFor, tick)

	bus.SetDown(true)
	require.Eventually(t, func() bool { return f.Mode() == ModeLocal }, waitFor, tick)
	require.Eventually(t, func() bool { return detaches.Load() == 1 }, waitFor, tick)

	bus.SetDown(false)
	require.Eventually(t, func() bool { return f.Mode() == ModeCluster }, waitFor, tick)
	require.Eventually(t, func() bool { return attaches.Load() == 2 }, waitFor, tick)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("supervisor did not stop")
	}
	assert.Equal(t, ModeLocal, f.Mode())
}

func TestSupervisorRedialsAfterClose(t *testing.T) {
	bus := NewBus()
	f := New(newFakeHub(), Options{Node: "a", Prefix: "test"})

	var mu sync.Mutex
	var clients []*BusClient
	dial := func(ctx context.Context) (Substrate, error) {
		sub, err := bus.Dialer()(ctx)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		clients = append(clients, sub.(*BusClient))
		mu.Unlock()
		return sub, nil
	}
	sup := NewSupervisor(f, dial, nil)
	sup.NewBackOff = fastBackOff

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()

	require.Eventually(t, func() bool { return f.Mode() == ModeCluster }, waitFor, tick)
	mu.Lock()
	first := clients[0]
	mu.Unlock()
	require.NoError(t, first.Close())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(clients) == 2 && f.Mode() == ModeCluster
	}, waitFor, tick)
}

func TestBusCounters(t *testing.T) {
	bus := NewBus()
	now := time.Unix(1000, 0)
	bus.now = func() time.Time { return now }
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := bus.Incr(ctx, "ip", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	now = now.Add(time.Minute)
	n, err := bus.Incr(ctx, "ip", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "window should reset")

	bus.SetDown(true)
	_, err = bus.Incr(ctx, "ip", time.Minute)
	assert.ErrorIs(t, err, ErrSubstrateUnavailable)
}

func TestBusCountersPruned(t *testing.T) {
	bus := NewBus()
	now := time.Unix(1000, 0)
	bus.now = func() time.Time { return now }
	ctx := context.Background()

	for _, key := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		_, err := bus.Incr(ctx, key, time.Minute)
		require.NoError(t, err)
	}
	assert.Len(t, bus.counters, 3)

	now = now.Add(time.Minute)
	_, err := bus.Incr(ctx, "10.0.0.4", time.Minute)
	require.NoError(t, err)
	assert.Len(t, bus.counters, 1, "expired windows should be dropped")
}
