package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/skylink/pkg/cluster"
	"github.com/NicolasHaas/skylink/pkg/datastore"
	"github.com/NicolasHaas/skylink/pkg/model"
	"github.com/NicolasHaas/skylink/pkg/protocol"
	pb "github.com/NicolasHaas/skylink/pkg/protocol/pb"
	"github.com/NicolasHaas/skylink/pkg/session"
)

func testConfig(node string) Config {
	cfg := DefaultConfig()
	cfg.NodeID = node
	cfg.MetricsAddr = ""
	cfg.SessionGrace = 50 * time.Millisecond
	return cfg
}

func newTestServer(t *testing.T, cfg Config, deps Dependencies) (*Server, *httptest.Server) {
	t.Helper()
	if deps.Store == nil {
		deps.Store = datastore.NewMemory()
	}
	srv := New(cfg, deps)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		if err := srv.shutdown(); err != nil {
			t.Errorf("shutdown: %v", err)
		}
		ts.Close()
	})
	return srv, ts
}

type testClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dial(t *testing.T, ts *httptest.Server, query string) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })

	c := &testClient{t: t, ws: ws}
	var greeting string
	c.expectData(protocol.EventServerMessage, &greeting)
	if greeting != Greeting {
		t.Fatalf("greeting: got %q", greeting)
	}
	return c
}

func (c *testClient) send(event string, payload any) {
	c.t.Helper()
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		c.t.Fatalf("encode %s: %v", event, err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.t.Fatalf("write %s: %v", event, err)
	}
}

// expect reads frames until event arrives and returns the events skipped
// on the way.
func (c *testClient) expect(event string) (*protocol.Envelope, []string) {
	c.t.Helper()
	var skipped []string
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = c.ws.SetReadDeadline(deadline)
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			c.t.Fatalf("waiting for %s (skipped %v): %v", event, skipped, err)
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			c.t.Fatalf("decode: %v", err)
		}
		if env.Event == event {
			return env, skipped
		}
		skipped = append(skipped, env.Event)
	}
}

func (c *testClient) expectData(event string, v any) []string {
	c.t.Helper()
	env, skipped := c.expect(event)
	if err := json.Unmarshal(env.Data, v); err != nil {
		c.t.Fatalf("unmarshal %s: %v", event, err)
	}
	return skipped
}

func (c *testClient) expectError(message string) {
	c.t.Helper()
	var resp pb.ErrorResponse
	c.expectData(protocol.EventError, &resp)
	if resp.Message != message {
		c.t.Fatalf("error message: got %q, want %q", resp.Message, message)
	}
}

func (c *testClient) register(username, role string) string {
	c.t.Helper()
	c.send(protocol.EventRegister, pb.RegisterRequest{Username: username, Password: "password1", Role: role})
	var ok pb.AuthSuccess
	c.expectData(protocol.EventRegisterSuccess, &ok)
	if ok.Username != username || ok.Token == "" {
		c.t.Fatalf("register-success: %+v", ok)
	}
	return ok.Token
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTransferScenario(t *testing.T) {
	srv, ts := newTestServer(t, testConfig("a"), Dependencies{})
	alice := dial(t, ts, "")
	bob := dial(t, ts, "")

	alice.register("alice", "sender")
	bob.register("bob", "receiver")

	var users []pb.UserInfo
	alice.expectData(protocol.EventUserList, &users)
	want := []pb.UserInfo{
		{Username: "alice", Role: "sender", Status: model.StatusOnline},
		{Username: "bob", Role: "receiver", Status: model.StatusOnline},
	}
	if diff := cmp.Diff(want, users); diff != "" {
		t.Errorf("user-list (-want +got):\n%s", diff)
	}

	meta := model.FileMeta{Name: "x.txt", Size: 1024}
	alice.send(protocol.EventFileSendRequest, pb.FileSendRequest{To: "bob", FileMeta: meta})
	var offer pb.FileSendOffer
	bob.expectData(protocol.EventFileSendRequest, &offer)
	if offer.SessionID == "" || offer.From != "alice" {
		t.Fatalf("offer: %+v", offer)
	}
	if diff := cmp.Diff(meta, offer.FileMeta); diff != "" {
		t.Errorf("offer meta (-want +got):\n%s", diff)
	}
	id := offer.SessionID

	bob.send(protocol.EventFileSendResp, pb.FileSendResponse{SessionID: id, Accept: true})
	for _, c := range []*testClient{alice, bob} {
		var resp pb.FileSendResponse
		c.expectData(protocol.EventFileSendResp, &resp)
		if !resp.Accept || resp.SessionID != id {
			t.Errorf("file-send-response: %+v", resp)
		}
	}

	alice.send(protocol.EventProgress, pb.TransferProgress{SessionID: id, Progress: 50})
	var progress pb.TransferProgress
	bob.expectData(protocol.EventProgress, &progress)
	if progress.Progress != 50 {
		t.Errorf("progress: got %v", progress.Progress)
	}

	alice.send(protocol.EventTransferCancel, pb.TransferRef{SessionID: id})
	skipped := alice.expectData(protocol.EventTransferCancel, &pb.TransferRef{})
	if slices.Contains(skipped, protocol.EventProgress) {
		t.Errorf("sender received its own progress event")
	}
	bob.expectData(protocol.EventTransferCancel, &pb.TransferRef{})

	waitFor(t, "session removal after grace", func() bool {
		_, err := srv.sessions.Get(id)
		return errors.Is(err, session.ErrNotFound)
	})

	bob.send(protocol.EventProgress, pb.TransferProgress{SessionID: id, Progress: 60})
	bob.expectError("Invalid session")
}

func TestTransferComplete(t *testing.T) {
	cfg := testConfig("a")
	cfg.SessionGrace = time.Minute
	_, ts := newTestServer(t, cfg, Dependencies{})
	alice := dial(t, ts, "")
	bob := dial(t, ts, "")
	alice.register("alice", "")
	bob.register("bob", "")

	alice.send(protocol.EventFileSendRequest, pb.FileSendRequest{To: "bob", FileMeta: model.FileMeta{Name: "a.bin", Size: 1}})
	var offer pb.FileSendOffer
	bob.expectData(protocol.EventFileSendRequest, &offer)

	bob.send(protocol.EventFileSendResp, pb.FileSendResponse{SessionID: offer.SessionID, Accept: true})
	bob.send(protocol.EventTransferDone, pb.TransferRef{SessionID: offer.SessionID})
	alice.expectData(protocol.EventTransferDone, &pb.TransferRef{})

	alice.send(protocol.EventTransferCancel, pb.TransferRef{SessionID: offer.SessionID})
	alice.expectError("Invalid transition")
}

func TestClientErrors(t *testing.T) {
	srv, ts := newTestServer(t, testConfig("a"), Dependencies{})
	c := dial(t, ts, "")

	c.send(protocol.EventFileSendRequest, pb.FileSendRequest{To: "bob", FileMeta: model.FileMeta{Name: "x", Size: 1}})
	c.expectError("Not authenticated")

	c.register("alice", "")
	c.send(protocol.EventFileSendRequest, pb.FileSendRequest{To: "ghost", FileMeta: model.FileMeta{Name: "x", Size: 1}})
	c.expectError("User not found")
	if srv.sessions.Len() != 0 {
		t.Errorf("session created for unknown recipient")
	}

	c.send(protocol.EventFileSendRequest, pb.FileSendRequest{To: "alice", FileMeta: model.FileMeta{Name: "x", Size: 1}})
	c.expectError("Invalid argument")

	c.send(protocol.EventFileSendResp, pb.FileSendResponse{SessionID: "nope", Accept: true})
	c.expectError("Invalid session")

	c.send("shout", map[string]string{"text": "hi"})
	c.expectError("Unknown event")

	if err := c.ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	c.expectError("Invalid argument")
}

func TestNotParticipant(t *testing.T) {
	_, ts := newTestServer(t, testConfig("a"), Dependencies{})
	alice, bob, carol := dial(t, ts, ""), dial(t, ts, ""), dial(t, ts, "")
	alice.register("alice", "")
	bob.register("bob", "")
	carol.register("carol", "")

	alice.send(protocol.EventFileSendRequest, pb.FileSendRequest{To: "bob", FileMeta: model.FileMeta{Name: "x", Size: 1}})
	var offer pb.FileSendOffer
	bob.expectData(protocol.EventFileSendRequest, &offer)

	carol.send(protocol.EventFileSendResp, pb.FileSendResponse{SessionID: offer.SessionID, Accept: true})
	carol.expectError("Not a session participant")
}

func TestRegisterAndLoginFailures(t *testing.T) {
	_, ts := newTestServer(t, testConfig("a"), Dependencies{})
	c := dial(t, ts, "")
	c.register("alice", "")

	other := dial(t, ts, "")
	other.send(protocol.EventRegister, pb.RegisterRequest{Username: "alice", Password: "password1"})
	var failed pb.AuthFailed
	other.expectData(protocol.EventRegisterFailed, &failed)
	if failed.Reason != "Username already taken" {
		t.Errorf("duplicate register reason: %q", failed.Reason)
	}

	other.send(protocol.EventRegister, pb.RegisterRequest{Username: "al", Password: "password1"})
	other.expectData(protocol.EventRegisterFailed, &failed)
	if failed.Reason != model.ErrUsernameTooShort.Error() {
		t.Errorf("short username reason: %q", failed.Reason)
	}

	other.send(protocol.EventLogin, pb.LoginRequest{Username: "alice", Password: "wrong-password"})
	other.expectData(protocol.EventLoginFailed, &failed)
	if failed.Reason != "Invalid username or password" {
		t.Errorf("bad login reason: %q", failed.Reason)
	}
}

func TestLoginRebindsAndStaleDisconnect(t *testing.T) {
	srv, ts := newTestServer(t, testConfig("a"), Dependencies{})
	first := dial(t, ts, "")
	first.register("alice", "")

	second := dial(t, ts, "")
	second.send(protocol.EventLogin, pb.LoginRequest{Username: "alice", Password: "password1"})
	var ok pb.AuthSuccess
	second.expectData(protocol.EventLoginSuccess, &ok)

	u, err := srv.presence.Lookup("alice")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	_ = first.ws.Close()

	// Closing the superseded connection must not knock alice offline.
	waitFor(t, "first connection gone", func() bool { return srv.hub.Count() == 1 })
	after, _ := srv.presence.Lookup("alice")
	if !after.Online() || after.ConnID != u.ConnID {
		t.Errorf("alice after stale disconnect: %+v (bound %s)", after, u.ConnID)
	}
}

func TestTokenResume(t *testing.T) {
	srv, ts := newTestServer(t, testConfig("a"), Dependencies{})
	c := dial(t, ts, "")
	token := c.register("alice", "sender")
	_ = c.ws.Close()
	waitFor(t, "alice offline", func() bool {
		u, err := srv.presence.Lookup("alice")
		return err == nil && !u.Online()
	})

	resumed := dial(t, ts, "?token="+token)
	var ok pb.AuthSuccess
	resumed.expectData(protocol.EventLoginSuccess, &ok)
	if ok.Username != "alice" {
		t.Errorf("resumed as %q", ok.Username)
	}

	again := dial(t, ts, "")
	again.send(protocol.EventAuthenticate, pb.AuthenticateRequest{Token: "bogus"})
	var failed pb.AuthFailed
	again.expectData(protocol.EventLoginFailed, &failed)
	if failed.Reason != "Invalid or expired token" {
		t.Errorf("bad token reason: %q", failed.Reason)
	}
}

func TestDisconnectBroadcast(t *testing.T) {
	srv, ts := newTestServer(t, testConfig("a"), Dependencies{})
	alice := dial(t, ts, "")
	bob := dial(t, ts, "")
	alice.register("alice", "")
	bob.register("bob", "")

	alice.send(protocol.EventFileSendRequest, pb.FileSendRequest{To: "bob", FileMeta: model.FileMeta{Name: "x", Size: 1}})
	var offer pb.FileSendOffer
	bob.expectData(protocol.EventFileSendRequest, &offer)

	_ = bob.ws.Close()
	var gone pb.UserDisconnected
	alice.expectData(protocol.EventUserDisconnected, &gone)
	if gone.Username != "bob" {
		t.Errorf("user-disconnected: %+v", gone)
	}

	s, err := srv.sessions.Get(offer.SessionID)
	if err != nil {
		t.Fatalf("session dropped on disconnect: %v", err)
	}
	if s.Status != model.SessionPending {
		t.Errorf("session status: %s", s.Status)
	}
}

func TestHTTPRoutes(t *testing.T) {
	_, ts := newTestServer(t, testConfig("a"), Dependencies{})

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("GET /: status %d, headers %v", resp.StatusCode, resp.Header)
	}

	resp2, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer func() { _ = resp2.Body.Close() }()
	var health healthResponse
	if err := json.NewDecoder(resp2.Body).Decode(&health); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if health.Status != "ok" || health.Node != "a" || health.Mode != cluster.ModeLocal.String() {
		t.Errorf("healthz: %+v", health)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig("a")
	cfg.RateLimit = 2
	srv, ts := newTestServer(t, cfg, Dependencies{})

	var codes []int
	for range 3 {
		resp, err := http.Get(ts.URL + "/")
		if err != nil {
			t.Fatalf("GET /: %v", err)
		}
		_ = resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	if diff := cmp.Diff([]int{200, 200, 429}, codes); diff != "" {
		t.Errorf("status codes (-want +got):\n%s", diff)
	}
	if srv.metrics.RateLimited.Load() != 1 {
		t.Errorf("RateLimited: %d", srv.metrics.RateLimited.Load())
	}
}

// newClusterPair starts nodes a and b on one in-process bus, each with its
// own credential store, and waits until both run in cluster mode.
func newClusterPair(t *testing.T) (srvA, srvB *Server, tsA, tsB *httptest.Server) {
	t.Helper()
	bus := cluster.NewBus()
	srvA, tsA = newTestServer(t, testConfig("a"), Dependencies{Dialer: bus.Dialer()})
	srvB, tsB = newTestServer(t, testConfig("b"), Dependencies{Dialer: bus.Dialer()})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for _, srv := range []*Server{srvA, srvB} {
		go func() { _ = srv.super.Run(ctx) }()
	}
	waitFor(t, "cluster mode", func() bool {
		return srvA.fanout.Mode() == cluster.ModeCluster && srvB.fanout.Mode() == cluster.ModeCluster
	})
	waitFor(t, "shared rate gate", func() bool { return srvA.rate.Shared() && srvB.rate.Shared() })
	return srvA, srvB, tsA, tsB
}

func TestCrossNodeTransfer(t *testing.T) {
	srvA, _, tsA, tsB := newClusterPair(t)

	alice := dial(t, tsA, "")
	bob := dial(t, tsB, "")
	alice.register("alice", "sender")
	bob.register("bob", "receiver")
	waitFor(t, "presence replication", func() bool {
		u, err := srvA.presence.Lookup("bob")
		return err == nil && u.Online()
	})

	alice.send(protocol.EventFileSendRequest, pb.FileSendRequest{To: "bob", FileMeta: model.FileMeta{Name: "x.txt", Size: 1024}})
	var offer pb.FileSendOffer
	bob.expectData(protocol.EventFileSendRequest, &offer)

	bob.send(protocol.EventFileSendResp, pb.FileSendResponse{SessionID: offer.SessionID, Accept: true})
	for _, c := range []*testClient{alice, bob} {
		var resp pb.FileSendResponse
		c.expectData(protocol.EventFileSendResp, &resp)
		if !resp.Accept {
			t.Errorf("file-send-response: %+v", resp)
		}
	}

	bob.send(protocol.EventProgress, pb.TransferProgress{SessionID: offer.SessionID, Progress: 25})
	var progress pb.TransferProgress
	alice.expectData(protocol.EventProgress, &progress)
	if progress.Progress != 25 {
		t.Errorf("progress: %v", progress.Progress)
	}
}

func TestRegisterRejectedWhileOnlineElsewhere(t *testing.T) {
	srvA, srvB, tsA, tsB := newClusterPair(t)

	alice := dial(t, tsA, "")
	alice.register("alice", "sender")
	waitFor(t, "presence replication", func() bool {
		u, err := srvB.presence.Lookup("alice")
		return err == nil && u.Online()
	})
	bound, err := srvA.presence.Lookup("alice")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	mallory := dial(t, tsB, "")
	mallory.send(protocol.EventRegister, pb.RegisterRequest{Username: "alice", Password: "mallory99"})
	var failed pb.AuthFailed
	mallory.expectData(protocol.EventRegisterFailed, &failed)
	if failed.Reason != "Username already taken" {
		t.Errorf("register-failed reason: %q", failed.Reason)
	}

	accounts, err := srvB.auth.Accounts(context.Background())
	if err != nil {
		t.Fatalf("Accounts: %v", err)
	}
	if len(accounts) != 0 {
		t.Errorf("rejected registration left accounts behind: %+v", accounts)
	}

	mallory.send(protocol.EventLogin, pb.LoginRequest{Username: "alice", Password: "mallory99"})
	mallory.expectData(protocol.EventLoginFailed, &failed)
	if failed.Reason != "Invalid username or password" {
		t.Errorf("login-failed reason: %q", failed.Reason)
	}

	after, _ := srvA.presence.Lookup("alice")
	if diff := cmp.Diff(bound, after); diff != "" {
		t.Errorf("alice binding changed (-want +got):\n%s", diff)
	}
}

func TestLoginPersistedAccountOnFreshProcess(t *testing.T) {
	store := datastore.NewMemory()
	srv, ts := newTestServer(t, testConfig("a"), Dependencies{Store: store})
	if _, err := srv.auth.Register(context.Background(), "carol", "password1", "receiver"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := srv.presence.Lookup("carol"); err == nil {
		t.Fatal("carol present before login")
	}

	c := dial(t, ts, "")
	c.send(protocol.EventLogin, pb.LoginRequest{Username: "carol", Password: "password1"})
	var ok pb.AuthSuccess
	c.expectData(protocol.EventLoginSuccess, &ok)

	u, err := srv.presence.Lookup("carol")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !u.Online() || u.Role != "receiver" || u.Node != "a" {
		t.Errorf("carol after login: %+v", u)
	}
}

func TestSupersededConnectionLosesIdentity(t *testing.T) {
	srv, ts := newTestServer(t, testConfig("a"), Dependencies{})
	first := dial(t, ts, "")
	bob := dial(t, ts, "")
	first.register("alice", "")
	bob.register("bob", "")

	second := dial(t, ts, "")
	second.send(protocol.EventLogin, pb.LoginRequest{Username: "alice", Password: "password1"})
	var ok pb.AuthSuccess
	second.expectData(protocol.EventLoginSuccess, &ok)

	meta := model.FileMeta{Name: "x.txt", Size: 10}
	first.send(protocol.EventFileSendRequest, pb.FileSendRequest{To: "bob", FileMeta: meta})
	first.expectError("Not authenticated")
	if n := srv.sessions.Len(); n != 0 {
		t.Fatalf("superseded connection created %d sessions", n)
	}

	second.send(protocol.EventFileSendRequest, pb.FileSendRequest{To: "bob", FileMeta: meta})
	var offer pb.FileSendOffer
	bob.expectData(protocol.EventFileSendRequest, &offer)
	if offer.From != "alice" {
		t.Errorf("offer from %q", offer.From)
	}

	// The superseded connection cannot act on the live session either.
	first.send(protocol.EventTransferCancel, pb.TransferRef{SessionID: offer.SessionID})
	first.expectError("Not authenticated")
	if s, err := srv.sessions.Get(offer.SessionID); err != nil || s.Status != model.SessionPending {
		t.Errorf("session after stale cancel: %+v, %v", s, err)
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	env := map[string]string{
		"PORT":             "8080",
		"SKYLINK_NATS_URL": "nats://nats:4222",
		"SKYLINK_NODE_ID":  "edge-1",
	}
	ApplyEnv(&cfg, func(k string) string { return env[k] })
	if cfg.Addr != ":8080" || cfg.NATSURL != "nats://nats:4222" || cfg.NodeID != "edge-1" {
		t.Errorf("ApplyEnv: %+v", cfg)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skylink.yaml")
	data := []byte("addr: \":4000\"\nsession_ttl: 5m\ncancel_on_disconnect: true\nrate_limit: 10\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := DefaultConfig()
	if err := LoadConfigFile(path, &cfg); err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if cfg.Addr != ":4000" || cfg.SessionTTL != 5*time.Minute || !cfg.CancelOnDisconnect || cfg.RateLimit != 10 {
		t.Errorf("loaded config: %+v", cfg)
	}
	if cfg.SessionGrace != DefaultConfig().SessionGrace {
		t.Errorf("missing key overwrote default: %v", cfg.SessionGrace)
	}

	if err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"), &cfg); err == nil {
		t.Errorf("LoadConfigFile(missing): expected error")
	}
}

func TestExportUsersYAML(t *testing.T) {
	srv, ts := newTestServer(t, testConfig("a"), Dependencies{})
	c := dial(t, ts, "")
	c.register("alice", "sender")

	data, err := ExportUsersYAML(context.Background(), srv.store)
	if err != nil {
		t.Fatalf("ExportUsersYAML: %v", err)
	}
	var export UsersExport
	if err := yaml.Unmarshal(data, &export); err != nil {
		t.Fatalf("unmarshal export: %v", err)
	}
	if len(export.Users) != 1 || export.Users[0].Username != "alice" || export.Users[0].Role != "sender" {
		t.Errorf("export: %+v", export)
	}
}

func TestMetricsRegistry(t *testing.T) {
	srv, _ := newTestServer(t, testConfig("a"), Dependencies{})
	families, err := srv.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	for _, want := range []string{"skylink_build_info", "skylink_connections_total", "skylink_sessions_active", "skylink_cluster_mode"} {
		if !slices.Contains(names, want) {
			t.Errorf("metric %s not registered", want)
		}
	}
}
