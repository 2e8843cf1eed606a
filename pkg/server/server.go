// Package server implements the SkyLink signaling server.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/NicolasHaas/skylink/pkg/auth"
	"github.com/NicolasHaas/skylink/pkg/cluster"
	"github.com/NicolasHaas/skylink/pkg/datastore"
	"github.com/NicolasHaas/skylink/pkg/logging"
	"github.com/NicolasHaas/skylink/pkg/model"
	"github.com/NicolasHaas/skylink/pkg/presence"
	"github.com/NicolasHaas/skylink/pkg/protocol"
	pb "github.com/NicolasHaas/skylink/pkg/protocol/pb"
	"github.com/NicolasHaas/skylink/pkg/ratelimit"
	"github.com/NicolasHaas/skylink/pkg/relay"
	"github.com/NicolasHaas/skylink/pkg/session"
)

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Store datastore.DataProviderFactory

	// Dialer connects the cluster substrate. Nil falls back to NATS when
	// Config.NATSURL is set, and to single-node operation otherwise.
	Dialer cluster.Dialer
}

// Server is the main SkyLink server.
type Server struct {
	cfg      Config
	log      *slog.Logger
	store    datastore.DataProviderFactory
	metrics  *Metrics
	registry *prometheus.Registry

	hub      *Hub
	presence *presence.Registry
	sessions *session.Store
	fanout   *cluster.Fanout
	router   *relay.Router
	auth     *auth.Provider
	rate     *ratelimit.Fallback
	super    *cluster.Supervisor
	control  *ControlHandler

	shutdownOnce sync.Once
}

// New creates a new Server instance with every component wired.
func New(cfg Config, deps Dependencies) *Server {
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()[:8]
	}
	log := logging.Component("server").With("node", cfg.NodeID)

	s := &Server{
		cfg:     cfg,
		log:     log,
		store:   deps.Store,
		metrics: NewMetrics(),
	}

	s.registry = s.metrics.newRegistry(gauges{
		sessions:    func() float64 { return float64(s.sessions.Len()) },
		usersOnline: func() float64 { return float64(s.presence.Online()) },
		clusterMode: func() float64 { return boolGauge(s.fanout.Mode() == cluster.ModeCluster) },
		sharedRate:  func() float64 { return boolGauge(s.rate.Shared()) },
	})

	s.hub = NewHub(cfg.SendQueue, s.metrics, logging.Component("hub"))
	s.fanout = cluster.New(s.hub, cluster.Options{
		Node:       cfg.NodeID,
		Prefix:     cfg.SubjectPrefix,
		Logger:     logging.Component("cluster"),
		Registerer: s.registry,
	})
	s.sessions = session.New(session.Options{
		TTL:      cfg.SessionTTL,
		Grace:    cfg.SessionGrace,
		Node:     cfg.NodeID,
		Logger:   logging.Component("session"),
		OnRemove: s.fanout.ReleaseSession,
	})
	s.presence = presence.New(cfg.NodeID, logging.Component("presence"))
	s.router = relay.New(relay.Options{
		Presence:           s.presence,
		Sessions:           s.sessions,
		Fanout:             s.fanout,
		Logger:             logging.Component("relay"),
		CancelOnDisconnect: cfg.CancelOnDisconnect,
	})
	s.auth = auth.New(deps.Store, auth.Options{
		TokenTTL: cfg.TokenTTL,
		Logger:   logging.Component("auth"),
	})
	s.rate = ratelimit.NewFallback(cfg.RateLimit, cfg.RateWindow, logging.Component("ratelimit"))
	s.control = newControlHandler(s)

	s.presence.OnChange(s.presenceChanged)
	s.fanout.OnPresence(s.remotePresence)
	s.fanout.SetLocalUsers(s.presence.Local)

	dial := deps.Dialer
	if dial == nil && cfg.NATSURL != "" {
		dial = cluster.NATSDialer(cluster.NATSOptions{
			URL:    cfg.NATSURL,
			Name:   "skylink-" + cfg.NodeID,
			Logger: logging.Component("nats"),
		})
	}
	if dial != nil {
		s.super = cluster.NewSupervisor(s.fanout, dial, logging.Component("supervisor"))
		s.super.OnAttach = s.substrateAttached
		s.super.OnDetach = func() { s.rate.SetStore(nil) }
	}
	return s
}

// Node returns the cluster node id of this server.
func (s *Server) Node() string {
	return s.cfg.NodeID
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Registry returns the Prometheus registry served on /metrics.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Fanout returns the cluster fan-out adapter.
func (s *Server) Fanout() *cluster.Fanout {
	return s.fanout
}

// presenceChanged runs after every local presence mutation.
func (s *Server) presenceChanged(changed model.User, all []model.User) {
	s.fanout.Broadcast(protocol.EventUserList, userInfos(all))
	s.fanout.PublishPresence(changed)
}

// remotePresence applies presence replicated from another node.
func (s *Server) remotePresence(p protocol.PresenceUpdate) {
	if p.Gone {
		if n := s.presence.ForgetNode(p.Origin); n > 0 {
			s.log.Info("node left, users marked offline", "peer", p.Origin, "users", n)
			if data, err := json.Marshal(s.router.UserList()); err == nil {
				s.hub.SendAll(protocol.EventUserList, data)
			}
		}
		return
	}
	s.presence.Apply(model.User{
		Username: p.Username,
		Role:     p.Role,
		Status:   p.Status,
		ConnID:   p.ConnID,
		Node:     p.Origin,
	})
}

// substrateAttached upgrades the rate gate to counters shared over the
// attached substrate.
func (s *Server) substrateAttached(sub cluster.Substrate) {
	switch sub := sub.(type) {
	case *cluster.NATSSubstrate:
		store, err := ratelimit.NewKVStore(sub.Conn(), s.cfg.RateBucket, s.cfg.RateWindow)
		if err != nil {
			s.log.Warn("shared rate counters unavailable, counting locally", "err", err)
			return
		}
		s.rate.SetStore(store)
	case *cluster.BusClient:
		s.rate.SetStore(sub.Bus())
	}
}

// Handler returns the HTTP handler serving the public endpoints.
func (s *Server) Handler() http.Handler {
	return s.newRouter()
}

// allow checks the rate gate for key and counts rejections.
func (s *Server) allow(ctx context.Context, key string) bool {
	ok, err := s.rate.Allow(ctx, key)
	if err != nil {
		s.log.Warn("rate gate", "err", err)
		return true
	}
	if !ok {
		s.metrics.RateLimited.Add(1)
	}
	return ok
}

func userInfos(users []model.User) []pb.UserInfo {
	out := make([]pb.UserInfo, 0, len(users))
	for _, u := range users {
		out = append(out, pb.UserInfo{Username: u.Username, Role: u.Role, Status: u.Status})
	}
	return out
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// slogErrorLog adapts a slog.Logger to promhttp.Logger.
type slogErrorLog struct {
	log *slog.Logger
}

func (l slogErrorLog) Println(v ...any) {
	l.log.Error(fmt.Sprint(v...))
}
