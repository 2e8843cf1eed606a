package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// Run starts the server and blocks until shutdown signal.
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the server on ln until ctx is cancelled, then shuts down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.store == nil {
		_ = ln.Close()
		return fmt.Errorf("server: missing store dependency")
	}

	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsSrv := s.newMetricsHTTP()

	g, ctx := errgroup.WithContext(ctx)

	// The substrate outlives ctx until shutdown has announced this node gone.
	clusterCtx, stopCluster := context.WithCancel(context.Background())
	defer stopCluster()

	g.Go(func() error {
		s.log.Info("SkyLink server running", "addr", ln.Addr().String(), "node", s.cfg.NodeID)
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: http: %w", err)
		}
		return nil
	})

	if metricsSrv != nil {
		g.Go(func() error {
			s.log.Info("metrics HTTP listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server: metrics http: %w", err)
			}
			return nil
		})
	}

	if s.super != nil {
		g.Go(func() error { return s.super.Run(clusterCtx) })
	} else {
		s.log.Info("no cluster substrate configured, running single node")
	}

	g.Go(func() error { return s.rate.Local().Run(ctx) })
	if s.cfg.SweepEvery > 0 {
		g.Go(func() error { return s.auth.RunSweeper(ctx, s.cfg.SweepEvery) })
	}
	if s.cfg.MetricsLogEach > 0 {
		g.Go(func() error {
			s.metrics.RunPeriodicLog(s.cfg.MetricsLogEach, ctx.Done(), s.log)
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		s.log.Info("shutting down...")
		err := s.shutdown(httpSrv, metricsSrv)
		stopCluster()
		return err
	})

	return g.Wait()
}

// shutdown announces this node's users offline, stops the listeners,
// closes every client connection and finally the stores.
func (s *Server) shutdown(servers ...*http.Server) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.fanout.AnnounceGone()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if srv == nil {
				continue
			}
			err = multierr.Append(err, srv.Shutdown(ctx))
		}

		s.hub.CloseAll()
		s.sessions.Close()
		if s.store != nil {
			err = multierr.Append(err, s.store.Close())
		}
	})
	return err
}
