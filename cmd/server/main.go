package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/NicolasHaas/skylink/pkg/datastore"
	"github.com/NicolasHaas/skylink/pkg/logging"
	"github.com/NicolasHaas/skylink/pkg/server"
	"github.com/NicolasHaas/skylink/pkg/version"
)

func main() {
	cfg := server.DefaultConfig()

	// The config file and environment are applied before flags, so peek
	// at -config first.
	configPath := configFlag(os.Args[1:])
	if configPath != "" {
		if err := server.LoadConfigFile(configPath, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	}
	server.ApplyEnv(&cfg, os.Getenv)

	flag.String("config", configPath, "YAML config file")
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP/WebSocket bind address")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "HTTP bind address for Prometheus /metrics (empty to disable)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database file path")
	flag.StringVar(&cfg.NodeID, "node", cfg.NodeID, "Cluster node id (random if empty)")
	flag.StringVar(&cfg.NATSURL, "nats", cfg.NATSURL, "NATS URL of the cluster substrate (empty for a single node)")
	flag.DurationVar(&cfg.SessionTTL, "session-ttl", cfg.SessionTTL, "Hard lifetime of a transfer session")
	flag.DurationVar(&cfg.SessionGrace, "session-grace", cfg.SessionGrace, "Retention of finished sessions")
	flag.BoolVar(&cfg.CancelOnDisconnect, "cancel-on-disconnect", cfg.CancelOnDisconnect, "Cancel a user's sessions when they disconnect")
	flag.IntVar(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "Requests per rate window per client IP")
	flag.DurationVar(&cfg.RateWindow, "rate-window", cfg.RateWindow, "Rate limit window")
	flag.BoolVar(&cfg.TrustProxy, "trust-proxy", cfg.TrustProxy, "Use X-Forwarded-For as the client IP")
	flag.BoolVar(&cfg.ExportUsers, "export-users", false, "Export all users as YAML and exit")

	showVersion := flag.Bool("version", false, "Print version and exit")
	logLevel := flag.String("log-level", "info", "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	// Configure structured logging
	if err := logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: *logFormat,
		Output: os.Stdout,
		Node:   cfg.NodeID,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	st, err := datastore.NewProviderFactory(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}

	// Handle export command (run and exit)
	if cfg.ExportUsers {
		defer st.Close()
		data, err := server.ExportUsersYAML(context.Background(), st)
		if err != nil {
			slog.Error("export users", "err", err)
			os.Exit(1)
		}
		fmt.Print(string(data))
		return
	}

	slog.Info("starting", "version", version.String())
	srv := server.New(cfg, server.Dependencies{Store: st})
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

// configFlag returns the value of -config/--config in args, if any.
func configFlag(args []string) string {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	path := fs.String("config", "", "")
	for i, a := range args {
		if a == "-config" || a == "--config" || strings.HasPrefix(a, "-config=") || strings.HasPrefix(a, "--config=") {
			_ = fs.Parse(args[i:min(i+2, len(args))])
			return *path
		}
	}
	return ""
}
