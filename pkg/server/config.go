package server

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/skylink/pkg/datastore"
	"github.com/NicolasHaas/skylink/pkg/ratelimit"
	"github.com/NicolasHaas/skylink/pkg/session"
)

// Config holds server configuration.
type Config struct {
	Addr        string `yaml:"addr"`         // HTTP/WebSocket bind address (e.g. ":3000")
	MetricsAddr string `yaml:"metrics_addr"` // HTTP bind address for /metrics (empty = disabled)
	DBPath      string `yaml:"db_path"`      // SQLite database path

	NodeID        string `yaml:"node_id"`        // cluster node id (random if empty)
	NATSURL       string `yaml:"nats_url"`       // cluster substrate (empty = single node)
	SubjectPrefix string `yaml:"subject_prefix"` // prefix of every substrate subject

	SessionTTL         time.Duration `yaml:"session_ttl"`
	SessionGrace       time.Duration `yaml:"session_grace"`
	CancelOnDisconnect bool          `yaml:"cancel_on_disconnect"`

	TokenTTL   time.Duration `yaml:"token_ttl"`
	SweepEvery time.Duration `yaml:"sweep_every"` // expired token cleanup interval

	RateLimit  int           `yaml:"rate_limit"` // requests per RateWindow per client IP
	RateWindow time.Duration `yaml:"rate_window"`
	RateBucket string        `yaml:"rate_bucket"` // JetStream KV bucket for shared counters
	TrustProxy bool          `yaml:"trust_proxy"` // take the client IP from X-Forwarded-For

	SendQueue      int           `yaml:"send_queue"` // outbound frames buffered per connection
	MetricsLogEach time.Duration `yaml:"metrics_log_every"`

	// CLI-only actions (run and exit)
	ExportUsers bool `yaml:"-"` // export all accounts as YAML and exit
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	opts := session.DefaultOptions()
	return Config{
		Addr:           ":3000",
		MetricsAddr:    ":9602",
		DBPath:         "skylink.db",
		SubjectPrefix:  "skylink",
		SessionTTL:     opts.TTL,
		SessionGrace:   opts.Grace,
		TokenTTL:       24 * time.Hour,
		SweepEvery:     10 * time.Minute,
		RateLimit:      ratelimit.DefaultLimit,
		RateWindow:     ratelimit.DefaultWindow,
		RateBucket:     "skylink_rate",
		SendQueue:      64,
		MetricsLogEach: 60 * time.Second,
	}
}

// LoadConfigFile overlays the YAML file at path onto cfg. Keys missing from
// the file keep their current value.
func LoadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from CLI flag
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// ApplyEnv overrides cfg from PORT, SKYLINK_NATS_URL and SKYLINK_NODE_ID.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if port := getenv("PORT"); port != "" {
		cfg.Addr = ":" + port
	}
	if url := getenv("SKYLINK_NATS_URL"); url != "" {
		cfg.NATSURL = url
	}
	if id := getenv("SKYLINK_NODE_ID"); id != "" {
		cfg.NodeID = id
	}
}

// UserYAML represents an account in YAML export.
type UserYAML struct {
	ID        int64  `yaml:"id"`
	Username  string `yaml:"username"`
	Role      string `yaml:"role"`
	CreatedAt string `yaml:"created_at"`
}

// UsersExport is the top-level YAML for user export.
type UsersExport struct {
	Users []UserYAML `yaml:"users"`
}

// ExportUsersYAML exports all accounts as YAML.
func ExportUsersYAML(ctx context.Context, st datastore.DataProviderFactory) ([]byte, error) {
	accounts, err := st.NonTx().ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	export := UsersExport{}
	for _, a := range accounts {
		export.Users = append(export.Users, UserYAML{
			ID:        a.ID,
			Username:  a.Username,
			Role:      a.Role.String(),
			CreatedAt: a.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	return yaml.Marshal(&export)
}
