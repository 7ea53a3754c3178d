// Package config loads the server's configuration document. Recognized
// options match spec.md §6.4 exactly.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ShadowCompare holds the shadow forwarder's diff-sensitivity knobs.
type ShadowCompare struct {
	IgnoreFields      []string `json:"ignore_fields"`
	NumericEquivalence bool    `json:"numeric_equivalence"`
}

// ShadowAuth holds SCRAM credentials for the upstream shadow deployment.
type ShadowAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
	AuthDB   string `json:"auth_db"`
}

// ShadowTLS holds TLS options for the upstream shadow connection.
type ShadowTLS struct {
	Enabled           bool   `json:"enabled"`
	CAFile            string `json:"ca_file"`
	ClientCert        string `json:"client_cert"`
	ClientKey         string `json:"client_key"`
	AllowInvalidCerts bool   `json:"allow_invalid_certs"`
}

// Shadow holds the full shadow-forwarding configuration block.
type Shadow struct {
	Enabled    bool          `json:"enabled"`
	Addr       string        `json:"addr"`
	DBPrefix   string        `json:"db_prefix"`
	TimeoutMS  int           `json:"timeout_ms"`
	SampleRate float64       `json:"sample_rate"`
	Compare    ShadowCompare `json:"compare"`
	Auth       ShadowAuth    `json:"auth"`
	TLS        ShadowTLS     `json:"tls"`
}

// Config is the top-level configuration document, loaded from a single JSON
// file named on the command line (spec.md §6.5).
type Config struct {
	ListenAddr              string `json:"listen_addr"`
	PostgresURL             string `json:"postgres_url"`
	CursorTimeoutSecs       int    `json:"cursor_timeout_secs"`
	CursorSweepIntervalSecs int    `json:"cursor_sweep_interval_secs"`
	Shadow                  Shadow `json:"shadow"`
}

// defaults matches spec.md §6.4's stated defaults.
func defaults() Config {
	return Config{
		ListenAddr:              "0.0.0.0:27017",
		CursorTimeoutSecs:       300,
		CursorSweepIntervalSecs: 30,
	}
}

// Load reads and parses the configuration file at path, filling in defaults
// for any field the file omits.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if v := os.Getenv("OXIDEDB_POSTGRES_URL"); v != "" {
		cfg.PostgresURL = v
	}
	if v := os.Getenv("OXIDEDB_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}

	if cfg.CursorTimeoutSecs <= 0 {
		cfg.CursorTimeoutSecs = 300
	}
	if cfg.CursorSweepIntervalSecs <= 0 {
		cfg.CursorSweepIntervalSecs = 30
	}
	return &cfg, nil
}

// CursorTimeout returns the cursor TTL as a time.Duration.
func (c *Config) CursorTimeout() time.Duration {
	return time.Duration(c.CursorTimeoutSecs) * time.Second
}

// CursorSweepInterval returns the cursor reaper's sweep period.
func (c *Config) CursorSweepInterval() time.Duration {
	return time.Duration(c.CursorSweepIntervalSecs) * time.Second
}
