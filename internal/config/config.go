// YAML config loader with CUE validation integration
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"droneops-gcs/internal/arbiter"
	"droneops-gcs/internal/link"
	"droneops-gcs/internal/lockserver"
	"droneops-gcs/internal/trail"
)

// Reconnect mirrors link.ReconnectPolicy with YAML tags.
type Reconnect struct {
	Delay       time.Duration `yaml:"delay"`
	MaxAttempts int           `yaml:"max_attempts"`
	Linear      bool          `yaml:"linear"`
}

// Bridge configures the rosbridge connection.
type Bridge struct {
	URL           string        `yaml:"url"`
	ForceSecure   bool          `yaml:"force_secure"`
	SettleDelay   time.Duration `yaml:"settle_delay"`
	CheckInterval time.Duration `yaml:"check_interval"`
	StaleAfter    time.Duration `yaml:"stale_after"`
	Reconnect     Reconnect     `yaml:"reconnect"`
	Topics        link.Topics   `yaml:"topics"`
}

// Telemetry tunes frame decoding and trail recording.
type Telemetry struct {
	DropZeroFix      bool    `yaml:"drop_zero_fix"`
	NoFixEpsilon     float64 `yaml:"nofix_epsilon"`
	TrailMaxPoints   int     `yaml:"trail_max_points"`
	TrailMinDistance float64 `yaml:"trail_min_distance"`
}

// Arbiter selects and configures the single-operator arbitration strategy.
type Arbiter struct {
	Strategy          string        `yaml:"strategy"` // lock | session
	URL               string        `yaml:"url"`
	APIKey            string        `yaml:"api_key"`
	ClientID          string        `yaml:"client_id"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SessionTTL        time.Duration `yaml:"session_ttl"`
	SessionHeartbeat  time.Duration `yaml:"session_heartbeat"`
	TokenFile         string        `yaml:"token_file"`
}

type Admin struct {
	Addr string `yaml:"addr"`
}

// Recorder picks where status frames are persisted. Every non-empty sink is
// used.
type Recorder struct {
	File             string `yaml:"file"`
	FileMaxSizeMB    int    `yaml:"file_max_size_mb"`
	Stdout           bool   `yaml:"stdout"`
	GreptimeEndpoint string `yaml:"greptime_endpoint"`
	GreptimeDatabase string `yaml:"greptime_database"`
	GreptimeTable    string `yaml:"greptime_table"`
}

type Log struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
	JSON  bool   `yaml:"json"`
}

// LockServer configures `gcs lock-server`.
type LockServer struct {
	Addr        string        `yaml:"addr"`
	Driver      string        `yaml:"driver"` // sqlite3 | postgres
	DSN         string        `yaml:"dsn"`
	JWTSecret   string        `yaml:"jwt_secret"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// BridgeSim configures `gcs bridge-sim`.
type BridgeSim struct {
	Addr      string        `yaml:"addr"`
	Drones    int           `yaml:"drones"`
	Tick      time.Duration `yaml:"tick"`
	CenterLat float64       `yaml:"center_lat"`
	CenterLon float64       `yaml:"center_lon"`
}

// Config is the root GCS configuration.
type Config struct {
	Bridge     Bridge     `yaml:"bridge"`
	Telemetry  Telemetry  `yaml:"telemetry"`
	Arbiter    Arbiter    `yaml:"arbiter"`
	Admin      Admin      `yaml:"admin"`
	Recorder   Recorder   `yaml:"recorder"`
	Log        Log        `yaml:"log"`
	LockServer LockServer `yaml:"lock_server"`
	BridgeSim  BridgeSim  `yaml:"bridge_sim"`
}

const (
	StrategyLock    = "lock"
	StrategySession = "session"
)

// Default returns a complete configuration.
func Default() *Config {
	return &Config{
		Bridge: Bridge{
			URL:           "ws://localhost:9090",
			SettleDelay:   link.DefaultSettleDelay,
			CheckInterval: link.DefaultCheckInterval,
			StaleAfter:    link.DefaultStaleAfter,
			Reconnect:     Reconnect{Delay: link.DefaultReconnectDelay},
			Topics:        link.DefaultTopics(),
		},
		Telemetry: Telemetry{
			DropZeroFix:      true,
			TrailMaxPoints:   trail.DefaultMaxPoints,
			TrailMinDistance: trail.DefaultMinDistance,
		},
		Arbiter: Arbiter{
			Strategy:          StrategyLock,
			URL:               "http://localhost:8787",
			HeartbeatInterval: arbiter.DefaultLockHeartbeat,
			SessionTTL:        arbiter.DefaultSessionTTL,
			SessionHeartbeat:  arbiter.DefaultSessionHeartbeat,
		},
		Admin: Admin{Addr: ":8080"},
		Log:   Log{Level: "info"},
		LockServer: LockServer{
			Addr:        ":8787",
			Driver:      "sqlite3",
			DSN:         "gcs-lock.db",
			LockTimeout: lockserver.DefaultLockTimeout,
		},
		BridgeSim: BridgeSim{
			Addr:      ":9090",
			Drones:    4,
			Tick:      time.Second,
			CenterLat: 37.5665,
			CenterLon: 126.978,
		},
	}
}

// Load validates configPath against the CUE schema at cueSchemaPath, then
// decodes it over Default() and applies environment overrides. An empty
// configPath yields the defaults plus overrides.
func Load(configPath, cueSchemaPath string) (*Config, error) {
	cfg := Default()
	if configPath != "" {
		if cueSchemaPath != "" {
			if err := ValidateWithCue(configPath, cueSchemaPath); err != nil {
				return nil, err
			}
		}
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configPath, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Bridge.URL, "GCS_BRIDGE_URL")
	set(&c.Arbiter.URL, "GCS_LOCK_URL")
	set(&c.Arbiter.APIKey, "GCS_API_KEY")
	set(&c.Recorder.GreptimeEndpoint, "GREPTIMEDB_ENDPOINT")
	set(&c.Recorder.GreptimeTable, "GREPTIMEDB_TABLE")
	set(&c.Log.Level, "GCS_LOG_LEVEL")
}

// Validate checks cross-field rules the schema cannot express.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Arbiter.Strategy) {
	case StrategyLock, StrategySession:
		c.Arbiter.Strategy = strings.ToLower(c.Arbiter.Strategy)
	default:
		return fmt.Errorf("arbiter.strategy must be %q or %q, got %q", StrategyLock, StrategySession, c.Arbiter.Strategy)
	}
	if c.Bridge.URL == "" {
		return fmt.Errorf("bridge.url is required")
	}
	if c.Telemetry.NoFixEpsilon < 0 {
		return fmt.Errorf("telemetry.nofix_epsilon must not be negative")
	}
	return nil
}

// ReconnectPolicy converts the YAML form.
func (r Reconnect) ReconnectPolicy() link.ReconnectPolicy {
	return link.ReconnectPolicy{Delay: r.Delay, MaxAttempts: r.MaxAttempts, Linear: r.Linear}
}
