package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config holds all configuration for the mail-mcp server.
// Precedence: environment variables > config file > defaults.
type Config struct {
	Store     StoreConfig     `toml:"store"`
	Server    ServerConfig    `toml:"server"`
	Transport TransportConfig `toml:"transport"`
	Log       LogConfig       `toml:"log"`
	WBQ       WBQConfig       `toml:"wbq"`
	Reservation ReservationConfig `toml:"reservation"`
	Worktrees WorktreesConfig `toml:"worktrees"`
}

// StoreConfig holds database and archive storage locations.
type StoreConfig struct {
	DatabasePath string `toml:"database_path"`
	StorageRoot  string `toml:"storage_root"`
}

// ServerConfig holds MCP server metadata.
type ServerConfig struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// TransportConfig holds transport-related settings.
type TransportConfig struct {
	// Mode selects the transport: "stdio" (default) or "http".
	Mode string `toml:"mode"`
	// Port is the HTTP listen port (default: 8787). Only used when Mode is "http".
	Port string `toml:"port"`
	// Host is the HTTP listen address (default: "0.0.0.0"). Only used when Mode is "http".
	Host string `toml:"host"`
	// CORSOrigins is a comma-separated list of allowed CORS origins (default: "*").
	CORSOrigins string `toml:"cors_origins"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `toml:"level"` // debug, info, warn, error
}

// WBQConfig tunes the write-behind archive queue.
type WBQConfig struct {
	EnqueueDeadlineMS int `toml:"enqueue_deadline_ms"`
	LaneDepth         int `toml:"lane_depth"`
}

// ReservationConfig tunes force-release policy.
type ReservationConfig struct {
	InactivitySeconds    int64 `toml:"inactivity_seconds"`
	ActivityGraceSeconds int64 `toml:"activity_grace_seconds"`
}

// WorktreesConfig gates the product build-slot tool surface.
type WorktreesConfig struct {
	Enabled bool `toml:"enabled"`
}

// Load creates a Config by reading from a TOML config file and environment
// variables. Precedence: environment variables > config file > defaults.
//
// Config file search order (first found wins):
//  1. Path passed via configPath parameter (from --config flag)
//  2. MAILMCPD_CONFIG environment variable
//  3. ./mailmcpd.toml (current directory)
//  4. ~/.config/mailmcpd/mailmcpd.toml (XDG-style)
//
// All fields are optional in the config file. Environment variables always
// override file values.
func Load(configPath string) (*Config, error) {
	cfg := &Config{
		Store: StoreConfig{
			DatabasePath: "./mailmcp.db",
			StorageRoot:  "./mailmcp-archive",
		},
		Server: ServerConfig{
			Name:    "mailmcpd",
			Version: "0.1.0",
		},
		Transport: TransportConfig{
			Mode:        "stdio",
			Port:        "8787",
			Host:        "0.0.0.0",
			CORSOrigins: "*",
		},
		Log: LogConfig{
			Level: "info",
		},
		WBQ: WBQConfig{
			EnqueueDeadlineMS: 2000,
			LaneDepth:         16,
		},
		Reservation: ReservationConfig{
			InactivitySeconds:    4 * 60 * 60,
			ActivityGraceSeconds: 10 * 60,
		},
		Worktrees: WorktreesConfig{
			Enabled: false,
		},
	}

	if err := cfg.loadFile(configPath); err != nil {
		return nil, err
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile finds and parses the TOML config file. If no file is found,
// this is a no-op (config file is optional).
func (c *Config) loadFile(configPath string) error {
	path := resolveConfigPath(configPath)
	if path == "" {
		return nil // no config file found; rely on defaults + env
	}

	if _, err := toml.DecodeFile(path, c); err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	return nil
}

// resolveConfigPath determines which config file to use. Returns empty string
// if no config file is found (config file is optional).
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}

	if p := os.Getenv("MAILMCPD_CONFIG"); p != "" {
		return p
	}

	if _, err := os.Stat("mailmcpd.toml"); err == nil {
		return "mailmcpd.toml"
	}

	if home, err := os.UserHomeDir(); err == nil {
		p := home + "/.config/mailmcpd/mailmcpd.toml"
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}

// applyEnv overlays environment variables on top of existing config values.
// An env var only takes effect if it is non-empty.
func (c *Config) applyEnv() {
	envOverride("DATABASE_URL", &c.Store.DatabasePath)
	envOverride("STORAGE_ROOT", &c.Store.StorageRoot)

	envOverride("MAILMCPD_TRANSPORT", &c.Transport.Mode)
	envOverride("MAILMCPD_PORT", &c.Transport.Port)
	envOverride("MAILMCPD_HOST", &c.Transport.Host)
	envOverride("MAILMCPD_CORS_ORIGINS", &c.Transport.CORSOrigins)

	envOverride("MAILMCPD_LOG_LEVEL", &c.Log.Level)

	if v := os.Getenv("WORKTREES_ENABLED"); v != "" {
		c.Worktrees.Enabled = v == "true" || v == "1" || v == "yes"
	}

	if v := os.Getenv("FILE_RESERVATION_INACTIVITY_SECONDS"); v != "" {
		var n int64
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			c.Reservation.InactivitySeconds = n
		}
	}
	if v := os.Getenv("FILE_RESERVATION_ACTIVITY_GRACE_SECONDS"); v != "" {
		var n int64
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			c.Reservation.ActivityGraceSeconds = n
		}
	}
}

// Validate checks that required fields are present.
func (c *Config) Validate() error {
	switch c.Transport.Mode {
	case "stdio", "http":
	default:
		return fmt.Errorf("invalid transport mode: %q (must be \"stdio\" or \"http\")", c.Transport.Mode)
	}
	if c.Store.DatabasePath == "" {
		return fmt.Errorf("store.database_path must not be empty")
	}
	return nil
}

// envOverride sets *dst to the value of the named env var, if it is non-empty.
func envOverride(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
