// Package config loads and watches the warden configuration file.
// Precedence chain: built-in defaults → config file → env vars.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/titanous/json5"
)

// StoreConfig selects and parameterizes the record store.
type StoreConfig struct {
	// Backend is one of "memory", "sqlite", "postgres", "redis".
	Backend       string `json:"backend"`
	PostgresDSN   string `json:"postgres_dsn,omitempty"`
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
}

// BackendConfig selects and parameterizes the sandbox backend.
type BackendConfig struct {
	// Kind is "local" or "tee".
	Kind  string `json:"kind"`
	Image string `json:"image"`

	MemoryMB  int     `json:"memory_mb,omitempty"`
	CPUs      float64 `json:"cpus,omitempty"`
	PidsLimit int     `json:"pids_limit,omitempty"`
}

// TeeConfig holds the confidential-computing provider credentials.
type TeeConfig struct {
	APIURL string `json:"api_url,omitempty"`
	APIKey string `json:"api_key,omitempty"`
}

// SidecarConfig tunes sidecar HTTP calls.
type SidecarConfig struct {
	TimeoutSec int `json:"timeout_sec,omitempty"`
}

// ReaperConfig tunes background eviction and reconciliation.
type ReaperConfig struct {
	IntervalSec    int    `json:"interval_sec,omitempty"`
	IdleTimeoutSec int    `json:"idle_timeout_sec,omitempty"`
	MaxLifetimeSec int    `json:"max_lifetime_sec,omitempty"`
	OrphanPolicy   string `json:"orphan_policy,omitempty"` // "remove" or "preserve"
}

// Config is the root configuration. Guarded by mu so the fsnotify
// reload path can swap values while the reaper reads them.
type Config struct {
	mu sync.RWMutex

	StateDir   string `json:"state_dir,omitempty"`
	AdminAddr  string `json:"admin_addr,omitempty"`
	AdminToken string `json:"admin_token,omitempty"`

	Store   StoreConfig   `json:"store"`
	Backend BackendConfig `json:"backend"`
	Tee     TeeConfig     `json:"tee"`
	Sidecar SidecarConfig `json:"sidecar"`
	Reaper  ReaperConfig  `json:"reaper"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		StateDir:  filepath.Join(home, ".warden"),
		AdminAddr: "127.0.0.1:8466",
		Store:     StoreConfig{Backend: "sqlite"},
		Backend: BackendConfig{
			Kind:      "local",
			Image:     "warden/sandbox:latest",
			MemoryMB:  2048,
			CPUs:      2,
			PidsLimit: 512,
		},
		Sidecar: SidecarConfig{TimeoutSec: 30},
		Reaper: ReaperConfig{
			IntervalSec:    60,
			IdleTimeoutSec: 3600,
			MaxLifetimeSec: 86400,
			OrphanPolicy:   "remove",
		},
	}
}

// Load reads the config file at path, layered over the defaults. A
// missing file is not an error: defaults plus env overrides apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides overlays WARDEN_* environment variables. Env vars
// take highest precedence.
func (c *Config) ApplyEnvOverrides() {
	applyStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	applyInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	applyStr("WARDEN_STATE_DIR", &c.StateDir)
	applyStr("WARDEN_ADMIN_ADDR", &c.AdminAddr)
	applyStr("WARDEN_ADMIN_TOKEN", &c.AdminToken)
	applyStr("WARDEN_STORE_BACKEND", &c.Store.Backend)
	applyStr("WARDEN_POSTGRES_DSN", &c.Store.PostgresDSN)
	applyStr("WARDEN_REDIS_ADDR", &c.Store.RedisAddr)
	applyStr("WARDEN_REDIS_PASSWORD", &c.Store.RedisPassword)
	applyStr("WARDEN_BACKEND_KIND", &c.Backend.Kind)
	applyStr("WARDEN_IMAGE", &c.Backend.Image)
	applyStr("WARDEN_TEE_API_URL", &c.Tee.APIURL)
	applyStr("WARDEN_TEE_API_KEY", &c.Tee.APIKey)
	applyInt("WARDEN_REAPER_INTERVAL", &c.Reaper.IntervalSec)
	applyInt("WARDEN_IDLE_TIMEOUT", &c.Reaper.IdleTimeoutSec)
	applyInt("WARDEN_MAX_LIFETIME", &c.Reaper.MaxLifetimeSec)
	applyStr("WARDEN_ORPHAN_POLICY", &c.Reaper.OrphanPolicy)
}

// Validate rejects configurations that cannot be wired at startup.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.Backend.Kind {
	case "local", "tee":
	default:
		return fmt.Errorf("unknown sandbox backend %q", c.Backend.Kind)
	}
	if c.Backend.Kind == "tee" && c.Tee.APIURL == "" {
		return fmt.Errorf("tee backend requires tee.api_url")
	}
	switch c.Reaper.OrphanPolicy {
	case "", "remove", "preserve":
	default:
		return fmt.Errorf("unknown orphan policy %q", c.Reaper.OrphanPolicy)
	}
	return nil
}

// SidecarTimeout returns the sidecar call timeout as a duration.
func (c *Config) SidecarTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Sidecar.TimeoutSec) * time.Second
}

// ReaperSnapshot returns the current reaper settings. Read under the
// lock so a hot reload never yields a torn policy.
func (c *Config) ReaperSnapshot() ReaperConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Reaper
}

// Overwrite replaces the mutable sections from a freshly loaded config.
// Only reload-safe settings move; store and backend selection are fixed
// for the process lifetime.
func (c *Config) Overwrite(fresh *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Reaper = fresh.Reaper
	c.Sidecar = fresh.Sidecar
}
