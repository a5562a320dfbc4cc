package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warden.json5")
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Backend.Kind != "local" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.Reaper.OrphanPolicy != "remove" {
		t.Errorf("unexpected default orphan policy %q", cfg.Reaper.OrphanPolicy)
	}
}

func TestLoad_JSON5WithComments(t *testing.T) {
	path := writeConfig(t, `{
		// local development setup
		admin_addr: "127.0.0.1:9999",
		backend: { kind: "local", image: "warden/dev:latest" },
		reaper: { idle_timeout_sec: 120 },
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AdminAddr != "127.0.0.1:9999" {
		t.Errorf("unexpected admin addr %q", cfg.AdminAddr)
	}
	if cfg.Backend.Image != "warden/dev:latest" {
		t.Errorf("unexpected image %q", cfg.Backend.Image)
	}
	if cfg.Reaper.IdleTimeoutSec != 120 {
		t.Errorf("unexpected idle timeout %d", cfg.Reaper.IdleTimeoutSec)
	}
	// Untouched sections keep their defaults.
	if cfg.Reaper.IntervalSec != 60 {
		t.Errorf("default interval lost: %d", cfg.Reaper.IntervalSec)
	}
}

func TestLoad_EnvOverridesWin(t *testing.T) {
	path := writeConfig(t, `{ admin_token: "from-file", reaper: { idle_timeout_sec: 120 } }`)
	t.Setenv("WARDEN_ADMIN_TOKEN", "from-env")
	t.Setenv("WARDEN_IDLE_TIMEOUT", "300")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AdminToken != "from-env" {
		t.Errorf("env must win over file, got %q", cfg.AdminToken)
	}
	if cfg.Reaper.IdleTimeoutSec != 300 {
		t.Errorf("env must win over file, got %d", cfg.Reaper.IdleTimeoutSec)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		contents string
	}{
		{"bad store backend", `{ store: { backend: "etcd" } }`},
		{"bad sandbox backend", `{ backend: { kind: "vm" } }`},
		{"tee without url", `{ backend: { kind: "tee" } }`},
		{"bad orphan policy", `{ reaper: { orphan_policy: "panic" } }`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.contents)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestOverwrite_MovesOnlyReloadSafeSections(t *testing.T) {
	cfg := Default()
	fresh := Default()
	fresh.Reaper.IdleTimeoutSec = 7
	fresh.Sidecar.TimeoutSec = 9
	fresh.Store.Backend = "redis"
	fresh.Backend.Kind = "tee"

	cfg.Overwrite(fresh)
	if cfg.Reaper.IdleTimeoutSec != 7 || cfg.Sidecar.TimeoutSec != 9 {
		t.Errorf("reload-safe sections not applied: %+v", cfg)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Backend.Kind != "local" {
		t.Errorf("fixed sections must not move: %+v", cfg)
	}
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.AdminToken = "s3cret"
	cfg.Tee.APIKey = "k3y"
	cfg.Store.RedisPassword = ""

	cp := cfg.MaskedCopy()
	if cp.AdminToken != "***" || cp.Tee.APIKey != "***" {
		t.Errorf("secrets not masked: %+v", cp)
	}
	if cp.Store.RedisPassword != "" {
		t.Errorf("empty secrets must stay empty, got %q", cp.Store.RedisPassword)
	}
	if cfg.AdminToken != "s3cret" {
		t.Error("original must not be mutated")
	}
}
