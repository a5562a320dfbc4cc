package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wardenworks/warden/internal/backend"
	"github.com/wardenworks/warden/internal/config"
	"github.com/wardenworks/warden/internal/httpapi"
	"github.com/wardenworks/warden/internal/lifecycle"
	"github.com/wardenworks/warden/internal/store"
	pgstore "github.com/wardenworks/warden/internal/store/pg"
	redisstore "github.com/wardenworks/warden/internal/store/redis"
	sqlitestore "github.com/wardenworks/warden/internal/store/sqlite"
	"github.com/wardenworks/warden/internal/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sandbox lifecycle manager",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if rendered, err := json.Marshal(cfg.MaskedCopy()); err == nil {
		slog.Info("effective configuration", "config", string(rendered))
	}

	shutdownTracing, err := tracing.Setup(ctx, "warden")
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("trace flush failed", "error", err)
		}
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	be, err := buildBackend(ctx, cfg)
	if err != nil {
		return err
	}

	orch := lifecycle.NewOrchestrator(st, be, cfg.SidecarTimeout())

	reaper := lifecycle.NewReaper(orch, func() lifecycle.Policy {
		rc := cfg.ReaperSnapshot()
		return lifecycle.Policy{
			Interval:     time.Duration(rc.IntervalSec) * time.Second,
			IdleTimeout:  time.Duration(rc.IdleTimeoutSec) * time.Second,
			MaxLifetime:  time.Duration(rc.MaxLifetimeSec) * time.Second,
			OrphanPolicy: rc.OrphanPolicy,
		}
	})

	// Align records with reality before accepting requests.
	if err := reaper.ReconcileWithRetry(ctx, 3, 2*time.Second); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	reaper.Start()
	defer reaper.Stop()

	if err := config.Watch(ctx, flagConfig, cfg); err != nil {
		slog.Warn("config watch unavailable", "error", err)
	}

	handler := httpapi.NewHandler(orch, cfg.AdminToken, cfg.SidecarTimeout())
	srv := httpapi.NewServer(cfg.AdminAddr, handler)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg *config.Config) (store.SandboxStore, error) {
	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return sqlitestore.Open(cfg.StateDir)
	case "postgres":
		return pgstore.Open(cfg.Store.PostgresDSN)
	case "redis":
		return redisstore.Open(ctx, cfg.Store.RedisAddr, cfg.Store.RedisPassword, cfg.Store.RedisDB)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func buildBackend(ctx context.Context, cfg *config.Config) (backend.Backend, error) {
	switch cfg.Backend.Kind {
	case "local":
		if err := backend.CheckDockerAvailable(ctx); err != nil {
			return nil, err
		}
		return backend.NewLocal(backend.LocalConfig{
			MemoryMB:  cfg.Backend.MemoryMB,
			CPUs:      cfg.Backend.CPUs,
			PidsLimit: cfg.Backend.PidsLimit,
		}, nil), nil
	case "tee":
		return backend.NewTee(backend.TeeConfig{
			APIURL: cfg.Tee.APIURL,
			APIKey: cfg.Tee.APIKey,
		}, nil), nil
	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", cfg.Backend.Kind)
	}
}
