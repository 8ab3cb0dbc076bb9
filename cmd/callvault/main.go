// callvault is the signaling and policy hub: WebSocket signaling fabric,
// call policy engine, call-session tokens, conversation ledger and the HTTP
// edges, backed by Postgres (or in-memory in development).
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/api"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/calltoken"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/config"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/envelope"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/hub"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/ice"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/infra"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/metrics"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/policy"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/registry"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/store"
)

func main() {
	_ = godotenv.Load()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(ctx, cfg, log)
	if err != nil {
		log.Error("store", "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	var redis *infra.Redis
	if cfg.RedisURL != "" {
		redis, err = infra.NewRedis(cfg.RedisURL, uuid.NewString(), log)
		if err != nil {
			// Redis is an optional accelerator; single-instance mode works
			// without it.
			log.Warn("redis unavailable, running single-instance", "error", err)
			redis = nil
		} else {
			defer redis.Close()
		}
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	reg := registry.New()
	memo := envelope.NewNonceMemo()
	engine := policy.NewEngine(cfg.Limits)
	issuer := calltoken.NewIssuer(backend, cfg.ICE, cfg.Limits)
	iceBuilder := ice.NewBuilder(cfg.ICE)

	h := hub.New(backend, reg, memo, engine, issuer, m, cfg.Limits, redis, log)
	go h.RunSweeper(ctx)

	uploadDir := os.Getenv("UPLOAD_DIR")
	if uploadDir == "" {
		uploadDir = "uploads"
	}
	uploads, err := api.NewUploadStore(uploadDir, cfg.PublicURL)
	if err != nil {
		log.Error("uploads", "error", err)
		os.Exit(1)
	}

	srv := api.NewServer(cfg, backend, issuer, iceBuilder, h, uploads, log)
	if err := srv.ListenAndServe(ctx); err != nil {
		log.Error("server", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

// openBackend picks Postgres when DATABASE_URL is set; development mode
// without one runs on the in-memory store.
func openBackend(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Backend, error) {
	if cfg.DatabaseURL == "" && cfg.Development() {
		log.Warn("DATABASE_URL unset, using in-memory store (development only)")
		return store.NewMemory(), nil
	}
	pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	log.Info("postgres connected")
	return pg, nil
}
