package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/chatline/commission-engine/internal/api"
	"github.com/chatline/commission-engine/internal/attribution"
	"github.com/chatline/commission-engine/internal/config"
	"github.com/chatline/commission-engine/internal/ledger"
	"github.com/chatline/commission-engine/internal/multiplier"
	"github.com/chatline/commission-engine/internal/scheduler"
	"github.com/chatline/commission-engine/internal/store"
	"github.com/chatline/commission-engine/internal/withdrawal"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	snapshot, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	holder := config.NewHolder(snapshot)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := buildStore(ctx)

	hub := api.NewWSHub()
	led := ledger.New(st, holder, hub)

	// The referral tree and activity signals live in the membership
	// system. Until its client is configured, the directory and activity
	// sources come from env-free development defaults.
	directory := buildDirectory()
	activity := &multiplier.StaticActivity{}

	attr := attribution.NewResolver(holder, directory, st)
	mult := multiplier.NewResolver(holder, st, activity)
	coord := withdrawal.New(st, led, holder, withdrawal.LogRail{})

	sweepInterval := time.Minute
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			sweepInterval = d
		}
	}
	sched := scheduler.New(st, led, holder, sweepInterval)
	go sched.Run(ctx)

	svc := api.NewService(st, attr, mult, led, coord, hub)
	router := svc.Router()
	router.Handle("/metrics", promhttp.Handler())

	addr := ":8080"
	if v := os.Getenv("PORT"); v != "" {
		addr = ":" + v
	}
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		slog.Info("commission engine listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "err", err)
	}
}

// buildStore connects PostgreSQL as the source of truth and layers the Redis
// cache on top when configured. Without DATABASE_URL it falls back to the
// in-memory store, which is only suitable for development.
func buildStore(ctx context.Context) store.Store {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store")
		return store.NewMemoryStore()
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		slog.Error("postgres pool init failed", "err", err)
		os.Exit(1)
	}
	if err := pool.Ping(ctx); err != nil {
		slog.Error("postgres unreachable", "err", err)
		os.Exit(1)
	}
	var s store.Store = store.NewPostgresStore(pool)
	slog.Info("connected to postgres")

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unreachable, continuing without cache", "err", err)
		} else {
			s = store.NewCachedStore(s, rdb, 5*time.Minute)
			slog.Info("redis cache enabled")
		}
	}
	return s
}

// buildDirectory loads the development referral tree from REFERRAL_SEED,
// formatted as comma-separated chatter[:referrer] pairs, e.g.
// "alice,bob:alice,carol:bob". Production deployments replace this with the
// membership-system client.
func buildDirectory() attribution.ReferralDirectory {
	d := &attribution.MapDirectory{
		Chatters: map[string]bool{},
		N1:       map[string]string{},
		Captains: map[string]string{},
	}
	seed := os.Getenv("REFERRAL_SEED")
	if seed == "" {
		return d
	}
	for _, pair := range strings.Split(seed, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, ref, _ := strings.Cut(pair, ":")
		d.Chatters[id] = true
		if ref != "" {
			d.N1[id] = ref
		}
	}
	return d
}
