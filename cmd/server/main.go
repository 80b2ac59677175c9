package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/minerush/balance-engine/internal/accrual"
	"github.com/minerush/balance-engine/internal/catalog"
	"github.com/minerush/balance-engine/internal/config"
	"github.com/minerush/balance-engine/internal/hotstate"
	"github.com/minerush/balance-engine/internal/lottery"
	"github.com/minerush/balance-engine/internal/metrics"
	"github.com/minerush/balance-engine/internal/persist"
	"github.com/minerush/balance-engine/internal/reconcile"
	"github.com/minerush/balance-engine/internal/scheduler"
	"github.com/minerush/balance-engine/internal/store"
	"github.com/minerush/balance-engine/internal/supply"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}
	maxSupply, _ := cfg.MaxSupply()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Durable store ---
	var durable store.Store
	var cleanup []func()

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			slog.Error("schema setup failed", "err", err)
			os.Exit(1)
		}
		durable = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("database url not set, using in-memory store (data will not persist)")
		durable = store.NewMemoryStore()
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// Item wins are written behind the draw.
	wb := store.NewWriteBehind(durable, cfg.Lottery.Workers, 1024, 5*time.Second)
	durable = wb

	// --- Hot store ---
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.Error("invalid redis url", "err", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	cleanup = append(cleanup, func() { rdb.Close() })
	hot := hotstate.NewStore(rdb, cfg.HotTTL())
	if err := hot.Ping(ctx); err != nil {
		slog.Error("redis unreachable", "err", err)
		os.Exit(1)
	}

	// --- Warmup ---
	warmer := persist.NewWarmer(hot, durable, 1000)
	if err := warmer.Warm(ctx, time.Now()); err != nil {
		slog.Error("warmup failed", "err", err)
		os.Exit(1)
	}

	// --- Item lottery ---
	items, err := catalog.Load(cfg.Lottery.ItemsFile)
	if err != nil {
		slog.Error("item catalog load failed", "path", cfg.Lottery.ItemsFile, "err", err)
		os.Exit(1)
	}
	drops := lottery.New(hot, items, durable)
	if err := drops.Init(ctx); err != nil {
		slog.Error("lottery init failed", "err", err)
		os.Exit(1)
	}
	slog.Info("item lottery ready", "items", items.Len(), "active", len(drops.Active()))

	// --- Supply tracker ---
	tracker, err := supply.NewTracker(hot, maxSupply)
	if err != nil {
		slog.Error("supply tracker init failed", "err", err)
		os.Exit(1)
	}
	if err := tracker.Refresh(ctx); err != nil {
		// Clicks answer 503 until a refresh succeeds; retry well ahead of
		// the scheduled one.
		slog.Error("initial supply refresh failed", "err", err)
		go tracker.RefreshUntilReady(ctx, 2*time.Second)
	}

	// --- WebSocket hub ---
	wsHub := accrual.NewWSHub()
	go wsHub.Run(ctx)

	// --- Services ---
	svc := accrual.NewService(hot, durable, tracker, drops, wsHub, accrual.Limits{
		MaxClicksPerSecond: cfg.Clicks.MaxPerSecond,
		ClickPeriodSeconds: cfg.Clicks.PeriodSeconds,
	})
	worker := reconcile.NewWorker(hot, drops, cfg.Reconcile.BatchSize, cfg.Lottery.Workers)
	flusher := persist.NewFlusher(hot, durable, wsHub, cfg.Reconcile.BatchSize)

	// --- Periodic jobs ---
	sched := scheduler.New(ctx)
	jobs := []scheduler.Job{
		{Name: "supply-refresh", Spec: cfg.Schedule.SupplyCron, Timeout: time.Minute, Run: tracker.Refresh},
		{Name: "reconcile", Spec: cfg.Schedule.ReconcileCron, Timeout: time.Minute, Run: func(ctx context.Context) error {
			_, err := worker.ReconcileAll(ctx)
			return err
		}},
		{Name: "flush", Spec: cfg.Schedule.FlushCron, Timeout: 2 * time.Minute, Run: func(ctx context.Context) error {
			_, err := flusher.FlushAll(ctx)
			return err
		}},
		{Name: "leaderboard", Spec: cfg.Schedule.LeaderboardCron, Timeout: 10 * time.Second, Run: func(ctx context.Context) error {
			_, err := flusher.SnapshotLeaderboard(ctx, cfg.Leaderboard.Size)
			return err
		}},
	}
	for _, job := range jobs {
		if err := sched.Register(job); err != nil {
			slog.Error("job registration failed", "err", err)
			os.Exit(1)
		}
	}
	sched.Start()

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+accrual.UserIDHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := hot.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"degraded","service":"balance-engine"}`))
			return
		}
		w.Write([]byte(`{"status":"ok","service":"balance-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("balance-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	slog.Info("shutting down balance-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	sched.Stop()
	worker.Close()
	if n, err := flusher.FlushAll(shutdownCtx); err != nil {
		slog.Error("final flush failed", "saved", n, "err", err)
	}
	wb.Close()
	stop()
	fmt.Println("balance-engine stopped")
}
