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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/dsla/sla-engine/internal/api"
	"github.com/dsla/sla-engine/internal/chores"
	"github.com/dsla/sla-engine/internal/config"
	"github.com/dsla/sla-engine/internal/messenger"
	"github.com/dsla/sla-engine/internal/period"
	"github.com/dsla/sla-engine/internal/protocol"
	"github.com/dsla/sla-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL.String())
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (journal will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- WebSocket hub ---
	hub := api.NewWSHub()
	go hub.Run(ctx)

	// --- Protocol ---
	proto, err := protocol.Bootstrap(protocol.BootstrapConfig{
		Owner:         cfg.ProtocolOwner,
		ProtocolToken: cfg.ProtocolToken,
		Params:        cfg.Params,
		Store:         st,
		Events:        hub,
	})
	if err != nil {
		slog.Error("protocol bootstrap failed", "err", err)
		os.Exit(1)
	}

	if cfg.BootstrapPeriods > 0 {
		starts, ends, err := period.Generate(cfg.BootstrapPeriodType, cfg.BootstrapStart, cfg.BootstrapPeriods)
		if err == nil {
			err = proto.InitializePeriods(cfg.ProtocolOwner, cfg.BootstrapPeriodType, starts, ends)
		}
		if err != nil {
			slog.Error("period bootstrap failed", "err", err)
			os.Exit(1)
		}
		slog.Info("periods initialized",
			"period_type", cfg.BootstrapPeriodType.String(),
			"count", cfg.BootstrapPeriods,
			"start", cfg.BootstrapStart.Format(time.RFC3339),
		)
	}

	// --- NATS messenger ---
	if cfg.NATSURL != "" {
		nm, err := messenger.DialNATS(messenger.NATSConfig{
			URL:            cfg.NATSURL,
			Name:           "sla-engine",
			RequestSubject: cfg.NATSRequestSubject,
			FulfillSubject: cfg.NATSFulfillSubject,
			ReconnectWait:  2 * time.Second,
			MaxReconnects:  -1,
			ConnectTimeout: 5 * time.Second,
		}, cfg.NATSMessenger, cfg.ProtocolOwner, cfg.NATSPrecision)
		if err != nil {
			slog.Error("nats messenger unavailable", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, nm.Close)
		if _, err := proto.AddMessenger(cfg.ProtocolOwner, nm, cfg.NATSSpecURL); err != nil {
			slog.Error("nats messenger registration failed", "err", err)
			os.Exit(1)
		}
		if err := nm.Serve(proto); err != nil {
			slog.Error("nats messenger subscribe failed", "err", err)
			os.Exit(1)
		}
		slog.Info("NATS messenger enabled", "address", cfg.NATSMessenger, "request_subject", cfg.NATSRequestSubject)
	}

	// --- Verification chores ---
	if cfg.ChoresSchedule != "" {
		sched, err := chores.NewScheduler(cfg.ChoresSchedule, &chores.VerifyDue{
			Protocol: proto,
			Account:  cfg.ChoresAccount,
		}, time.Minute)
		if err != nil {
			slog.Error("invalid CHORES_SCHEDULE", "err", err)
			os.Exit(1)
		}
		sched.Start()
		defer sched.Stop()
	}

	// --- HTTP router ---
	router := api.NewRouter(api.NewService(proto), api.RouterConfig{
		AllowedOrigins: cfg.CORSOrigins,
		Hub:            hub,
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("sla-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down sla-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("sla-engine stopped")
}
