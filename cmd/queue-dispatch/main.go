package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qms/queue-dispatch/internal/calling"
	"qms/queue-dispatch/internal/config"
	"qms/queue-dispatch/internal/dispatch"
	"qms/queue-dispatch/internal/display"
	"qms/queue-dispatch/internal/estimate"
	"qms/queue-dispatch/internal/httpapi"
	"qms/queue-dispatch/internal/hub"
	"qms/queue-dispatch/internal/maintenance"
	"qms/queue-dispatch/internal/store"
	"qms/queue-dispatch/internal/store/postgres"
	"qms/queue-dispatch/internal/store/sqlite"
	"qms/queue-dispatch/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const serviceName = "queue-dispatch"

func main() {
	if err := config.LoadEnvFile(".env"); err != nil {
		log.Fatal().Err(err).Msg("load .env")
	}
	cfg, err := config.ApplyFlags(config.Load(), serviceName, os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatal().Err(err).Msg("parse flags")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	if err := telemetry.SetupLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatal().Err(err).Msg("setup logging")
	}
	loc, err := cfg.Location()
	if err != nil {
		log.Fatal().Err(err).Msg("load timezone")
	}

	shutdownTracing := telemetry.Setup(serviceName)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("open store")
	}
	defer closeStore()

	events := hub.New()
	manager := calling.New(st, calling.Options{
		MaxCallAttempts: cfg.MaxCallAttempts,
		Location:        loc,
		Publisher:       events,
	})
	estimator := estimate.New(st, estimate.Options{
		DefaultServiceTime: cfg.DefaultServiceTime,
		MinSamples:         cfg.MinSamples,
		Window:             cfg.SampleWindow,
		MaxAge:             cfg.SampleMaxAge,
	})
	board := display.New(st, estimator, display.Options{
		Location:     loc,
		PollInterval: cfg.PollInterval,
	})

	runner, err := maintenance.New(manager, maintenance.Options{
		NoShowGrace:      cfg.NoShowGrace,
		NoShowInterval:   cfg.NoShowInterval,
		BatchSize:        cfg.NoShowBatchSize,
		ReturnToQueue:    cfg.NoShowReturnToQueue,
		DayCloseSchedule: cfg.DayCloseSchedule,
		Location:         loc,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("maintenance")
	}
	go runner.Run(ctx)

	handler := httpapi.NewHandler(httpapi.Services{
		Store:      st,
		Lifecycle:  manager,
		Dispatcher: dispatch.New(st, dispatch.Options{Location: loc}),
		Estimator:  estimator,
		Display:    board,
	}, httpapi.Options{
		Realtime: httpapi.NewRealtimeHandler(events),
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:   cfg.RateLimitPerMinute,
		IPBurst:       cfg.RateLimitBurst,
		RoomPerMinute: cfg.RoomRateLimitPerMinute,
		RoomBurst:     cfg.RoomRateLimitBurst,
	})

	routes := httpapi.StaffAuthMiddleware(cfg.StaffToken, limiter.Middleware(handler.Routes()))
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(routes), serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Str("store", cfg.StoreDriver).Str("timezone", loc.String()).Msg("queue-dispatch listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}

func openStore(ctx context.Context, cfg config.Config) (store.TicketStore, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		st := postgres.NewStore(pool, postgres.Options{})
		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return st, pool.Close, nil
	case config.DriverSQLite:
		st, err := sqlite.New(cfg.SQLitePath, sqlite.Options{})
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
