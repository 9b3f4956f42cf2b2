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

	"qms/clinic-queue/internal/clock"
	"qms/clinic-queue/internal/config"
	"qms/clinic-queue/internal/engine"
	"qms/clinic-queue/internal/httpapi"
	"qms/clinic-queue/internal/hub"
	"qms/clinic-queue/internal/jobs"
	"qms/clinic-queue/internal/logging"
	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/schedule"
	"qms/clinic-queue/internal/store"
	"qms/clinic-queue/internal/store/memory"
	"qms/clinic-queue/internal/store/postgres"
	"qms/clinic-queue/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const serviceName = "queue-service"

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("queue-service stopped")
	}
}

func run() error {
	var configPath, port, storeDriver, seedPath string
	flagSet := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to a YAML config file (overrides QUEUE_CONFIG)")
	flagSet.StringVar(&port, "port", "", "listen port (overrides PORT)")
	flagSet.StringVar(&storeDriver, "store", "", "storage backend: postgres or memory")
	flagSet.StringVar(&seedPath, "seed", "", "YAML fixture loaded into the memory store")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if storeDriver != "" {
		os.Setenv("QUEUE_STORE", storeDriver)
	}
	if seedPath != "" {
		os.Setenv("QUEUE_SEED", seedPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if port != "" {
		cfg.Port = port
	}
	logging.Init(serviceName, cfg.Env, cfg.LogLevel)

	ctx := context.Background()
	shutdownTracing := telemetry.Setup(ctx, serviceName, cfg.Env)

	backing, schedules, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	eng := engine.New(engine.Options{
		Store:     backing,
		Schedules: schedules,
		Clock:     clock.Real(cfg.Location()),
	})
	fanout := hub.New(func(ctx context.Context, clinicID int64) (models.Snapshot, error) {
		return eng.Snapshot(ctx, clinicID, "")
	}, hub.Options{
		Buffer:          cfg.SubscriberBuffer,
		SnapshotTimeout: cfg.SnapshotTimeout,
	})
	eng.SetNotifier(fanout)

	handler := httpapi.NewHandler(eng, fanout, httpapi.Options{
		Auth:      httpapi.NewAuthenticator(cfg.JWTSecret),
		Heartbeat: cfg.StreamHeartbeat,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:     cfg.RateLimitPerMinute,
		IPBurst:         cfg.RateLimitBurst,
		ClinicPerMinute: cfg.ClinicRateLimitPerMinute,
		ClinicBurst:     cfg.ClinicRateLimitBurst,
	})

	scheduler, err := jobs.Schedule(cfg.RolloverSpec, cfg.Location(), jobs.NewRollover(fanout))
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(handler.Routes())), serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Str("store", cfg.StoreDriver).Msg("queue-service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serverErr:
		log.Error().Err(err).Msg("server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// streams only end once the hub closes their subscriptions
	fanout.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	<-scheduler.Stop().Done()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("tracing shutdown")
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, schedule.Lookup, func(), error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		mem := memory.NewStore(memory.Options{LockTimeout: cfg.LockTimeout})
		static := schedule.NewStatic()
		if cfg.SeedPath != "" {
			seed, err := memory.LoadSeed(cfg.SeedPath)
			if err != nil {
				return nil, nil, nil, err
			}
			mem.Apply(seed)
			if err := addSeedSchedules(static, seed.Schedules); err != nil {
				return nil, nil, nil, err
			}
			log.Info().Str("path", cfg.SeedPath).Int("bookings", len(seed.Bookings)).Msg("memory store seeded")
		}
		return mem, static, func() {}, nil
	default:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("db connect: %w", err)
		}
		pg := postgres.NewStore(pool, postgres.Options{LockTimeout: cfg.LockTimeout})
		lookup := schedule.NewCached(schedule.NewPostgresLookup(pool), cfg.ScheduleCacheSize, cfg.ScheduleCacheTTL)
		return pg, lookup, pool.Close, nil
	}
}

func addSeedSchedules(static *schedule.Static, rows []memory.ScheduleSeed) error {
	for _, row := range rows {
		start, err := clock.ParseMinute(row.Start)
		if err != nil {
			return fmt.Errorf("schedule for doctor %d: %w", row.DoctorID, err)
		}
		end, err := clock.ParseMinute(row.End)
		if err != nil {
			return fmt.Errorf("schedule for doctor %d: %w", row.DoctorID, err)
		}
		static.Add(row.DoctorID, time.Weekday(row.DayOfWeek), clock.Window{Start: start, End: end})
	}
	return nil
}
