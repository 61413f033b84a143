package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tablealloc/internal/allocation"
	"tablealloc/internal/api"
	"tablealloc/internal/availability"
	"tablealloc/internal/config"
	"tablealloc/internal/events"
	"tablealloc/internal/lock"
	"tablealloc/internal/metrics"
	"tablealloc/internal/store"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with hot-reloaded restaurant config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, logger, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
			defer rdb.Close()

			// Initial load + hot reload of restaurants configuration
			if err := config.WatchRestaurants(ctx, cfg.Restaurants.Path, cfg.RestaurantsReloadInterval(), &logger, func(updated *config.RestaurantsConfig) {
				if err := db.SyncRestaurantsFromConfig(ctx, updated); err != nil {
					logger.Error().Err(err).Msg("failed to apply restaurants config")
					return
				}
				logger.Info().Int("restaurants", len(updated.Restaurants)).Time("reloaded_at", time.Now()).Msg("restaurants config applied")
			}); err != nil {
				logger.Error().Err(err).Msg("restaurants watch failed")
			}

			locker := lock.New(rdb, lock.Config{WaitTimeout: cfg.LockWait()}, &logger)
			if cfg.Monitoring.PrometheusEnabled {
				metrics.Register()
				locker.WithObserver(metrics.LockObserver{})
			}

			checker := availability.New(db, &logger)
			checker.UseRedisCache(rdb, cfg.AvailabilityCacheTTL())

			bus := events.NewEventBus(&logger)
			bus.Subscribe(func(e events.Event) error {
				return checker.Invalidate(ctx, e.RestaurantID)
			}, events.ReservationTypes...)

			svc := allocation.NewService(db, locker, allocation.Config{
				LockTTL:          cfg.LockTTL(),
				PartyBucketWidth: cfg.PartyBucketWidth(),
				MaxAttempts:      cfg.MaxAttempts(),
				RetryBackoff:     cfg.RetryBackoff(),
			}, &logger).WithEvents(bus)

			if cfg.Backup.Enabled {
				go store.NewBackupService(db, cfg.Backup.Path, cfg.BackupInterval(), cfg.BackupRetention(), &logger).Start(ctx)
			}

			perSecond, burst := cfg.RateLimit()
			server := api.NewServer(svc, checker, api.Config{
				Port:           cfg.HTTPPort(),
				RatePerSecond:  perSecond,
				RateBurst:      burst,
				RequestTimeout: cfg.RequestTimeout(),
				EnableMetrics:  cfg.Monitoring.PrometheusEnabled,
			}, &logger,
				api.Check{Name: "db", Ping: db.Ping},
				api.Check{Name: "redis", Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
			)

			logger.Info().Str("version", version).Int("port", cfg.HTTPPort()).Msg("tablealloc started")
			return server.Start(ctx)
		},
	}
}
