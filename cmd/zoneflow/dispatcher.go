package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zoneflow/zoneflow/internal/dispatch"
	"github.com/zoneflow/zoneflow/internal/dispatch/adapter"
	"github.com/zoneflow/zoneflow/internal/health"
	"github.com/zoneflow/zoneflow/internal/store"
)

func newDispatcherCmd() *cobra.Command {
	var (
		databaseURL      string
		encryptionKey    string
		pollIntervalMS   int
		batchSize        int
		concurrency      int
		maxAttempts      int
		backoffBaseMS    int
		backoffCapMS     int
		webhookTimeoutMS int
		metricsAddr      string
		healthAddr       string
	)

	cmd := &cobra.Command{
		Use:   "dispatcher",
		Short: "drain the delivery queue through the webhook worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := loggerFor(cmd)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			db, err := store.New(ctx, &store.Config{DatabaseURL: databaseURL})
			if err != nil {
				return fmt.Errorf("failed to connect to postgres: %w", err)
			}
			defer db.Close()
			if err := db.EnsureSchema(ctx); err != nil {
				return err
			}

			var keybox *adapter.Keybox
			if encryptionKey != "" {
				keybox, err = adapter.NewKeybox(encryptionKey)
				if err != nil {
					return fmt.Errorf("failed to create keybox: %w", err)
				}
			} else {
				log.Warn("no encryption key configured, sealed credentials will not open")
			}

			registry := adapter.NewRegistry(
				adapter.NewWebhook(adapter.WebhookConfig{
					Timeout: time.Duration(webhookTimeoutMS) * time.Millisecond,
				}),
			)

			d, err := dispatch.New(&dispatch.Config{
				Logger:       log,
				Store:        db,
				Registry:     registry,
				Keybox:       keybox,
				PollInterval: time.Duration(pollIntervalMS) * time.Millisecond,
				BatchSize:    batchSize,
				Concurrency:  concurrency,
				MaxAttempts:  maxAttempts,
				BackoffBase:  time.Duration(backoffBaseMS) * time.Millisecond,
				BackoffCap:   time.Duration(backoffCapMS) * time.Millisecond,
			})
			if err != nil {
				return fmt.Errorf("failed to create dispatcher: %w", err)
			}

			h := health.NewHandler(log, nil)
			h.Register("postgres", db.Ping)
			startOps(ctx, log, metricsAddr, healthAddr, h)

			log.Info("dispatcher starting",
				"concurrency", concurrency, "max_attempts", maxAttempts,
				"backoff_base", time.Duration(backoffBaseMS)*time.Millisecond)
			return d.Run(ctx)
		},
	}

	f := cmd.Flags()
	f.StringVar(&databaseURL, "database-url", getenv("DATABASE_URL", ""), "postgres connection string (env: DATABASE_URL)")
	f.StringVar(&encryptionKey, "encryption-key", getenv("ENCRYPTION_KEY", ""), "hex AES-256 key for automation credentials (env: ENCRYPTION_KEY)")
	f.IntVar(&pollIntervalMS, "poll-interval-ms", getenvInt("POLL_INTERVAL_MS", 1000), "delivery claim poll interval in milliseconds (env: POLL_INTERVAL_MS)")
	f.IntVar(&batchSize, "batch-size", getenvInt("CLAIM_BATCH_SIZE", 32), "deliveries claimed per poll (env: CLAIM_BATCH_SIZE)")
	f.IntVar(&concurrency, "worker-concurrency", getenvInt("WORKER_CONCURRENCY", 10), "concurrent delivery workers (env: WORKER_CONCURRENCY)")
	f.IntVar(&maxAttempts, "delivery-max-attempts", getenvInt("DELIVERY_MAX_ATTEMPTS", 3), "attempts before a delivery is dead-lettered (env: DELIVERY_MAX_ATTEMPTS)")
	f.IntVar(&backoffBaseMS, "delivery-backoff-base-ms", getenvInt("DELIVERY_BACKOFF_BASE_MS", 2000), "base retry delay in milliseconds, doubled per attempt (env: DELIVERY_BACKOFF_BASE_MS)")
	f.IntVar(&backoffCapMS, "delivery-backoff-cap-ms", getenvInt("DELIVERY_BACKOFF_CAP_MS", 300000), "ceiling on the retry delay in milliseconds (env: DELIVERY_BACKOFF_CAP_MS)")
	f.IntVar(&webhookTimeoutMS, "webhook-timeout-ms", getenvInt("WEBHOOK_TIMEOUT_MS", 30000), "webhook request timeout in milliseconds (env: WEBHOOK_TIMEOUT_MS)")
	f.StringVar(&metricsAddr, "metrics-addr", getenv("METRICS_ADDR", ":8080"), "prometheus metrics address (env: METRICS_ADDR)")
	f.StringVar(&healthAddr, "health-addr", getenv("HEALTH_ADDR", ":8081"), "health endpoint address (env: HEALTH_ADDR)")
	return cmd
}
