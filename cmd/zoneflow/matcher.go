package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zoneflow/zoneflow/internal/health"
	"github.com/zoneflow/zoneflow/internal/kafka"
	"github.com/zoneflow/zoneflow/internal/matcher"
	"github.com/zoneflow/zoneflow/internal/store"
)

func newMatcherCmd() *cobra.Command {
	var (
		kafkaBrokersCSV string
		kafkaUser       string
		kafkaPass       string
		kafkaTLS        bool
		transitionTopic string
		consumerGroup   string
		databaseURL     string
		metricsAddr     string
		healthAddr      string
	)

	cmd := &cobra.Command{
		Use:   "matcher",
		Short: "match transition events against automation rules and enqueue deliveries",
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

			transitions, err := kafka.NewConsumer(&kafka.Config{
				Brokers: splitCSV(kafkaBrokersCSV),
				User:    kafkaUser,
				Pass:    kafkaPass,
				TLS:     kafkaTLS,
			}, transitionTopic, consumerGroup)
			if err != nil {
				return fmt.Errorf("failed to create kafka consumer: %w", err)
			}

			m, err := matcher.New(&matcher.Config{
				Logger:   log,
				Store:    db,
				Consumer: transitions,
			})
			if err != nil {
				return fmt.Errorf("failed to create matcher: %w", err)
			}

			h := health.NewHandler(log, nil)
			h.Register("postgres", db.Ping)
			startOps(ctx, log, metricsAddr, healthAddr, h)

			log.Info("matcher starting", "topic", transitionTopic, "group", consumerGroup)
			return m.Run(ctx)
		},
	}

	f := cmd.Flags()
	f.StringVar(&kafkaBrokersCSV, "kafka-brokers", getenv("KAFKA_BROKERS", "localhost:9092"), "kafka brokers csv (env: KAFKA_BROKERS)")
	f.StringVar(&kafkaUser, "kafka-user", getenv("KAFKA_USER", ""), "kafka SCRAM user (env: KAFKA_USER)")
	f.StringVar(&kafkaPass, "kafka-pass", getenv("KAFKA_PASS", ""), "kafka SCRAM password (env: KAFKA_PASS)")
	f.BoolVar(&kafkaTLS, "kafka-tls", getenvBool("KAFKA_TLS", false), "kafka TLS (env: KAFKA_TLS)")
	f.StringVar(&transitionTopic, "transition-topic", getenv("TRANSITION_TOPIC", "zoneflow.transitions"), "transition topic (env: TRANSITION_TOPIC)")
	f.StringVar(&consumerGroup, "consumer-group", getenv("CONSUMER_GROUP", "zoneflow-matcher"), "consumer group (env: CONSUMER_GROUP)")
	f.StringVar(&databaseURL, "database-url", getenv("DATABASE_URL", ""), "postgres connection string (env: DATABASE_URL)")
	f.StringVar(&metricsAddr, "metrics-addr", getenv("METRICS_ADDR", ":8080"), "prometheus metrics address (env: METRICS_ADDR)")
	f.StringVar(&healthAddr, "health-addr", getenv("HEALTH_ADDR", ":8081"), "health endpoint address (env: HEALTH_ADDR)")
	return cmd
}
