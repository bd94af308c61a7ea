package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/zoneflow/zoneflow/internal/health"
	"github.com/zoneflow/zoneflow/internal/ingest"
	"github.com/zoneflow/zoneflow/internal/kafka"
	"github.com/zoneflow/zoneflow/internal/store"
)

func newIngestCmd() *cobra.Command {
	var (
		natsURL         string
		streamName      string
		durable         string
		fetchBatch      int
		kafkaBrokersCSV string
		kafkaUser       string
		kafkaPass       string
		kafkaTLS        bool
		rawFixTopic     string
		topicPartitions int
		topicReplicas   int
		databaseURL     string
		deviceCacheTTLS int
		metricsAddr     string
		healthAddr      string
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "authenticate device fixes from NATS and produce them onto the raw fix stream",
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

			resolver, err := ingest.NewDeviceResolver(log, db, time.Duration(deviceCacheTTLS)*time.Second)
			if err != nil {
				return fmt.Errorf("failed to create device resolver: %w", err)
			}
			defer resolver.Stop()

			producer, err := kafka.NewProducer(&kafka.Config{
				Brokers: splitCSV(kafkaBrokersCSV),
				User:    kafkaUser,
				Pass:    kafkaPass,
				TLS:     kafkaTLS,
			})
			if err != nil {
				return fmt.Errorf("failed to create kafka producer: %w", err)
			}
			defer producer.Close()
			if err := producer.EnsureTopic(ctx, rawFixTopic, topicPartitions, topicReplicas); err != nil {
				return fmt.Errorf("failed to ensure topic exists: %w", err)
			}

			nc, err := nats.Connect(natsURL,
				nats.MaxReconnects(-1),
				nats.ReconnectWait(time.Second),
			)
			if err != nil {
				return fmt.Errorf("failed to connect to nats: %w", err)
			}
			defer nc.Close()

			ingestor, err := ingest.NewIngestor(&ingest.Config{
				Logger:      log,
				Resolver:    resolver,
				DLQ:         db,
				Seen:        db,
				Producer:    producer,
				RawFixTopic: rawFixTopic,
			})
			if err != nil {
				return fmt.Errorf("failed to create ingestor: %w", err)
			}

			subscriber, err := ingest.NewSubscriber(&ingest.SubscriberConfig{
				Logger:     log,
				Conn:       nc,
				Ingestor:   ingestor,
				StreamName: streamName,
				Durable:    durable,
				FetchBatch: fetchBatch,
			})
			if err != nil {
				return fmt.Errorf("failed to create subscriber: %w", err)
			}

			h := health.NewHandler(log, nil)
			h.Register("postgres", db.Ping)
			h.Register("nats", func(context.Context) error {
				if !nc.IsConnected() {
					return fmt.Errorf("nats connection is %s", nc.Status())
				}
				return nil
			})
			startOps(ctx, log, metricsAddr, healthAddr, h)

			log.Info("ingest starting", "stream", streamName, "topic", rawFixTopic)
			return subscriber.Run(ctx)
		},
	}

	f := cmd.Flags()
	f.StringVar(&natsURL, "broker-url", getenv("BROKER_URL", nats.DefaultURL), "nats server url (env: BROKER_URL)")
	f.StringVar(&streamName, "stream", getenv("INGEST_STREAM", "ZONEFLOW_FIXES"), "jetstream stream name (env: INGEST_STREAM)")
	f.StringVar(&durable, "durable", getenv("INGEST_DURABLE", "zoneflow-ingest"), "durable consumer name prefix (env: INGEST_DURABLE)")
	f.IntVar(&fetchBatch, "fetch-batch", getenvInt("INGEST_FETCH_BATCH", 64), "jetstream fetch batch size (env: INGEST_FETCH_BATCH)")
	f.StringVar(&kafkaBrokersCSV, "kafka-brokers", getenv("KAFKA_BROKERS", "localhost:9092"), "kafka brokers csv (env: KAFKA_BROKERS)")
	f.StringVar(&kafkaUser, "kafka-user", getenv("KAFKA_USER", ""), "kafka SCRAM user (env: KAFKA_USER)")
	f.StringVar(&kafkaPass, "kafka-pass", getenv("KAFKA_PASS", ""), "kafka SCRAM password (env: KAFKA_PASS)")
	f.BoolVar(&kafkaTLS, "kafka-tls", getenvBool("KAFKA_TLS", false), "kafka TLS (env: KAFKA_TLS)")
	f.StringVar(&rawFixTopic, "raw-fix-topic", getenv("RAW_FIX_TOPIC", "zoneflow.raw-fixes"), "raw fix topic (env: RAW_FIX_TOPIC)")
	f.IntVar(&topicPartitions, "topic-partitions", getenvInt("KAFKA_TOPIC_PARTITIONS", 6), "partitions when creating the topic (env: KAFKA_TOPIC_PARTITIONS)")
	f.IntVar(&topicReplicas, "topic-replication-factor", getenvInt("KAFKA_REPLICATION_FACTOR", 1), "replication factor when creating the topic (env: KAFKA_REPLICATION_FACTOR)")
	f.StringVar(&databaseURL, "database-url", getenv("DATABASE_URL", ""), "postgres connection string (env: DATABASE_URL)")
	f.IntVar(&deviceCacheTTLS, "device-key-cache-ttl-s", getenvInt("DEVICE_KEY_CACHE_TTL_S", 300), "device key cache ttl in seconds (env: DEVICE_KEY_CACHE_TTL_S)")
	f.StringVar(&metricsAddr, "metrics-addr", getenv("METRICS_ADDR", ":8080"), "prometheus metrics address (env: METRICS_ADDR)")
	f.StringVar(&healthAddr, "health-addr", getenv("HEALTH_ADDR", ":8081"), "health endpoint address (env: HEALTH_ADDR)")
	return cmd
}
