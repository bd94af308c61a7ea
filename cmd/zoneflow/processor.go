package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/zoneflow/zoneflow/internal/health"
	"github.com/zoneflow/zoneflow/internal/kafka"
	"github.com/zoneflow/zoneflow/internal/processor"
	"github.com/zoneflow/zoneflow/internal/store"
)

func newProcessorCmd() *cobra.Command {
	var (
		kafkaBrokersCSV  string
		kafkaUser        string
		kafkaPass        string
		kafkaTLS         bool
		rawFixTopic      string
		transitionTopic  string
		topicPartitions  int
		topicReplicas    int
		consumerGroup    string
		databaseURL      string
		redisURL         string
		hysteresisMS     int
		dwellCSV         string
		candidateRadiusM float64
		stateTTLS        int
		sweepIntervalS   int
		metricsAddr      string
		healthAddr       string
	)

	cmd := &cobra.Command{
		Use:   "processor",
		Short: "run the geofence state machine over the raw fix stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := loggerFor(cmd)

			dwellLadder, err := splitCSVInt64(dwellCSV)
			if err != nil {
				return fmt.Errorf("invalid dwell thresholds: %w", err)
			}

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

			var rdb *redis.Client
			if redisURL != "" {
				opts, err := redis.ParseURL(redisURL)
				if err != nil {
					return fmt.Errorf("failed to parse redis url: %w", err)
				}
				rdb = redis.NewClient(opts)
				defer func() { _ = rdb.Close() }()
			}

			states, err := processor.NewStateCache(log, rdb, db, time.Duration(stateTTLS)*time.Second)
			if err != nil {
				return fmt.Errorf("failed to create state cache: %w", err)
			}

			kafkaCfg := &kafka.Config{
				Brokers: splitCSV(kafkaBrokersCSV),
				User:    kafkaUser,
				Pass:    kafkaPass,
				TLS:     kafkaTLS,
			}
			producer, err := kafka.NewProducer(kafkaCfg)
			if err != nil {
				return fmt.Errorf("failed to create kafka producer: %w", err)
			}
			defer producer.Close()
			if err := producer.EnsureTopic(ctx, transitionTopic, topicPartitions, topicReplicas); err != nil {
				return fmt.Errorf("failed to ensure topic exists: %w", err)
			}

			engine, err := processor.NewEngine(&processor.Config{
				Logger:          log,
				Zones:           db,
				States:          states,
				Events:          db,
				Publisher:       producer,
				TransitionTopic: transitionTopic,
				Hysteresis:      time.Duration(hysteresisMS) * time.Millisecond,
				DwellLadder:     dwellLadder,
				CandidateRadius: candidateRadiusM,
			})
			if err != nil {
				return fmt.Errorf("failed to create engine: %w", err)
			}

			fixes, err := kafka.NewConsumer(kafkaCfg, rawFixTopic, consumerGroup)
			if err != nil {
				return fmt.Errorf("failed to create kafka consumer: %w", err)
			}

			consumer, err := processor.NewConsumer(&processor.ConsumerConfig{
				Logger:        log,
				Engine:        engine,
				Consumer:      fixes,
				Sweep:         db,
				StateTTL:      time.Duration(stateTTLS) * time.Second,
				SweepInterval: time.Duration(sweepIntervalS) * time.Second,
			})
			if err != nil {
				return fmt.Errorf("failed to create consumer: %w", err)
			}

			h := health.NewHandler(log, nil)
			h.Register("postgres", db.Ping)
			if rdb != nil {
				h.Register("redis", func(ctx context.Context) error {
					return rdb.Ping(ctx).Err()
				})
			}
			startOps(ctx, log, metricsAddr, healthAddr, h)

			log.Info("processor starting",
				"from", rawFixTopic, "to", transitionTopic,
				"hysteresis", time.Duration(hysteresisMS)*time.Millisecond, "dwell", dwellLadder)
			return consumer.Run(ctx)
		},
	}

	f := cmd.Flags()
	f.StringVar(&kafkaBrokersCSV, "kafka-brokers", getenv("KAFKA_BROKERS", "localhost:9092"), "kafka brokers csv (env: KAFKA_BROKERS)")
	f.StringVar(&kafkaUser, "kafka-user", getenv("KAFKA_USER", ""), "kafka SCRAM user (env: KAFKA_USER)")
	f.StringVar(&kafkaPass, "kafka-pass", getenv("KAFKA_PASS", ""), "kafka SCRAM password (env: KAFKA_PASS)")
	f.BoolVar(&kafkaTLS, "kafka-tls", getenvBool("KAFKA_TLS", false), "kafka TLS (env: KAFKA_TLS)")
	f.StringVar(&rawFixTopic, "raw-fix-topic", getenv("RAW_FIX_TOPIC", "zoneflow.raw-fixes"), "raw fix topic (env: RAW_FIX_TOPIC)")
	f.StringVar(&transitionTopic, "transition-topic", getenv("TRANSITION_TOPIC", "zoneflow.transitions"), "transition topic (env: TRANSITION_TOPIC)")
	f.IntVar(&topicPartitions, "topic-partitions", getenvInt("KAFKA_TOPIC_PARTITIONS", 6), "partitions when creating the topic (env: KAFKA_TOPIC_PARTITIONS)")
	f.IntVar(&topicReplicas, "topic-replication-factor", getenvInt("KAFKA_REPLICATION_FACTOR", 1), "replication factor when creating the topic (env: KAFKA_REPLICATION_FACTOR)")
	f.StringVar(&consumerGroup, "consumer-group", getenv("CONSUMER_GROUP", "zoneflow-processor"), "consumer group (env: CONSUMER_GROUP)")
	f.StringVar(&databaseURL, "database-url", getenv("DATABASE_URL", ""), "postgres connection string (env: DATABASE_URL)")
	f.StringVar(&redisURL, "redis-url", getenv("REDIS_URL", ""), "optional redis url for the state cache (env: REDIS_URL)")
	f.IntVar(&hysteresisMS, "hysteresis-ms", getenvInt("HYSTERESIS_MS", 20000), "zone exit hysteresis in milliseconds (env: HYSTERESIS_MS)")
	f.StringVar(&dwellCSV, "dwell-thresholds-min", getenv("DWELL_THRESHOLDS_MIN", "5,10,15,30,60,120"), "ascending dwell thresholds in minutes, csv (env: DWELL_THRESHOLDS_MIN)")
	f.Float64Var(&candidateRadiusM, "candidate-radius-m", float64(getenvInt("CANDIDATE_RADIUS_M", 1000)), "zone candidate prefilter radius in meters (env: CANDIDATE_RADIUS_M)")
	f.IntVar(&stateTTLS, "state-ttl-s", getenvInt("STATE_TTL_S", 86400), "idle membership state ttl in seconds (env: STATE_TTL_S)")
	f.IntVar(&sweepIntervalS, "sweep-interval-s", getenvInt("SWEEP_INTERVAL_S", 3600), "state expiry sweep interval in seconds (env: SWEEP_INTERVAL_S)")
	f.StringVar(&metricsAddr, "metrics-addr", getenv("METRICS_ADDR", ":8080"), "prometheus metrics address (env: METRICS_ADDR)")
	f.StringVar(&healthAddr, "health-addr", getenv("HEALTH_ADDR", ":8081"), "health endpoint address (env: HEALTH_ADDR)")
	return cmd
}
