// Package kafka wraps the franz-go client for the two internal streams: the
// raw fix stream and the transition stream. Records are keyed by device ID so
// per-device ordering holds within a partition.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

type Config struct {
	Brokers []string
	User    string
	Pass    string
	TLS     bool
}

func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("brokers are required")
	}
	return nil
}

func (c *Config) baseOpts() []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(c.Brokers...),
	}
	if c.User != "" {
		opts = append(opts, kgo.SASL(scram.Auth{
			User: c.User,
			Pass: c.Pass,
		}.AsSha256Mechanism()))
	}
	if c.TLS {
		opts = append(opts, kgo.DialTLS())
	}
	return opts
}

// Producer publishes keyed records with all-ISR acks.
type Producer struct {
	client *kgo.Client
}

func NewProducer(cfg *Config) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	opts := append(cfg.baseOpts(),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(50*time.Millisecond),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Producer{client: client}, nil
}

func (p *Producer) Close() {
	p.client.Close()
}

// ProduceSync publishes one record and waits for the broker ack. Callers rely
// on this blocking to hold off upstream acknowledgement until the record is
// durable.
func (p *Producer) ProduceSync(ctx context.Context, topic string, key, value []byte) error {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce to %s: %w", topic, err)
	}
	return nil
}

// EnsureTopic creates the topic if it does not exist yet.
func (p *Producer) EnsureTopic(ctx context.Context, topic string, partitions, replication int) error {
	adm := kadm.NewClient(p.client)
	_, err := adm.CreateTopic(ctx, int32(partitions), int16(replication), nil, topic)
	if err != nil {
		if strings.Contains(err.Error(), "TOPIC_ALREADY_EXISTS") {
			return nil
		}
		return fmt.Errorf("create topic: %w", err)
	}
	return nil
}

// Consumer is a consumer-group member over one topic with manual offset
// commits; offsets advance only after the downstream effect is durable.
type Consumer struct {
	client *kgo.Client
}

func NewConsumer(cfg *Config, topic, group string) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if group == "" {
		return nil, errors.New("group is required")
	}

	opts := append(cfg.baseOpts(),
		kgo.ConsumeTopics(topic),
		kgo.ConsumerGroup(group),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Consumer{client: client}, nil
}

func (c *Consumer) PollFetches(ctx context.Context) kgo.Fetches {
	return c.client.PollFetches(ctx)
}

func (c *Consumer) CommitOffsets(ctx context.Context) error {
	return c.client.CommitUncommittedOffsets(ctx)
}

func (c *Consumer) Close() {
	c.client.Close()
}
