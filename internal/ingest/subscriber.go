package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	defaultStreamName = "ZONEFLOW_FIXES"
	defaultFetchBatch = 64
	fetchWait         = 5 * time.Second
)

type SubscriberConfig struct {
	Logger   *slog.Logger
	Conn     *nats.Conn
	Ingestor *Ingestor

	StreamName string
	Durable    string
	FetchBatch int
}

func (c *SubscriberConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Conn == nil {
		return errors.New("nats connection is required")
	}
	if c.Ingestor == nil {
		return errors.New("ingestor is required")
	}
	if c.StreamName == "" {
		c.StreamName = defaultStreamName
	}
	if c.Durable == "" {
		c.Durable = "zoneflow-ingest"
	}
	if c.FetchBatch == 0 {
		c.FetchBatch = defaultFetchBatch
	}
	return nil
}

// Subscriber pulls location payloads from JetStream, one durable pull
// consumer per wildcard subject. All ingest replicas share the durable names,
// so each message is processed by exactly one instance; redelivery happens
// whenever a message is not acknowledged.
type Subscriber struct {
	log *slog.Logger
	cfg *SubscriberConfig
}

func NewSubscriber(cfg *SubscriberConfig) (*Subscriber, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Subscriber{log: cfg.Logger, cfg: cfg}, nil
}

func (s *Subscriber) Run(ctx context.Context) error {
	js, err := s.cfg.Conn.JetStream()
	if err != nil {
		return fmt.Errorf("failed to get jetstream context: %w", err)
	}

	if err := s.ensureStream(js); err != nil {
		return err
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(WildcardSubjects()))
	for _, subject := range WildcardSubjects() {
		durable := s.cfg.Durable + "-" + sanitizeDurable(subject)
		sub, err := js.PullSubscribe(subject, durable, nats.BindStream(s.cfg.StreamName))
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		s.log.Info("subscribed", "subject", subject, "durable", durable, "stream", s.cfg.StreamName)

		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- s.consumeLoop(ctx, sub)
		}()
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Subscriber) ensureStream(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      s.cfg.StreamName,
		Subjects:  WildcardSubjects(),
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to ensure stream: %w", err)
	}
	return nil
}

func (s *Subscriber) consumeLoop(ctx context.Context, sub *nats.Subscription) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := sub.Fetch(s.cfg.FetchBatch, nats.MaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, nats.ErrConnectionClosed) {
				return nil
			}
			metricFetchErrors.Inc()
			s.log.Warn("fetch error", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		for _, msg := range msgs {
			if err := s.cfg.Ingestor.HandleMessage(ctx, msg.Subject, msg.Data); err != nil {
				s.log.Error("transient ingest failure, requeueing", "subject", msg.Subject, "error", err)
				if err := msg.Nak(); err != nil {
					s.log.Warn("failed to nak message", "error", err)
				}
				continue
			}
			if err := msg.Ack(); err != nil {
				// The handler is idempotent downstream, a redelivery after a
				// lost ack collapses on the transition dedup.
				s.log.Warn("failed to ack message", "error", err)
			}
		}
	}
}

func sanitizeDurable(subject string) string {
	return strings.NewReplacer(".", "-", "*", "x").Replace(subject)
}
