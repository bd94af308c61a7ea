package processor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/zoneflow/zoneflow/internal/schema"
)

// fixConsumer is the subset of the kafka consumer the processor uses,
// narrowed for test injection.
type fixConsumer interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitOffsets(ctx context.Context) error
	Close()
}

// StateSweep expires idle membership state.
type StateSweep interface {
	ExpireDeviceStates(ctx context.Context, cutoff time.Time) (int64, error)
}

type ConsumerConfig struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Engine   *Engine
	Consumer fixConsumer

	Sweep         StateSweep
	StateTTL      time.Duration
	SweepInterval time.Duration
}

func (c *ConsumerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Engine == nil {
		return errors.New("engine is required")
	}
	if c.Consumer == nil {
		return errors.New("consumer is required")
	}
	if c.StateTTL == 0 {
		c.StateTTL = 24 * time.Hour
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Hour
	}
	return nil
}

// Consumer drives the engine from the raw fix stream. Within a partition
// records are handled sequentially, preserving per-device order; offsets
// commit only after every record in the poll had its durable effect.
type Consumer struct {
	log *slog.Logger
	cfg *ConsumerConfig
}

func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Consumer{log: cfg.Logger, cfg: cfg}, nil
}

func (c *Consumer) Run(ctx context.Context) error {
	defer c.cfg.Consumer.Close()

	if c.cfg.Sweep != nil {
		go c.sweepLoop(ctx)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		fetches := c.cfg.Consumer.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.log.Error("fetch error", "topic", topic, "partition", partition, "error", err)
		})
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if n := len(p.Records); n > 0 {
				lag := p.HighWatermark - p.Records[n-1].Offset - 1
				metricPartitionLag.WithLabelValues(p.Topic, strconv.Itoa(int(p.Partition))).Set(float64(lag))
			}
		})

		ok := true
		fetches.EachRecord(func(rec *kgo.Record) {
			if !ok {
				return
			}
			if err := c.handleRecord(ctx, rec); err != nil {
				// Leave offsets uncommitted so the broker redelivers the
				// batch; transition dedup absorbs the replay.
				c.log.Error("failed to process fix, will be redelivered", "error", err,
					"partition", rec.Partition, "offset", rec.Offset)
				ok = false
			}
		})
		if !ok {
			continue
		}

		if err := c.cfg.Consumer.CommitOffsets(ctx); err != nil {
			metricCommitErrors.Inc()
			c.log.Error("failed to commit offsets", "error", err)
		}
	}
}

func (c *Consumer) handleRecord(ctx context.Context, rec *kgo.Record) error {
	var fix schema.RawFix
	if err := json.Unmarshal(rec.Value, &fix); err != nil {
		// Poison records advance the offset; the raw fix stream only carries
		// payloads the ingest service produced, so this is a bug, not input.
		metricDecodeErrors.Inc()
		c.log.Error("failed to decode raw fix, skipping", "error", err,
			"partition", rec.Partition, "offset", rec.Offset)
		return nil
	}

	events, err := c.cfg.Engine.ProcessFix(ctx, fix)
	if err != nil {
		return err
	}
	for _, ev := range events {
		c.log.Debug("emitted transition",
			"device", ev.DeviceID, "zone", ev.GeofenceID, "type", ev.Type, "ts", ev.Ts)
	}
	return nil
}

func (c *Consumer) sweepLoop(ctx context.Context) {
	ticker := c.cfg.Clock.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			cutoff := c.cfg.Clock.Now().Add(-c.cfg.StateTTL)
			n, err := c.cfg.Sweep.ExpireDeviceStates(ctx, cutoff)
			if err != nil {
				c.log.Error("failed to expire device states", "error", err)
				continue
			}
			if n > 0 {
				metricStatesExpired.Add(float64(n))
				c.log.Info("expired idle device states", "count", n, "cutoff", cutoff)
			}
		}
	}
}
