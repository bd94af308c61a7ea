// Package ingest implements the device-facing edge of the pipeline: it
// subscribes to the wildcard location subjects, authenticates each fix
// against its device key, and produces raw fix records onto the fix stream.
// Unsalvageable payloads go to the dead-letter table and are acknowledged;
// anything transient blocks the ack so the broker redelivers.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/zoneflow/zoneflow/internal/schema"
	"github.com/zoneflow/zoneflow/internal/store"
)

// DLQSink records unsalvageable payloads.
type DLQSink interface {
	InsertDLQ(ctx context.Context, accountID *uuid.UUID, origin store.DLQOrigin, payload, errText string) error
}

// SeenTracker stamps device last-seen state. Best effort.
type SeenTracker interface {
	TouchDeviceSeen(ctx context.Context, deviceID uuid.UUID, ts time.Time, lat, lon float64) error
}

// Producer publishes raw fixes onto the fix stream.
type Producer interface {
	ProduceSync(ctx context.Context, topic string, key, value []byte) error
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Resolver *DeviceResolver
	DLQ      DLQSink
	Seen     SeenTracker
	Producer Producer

	RawFixTopic string
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Resolver == nil {
		return errors.New("device resolver is required")
	}
	if c.DLQ == nil {
		return errors.New("dlq sink is required")
	}
	if c.Producer == nil {
		return errors.New("producer is required")
	}
	if c.RawFixTopic == "" {
		return errors.New("raw fix topic is required")
	}
	return nil
}

type Ingestor struct {
	log *slog.Logger
	cfg *Config
}

func NewIngestor(cfg *Config) (*Ingestor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Ingestor{log: cfg.Logger, cfg: cfg}, nil
}

// HandleMessage processes one published location payload. A nil return means
// the message may be acknowledged: either the fix was durably produced onto
// the fix stream, or it was unsalvageable and is now in the DLQ. A non-nil
// return means nothing durable happened and the message must be redelivered.
func (i *Ingestor) HandleMessage(ctx context.Context, subject string, payload []byte) error {
	accountID, deviceKey, err := ParseSubject(subject)
	if err != nil {
		return i.reject(ctx, nil, subject, payload, "bad_subject", err)
	}

	device, err := i.cfg.Resolver.Resolve(ctx, accountID, deviceKey)
	if errors.Is(err, store.ErrNotFound) {
		return i.reject(ctx, &accountID, subject, payload, "unknown_device",
			fmt.Errorf("unknown or unpaired device"))
	}
	if err != nil {
		// Storage unavailable: block the ack, the broker will redeliver.
		return fmt.Errorf("failed to resolve device: %w", err)
	}

	fix, err := schema.ParseLocationFix(payload)
	if err != nil {
		return i.reject(ctx, &accountID, subject, payload, "malformed", err)
	}

	if err := schema.VerifyPayload(device.DeviceKey, payload); err != nil {
		if errors.Is(err, schema.ErrSignatureMismatch) || errors.Is(err, schema.ErrMissingSignature) {
			// The cached key may be stale after a rotation; drop it so the
			// next attempt sees the current one.
			i.cfg.Resolver.Invalidate(accountID, deviceKey)
			return i.reject(ctx, &accountID, subject, payload, "signature_mismatch",
				fmt.Errorf("signature mismatch"))
		}
		return i.reject(ctx, &accountID, subject, payload, "malformed", err)
	}

	raw := schema.RawFix{
		V:          schema.Version,
		AccountID:  device.AccountID.String(),
		DeviceID:   device.ID.String(),
		Ts:         fix.Ts,
		Lat:        fix.Lat,
		Lon:        fix.Lon,
		SpeedMps:   fix.SpeedMps,
		AccuracyM:  fix.AccuracyM,
		BatteryPct: fix.BatteryPct,
		Attrs:      fix.Attrs,
	}
	value, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to encode raw fix: %w", err)
	}

	if err := i.cfg.Producer.ProduceSync(ctx, i.cfg.RawFixTopic, []byte(raw.DeviceID), value); err != nil {
		metricProduceErrors.Inc()
		return fmt.Errorf("failed to produce raw fix: %w", err)
	}
	metricFixesAccepted.Inc()

	if i.cfg.Seen != nil {
		if err := i.cfg.Seen.TouchDeviceSeen(ctx, device.ID, fix.Ts, fix.Lat, fix.Lon); err != nil {
			i.log.Warn("failed to stamp device last seen", "device", device.ID, "error", err)
		}
	}

	i.log.Debug("accepted fix", "device", device.ID, "ts", fix.Ts)
	return nil
}

// reject routes an unsalvageable payload to the DLQ. The DLQ write itself
// must succeed before the source message is acknowledged.
func (i *Ingestor) reject(ctx context.Context, accountID *uuid.UUID, subject string, payload []byte, reason string, cause error) error {
	metricFixesRejected.WithLabelValues(reason).Inc()
	i.log.Warn("rejecting fix", "subject", subject, "reason", reason, "error", cause)

	entry := fmt.Sprintf("%s %s", subject, payload)
	if err := i.cfg.DLQ.InsertDLQ(ctx, accountID, store.DLQIngest, entry, cause.Error()); err != nil {
		return fmt.Errorf("failed to write dlq entry: %w", err)
	}
	return nil
}
