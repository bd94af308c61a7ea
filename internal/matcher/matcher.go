// Package matcher joins transition events with enabled automation rules and
// creates pending delivery records for each match.
package matcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/zoneflow/zoneflow/internal/schema"
	"github.com/zoneflow/zoneflow/internal/store"
)

// RuleStore is the slice of the store the matcher needs.
type RuleStore interface {
	MatchRules(ctx context.Context, ev schema.TransitionEvent) ([]store.MatchedRule, error)
	DeviceAttrs(ctx context.Context, deviceID uuid.UUID) (map[string]string, error)
	CreateDelivery(ctx context.Context, d store.Delivery) (bool, error)
}

type transitionConsumer interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitOffsets(ctx context.Context) error
	Close()
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Store    RuleStore
	Consumer transitionConsumer
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Consumer == nil {
		return errors.New("consumer is required")
	}
	return nil
}

type Matcher struct {
	log *slog.Logger
	cfg *Config
}

func New(cfg *Config) (*Matcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Matcher{log: cfg.Logger, cfg: cfg}, nil
}

func (m *Matcher) Run(ctx context.Context) error {
	defer m.cfg.Consumer.Close()

	for {
		if ctx.Err() != nil {
			return nil
		}

		fetches := m.cfg.Consumer.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			m.log.Error("fetch error", "topic", topic, "partition", partition, "error", err)
		})

		ok := true
		fetches.EachRecord(func(rec *kgo.Record) {
			if !ok {
				return
			}
			if err := m.handleRecord(ctx, rec); err != nil {
				m.log.Error("failed to match transition, will be redelivered", "error", err,
					"partition", rec.Partition, "offset", rec.Offset)
				ok = false
			}
		})
		if !ok {
			continue
		}

		if err := m.cfg.Consumer.CommitOffsets(ctx); err != nil {
			metricCommitErrors.Inc()
			m.log.Error("failed to commit offsets", "error", err)
		}
	}
}

func (m *Matcher) handleRecord(ctx context.Context, rec *kgo.Record) error {
	var ev schema.TransitionEvent
	if err := json.Unmarshal(rec.Value, &ev); err != nil {
		metricDecodeErrors.Inc()
		m.log.Error("failed to decode transition, skipping", "error", err,
			"partition", rec.Partition, "offset", rec.Offset)
		return nil
	}
	_, err := m.HandleEvent(ctx, ev)
	return err
}

// HandleEvent creates one pending delivery per surviving rule and returns the
// delivery IDs. Rules whose device filter does not match the device's
// metadata are skipped, as are rules whose dependencies were deleted
// mid-stream.
func (m *Matcher) HandleEvent(ctx context.Context, ev schema.TransitionEvent) ([]uuid.UUID, error) {
	matched, err := m.cfg.Store.MatchRules(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("failed to match rules: %w", err)
	}
	if len(matched) == 0 {
		return nil, nil
	}

	accountID, err := uuid.Parse(ev.AccountID)
	if err != nil {
		return nil, fmt.Errorf("invalid account id %q: %w", ev.AccountID, err)
	}
	deviceID, err := uuid.Parse(ev.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("invalid device id %q: %w", ev.DeviceID, err)
	}
	eventID, err := uuid.Parse(ev.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid event id %q: %w", ev.ID, err)
	}

	// Device metadata is only fetched when some rule actually filters on it.
	var attrs map[string]string
	attrsLoaded := false

	var created []uuid.UUID
	for _, match := range matched {
		if len(match.Rule.DeviceFilter) > 0 {
			if !attrsLoaded {
				attrs, err = m.cfg.Store.DeviceAttrs(ctx, deviceID)
				if errors.Is(err, store.ErrNotFound) {
					// Device deleted mid-stream: no rule with a filter can match.
					m.log.Warn("device vanished, skipping filtered rules", "device", ev.DeviceID)
					attrs = nil
				} else if err != nil {
					return created, fmt.Errorf("failed to load device attrs: %w", err)
				}
				attrsLoaded = true
			}
			if !filterMatches(match.Rule.DeviceFilter, attrs) {
				metricRulesFiltered.Inc()
				continue
			}
		}

		d := store.Delivery{
			ID:            uuid.New(),
			AccountID:     accountID,
			AutomationID:  match.Automation.ID,
			RuleID:        match.Rule.ID,
			EventID:       eventID,
			Status:        store.DeliveryPending,
			Attempt:       0,
			NextAttemptAt: m.cfg.Clock.Now(),
		}
		inserted, err := m.cfg.Store.CreateDelivery(ctx, d)
		if err != nil {
			return created, fmt.Errorf("failed to create delivery: %w", err)
		}
		if !inserted {
			// A redelivered transition already queued this (rule, event).
			metricDeliveriesDeduped.Inc()
			continue
		}
		metricDeliveriesCreated.Inc()
		created = append(created, d.ID)
		m.log.Debug("created delivery",
			"delivery", d.ID, "rule", match.Rule.ID, "automation", match.Automation.ID,
			"event", ev.ID, "type", ev.Type)
	}
	return created, nil
}

// filterMatches requires every filter key to be present in the device
// metadata with an equal value.
func filterMatches(filter, attrs map[string]string) bool {
	for k, want := range filter {
		if got, ok := attrs[k]; !ok || got != want {
			return false
		}
	}
	return true
}
