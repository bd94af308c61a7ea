// Package processor implements the geofence state machine: per-device zone
// membership tracking with temporal hysteresis, enter/exit detection, the
// dwell threshold ladder, and idempotent transition persistence.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/zoneflow/zoneflow/internal/geo"
	"github.com/zoneflow/zoneflow/internal/schema"
	"github.com/zoneflow/zoneflow/internal/store"
)

const (
	defaultHysteresis      = 20 * time.Second
	defaultCandidateRadius = 1000.0 // meters
)

// DefaultDwellLadder is the dwell notification ladder in minutes.
var DefaultDwellLadder = []int64{5, 10, 15, 30, 60, 120}

// ZoneSource supplies active zones near a point (bounding-box prefiltered by
// the store; precise containment happens here).
type ZoneSource interface {
	ActiveZonesNear(ctx context.Context, accountID uuid.UUID, p geo.Point, radiusM float64) ([]store.Zone, error)
}

// StateStore loads and persists per-device membership state. Load returns
// (nil, nil) for a device with no prior state.
type StateStore interface {
	Load(ctx context.Context, deviceID uuid.UUID) (*State, error)
	Save(ctx context.Context, accountID, deviceID uuid.UUID, st *State) error
}

// EventStore persists transition events and fix history.
type EventStore interface {
	InsertTransition(ctx context.Context, ev schema.TransitionEvent) (bool, error)
	AppendLocationEvent(ctx context.Context, fix schema.RawFix) error
}

// Publisher emits records onto the transition stream.
type Publisher interface {
	ProduceSync(ctx context.Context, topic string, key, value []byte) error
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Zones  ZoneSource
	States StateStore
	Events EventStore

	Publisher       Publisher
	TransitionTopic string

	Hysteresis      time.Duration
	DwellLadder     []int64 // minutes, ascending
	CandidateRadius float64 // meters
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Zones == nil {
		return errors.New("zone source is required")
	}
	if c.States == nil {
		return errors.New("state store is required")
	}
	if c.Events == nil {
		return errors.New("event store is required")
	}
	if c.Publisher == nil {
		return errors.New("publisher is required")
	}
	if c.TransitionTopic == "" {
		return errors.New("transition topic is required")
	}
	if c.Hysteresis == 0 {
		c.Hysteresis = defaultHysteresis
	}
	if c.Hysteresis < 0 {
		return errors.New("hysteresis must be >= 0")
	}
	if len(c.DwellLadder) == 0 {
		c.DwellLadder = DefaultDwellLadder
	}
	if !sort.SliceIsSorted(c.DwellLadder, func(i, j int) bool { return c.DwellLadder[i] < c.DwellLadder[j] }) {
		return errors.New("dwell ladder must be ascending")
	}
	if c.CandidateRadius == 0 {
		c.CandidateRadius = defaultCandidateRadius
	}
	return nil
}

type Engine struct {
	log *slog.Logger
	cfg *Config
}

func NewEngine(cfg *Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Engine{log: cfg.Logger, cfg: cfg}, nil
}

// ProcessFix runs the per-fix algorithm and returns the transition events it
// emitted. A returned error means the fix had no durable effect and must be
// redelivered; replays are safe because transition inserts dedup on
// (account_id, event_hash).
func (e *Engine) ProcessFix(ctx context.Context, fix schema.RawFix) ([]schema.TransitionEvent, error) {
	accountID, err := uuid.Parse(fix.AccountID)
	if err != nil {
		return nil, fmt.Errorf("invalid account id %q: %w", fix.AccountID, err)
	}
	deviceID, err := uuid.Parse(fix.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("invalid device id %q: %w", fix.DeviceID, err)
	}

	if err := e.cfg.Events.AppendLocationEvent(ctx, fix); err != nil {
		return nil, fmt.Errorf("failed to record fix history: %w", err)
	}

	st, err := e.cfg.States.Load(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	if st == nil {
		st = newState()
	}

	// The pipeline is not a time-travel engine: late fixes are dropped.
	if !st.LastAcceptedTs.IsZero() && fix.Ts.Before(st.LastAcceptedTs) {
		e.log.Warn("dropping out-of-order fix",
			"device", fix.DeviceID, "ts", fix.Ts, "lastAccepted", st.LastAcceptedTs)
		metricFixesDropped.Inc()
		return nil, nil
	}

	p := geo.Point{Lat: fix.Lat, Lon: fix.Lon}
	candidates, err := e.cfg.Zones.ActiveZonesNear(ctx, accountID, p, e.cfg.CandidateRadius)
	if err != nil {
		return nil, fmt.Errorf("failed to load candidate zones: %w", err)
	}

	current := make([]string, 0, len(candidates))
	for _, z := range candidates {
		if z.Contains(p) {
			current = append(current, z.ID.String())
		}
	}
	sort.Strings(current)

	// Hysteresis gate: LastAcceptedTs is the timestamp of the last accepted
	// transition set, so membership is frozen for the window after each
	// transition to suppress GPS flicker at zone boundaries. Dwell trackers
	// still see the device.
	if !st.LastAcceptedTs.IsZero() && fix.Ts.Sub(st.LastAcceptedTs) < e.cfg.Hysteresis {
		metricFixesGated.Inc()
		for _, zoneID := range st.Zones {
			if t, ok := st.Dwell[zoneID]; ok {
				t.LastSeen = fix.Ts
			}
		}
		if err := e.cfg.States.Save(ctx, accountID, deviceID, st); err != nil {
			return nil, fmt.Errorf("failed to save state: %w", err)
		}
		return nil, nil
	}

	var events []schema.TransitionEvent
	emit := func(zoneID string, typ schema.EventType, dwellSeconds, threshold int64) {
		events = append(events, schema.TransitionEvent{
			V:            schema.Version,
			ID:           uuid.NewString(),
			AccountID:    fix.AccountID,
			DeviceID:     fix.DeviceID,
			GeofenceID:   zoneID,
			Type:         typ,
			Ts:           fix.Ts,
			DwellSeconds: dwellSeconds,
			EventHash:    schema.EventHash(fix.DeviceID, zoneID, typ, fix.Ts, threshold),
		})
	}

	changed := false
	for _, zoneID := range current {
		if !st.inZone(zoneID) {
			emit(zoneID, schema.EventEnter, 0, 0)
			changed = true
		}
	}
	for _, zoneID := range st.Zones {
		if !slices.Contains(current, zoneID) {
			emit(zoneID, schema.EventExit, 0, 0)
			changed = true
		}
	}

	// Dwell ladder: thresholds crossed since entry fire once each, ascending.
	// A long gap may fire several at once.
	for _, zoneID := range current {
		t, ok := st.Dwell[zoneID]
		if !ok {
			t = &DwellTracker{EntryTime: fix.Ts}
			st.Dwell[zoneID] = t
		}
		t.LastSeen = fix.Ts

		inside := fix.Ts.Sub(t.EntryTime)
		for _, minutes := range e.cfg.DwellLadder {
			if inside < time.Duration(minutes)*time.Minute {
				break
			}
			if t.notified(minutes) {
				continue
			}
			emit(zoneID, schema.EventDwell, int64(inside.Seconds()), minutes)
			t.Notified = append(t.Notified, minutes)
		}
	}
	for zoneID := range st.Dwell {
		if !slices.Contains(current, zoneID) {
			delete(st.Dwell, zoneID)
		}
	}

	var published []schema.TransitionEvent
	for _, ev := range events {
		inserted, err := e.cfg.Events.InsertTransition(ctx, ev)
		if err != nil {
			return published, fmt.Errorf("failed to persist transition: %w", err)
		}
		if !inserted {
			// A previous run already emitted this logical event.
			metricTransitionsDeduped.Inc()
			continue
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			return published, fmt.Errorf("failed to encode transition: %w", err)
		}
		if err := e.cfg.Publisher.ProduceSync(ctx, e.cfg.TransitionTopic, []byte(ev.DeviceID), payload); err != nil {
			return published, fmt.Errorf("failed to publish transition: %w", err)
		}
		metricTransitionsEmitted.WithLabelValues(string(ev.Type)).Inc()
		published = append(published, ev)
	}

	st.Zones = current
	if changed {
		st.LastAcceptedTs = fix.Ts
	}
	if err := e.cfg.States.Save(ctx, accountID, deviceID, st); err != nil {
		return published, fmt.Errorf("failed to save state: %w", err)
	}
	metricFixesProcessed.Inc()
	return published, nil
}
