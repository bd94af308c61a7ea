package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zoneflow/zoneflow/internal/schema"
)

// InsertTransition attempts to persist a transition event. The boolean is
// false when the (account_id, event_hash) pair already exists, in which case
// the event was already emitted by a previous run and must not be republished.
func (s *Store) InsertTransition(ctx context.Context, ev schema.TransitionEvent) (bool, error) {
	var dwell *int64
	if ev.Type == schema.EventDwell {
		d := ev.DwellSeconds
		dwell = &d
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO geofence_events (id, account_id, device_id, geofence_id, type, ts, dwell_seconds, event_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (account_id, event_hash) DO NOTHING`,
		ev.ID, ev.AccountID, ev.DeviceID, ev.GeofenceID, string(ev.Type), ev.Ts, dwell, ev.EventHash,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert transition: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendLocationEvent records an accepted fix as history. Duplicates are
// permitted by design.
func (s *Store) AppendLocationEvent(ctx context.Context, fix schema.RawFix) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO location_events (account_id, device_id, ts, lat, lon, speed_mps, accuracy_m, battery_pct, attrs)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		fix.AccountID, fix.DeviceID, fix.Ts, fix.Lat, fix.Lon,
		fix.SpeedMps, fix.AccuracyM, fix.BatteryPct, fix.Attrs,
	)
	if err != nil {
		return fmt.Errorf("failed to append location event: %w", err)
	}
	return nil
}

// LoadDeviceState returns the opaque membership state blob for a device, or
// ErrNotFound when the device has never produced an accepted fix.
func (s *Store) LoadDeviceState(ctx context.Context, deviceID uuid.UUID) ([]byte, error) {
	var state []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM device_zone_state WHERE device_id = $1`, deviceID,
	).Scan(&state)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load device state: %w", err)
	}
	return state, nil
}

// SaveDeviceState upserts the membership state blob.
func (s *Store) SaveDeviceState(ctx context.Context, accountID, deviceID uuid.UUID, state []byte, lastAccepted time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO device_zone_state (device_id, account_id, state, last_accepted_ts, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (device_id) DO UPDATE
		SET state = EXCLUDED.state,
		    last_accepted_ts = EXCLUDED.last_accepted_ts,
		    updated_at = now()`,
		deviceID, accountID, state, lastAccepted,
	)
	if err != nil {
		return fmt.Errorf("failed to save device state: %w", err)
	}
	return nil
}

// ExpireDeviceStates drops membership state idle since before cutoff and
// returns how many rows were removed.
func (s *Store) ExpireDeviceStates(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM device_zone_state WHERE updated_at < $1`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire device states: %w", err)
	}
	return tag.RowsAffected(), nil
}
