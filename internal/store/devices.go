package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type Device struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	Name      string
	DeviceKey string
	IsPaired  bool
	Attrs     map[string]string
}

// LookupPairedDevice resolves a (tenant, device key) pair to a paired device.
// Unpaired or unknown devices return ErrNotFound.
func (s *Store) LookupPairedDevice(ctx context.Context, accountID uuid.UUID, deviceKey string) (Device, error) {
	var d Device
	err := s.pool.QueryRow(ctx, `
		SELECT id, account_id, name, device_key, is_paired, attrs
		FROM devices
		WHERE account_id = $1 AND device_key = $2 AND is_paired`,
		accountID, deviceKey,
	).Scan(&d.ID, &d.AccountID, &d.Name, &d.DeviceKey, &d.IsPaired, &d.Attrs)
	if errors.Is(err, pgx.ErrNoRows) {
		return Device{}, ErrNotFound
	}
	if err != nil {
		return Device{}, fmt.Errorf("failed to look up device: %w", err)
	}
	return d, nil
}

// TouchDeviceSeen stamps last_seen and the last-known position. Best effort;
// callers log failures but never block the pipeline on them.
func (s *Store) TouchDeviceSeen(ctx context.Context, deviceID uuid.UUID, ts time.Time, lat, lon float64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE devices SET last_seen = $2, last_lat = $3, last_lon = $4
		WHERE id = $1`,
		deviceID, ts, lat, lon,
	)
	if err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}
	return nil
}

// DeviceAttrs loads the free-form metadata a rule's device filter is
// evaluated against.
func (s *Store) DeviceAttrs(ctx context.Context, deviceID uuid.UUID) (map[string]string, error) {
	var attrs map[string]string
	err := s.pool.QueryRow(ctx, `SELECT attrs FROM devices WHERE id = $1`, deviceID).Scan(&attrs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load device attrs: %w", err)
	}
	return attrs, nil
}
