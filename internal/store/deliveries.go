package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type DeliveryStatus string

const (
	DeliveryPending  DeliveryStatus = "pending"
	DeliveryInFlight DeliveryStatus = "in_flight"
	DeliverySuccess  DeliveryStatus = "success"
	DeliveryFailed   DeliveryStatus = "failed"
	DeliveryDead     DeliveryStatus = "dead"
)

type Delivery struct {
	ID            uuid.UUID
	AccountID     uuid.UUID
	AutomationID  uuid.UUID
	RuleID        uuid.UUID
	EventID       uuid.UUID
	Status        DeliveryStatus
	Attempt       int
	NextAttemptAt time.Time
	LastError     string
}

// ErrTerminal marks attempted mutations of a delivery already in a terminal
// status; the worker drops such jobs.
var ErrTerminal = errors.New("delivery is terminal")

// CreateDelivery inserts a fresh pending delivery visible at nextAttempt.
// Returns false when a live delivery for the same (rule, event) already
// exists, so a replayed transition never double-delivers.
func (s *Store) CreateDelivery(ctx context.Context, d Delivery) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO deliveries (id, account_id, automation_id, rule_id, event_id, status, attempt, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7)
		ON CONFLICT (rule_id, event_id) WHERE status <> 'dead' DO NOTHING`,
		d.ID, d.AccountID, d.AutomationID, d.RuleID, d.EventID, d.Attempt, d.NextAttemptAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create delivery: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimDueDeliveries moves up to limit pending deliveries whose visibility
// time has passed into in_flight and returns them. SKIP LOCKED keeps
// concurrent dispatcher processes from double-claiming.
func (s *Store) ClaimDueDeliveries(ctx context.Context, now time.Time, limit int) ([]Delivery, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE deliveries SET status = 'in_flight', updated_at = now()
		WHERE id IN (
			SELECT id FROM deliveries
			WHERE status = 'pending' AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, account_id, automation_id, rule_id, event_id, status, attempt, next_attempt_at, COALESCE(last_error, '')`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ID, &d.AccountID, &d.AutomationID, &d.RuleID, &d.EventID,
			&d.Status, &d.Attempt, &d.NextAttemptAt, &d.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read deliveries: %w", err)
	}
	return out, nil
}

// CompleteDelivery marks an in-flight delivery successful with its response
// snapshot. Terminal rows are left untouched.
func (s *Store) CompleteDelivery(ctx context.Context, id uuid.UUID, respStatus int, respBody string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE deliveries
		SET status = 'success', response_status = $2, response_body = $3, updated_at = now()
		WHERE id = $1 AND status = 'in_flight'`,
		id, respStatus, respBody,
	)
	if err != nil {
		return fmt.Errorf("failed to complete delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTerminal
	}
	return nil
}

// RescheduleDelivery returns an in-flight delivery to pending with a bumped
// attempt counter and a later visibility time.
func (s *Store) RescheduleDelivery(ctx context.Context, id uuid.UUID, attempt int, nextAttemptAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE deliveries
		SET status = 'pending', attempt = $2, next_attempt_at = $3, last_error = $4, updated_at = now()
		WHERE id = $1 AND status = 'in_flight' AND attempt < $2`,
		id, attempt, nextAttemptAt, lastErr,
	)
	if err != nil {
		return fmt.Errorf("failed to reschedule delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTerminal
	}
	return nil
}

// BuryDelivery marks an in-flight delivery dead and appends the matching
// dead-letter entry in the same transaction.
func (s *Store) BuryDelivery(ctx context.Context, id uuid.UUID, lastErr string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var accountID uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE deliveries
		SET status = 'dead', last_error = $2, updated_at = now()
		WHERE id = $1 AND status = 'in_flight'
		RETURNING account_id`,
		id, lastErr,
	).Scan(&accountID)
	if err != nil {
		if isNoRows(err) {
			return ErrTerminal
		}
		return fmt.Errorf("failed to bury delivery: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO dlq (id, account_id, origin, payload, ref_id, error)
		VALUES ($1, $2, 'delivery', '', $3, $4)`,
		uuid.New(), accountID, id, lastErr,
	)
	if err != nil {
		return fmt.Errorf("failed to write dlq entry: %w", err)
	}
	return tx.Commit(ctx)
}

// EnrichedDelivery is the single-read join the worker needs to render a
// payload: the automation plus the transition event with display names.
type EnrichedDelivery struct {
	Delivery     Delivery
	Automation   Automation
	EventType    string
	EventTs      time.Time
	DwellSeconds int64
	DeviceID     uuid.UUID
	DeviceName   string
	GeofenceID   uuid.UUID
	GeofenceName string
}

func (s *Store) EnrichDelivery(ctx context.Context, d Delivery) (EnrichedDelivery, error) {
	out := EnrichedDelivery{Delivery: d}
	var config []byte
	err := s.pool.QueryRow(ctx, `
		SELECT a.id, a.account_id, a.kind, a.config, a.enabled,
		       e.type, e.ts, COALESCE(e.dwell_seconds, 0),
		       e.device_id, COALESCE(d.name, ''),
		       e.geofence_id, COALESCE(g.name, '')
		FROM deliveries del
		JOIN automations a ON a.id = del.automation_id
		JOIN geofence_events e ON e.id = del.event_id
		LEFT JOIN devices d ON d.id = e.device_id
		LEFT JOIN geofences g ON g.id = e.geofence_id
		WHERE del.id = $1`,
		d.ID,
	).Scan(
		&out.Automation.ID, &out.Automation.AccountID, &out.Automation.Kind, &config, &out.Automation.Enabled,
		&out.EventType, &out.EventTs, &out.DwellSeconds,
		&out.DeviceID, &out.DeviceName,
		&out.GeofenceID, &out.GeofenceName,
	)
	if err != nil {
		if isNoRows(err) {
			return EnrichedDelivery{}, ErrNotFound
		}
		return EnrichedDelivery{}, fmt.Errorf("failed to enrich delivery: %w", err)
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &out.Automation.Config); err != nil {
			return EnrichedDelivery{}, fmt.Errorf("failed to decode automation config: %w", err)
		}
	}
	return out, nil
}
