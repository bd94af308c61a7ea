package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type DLQOrigin string

const (
	DLQIngest   DLQOrigin = "ingest"
	DLQDelivery DLQOrigin = "delivery"
)

type DLQEntry struct {
	ID        uuid.UUID
	AccountID *uuid.UUID
	Origin    DLQOrigin
	Payload   string
	RefID     *uuid.UUID
	Error     string
	Replayed  bool
	CreatedAt time.Time
}

// InsertDLQ appends a dead-letter entry. accountID is nil for payloads that
// failed before tenant resolution.
func (s *Store) InsertDLQ(ctx context.Context, accountID *uuid.UUID, origin DLQOrigin, payload, errText string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dlq (id, account_id, origin, payload, error)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), accountID, string(origin), payload, errText,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dlq entry: %w", err)
	}
	return nil
}

// ListDLQ returns recent entries, optionally filtered by origin.
func (s *Store) ListDLQ(ctx context.Context, origin DLQOrigin, limit int) ([]DLQEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, origin, payload, ref_id, error, replayed, created_at
		FROM dlq
		WHERE ($1 = '' OR origin = $1)
		ORDER BY created_at DESC
		LIMIT $2`,
		string(origin), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list dlq: %w", err)
	}
	defer rows.Close()

	var out []DLQEntry
	for rows.Next() {
		var e DLQEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Origin, &e.Payload, &e.RefID, &e.Error, &e.Replayed, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dlq entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dlq: %w", err)
	}
	return out, nil
}

// ReplayDLQ re-enqueues a dead delivery: it creates a fresh pending delivery
// with attempt 0 for the same automation, rule and event, and marks the entry
// replayed. Only delivery-origin entries are replayable; ingest entries are
// diagnostic.
func (s *Store) ReplayDLQ(ctx context.Context, entryID uuid.UUID, now time.Time) (uuid.UUID, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		origin   string
		replayed bool
		refID    *uuid.UUID
	)
	err = tx.QueryRow(ctx,
		`SELECT origin, replayed, ref_id FROM dlq WHERE id = $1 FOR UPDATE`, entryID,
	).Scan(&origin, &replayed, &refID)
	if err != nil {
		if isNoRows(err) {
			return uuid.Nil, ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("failed to load dlq entry: %w", err)
	}
	if origin != string(DLQDelivery) {
		return uuid.Nil, fmt.Errorf("dlq entry %s has origin %q, only delivery entries are replayable", entryID, origin)
	}
	if replayed {
		return uuid.Nil, fmt.Errorf("dlq entry %s was already replayed", entryID)
	}
	if refID == nil {
		return uuid.Nil, fmt.Errorf("dlq entry %s has no delivery reference", entryID)
	}

	newID := uuid.New()
	_, err = tx.Exec(ctx, `
		INSERT INTO deliveries (id, account_id, automation_id, rule_id, event_id, status, attempt, next_attempt_at)
		SELECT $1, account_id, automation_id, rule_id, event_id, 'pending', 0, $3
		FROM deliveries WHERE id = $2`,
		newID, *refID, now,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create replay delivery: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE dlq SET replayed = true WHERE id = $1`, entryID); err != nil {
		return uuid.Nil, fmt.Errorf("failed to mark dlq entry replayed: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("failed to commit replay: %w", err)
	}
	return newID, nil
}
