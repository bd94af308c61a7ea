package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/zoneflow/zoneflow/internal/store"
)

const defaultStateCacheTTL = 24 * time.Hour

// StatePersistence is the slice of the store the state cache writes through
// to.
type StatePersistence interface {
	LoadDeviceState(ctx context.Context, deviceID uuid.UUID) ([]byte, error)
	SaveDeviceState(ctx context.Context, accountID, deviceID uuid.UUID, state []byte, lastAccepted time.Time) error
}

// StateCache is a read-through/write-through cache for membership state:
// Redis in front, Postgres behind. Redis is optional; with a nil client every
// access goes straight to Postgres. Redis failures degrade to Postgres rather
// than failing the fix.
type StateCache struct {
	log   *slog.Logger
	redis *redis.Client
	db    StatePersistence
	ttl   time.Duration
}

func NewStateCache(log *slog.Logger, rdb *redis.Client, db StatePersistence, ttl time.Duration) (*StateCache, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if db == nil {
		return nil, errors.New("state persistence is required")
	}
	if ttl == 0 {
		ttl = defaultStateCacheTTL
	}
	return &StateCache{log: log, redis: rdb, db: db, ttl: ttl}, nil
}

func stateKey(deviceID uuid.UUID) string {
	return "zoneflow:state:" + deviceID.String()
}

func (c *StateCache) Load(ctx context.Context, deviceID uuid.UUID) (*State, error) {
	if c.redis != nil {
		blob, err := c.redis.Get(ctx, stateKey(deviceID)).Bytes()
		switch {
		case err == nil:
			metricStateCacheHits.WithLabelValues("redis").Inc()
			return decodeState(blob)
		case errors.Is(err, redis.Nil):
			// fall through to postgres
		default:
			c.log.Warn("state cache read failed, falling back to postgres", "error", err)
		}
	}

	blob, err := c.db.LoadDeviceState(ctx, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		metricStateCacheHits.WithLabelValues("none").Inc()
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	metricStateCacheHits.WithLabelValues("postgres").Inc()

	st, err := decodeState(blob)
	if err != nil {
		return nil, err
	}
	c.backfill(ctx, deviceID, blob)
	return st, nil
}

func (c *StateCache) Save(ctx context.Context, accountID, deviceID uuid.UUID, st *State) error {
	blob, err := encodeState(st)
	if err != nil {
		return err
	}
	// Postgres first: the cache may lag, never lead.
	if err := c.db.SaveDeviceState(ctx, accountID, deviceID, blob, st.LastAcceptedTs); err != nil {
		return fmt.Errorf("failed to persist state: %w", err)
	}
	c.backfill(ctx, deviceID, blob)
	return nil
}

func (c *StateCache) backfill(ctx context.Context, deviceID uuid.UUID, blob []byte) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Set(ctx, stateKey(deviceID), blob, c.ttl).Err(); err != nil {
		c.log.Warn("state cache write failed", "error", err)
	}
}
