package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/zoneflow/zoneflow/internal/store"
)

const (
	defaultDeviceCacheTTL      = 5 * time.Minute
	defaultDeviceCacheCapacity = 50_000
)

// DeviceSource resolves a tenant-scoped device key to a paired device.
type DeviceSource interface {
	LookupPairedDevice(ctx context.Context, accountID uuid.UUID, deviceKey string) (store.Device, error)
}

// DeviceResolver caches paired-device lookups keyed by (account, device key).
// Only successful resolutions are cached; unknown keys hit the store every
// time so a freshly paired device is picked up immediately.
type DeviceResolver struct {
	log    *slog.Logger
	source DeviceSource
	cache  *ttlcache.Cache[string, store.Device]
}

func NewDeviceResolver(log *slog.Logger, source DeviceSource, ttl time.Duration) (*DeviceResolver, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if source == nil {
		return nil, errors.New("device source is required")
	}
	if ttl == 0 {
		ttl = defaultDeviceCacheTTL
	}

	cache := ttlcache.New(
		ttlcache.WithTTL[string, store.Device](ttl),
		ttlcache.WithCapacity[string, store.Device](defaultDeviceCacheCapacity),
	)
	go cache.Start()

	return &DeviceResolver{log: log, source: source, cache: cache}, nil
}

func (r *DeviceResolver) Resolve(ctx context.Context, accountID uuid.UUID, deviceKey string) (store.Device, error) {
	key := accountID.String() + "/" + deviceKey

	if item := r.cache.Get(key); item != nil {
		metricDeviceCache.WithLabelValues("hit").Inc()
		return item.Value(), nil
	}
	metricDeviceCache.WithLabelValues("miss").Inc()

	device, err := r.source.LookupPairedDevice(ctx, accountID, deviceKey)
	if err != nil {
		return store.Device{}, err
	}
	r.cache.Set(key, device, ttlcache.DefaultTTL)
	return device, nil
}

// Invalidate drops one cached entry; used when a fix fails verification so a
// rotated device key is re-read promptly.
func (r *DeviceResolver) Invalidate(accountID uuid.UUID, deviceKey string) {
	r.cache.Delete(accountID.String() + "/" + deviceKey)
}

func (r *DeviceResolver) Stop() {
	r.cache.Stop()
}
