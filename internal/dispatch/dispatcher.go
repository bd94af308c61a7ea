// Package dispatch drains the delivery queue: it claims due deliveries,
// renders and sends them through the adapter registry on a bounded worker
// pool, and writes back the outcome. Transient failures reschedule with
// exponential backoff until the attempt budget runs out, permanent failures
// and exhausted deliveries are buried in the dead letter queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/zoneflow/zoneflow/internal/dispatch/adapter"
	"github.com/zoneflow/zoneflow/internal/store"
)

const (
	defaultPollInterval = time.Second
	defaultBatchSize    = 32
	defaultConcurrency  = 10
	defaultMaxAttempts  = 3
	defaultBackoffBase  = 2 * time.Second
	defaultBackoffCap   = 5 * time.Minute
	finalizeMaxTries    = 4
)

// DeliveryStore is the slice of the store the dispatcher needs.
type DeliveryStore interface {
	ClaimDueDeliveries(ctx context.Context, now time.Time, limit int) ([]store.Delivery, error)
	EnrichDelivery(ctx context.Context, d store.Delivery) (store.EnrichedDelivery, error)
	CompleteDelivery(ctx context.Context, id uuid.UUID, respStatus int, respBody string) error
	RescheduleDelivery(ctx context.Context, id uuid.UUID, attempt int, nextAttemptAt time.Time, lastErr string) error
	BuryDelivery(ctx context.Context, id uuid.UUID, lastErr string) error
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Store    DeliveryStore
	Registry *adapter.Registry
	// Keybox opens sealed automation credentials. Optional: without one,
	// configs pass through as stored.
	Keybox *adapter.Keybox

	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
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
	if c.Registry == nil {
		return errors.New("adapter registry is required")
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.BatchSize == 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Concurrency == 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = defaultBackoffCap
	}
	return nil
}

type Dispatcher struct {
	log *slog.Logger
	cfg *Config
}

func New(cfg *Config) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Dispatcher{log: cfg.Logger, cfg: cfg}, nil
}

// Run claims due deliveries on every poll tick and fans them out on the
// worker pool. It returns once ctx is cancelled and in-flight work drained.
func (d *Dispatcher) Run(ctx context.Context) error {
	pool := pond.NewPool(d.cfg.Concurrency)
	defer pool.StopAndWait()

	ticker := d.cfg.Clock.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		d.Tick(ctx, pool)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
	}
}

// Tick claims one batch and submits each delivery to the pool.
func (d *Dispatcher) Tick(ctx context.Context, pool pond.Pool) {
	claimed, err := d.cfg.Store.ClaimDueDeliveries(ctx, d.cfg.Clock.Now(), d.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			metricClaimErrors.Inc()
			d.log.Error("failed to claim deliveries", "error", err)
		}
		return
	}
	for _, del := range claimed {
		pool.Submit(func() {
			d.Process(ctx, del)
		})
	}
}

// Process runs one claimed delivery end to end.
func (d *Dispatcher) Process(ctx context.Context, del store.Delivery) {
	enriched, err := d.cfg.Store.EnrichDelivery(ctx, del)
	if errors.Is(err, store.ErrNotFound) {
		d.bury(ctx, del, "automation or event deleted")
		return
	}
	if err != nil {
		d.retryOrBury(ctx, del, fmt.Errorf("failed to load delivery context: %w", err))
		return
	}
	if !enriched.Automation.Enabled {
		d.bury(ctx, del, "automation disabled")
		return
	}

	config := enriched.Automation.Config
	if d.cfg.Keybox != nil {
		config, err = d.cfg.Keybox.OpenConfig(config)
		if err != nil {
			d.bury(ctx, del, fmt.Sprintf("failed to open credentials: %v", err))
			return
		}
	}

	ad, ok := d.cfg.Registry.Get(enriched.Automation.Kind)
	if !ok {
		d.bury(ctx, del, fmt.Sprintf("no adapter for kind %q", enriched.Automation.Kind))
		return
	}

	resp, err := ad.Deliver(ctx, adapter.Request{
		AutomationID: enriched.Automation.ID.String(),
		Config:       config,
		EventType:    enriched.EventType,
		EventTs:      enriched.EventTs,
		DeviceID:     enriched.DeviceID.String(),
		DeviceName:   enriched.DeviceName,
		GeofenceID:   enriched.GeofenceID.String(),
		GeofenceName: enriched.GeofenceName,
		DwellSeconds: enriched.DwellSeconds,
	})
	switch {
	case err == nil:
		d.complete(ctx, del, resp)
	case adapter.IsPermanent(err):
		d.bury(ctx, del, err.Error())
	default:
		d.retryOrBury(ctx, del, err)
	}
}

func (d *Dispatcher) complete(ctx context.Context, del store.Delivery, resp adapter.Response) {
	err := d.finalize(ctx, func() error {
		return d.cfg.Store.CompleteDelivery(ctx, del.ID, resp.Status, resp.Body)
	})
	if err != nil {
		d.log.Error("failed to record delivery success", "delivery", del.ID, "error", err)
		return
	}
	metricDeliveries.WithLabelValues("success").Inc()
	d.log.Info("delivered", "delivery", del.ID, "attempt", del.Attempt, "status", resp.Status)
}

// retryOrBury bumps the attempt counter; the delivery goes back to pending
// with an exponential delay while attempts remain, otherwise it is buried.
// A Retry-After hint from the sink raises the delay, capped like the backoff.
func (d *Dispatcher) retryOrBury(ctx context.Context, del store.Delivery, cause error) {
	reason := cause.Error()
	next := del.Attempt + 1
	if next >= d.cfg.MaxAttempts {
		metricDeliveries.WithLabelValues("exhausted").Inc()
		d.bury(ctx, del, fmt.Sprintf("attempts exhausted: %s", reason))
		return
	}

	delay := d.backoffDelay(del.Attempt)
	if after, ok := adapter.RetryAfterHint(cause); ok && after > delay {
		delay = min(after, d.cfg.BackoffCap)
	}
	err := d.finalize(ctx, func() error {
		return d.cfg.Store.RescheduleDelivery(ctx, del.ID, next, d.cfg.Clock.Now().Add(delay), reason)
	})
	if err != nil {
		d.log.Error("failed to reschedule delivery", "delivery", del.ID, "error", err)
		return
	}
	metricDeliveries.WithLabelValues("retry").Inc()
	d.log.Warn("delivery failed, rescheduled",
		"delivery", del.ID, "attempt", del.Attempt, "delay", delay, "reason", reason)
}

func (d *Dispatcher) bury(ctx context.Context, del store.Delivery, reason string) {
	err := d.finalize(ctx, func() error {
		return d.cfg.Store.BuryDelivery(ctx, del.ID, reason)
	})
	if err != nil {
		d.log.Error("failed to bury delivery", "delivery", del.ID, "error", err)
		return
	}
	metricDeliveries.WithLabelValues("dead").Inc()
	d.log.Error("delivery dead-lettered", "delivery", del.ID, "attempt", del.Attempt, "reason", reason)
}

// backoffDelay is base doubled per failed attempt, capped.
func (d *Dispatcher) backoffDelay(attempt int) time.Duration {
	delay := d.cfg.BackoffBase
	for range attempt {
		delay *= 2
		if delay >= d.cfg.BackoffCap {
			return d.cfg.BackoffCap
		}
	}
	return min(delay, d.cfg.BackoffCap)
}

// finalize retries an outcome write through short transient database errors.
// A terminal status means another worker already settled the row: logged and
// dropped, never overwritten.
func (d *Dispatcher) finalize(ctx context.Context, op func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := op(); err != nil {
			if errors.Is(err, store.ErrTerminal) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(finalizeMaxTries))
	if errors.Is(err, store.ErrTerminal) {
		d.log.Warn("delivery already settled elsewhere, dropping outcome")
		return nil
	}
	return err
}
