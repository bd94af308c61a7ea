package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/zoneflow/zoneflow/internal/dispatch/adapter"
	"github.com/zoneflow/zoneflow/internal/store"
)

type completion struct {
	id     uuid.UUID
	status int
	body   string
}

type resched struct {
	id      uuid.UUID
	attempt int
	next    time.Time
	lastErr string
}

type burial struct {
	id      uuid.UUID
	lastErr string
}

type fakeDeliveryStore struct {
	mu sync.Mutex

	due       []store.Delivery
	claimErr  error
	enriched  map[uuid.UUID]store.EnrichedDelivery
	enrichErr error

	completed   []completion
	rescheduled []resched
	buried      []burial

	completeErr   error
	completeCalls int
}

func (f *fakeDeliveryStore) ClaimDueDeliveries(_ context.Context, _ time.Time, _ int) ([]store.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	out := f.due
	f.due = nil
	return out, nil
}

func (f *fakeDeliveryStore) EnrichDelivery(_ context.Context, d store.Delivery) (store.EnrichedDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enrichErr != nil {
		return store.EnrichedDelivery{}, f.enrichErr
	}
	e, ok := f.enriched[d.ID]
	if !ok {
		return store.EnrichedDelivery{}, store.ErrNotFound
	}
	e.Delivery = d
	return e, nil
}

func (f *fakeDeliveryStore) CompleteDelivery(_ context.Context, id uuid.UUID, respStatus int, respBody string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCalls++
	if f.completeErr != nil {
		return f.completeErr
	}
	f.completed = append(f.completed, completion{id: id, status: respStatus, body: respBody})
	return nil
}

func (f *fakeDeliveryStore) RescheduleDelivery(_ context.Context, id uuid.UUID, attempt int, nextAttemptAt time.Time, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rescheduled = append(f.rescheduled, resched{id: id, attempt: attempt, next: nextAttemptAt, lastErr: lastErr})
	return nil
}

func (f *fakeDeliveryStore) BuryDelivery(_ context.Context, id uuid.UUID, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buried = append(f.buried, burial{id: id, lastErr: lastErr})
	return nil
}

// scriptedAdapter pops one result per Deliver call.
type scriptedAdapter struct {
	mu       sync.Mutex
	requests []adapter.Request
	script   []func() (adapter.Response, error)
}

func (a *scriptedAdapter) Kind() string { return adapter.KindWebhook }

func (a *scriptedAdapter) Deliver(_ context.Context, req adapter.Request) (adapter.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, req)
	if len(a.script) == 0 {
		return adapter.Response{Status: 200, Body: "ok"}, nil
	}
	next := a.script[0]
	a.script = a.script[1:]
	return next()
}

type dispatchHarness struct {
	dispatcher *Dispatcher
	store      *fakeDeliveryStore
	adapter    *scriptedAdapter
	clock      *clockwork.FakeClock
	delivery   store.Delivery
}

func newDispatchHarness(t *testing.T, opts ...func(*Config)) *dispatchHarness {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	automationID := uuid.New()
	delivery := store.Delivery{
		ID:            uuid.New(),
		AccountID:     uuid.New(),
		AutomationID:  automationID,
		RuleID:        uuid.New(),
		EventID:       uuid.New(),
		Status:        store.DeliveryInFlight,
		NextAttemptAt: clock.Now(),
	}

	fs := &fakeDeliveryStore{enriched: map[uuid.UUID]store.EnrichedDelivery{
		delivery.ID: {
			Automation: store.Automation{
				ID:      automationID,
				Kind:    adapter.KindWebhook,
				Config:  map[string]any{"url": "https://hooks.example.com/x"},
				Enabled: true,
			},
			EventType:    "enter",
			EventTs:      clock.Now(),
			DeviceID:     uuid.New(),
			DeviceName:   "tracker",
			GeofenceID:   uuid.New(),
			GeofenceName: "warehouse",
		},
	}}
	ad := &scriptedAdapter{}

	cfg := &Config{
		Logger:   slog.New(slog.DiscardHandler),
		Clock:    clock,
		Store:    fs,
		Registry: adapter.NewRegistry(ad),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	d, err := New(cfg)
	require.NoError(t, err)

	return &dispatchHarness{dispatcher: d, store: fs, adapter: ad, clock: clock, delivery: delivery}
}

func transientErr() (adapter.Response, error) {
	return adapter.Response{Status: 503}, errors.New("webhook returned 503")
}

func TestDispatch_SuccessCompletesDelivery(t *testing.T) {
	t.Parallel()

	h := newDispatchHarness(t)
	h.dispatcher.Process(context.Background(), h.delivery)

	require.Len(t, h.store.completed, 1)
	require.Equal(t, h.delivery.ID, h.store.completed[0].id)
	require.Equal(t, 200, h.store.completed[0].status)
	require.Empty(t, h.store.rescheduled)
	require.Empty(t, h.store.buried)

	req := h.adapter.requests[0]
	require.Equal(t, "enter", req.EventType)
	require.Equal(t, "tracker", req.DeviceName)
	require.Equal(t, "warehouse", req.GeofenceName)
}

func TestDispatch_TransientFailureThenSuccess(t *testing.T) {
	t.Parallel()

	h := newDispatchHarness(t)
	h.adapter.script = []func() (adapter.Response, error){transientErr}

	// First attempt fails transiently: back to pending at now + base delay.
	h.dispatcher.Process(context.Background(), h.delivery)
	require.Empty(t, h.store.completed)
	require.Len(t, h.store.rescheduled, 1)
	require.Equal(t, 1, h.store.rescheduled[0].attempt)
	require.Equal(t, h.clock.Now().Add(2*time.Second), h.store.rescheduled[0].next)
	require.Contains(t, h.store.rescheduled[0].lastErr, "503")

	// Redelivery at the bumped attempt succeeds.
	h.delivery.Attempt = 1
	h.dispatcher.Process(context.Background(), h.delivery)
	require.Len(t, h.store.completed, 1)
	require.Empty(t, h.store.buried)
}

func TestDispatch_RetryAfterHint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		after time.Duration
		want  time.Duration
	}{
		{name: "hint raises the delay", after: time.Minute, want: time.Minute},
		{name: "hint capped at backoff ceiling", after: time.Hour, want: 5 * time.Minute},
		{name: "short hint keeps the backoff", after: time.Second, want: 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newDispatchHarness(t)
			h.adapter.script = []func() (adapter.Response, error){
				func() (adapter.Response, error) {
					return adapter.Response{Status: 429}, &adapter.RetryAfterError{
						After: tt.after, Err: errors.New("webhook returned 429"),
					}
				},
			}

			h.dispatcher.Process(context.Background(), h.delivery)

			require.Len(t, h.store.rescheduled, 1)
			require.Equal(t, h.clock.Now().Add(tt.want), h.store.rescheduled[0].next)
			require.Contains(t, h.store.rescheduled[0].lastErr, "429")
		})
	}
}

func TestDispatch_BackoffDoublesPerAttempt(t *testing.T) {
	t.Parallel()

	h := newDispatchHarness(t, func(c *Config) {
		c.MaxAttempts = 10
		c.BackoffCap = 30 * time.Second
	})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 2 * time.Second},
		{attempt: 1, want: 4 * time.Second},
		{attempt: 2, want: 8 * time.Second},
		{attempt: 3, want: 16 * time.Second},
		{attempt: 4, want: 30 * time.Second},
		{attempt: 9, want: 30 * time.Second},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, h.dispatcher.backoffDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestDispatch_AttemptsExhaustedBuries(t *testing.T) {
	t.Parallel()

	h := newDispatchHarness(t)
	h.adapter.script = []func() (adapter.Response, error){transientErr}
	h.delivery.Attempt = 2 // third and final attempt

	h.dispatcher.Process(context.Background(), h.delivery)

	require.Empty(t, h.store.rescheduled)
	require.Len(t, h.store.buried, 1)
	require.Contains(t, h.store.buried[0].lastErr, "attempts exhausted")
}

func TestDispatch_PermanentFailureBuriesImmediately(t *testing.T) {
	t.Parallel()

	h := newDispatchHarness(t)
	h.adapter.script = []func() (adapter.Response, error){
		func() (adapter.Response, error) {
			return adapter.Response{Status: 404}, adapter.Permanent("webhook returned 404")
		},
	}

	h.dispatcher.Process(context.Background(), h.delivery)

	require.Empty(t, h.store.rescheduled)
	require.Len(t, h.store.buried, 1)
	require.Contains(t, h.store.buried[0].lastErr, "404")
}

func TestDispatch_MissingContextBuries(t *testing.T) {
	t.Parallel()

	t.Run("delivery context deleted", func(t *testing.T) {
		t.Parallel()
		h := newDispatchHarness(t)
		delete(h.store.enriched, h.delivery.ID)
		h.dispatcher.Process(context.Background(), h.delivery)
		require.Len(t, h.store.buried, 1)
		require.Contains(t, h.store.buried[0].lastErr, "deleted")
	})

	t.Run("automation disabled", func(t *testing.T) {
		t.Parallel()
		h := newDispatchHarness(t)
		e := h.store.enriched[h.delivery.ID]
		e.Automation.Enabled = false
		h.store.enriched[h.delivery.ID] = e
		h.dispatcher.Process(context.Background(), h.delivery)
		require.Len(t, h.store.buried, 1)
		require.Contains(t, h.store.buried[0].lastErr, "disabled")
	})

	t.Run("unknown adapter kind", func(t *testing.T) {
		t.Parallel()
		h := newDispatchHarness(t)
		e := h.store.enriched[h.delivery.ID]
		e.Automation.Kind = "carrier-pigeon"
		h.store.enriched[h.delivery.ID] = e
		h.dispatcher.Process(context.Background(), h.delivery)
		require.Len(t, h.store.buried, 1)
		require.Contains(t, h.store.buried[0].lastErr, "carrier-pigeon")
	})
}

func TestDispatch_SealedCredentialsOpenedForAdapter(t *testing.T) {
	t.Parallel()

	kb, err := adapter.NewKeybox("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	require.NoError(t, err)
	sealed, err := kb.Seal("Bearer secret-token")
	require.NoError(t, err)

	h := newDispatchHarness(t, func(c *Config) { c.Keybox = kb })
	e := h.store.enriched[h.delivery.ID]
	e.Automation.Config["credentials"] = map[string]any{"Authorization": sealed}
	h.store.enriched[h.delivery.ID] = e

	h.dispatcher.Process(context.Background(), h.delivery)

	require.Len(t, h.store.completed, 1)
	creds := h.adapter.requests[0].Config["credentials"].(map[string]any)
	require.Equal(t, "Bearer secret-token", creds["Authorization"])
}

func TestDispatch_BadCredentialsBury(t *testing.T) {
	t.Parallel()

	kb, err := adapter.NewKeybox("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	require.NoError(t, err)

	h := newDispatchHarness(t, func(c *Config) { c.Keybox = kb })
	e := h.store.enriched[h.delivery.ID]
	e.Automation.Config["credentials"] = map[string]any{"Authorization": "garbage"}
	h.store.enriched[h.delivery.ID] = e

	h.dispatcher.Process(context.Background(), h.delivery)

	require.Empty(t, h.adapter.requests)
	require.Len(t, h.store.buried, 1)
	require.Contains(t, h.store.buried[0].lastErr, "credentials")
}

func TestDispatch_TerminalOutcomeDropped(t *testing.T) {
	t.Parallel()

	h := newDispatchHarness(t)
	h.store.completeErr = store.ErrTerminal

	h.dispatcher.Process(context.Background(), h.delivery)

	// Settled by another worker: one write attempt, no retries, no fallback
	// to reschedule or bury.
	require.Equal(t, 1, h.store.completeCalls)
	require.Empty(t, h.store.rescheduled)
	require.Empty(t, h.store.buried)
}

func TestDispatch_TickFansOutClaimedBatch(t *testing.T) {
	t.Parallel()

	h := newDispatchHarness(t)
	second := store.Delivery{ID: uuid.New(), AutomationID: h.delivery.AutomationID}
	h.store.enriched[second.ID] = h.store.enriched[h.delivery.ID]
	h.store.due = []store.Delivery{h.delivery, second}

	pool := pond.NewPool(2)
	h.dispatcher.Tick(context.Background(), pool)
	pool.StopAndWait()

	require.Len(t, h.store.completed, 2)
	require.Empty(t, h.store.due)
}
