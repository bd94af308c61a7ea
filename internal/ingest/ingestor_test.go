package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/zoneflow/zoneflow/internal/schema"
	"github.com/zoneflow/zoneflow/internal/store"
)

type fakeDeviceSource struct {
	devices map[string]store.Device // accountID/deviceKey
	err     error
	lookups int
}

func (f *fakeDeviceSource) LookupPairedDevice(_ context.Context, accountID uuid.UUID, deviceKey string) (store.Device, error) {
	f.lookups++
	if f.err != nil {
		return store.Device{}, f.err
	}
	d, ok := f.devices[accountID.String()+"/"+deviceKey]
	if !ok {
		return store.Device{}, store.ErrNotFound
	}
	return d, nil
}

type fakeDLQ struct {
	entries []string
	errs    []string
	err     error
}

func (f *fakeDLQ) InsertDLQ(_ context.Context, _ *uuid.UUID, _ store.DLQOrigin, payload, errText string) error {
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, payload)
	f.errs = append(f.errs, errText)
	return nil
}

type fakeProducer struct {
	topics []string
	keys   []string
	values [][]byte
	err    error
}

func (f *fakeProducer) ProduceSync(_ context.Context, topic string, key, value []byte) error {
	if f.err != nil {
		return f.err
	}
	f.topics = append(f.topics, topic)
	f.keys = append(f.keys, string(key))
	f.values = append(f.values, value)
	return nil
}

type fakeSeen struct {
	touched int
}

func (f *fakeSeen) TouchDeviceSeen(_ context.Context, _ uuid.UUID, _ time.Time, _, _ float64) error {
	f.touched++
	return nil
}

type ingestHarness struct {
	ingestor *Ingestor
	source   *fakeDeviceSource
	dlq      *fakeDLQ
	producer *fakeProducer
	seen     *fakeSeen
	account  uuid.UUID
	device   store.Device
}

const testDeviceKey = "test-device-key-0001"

func newIngestHarness(t *testing.T) *ingestHarness {
	t.Helper()

	account := uuid.New()
	device := store.Device{
		ID:        uuid.New(),
		AccountID: account,
		Name:      "tracker",
		DeviceKey: testDeviceKey,
		IsPaired:  true,
	}

	log := slog.New(slog.DiscardHandler)
	source := &fakeDeviceSource{devices: map[string]store.Device{
		account.String() + "/" + testDeviceKey: device,
	}}
	resolver, err := NewDeviceResolver(log, source, time.Minute)
	require.NoError(t, err)
	t.Cleanup(resolver.Stop)

	dlq := &fakeDLQ{}
	producer := &fakeProducer{}
	seen := &fakeSeen{}

	ingestor, err := NewIngestor(&Config{
		Logger:      log,
		Resolver:    resolver,
		DLQ:         dlq,
		Seen:        seen,
		Producer:    producer,
		RawFixTopic: "geofence.fixes",
	})
	require.NoError(t, err)

	return &ingestHarness{
		ingestor: ingestor,
		source:   source,
		dlq:      dlq,
		producer: producer,
		seen:     seen,
		account:  account,
		device:   device,
	}
}

func signedPayload(t *testing.T, key string) []byte {
	t.Helper()
	body := `{"v":1,"ts":"2025-06-01T12:00:00Z","lat":37.7749,"lon":-122.4194,"batteryPct":72}`
	sig, err := schema.SignPayload(key, []byte(body))
	require.NoError(t, err)
	return []byte(body[:len(body)-1] + `,"sig":"` + sig + `"}`)
}

func (h *ingestHarness) subject() string {
	return fmt.Sprintf("geofence.%s.%s", h.account, testDeviceKey)
}

func TestIngest_AcceptsSignedFix(t *testing.T) {
	t.Parallel()

	h := newIngestHarness(t)
	payload := signedPayload(t, testDeviceKey)

	require.NoError(t, h.ingestor.HandleMessage(context.Background(), h.subject(), payload))

	require.Len(t, h.producer.values, 1)
	require.Equal(t, "geofence.fixes", h.producer.topics[0])
	require.Equal(t, h.device.ID.String(), h.producer.keys[0])

	var raw schema.RawFix
	require.NoError(t, json.Unmarshal(h.producer.values[0], &raw))
	require.Equal(t, h.account.String(), raw.AccountID)
	require.Equal(t, h.device.ID.String(), raw.DeviceID)
	require.InDelta(t, 37.7749, raw.Lat, 1e-9)
	require.NotNil(t, raw.BatteryPct)

	require.Empty(t, h.dlq.entries)
	require.Equal(t, 1, h.seen.touched)
}

func TestIngest_MirrorSubjectAccepted(t *testing.T) {
	t.Parallel()

	h := newIngestHarness(t)
	subject := fmt.Sprintf("ws.geofence.%s.%s", h.account, testDeviceKey)
	require.NoError(t, h.ingestor.HandleMessage(context.Background(), subject, signedPayload(t, testDeviceKey)))
	require.Len(t, h.producer.values, 1)
}

func TestIngest_SignatureMismatchGoesToDLQ(t *testing.T) {
	t.Parallel()

	h := newIngestHarness(t)
	payload := signedPayload(t, testDeviceKey)

	// Flip one hex character of the signature.
	idx := len(payload) - 3
	if payload[idx] == 'a' {
		payload[idx] = 'b'
	} else {
		payload[idx] = 'a'
	}

	// Acked (nil) because the payload is unsalvageable and now dead-lettered.
	require.NoError(t, h.ingestor.HandleMessage(context.Background(), h.subject(), payload))

	require.Empty(t, h.producer.values)
	require.Len(t, h.dlq.entries, 1)
	require.Contains(t, h.dlq.errs[0], "signature mismatch")
}

func TestIngest_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		subject func(h *ingestHarness) string
		payload func(t *testing.T, h *ingestHarness) []byte
		wantErr string
	}{
		{
			name:    "bad subject",
			subject: func(h *ingestHarness) string { return "geofence.not-enough" },
			payload: func(t *testing.T, h *ingestHarness) []byte { return signedPayload(t, testDeviceKey) },
			wantErr: "does not match",
		},
		{
			name: "unknown device key",
			subject: func(h *ingestHarness) string {
				return fmt.Sprintf("geofence.%s.unknown-device-key-1", h.account)
			},
			payload: func(t *testing.T, h *ingestHarness) []byte { return signedPayload(t, testDeviceKey) },
			wantErr: "unknown or unpaired",
		},
		{
			name:    "wrong tenant in subject",
			subject: func(h *ingestHarness) string { return fmt.Sprintf("geofence.%s.%s", uuid.New(), testDeviceKey) },
			payload: func(t *testing.T, h *ingestHarness) []byte { return signedPayload(t, testDeviceKey) },
			wantErr: "unknown or unpaired",
		},
		{
			name:    "malformed json",
			subject: func(h *ingestHarness) string { return h.subject() },
			payload: func(t *testing.T, h *ingestHarness) []byte { return []byte("{") },
			wantErr: "failed to decode",
		},
		{
			name:    "latitude out of range",
			subject: func(h *ingestHarness) string { return h.subject() },
			payload: func(t *testing.T, h *ingestHarness) []byte {
				body := `{"v":1,"ts":"2025-06-01T12:00:00Z","lat":95,"lon":0}`
				sig, err := schema.SignPayload(testDeviceKey, []byte(body))
				require.NoError(t, err)
				return []byte(body[:len(body)-1] + `,"sig":"` + sig + `"}`)
			},
			wantErr: "latitude",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newIngestHarness(t)
			err := h.ingestor.HandleMessage(context.Background(), tt.subject(h), tt.payload(t, h))
			require.NoError(t, err)
			require.Empty(t, h.producer.values)
			require.Len(t, h.dlq.entries, 1)
			require.Contains(t, h.dlq.errs[0], tt.wantErr)
		})
	}
}

func TestIngest_TransientFailuresBlockAck(t *testing.T) {
	t.Parallel()

	t.Run("produce failure", func(t *testing.T) {
		t.Parallel()
		h := newIngestHarness(t)
		h.producer.err = errors.New("broker unavailable")
		err := h.ingestor.HandleMessage(context.Background(), h.subject(), signedPayload(t, testDeviceKey))
		require.ErrorContains(t, err, "broker unavailable")
		require.Empty(t, h.dlq.entries)
	})

	t.Run("store unavailable", func(t *testing.T) {
		t.Parallel()
		h := newIngestHarness(t)
		h.source.err = errors.New("connection refused")
		err := h.ingestor.HandleMessage(context.Background(), h.subject(), signedPayload(t, testDeviceKey))
		require.ErrorContains(t, err, "connection refused")
		require.Empty(t, h.dlq.entries)
	})

	t.Run("dlq write failure", func(t *testing.T) {
		t.Parallel()
		h := newIngestHarness(t)
		h.dlq.err = errors.New("disk full")
		err := h.ingestor.HandleMessage(context.Background(), h.subject(), []byte("{"))
		require.ErrorContains(t, err, "disk full")
	})
}

func TestIngest_DeviceCacheAvoidsRepeatLookups(t *testing.T) {
	t.Parallel()

	h := newIngestHarness(t)
	for range 3 {
		require.NoError(t, h.ingestor.HandleMessage(context.Background(), h.subject(), signedPayload(t, testDeviceKey)))
	}
	require.Equal(t, 1, h.source.lookups)
}

func TestIngest_ParseSubject(t *testing.T) {
	t.Parallel()

	account := uuid.New()

	tests := []struct {
		name    string
		subject string
		wantErr bool
	}{
		{name: "primary prefix", subject: "geofence." + account.String() + ".key-1"},
		{name: "mirror prefix", subject: "ws.geofence." + account.String() + ".key-1"},
		{name: "missing key", subject: "geofence." + account.String(), wantErr: true},
		{name: "extra segment", subject: "geofence." + account.String() + ".a.b", wantErr: true},
		{name: "wrong prefix", subject: "telemetry." + account.String() + ".key-1", wantErr: true},
		{name: "non-uuid account", subject: "geofence.acme.key-1", wantErr: true},
		{name: "empty", subject: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gotAccount, gotKey, err := ParseSubject(tt.subject)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, account, gotAccount)
			require.Equal(t, "key-1", gotKey)
		})
	}
}
