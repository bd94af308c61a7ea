package adapter

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func testRequest(config map[string]any) Request {
	return Request{
		AutomationID: "7a1d2c3e-0000-0000-0000-000000000001",
		Config:       config,
		EventType:    "enter",
		EventTs:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		DeviceID:     "dev-1",
		DeviceName:   "tracker",
		GeofenceID:   "zone-1",
		GeofenceName: "warehouse",
		DwellSeconds: 0,
	}
}

func TestWebhook_DefaultEnvelope(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 5, 0, time.UTC))

	var gotBody []byte
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	wh := NewWebhook(WebhookConfig{Clock: clock})
	req := testRequest(map[string]any{"url": srv.URL})

	resp, err := wh.Deliver(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, `{"ok":true}`, resp.Body)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &envelope))
	require.Equal(t, "enter", envelope["event"])
	require.Equal(t, "tracker", envelope["device"])
	require.Equal(t, "warehouse", envelope["geofence"])
	require.Equal(t, "2025-06-01T12:00:00Z", envelope["timestamp"])

	require.Equal(t, "application/json", gotHeader.Get("Content-Type"))
	require.Equal(t, "1748779205000", gotHeader.Get("X-GeoFence-Timestamp"))

	mac := hmac.New(sha256.New, []byte(req.AutomationID))
	mac.Write(gotBody)
	require.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotHeader.Get("X-GeoFence-Signature"))
}

func TestWebhook_TemplateRendering(t *testing.T) {
	t.Parallel()

	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := NewWebhook(WebhookConfig{})
	req := testRequest(map[string]any{
		"url":      srv.URL,
		"template": `{"text":"{{device}} {{event}}ed {{geofence}} at {{timestamp}} after {{dwellSeconds}}s"}`,
	})
	req.DwellSeconds = 300

	_, err := wh.Deliver(context.Background(), req)
	require.NoError(t, err)
	require.JSONEq(t, `{"text":"tracker entered warehouse at 2025-06-01T12:00:00Z after 300s"}`, string(gotBody))
}

func TestWebhook_TemplateEscapesValues(t *testing.T) {
	t.Parallel()

	req := testRequest(map[string]any{"template": `{"name":"{{device}}"}`})
	req.DeviceName = `the "big" tracker`

	rendered := RenderTemplate(req.Config["template"].(string), req)
	require.True(t, json.Valid([]byte(rendered)))

	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(rendered), &got))
	require.Equal(t, `the "big" tracker`, got["name"])
}

func TestWebhook_InvalidRenderedTemplateIsPermanent(t *testing.T) {
	t.Parallel()

	wh := NewWebhook(WebhookConfig{})
	req := testRequest(map[string]any{
		"url":      "http://localhost:1",
		"template": `not json at all {{event}}`,
	})

	_, err := wh.Deliver(context.Background(), req)
	require.Error(t, err)
	require.True(t, IsPermanent(err))
}

func TestWebhook_MissingURLIsPermanent(t *testing.T) {
	t.Parallel()

	wh := NewWebhook(WebhookConfig{})
	_, err := wh.Deliver(context.Background(), testRequest(map[string]any{}))
	require.Error(t, err)
	require.True(t, IsPermanent(err))
}

func TestWebhook_StatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		wantErr   bool
		permanent bool
	}{
		{name: "200 ok", status: http.StatusOK},
		{name: "204 no content", status: http.StatusNoContent},
		{name: "404 permanent", status: http.StatusNotFound, wantErr: true, permanent: true},
		{name: "410 permanent", status: http.StatusGone, wantErr: true, permanent: true},
		{name: "408 transient", status: http.StatusRequestTimeout, wantErr: true},
		{name: "429 transient", status: http.StatusTooManyRequests, wantErr: true},
		{name: "500 transient", status: http.StatusInternalServerError, wantErr: true},
		{name: "503 transient", status: http.StatusServiceUnavailable, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			wh := NewWebhook(WebhookConfig{})
			resp, err := wh.Deliver(context.Background(), testRequest(map[string]any{"url": srv.URL}))
			if !tt.wantErr {
				require.NoError(t, err)
				require.Equal(t, tt.status, resp.Status)
				return
			}
			require.Error(t, err)
			require.Equal(t, tt.permanent, IsPermanent(err))
		})
	}
}

func TestWebhook_RetryAfterHeader(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	tests := []struct {
		name     string
		header   string
		want     time.Duration
		wantHint bool
	}{
		{name: "delay seconds", header: "45", want: 45 * time.Second, wantHint: true},
		{name: "http date", header: "Sun, 01 Jun 2025 12:02:00 GMT", want: 2 * time.Minute, wantHint: true},
		{name: "date in the past", header: "Sun, 01 Jun 2025 11:00:00 GMT"},
		{name: "zero seconds", header: "0"},
		{name: "garbage", header: "soon"},
		{name: "absent", header: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.WriteHeader(http.StatusTooManyRequests)
			}))
			defer srv.Close()

			wh := NewWebhook(WebhookConfig{Clock: clock})
			_, err := wh.Deliver(context.Background(), testRequest(map[string]any{"url": srv.URL}))
			require.Error(t, err)
			require.False(t, IsPermanent(err))

			after, ok := RetryAfterHint(err)
			require.Equal(t, tt.wantHint, ok)
			if tt.wantHint {
				require.Equal(t, tt.want, after)
			}
		})
	}
}

func TestWebhook_NetworkFailureIsTransient(t *testing.T) {
	t.Parallel()

	wh := NewWebhook(WebhookConfig{Timeout: time.Second})
	// Reserved port, nothing listens here.
	_, err := wh.Deliver(context.Background(), testRequest(map[string]any{"url": "http://127.0.0.1:1"}))
	require.Error(t, err)
	require.False(t, IsPermanent(err))
}

func TestWebhook_CustomHeadersAndCredentials(t *testing.T) {
	t.Parallel()

	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(WebhookConfig{})
	_, err := wh.Deliver(context.Background(), testRequest(map[string]any{
		"url":         srv.URL,
		"headers":     map[string]any{"X-Team": "ops"},
		"credentials": map[string]any{"Authorization": "Bearer secret-token"},
	}))
	require.NoError(t, err)
	require.Equal(t, "ops", gotHeader.Get("X-Team"))
	require.Equal(t, "Bearer secret-token", gotHeader.Get("Authorization"))
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	wh := NewWebhook(WebhookConfig{})
	reg := NewRegistry(wh)

	got, ok := reg.Get(KindWebhook)
	require.True(t, ok)
	require.Same(t, wh, got.(*Webhook))

	_, ok = reg.Get("carrier-pigeon")
	require.False(t, ok)
}
