package adapter

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	KindWebhook = "webhook"

	defaultWebhookTimeout = 30 * time.Second
	maxResponseSnapshot   = 4096
)

type WebhookConfig struct {
	Clock   clockwork.Clock
	Timeout time.Duration
	// Client overrides the HTTP client, for tests.
	Client *http.Client
}

type Webhook struct {
	clock  clockwork.Clock
	client *http.Client
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Timeout: cfg.Timeout,
			// One redirect hop, no more.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) > 1 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		}
	}
	return &Webhook{clock: cfg.Clock, client: client}
}

func (w *Webhook) Kind() string { return KindWebhook }

func (w *Webhook) Deliver(ctx context.Context, req Request) (Response, error) {
	url, _ := req.Config["url"].(string)
	if url == "" {
		return Response{}, Permanent("webhook automation %s has no url", req.AutomationID)
	}

	body, err := w.renderBody(req)
	if err != nil {
		return Response{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, Permanent("failed to build webhook request: %v", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if headers, ok := req.Config["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				httpReq.Header.Set(k, s)
			}
		}
	}
	// Credentials arrive already opened by the dispatcher keybox and are
	// carried as extra headers, typically an Authorization value.
	if creds, ok := req.Config["credentials"].(map[string]any); ok {
		for k, v := range creds {
			if s, ok := v.(string); ok {
				httpReq.Header.Set(k, s)
			}
		}
	}

	// The signature covers the exact request body, keyed by the automation ID
	// so the receiver can verify without a shared secret exchange.
	mac := hmac.New(sha256.New, []byte(req.AutomationID))
	mac.Write(body)
	httpReq.Header.Set("X-GeoFence-Signature", hex.EncodeToString(mac.Sum(nil)))
	httpReq.Header.Set("X-GeoFence-Timestamp", strconv.FormatInt(w.clock.Now().UnixMilli(), 10))

	resp, err := w.client.Do(httpReq)
	if err != nil {
		// Timeouts and network errors are transient.
		return Response{}, fmt.Errorf("webhook request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	snapshot, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSnapshot))
	out := Response{Status: resp.StatusCode, Body: string(snapshot)}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return out, nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		err := fmt.Errorf("webhook returned %d", resp.StatusCode)
		if after, ok := w.retryAfter(resp); ok {
			return out, &RetryAfterError{After: after, Err: err}
		}
		return out, err
	default:
		return out, Permanent("webhook returned %d", resp.StatusCode)
	}
}

// retryAfter parses a Retry-After header, either delay-seconds or an
// HTTP-date, into the pause the sink asked for.
func (w *Webhook) retryAfter(resp *http.Response) (time.Duration, bool) {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(w.clock.Now()); d > 0 {
			return d, true
		}
	}
	return 0, false
}

// renderBody produces the request body: the user template with variables
// substituted when one is configured, otherwise the default envelope. A
// rendered template must itself be valid JSON.
func (w *Webhook) renderBody(req Request) ([]byte, error) {
	template, _ := req.Config["template"].(string)
	if template == "" {
		body, err := json.Marshal(map[string]any{
			"event":        req.EventType,
			"device":       req.DeviceName,
			"deviceId":     req.DeviceID,
			"geofence":     req.GeofenceName,
			"geofenceId":   req.GeofenceID,
			"timestamp":    req.EventTs.UTC().Format(time.RFC3339),
			"dwellSeconds": req.DwellSeconds,
		})
		if err != nil {
			return nil, Permanent("failed to encode envelope: %v", err)
		}
		return body, nil
	}

	rendered := RenderTemplate(template, req)
	if !json.Valid([]byte(rendered)) {
		return nil, Permanent("rendered webhook template is not valid JSON")
	}
	return []byte(rendered), nil
}

// RenderTemplate substitutes the supported {{variable}} placeholders. Values
// are JSON-escaped so substitution cannot break the surrounding document.
func RenderTemplate(template string, req Request) string {
	return strings.NewReplacer(
		"{{device}}", jsonEscape(req.DeviceName),
		"{{geofence}}", jsonEscape(req.GeofenceName),
		"{{event}}", jsonEscape(req.EventType),
		"{{timestamp}}", req.EventTs.UTC().Format(time.RFC3339),
		"{{deviceId}}", req.DeviceID,
		"{{geofenceId}}", req.GeofenceID,
		"{{dwellSeconds}}", strconv.FormatInt(req.DwellSeconds, 10),
	).Replace(template)
}

func jsonEscape(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return s
	}
	// Trim the surrounding quotes; templates place their own.
	return string(b[1 : len(b)-1])
}
