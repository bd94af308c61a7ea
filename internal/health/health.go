// Package health serves the liveness endpoint: each service registers probes
// for its dependencies and the handler reports them as one JSON document,
// 200 when everything passes and 503 otherwise.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const probeTimeout = 3 * time.Second

// Probe checks one dependency. A nil error means healthy.
type Probe func(ctx context.Context) error

// Metric supplies one inline health metric, sampled per request.
type Metric func() any

type Handler struct {
	log     *slog.Logger
	clock   clockwork.Clock
	started time.Time

	mu      sync.RWMutex
	probes  map[string]Probe
	metrics map[string]Metric
}

type report struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Metrics    map[string]any    `json:"metrics"`
}

func NewHandler(log *slog.Logger, clock clockwork.Clock) *Handler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Handler{
		log:     log,
		clock:   clock,
		started: clock.Now(),
		probes:  map[string]Probe{},
		metrics: map[string]Metric{},
	}
}

// Register adds a named probe. Safe to call while serving.
func (h *Handler) Register(name string, probe Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[name] = probe
}

// RegisterMetric adds a named inline metric to the health payload. The full
// series live on /metrics; these are the handful worth seeing at a glance.
func (h *Handler) RegisterMetric(name string, metric Metric) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metrics[name] = metric
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	h.mu.RLock()
	probes := make(map[string]Probe, len(h.probes))
	for name, p := range h.probes {
		probes[name] = p
	}
	metrics := make(map[string]Metric, len(h.metrics))
	for name, m := range h.metrics {
		metrics[name] = m
	}
	h.mu.RUnlock()

	out := report{
		Status:     "ok",
		Components: make(map[string]string, len(probes)),
		Metrics:    map[string]any{"uptimeSeconds": int64(h.clock.Now().Sub(h.started).Seconds())},
	}
	for name, probe := range probes {
		if err := probe(ctx); err != nil {
			out.Status = "degraded"
			out.Components[name] = err.Error()
			h.log.Warn("health probe failed", "component", name, "error", err)
			continue
		}
		out.Components[name] = "ok"
	}
	for name, metric := range metrics {
		out.Metrics[name] = metric()
	}

	w.Header().Set("Content-Type", "application/json")
	if out.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(out); err != nil {
		h.log.Warn("failed to write health response", "error", err)
	}
}
