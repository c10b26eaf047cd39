package gemini

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/clawbridge/clawbridge/internal/metrics"
)

// HealthState describes a model's availability.
type HealthState int

const (
	Healthy HealthState = iota
	TransientRetry
	Terminal
)

func (s HealthState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case TransientRetry:
		return "transient_retry"
	case Terminal:
		return "terminal"
	}
	return "unknown"
}

// ModelStatus is one tracked model's current health.
type ModelStatus struct {
	State     HealthState `json:"state"`
	Reason    string      `json:"reason,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// HealthTracker tracks per-model health. Terminal is absorbing: once a model
// reports an unrecoverable quota or eligibility error it stays unavailable
// until restart.
type HealthTracker struct {
	mu     sync.RWMutex
	models map[string]ModelStatus
}

func NewHealthTracker() *HealthTracker {
	return &HealthTracker{models: make(map[string]ModelStatus)}
}

// MarkHealthy resets an existing entry to Healthy. Models that never
// reported a problem are not tracked.
func (h *HealthTracker) MarkHealthy(model string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.models[model]
	if !ok || st.State == Terminal {
		return
	}
	h.set(model, ModelStatus{State: Healthy, UpdatedAt: time.Now()})
}

// MarkTransient records a retryable failure unless the model is Terminal.
func (h *HealthTracker) MarkTransient(model, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.models[model]; ok && st.State == Terminal {
		return
	}
	h.set(model, ModelStatus{State: TransientRetry, Reason: reason, UpdatedAt: time.Now()})
}

// MarkTerminal records an unrecoverable failure.
func (h *HealthTracker) MarkTerminal(model, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	slog.Warn("model marked terminal", "model", model, "reason", reason)
	h.set(model, ModelStatus{State: Terminal, Reason: reason, UpdatedAt: time.Now()})
}

// IsAvailable reports whether the model may serve requests.
func (h *HealthTracker) IsAvailable(model string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.models[model]
	return !ok || st.State != Terminal
}

// Snapshot returns a copy of all tracked entries.
func (h *HealthTracker) Snapshot() map[string]ModelStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]ModelStatus, len(h.models))
	for k, v := range h.models {
		out[k] = v
	}
	return out
}

// set stores st and mirrors it into the health gauge; callers hold the lock.
func (h *HealthTracker) set(model string, st ModelStatus) {
	h.models[model] = st
	metrics.ModelHealth.WithLabelValues(model).Set(float64(st.State))
}

// Classify maps an upstream failure status+body into a health transition.
func (h *HealthTracker) Classify(model string, status int, body string) {
	switch {
	case status == 429 && IsDailyQuotaExhausted(body):
		h.MarkTerminal(model, "daily quota exhausted")
	case status == 429:
		h.MarkTransient(model, "rate limited")
	case status >= 500:
		h.MarkTransient(model, "upstream 5xx")
	}
}

// IsDailyQuotaExhausted detects the daily/terminal flavor of a 429 body.
func IsDailyQuotaExhausted(body string) bool {
	if strings.Contains(body, "PerDay") || strings.Contains(body, "daily") {
		return true
	}
	return strings.Contains(body, "RESOURCE_EXHAUSTED") && strings.Contains(body, "quota")
}
