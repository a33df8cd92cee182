package claims

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/upon-ly/qr-claimd/internal/alert"
	"github.com/upon-ly/qr-claimd/internal/metrics"
)

// HealthStatus represents the health state of the claim processor.
type HealthStatus string

const (
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
	HealthStatusInactive  HealthStatus = "INACTIVE"

	// DefaultUnhealthyThreshold is the number of consecutive processing
	// failures before the processor is considered unhealthy.
	DefaultUnhealthyThreshold = 5

	// latencyWindowSize is the number of recent latencies tracked.
	latencyWindowSize = 10
)

func healthStatusValue(s HealthStatus) float64 {
	switch s {
	case HealthStatusHealthy:
		return 1
	case HealthStatusUnhealthy:
		return 2
	case HealthStatusInactive:
		return 3
	default:
		return 0
	}
}

// Health tracks processing outcomes across callbacks. Contention statuses
// never count against it; only terminal failures do. Transitions into and
// out of unhealthy raise alerts.
type Health struct {
	mu                  sync.RWMutex
	status              HealthStatus
	consecutiveFailures int
	lastSuccessAt       *time.Time
	lastFailureAt       *time.Time
	unhealthyThreshold  int
	recentLatencies     []time.Duration

	alerter alert.Alerter
	logger  *slog.Logger
	nowFn   func() time.Time
}

func NewHealth(alerter alert.Alerter, logger *slog.Logger) *Health {
	return &Health{
		status:             HealthStatusUnknown,
		unhealthyThreshold: DefaultUnhealthyThreshold,
		recentLatencies:    make([]time.Duration, 0, latencyWindowSize),
		alerter:            alerter,
		logger:             logger.With("component", "processor_health"),
		nowFn:              time.Now,
	}
}

// RecordSuccess records a successfully resolved claim. A recovery out of the
// unhealthy state sends a RECOVERY alert.
func (h *Health) RecordSuccess() {
	h.mu.Lock()
	now := h.nowFn()
	wasUnhealthy := h.status == HealthStatusUnhealthy
	h.consecutiveFailures = 0
	h.lastSuccessAt = &now
	h.status = HealthStatusHealthy
	h.publishGauges()
	h.mu.Unlock()

	if wasUnhealthy {
		h.logger.Info("processor recovered")
		h.send(alert.AlertTypeRecovery, "Claim processor recovered",
			"Processing resumed after a run of consecutive failures")
	}
}

// RecordFailure records a terminally failed claim. Crossing the threshold
// sends an UNHEALTHY alert once per transition.
func (h *Health) RecordFailure() {
	h.mu.Lock()
	now := h.nowFn()
	h.consecutiveFailures++
	h.lastFailureAt = &now
	transitioned := false
	if h.consecutiveFailures >= h.unhealthyThreshold && h.status != HealthStatusUnhealthy {
		h.status = HealthStatusUnhealthy
		transitioned = true
	}
	failures := h.consecutiveFailures
	h.publishGauges()
	h.mu.Unlock()

	if transitioned {
		h.logger.Error("processor unhealthy", "consecutive_failures", failures)
		h.send(alert.AlertTypeUnhealthy, "Claim processor unhealthy",
			"Consecutive claim failures crossed the alert threshold")
	}
}

// RecordLatency appends one processing latency to the rolling window.
func (h *Health) RecordLatency(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.recentLatencies) >= latencyWindowSize {
		h.recentLatencies = h.recentLatencies[1:]
	}
	h.recentLatencies = append(h.recentLatencies, d)
}

// SetInactive marks the processor as deliberately not running (shutdown).
func (h *Health) SetInactive() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = HealthStatusInactive
	h.publishGauges()
}

// publishGauges mirrors state into prometheus. Must be called with mu held.
func (h *Health) publishGauges() {
	metrics.ProcessorHealthStatus.Set(healthStatusValue(h.status))
	metrics.ProcessorConsecutiveFailures.Set(float64(h.consecutiveFailures))
}

func (h *Health) send(typ alert.AlertType, title, message string) {
	if h.alerter == nil {
		return
	}
	_ = h.alerter.Send(context.Background(), alert.Alert{
		Type:     typ,
		Identity: "claim_processor",
		Title:    title,
		Message:  message,
	})
}

// Snapshot returns the current health state for the /healthz endpoint.
func (h *Health) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthSnapshot{
		Status:              string(h.status),
		ConsecutiveFailures: h.consecutiveFailures,
		LastSuccessAt:       h.lastSuccessAt,
		LastFailureAt:       h.lastFailureAt,
		P95LatencySeconds:   h.percentileLatency(95).Seconds(),
	}
}

// percentileLatency computes the given percentile from recent latencies.
// Must be called with mu held.
func (h *Health) percentileLatency(pct int) time.Duration {
	n := len(h.recentLatencies)
	if n == 0 {
		return 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, h.recentLatencies)
	sortDurations(sorted)
	idx := (pct*n - 1) / 100
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

func sortDurations(d []time.Duration) {
	for i := 1; i < len(d); i++ {
		key := d[i]
		j := i - 1
		for j >= 0 && d[j] > key {
			d[j+1] = d[j]
			j--
		}
		d[j+1] = key
	}
}

// HealthSnapshot is a point-in-time view of processor health (JSON-safe).
type HealthSnapshot struct {
	Status              string     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	P95LatencySeconds   float64    `json:"p95_latency_seconds"`
}
