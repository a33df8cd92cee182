package claims

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upon-ly/qr-claimd/internal/alert"
)

func newTestHealth() (*Health, *fakeAlerter) {
	alerts := &fakeAlerter{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHealth(alerts, logger), alerts
}

func TestHealth_UnhealthyAfterConsecutiveFailures(t *testing.T) {
	h, alerts := newTestHealth()

	for i := 0; i < DefaultUnhealthyThreshold-1; i++ {
		h.RecordFailure()
	}
	assert.NotEqual(t, string(HealthStatusUnhealthy), h.Snapshot().Status)
	assert.Empty(t, alerts.byType(alert.AlertTypeUnhealthy))

	h.RecordFailure()
	snap := h.Snapshot()
	assert.Equal(t, string(HealthStatusUnhealthy), snap.Status)
	assert.Equal(t, DefaultUnhealthyThreshold, snap.ConsecutiveFailures)
	require.Len(t, alerts.byType(alert.AlertTypeUnhealthy), 1)

	// Further failures must not re-alert on every call.
	h.RecordFailure()
	assert.Len(t, alerts.byType(alert.AlertTypeUnhealthy), 1)
}

func TestHealth_RecoveryAlertsOnce(t *testing.T) {
	h, alerts := newTestHealth()

	for i := 0; i < DefaultUnhealthyThreshold; i++ {
		h.RecordFailure()
	}
	h.RecordSuccess()

	snap := h.Snapshot()
	assert.Equal(t, string(HealthStatusHealthy), snap.Status)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	require.Len(t, alerts.byType(alert.AlertTypeRecovery), 1)

	// A success from a healthy state is not a recovery.
	h.RecordSuccess()
	assert.Len(t, alerts.byType(alert.AlertTypeRecovery), 1)
}

func TestHealth_SuccessResetsFailureStreak(t *testing.T) {
	h, alerts := newTestHealth()

	for i := 0; i < DefaultUnhealthyThreshold-1; i++ {
		h.RecordFailure()
	}
	h.RecordSuccess()
	for i := 0; i < DefaultUnhealthyThreshold-1; i++ {
		h.RecordFailure()
	}
	assert.Empty(t, alerts.byType(alert.AlertTypeUnhealthy),
		"streak must restart after an interleaved success")
}

func TestHealth_SnapshotLatencyPercentile(t *testing.T) {
	h, _ := newTestHealth()

	for i := 1; i <= 10; i++ {
		h.RecordLatency(time.Duration(i) * time.Second)
	}
	snap := h.Snapshot()
	assert.InDelta(t, 9.0, snap.P95LatencySeconds, 1.01)
}

func TestHealth_SetInactive(t *testing.T) {
	h, _ := newTestHealth()
	h.RecordSuccess()
	h.SetInactive()
	assert.Equal(t, string(HealthStatusInactive), h.Snapshot().Status)
}
