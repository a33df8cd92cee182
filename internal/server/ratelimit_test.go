package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestRateLimiter(t *testing.T) *RateLimitMiddleware {
	t.Helper()
	rl := NewRateLimitMiddleware(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(rl.Stop)
	return rl
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimit_AllowsNormalReads(t *testing.T) {
	rl := newTestRateLimiter(t)
	handler := rl.Wrap(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/v1/failures", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRateLimit_BlocksExcessiveForceReleases(t *testing.T) {
	rl := newTestRateLimiter(t)
	handler := rl.Wrap(okHandler())

	// Force-release allows a burst of 3; the fourth must be rejected.
	var last *httptest.ResponseRecorder
	for i := 0; i < 4; i++ {
		last = httptest.NewRecorder()
		handler.ServeHTTP(last, httptest.NewRequest(http.MethodPost, "/admin/v1/wallets/release", nil))
	}
	if last.Code != http.StatusTooManyRequests {
		t.Errorf("fourth request: expected 429, got %d", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on 429 response")
	}
}

func TestRateLimit_EndpointsIndependent(t *testing.T) {
	rl := newTestRateLimiter(t)
	handler := rl.Wrap(okHandler())

	for i := 0; i < 4; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/admin/v1/wallets/release", nil))
	}

	// Exhausting the release limiter must not touch the ban limiter.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/v1/bans", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("ban request: expected 200, got %d", rec.Code)
	}
}

func TestRateLimit_ClientsIndependent(t *testing.T) {
	rl := newTestRateLimiter(t)
	handler := rl.Wrap(okHandler())

	exhaust := httptest.NewRequest(http.MethodPost, "/admin/v1/wallets/release", nil)
	exhaust.Header.Set("X-Forwarded-For", "10.0.0.1")
	for i := 0; i < 4; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), exhaust)
	}

	other := httptest.NewRequest(http.MethodPost, "/admin/v1/wallets/release", nil)
	other.Header.Set("X-Forwarded-For", "10.0.0.2")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, other)
	if rec.Code != http.StatusOK {
		t.Errorf("different client: expected 200, got %d", rec.Code)
	}
}

func TestRateLimit_EvictsStaleLimiters(t *testing.T) {
	rl := newTestRateLimiter(t)
	handler := rl.Wrap(okHandler())

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/admin/v1/failures", nil))
	if rl.LimiterCount() != 1 {
		t.Fatalf("expected 1 limiter, got %d", rl.LimiterCount())
	}

	rl.nowFunc = func() time.Time { return time.Now().Add(staleLimiterTTL + time.Minute) }
	rl.evictStale()
	if rl.LimiterCount() != 0 {
		t.Errorf("expected stale limiter to be evicted, got %d", rl.LimiterCount())
	}
}
