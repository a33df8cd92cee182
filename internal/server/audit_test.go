package server

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func auditTestHandler(status int) (http.Handler, *bytes.Buffer) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	h := AuditMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	return h, &logBuf
}

func TestAudit_LogsMutatingRequests(t *testing.T) {
	handler, logBuf := auditTestHandler(http.StatusCreated)

	body := `{"address":"0xab00000000000000000000000000000000000012","reason":"abuse"}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/v1/bans", strings.NewReader(body)))

	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	out := logBuf.String()
	for _, want := range []string{"admin API audit", "POST", "/admin/v1/bans", "abuse"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in audit log, got: %s", want, out)
		}
	}
}

func TestAudit_SkipsReads(t *testing.T) {
	handler, logBuf := auditTestHandler(http.StatusOK)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/admin/v1/wallets", nil))
	if logBuf.Len() > 0 {
		t.Error("expected no audit log for GET request")
	}
}

func TestAudit_TruncatesLargeBody(t *testing.T) {
	handler, logBuf := auditTestHandler(http.StatusOK)

	largeBody := strings.Repeat("x", 2000)
	handler.ServeHTTP(httptest.NewRecorder(),
		httptest.NewRequest(http.MethodPost, "/admin/v1/bans", strings.NewReader(largeBody)))

	if !strings.Contains(logBuf.String(), "truncated") {
		t.Error("expected truncation indicator in audit log for large body")
	}
}

func TestAudit_CapturesResponseStatus(t *testing.T) {
	handler, logBuf := auditTestHandler(http.StatusBadRequest)

	handler.ServeHTTP(httptest.NewRecorder(),
		httptest.NewRequest(http.MethodDelete, "/admin/v1/bans/not-a-uuid", nil))

	if !strings.Contains(logBuf.String(), "400") {
		t.Error("expected response status 400 in audit log")
	}
}

func TestAudit_BodyRestoredForHandler(t *testing.T) {
	var seen string
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))
	handler := AuditMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := new(bytes.Buffer)
		b.ReadFrom(r.Body)
		seen = b.String()
		w.WriteHeader(http.StatusOK)
	}))

	body := `{"purpose":"web"}`
	handler.ServeHTTP(httptest.NewRecorder(),
		httptest.NewRequest(http.MethodPost, "/admin/v1/wallets/release", strings.NewReader(body)))

	if seen != body {
		t.Errorf("handler saw %q, want %q", seen, body)
	}
}
