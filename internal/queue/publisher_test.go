package queue

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPPublisher_Publish(t *testing.T) {
	var got publishRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/publish", r.URL.Path)
		assert.Equal(t, "Bearer qtok", r.Header.Get("Authorization"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(publishResponse{MessageID: "msg-42"})
	}))
	defer srv.Close()

	p := NewHTTPPublisher(srv.URL, "qtok", 5*time.Second, slog.Default())
	id, err := p.Publish(context.Background(), Message{
		URL:   "https://claimd.example/internal/claims/process",
		Body:  []byte(`{"failure_id":"abc","attempt":1}`),
		Delay: 5 * time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, "msg-42", id)
	assert.Equal(t, int64(300), got.DelaySeconds)
	assert.JSONEq(t, `{"failure_id":"abc","attempt":1}`, string(got.Body))
}

func TestHTTPPublisher_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "queue on fire", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewHTTPPublisher(srv.URL, "qtok", 5*time.Second, slog.Default())
	_, err := p.Publish(context.Background(), Message{URL: "u", Body: []byte(`{}`), Delay: time.Second})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}
