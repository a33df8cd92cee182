package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/upon-ly/qr-claimd/internal/metrics"
)

// Message is one delayed delivery request: after Delay elapses the queue
// service POSTs Body to URL, signing the request with its current key.
type Message struct {
	URL   string
	Body  []byte
	Delay time.Duration
}

// Publisher schedules delayed callbacks. The queue delivers at-least-once;
// consumers defend with the per-failure dedup lock.
type Publisher interface {
	Publish(ctx context.Context, msg Message) (string, error)
}

// HTTPPublisher talks to the external delayed-queue service.
type HTTPPublisher struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

func NewHTTPPublisher(baseURL, token string, timeout time.Duration, logger *slog.Logger) *HTTPPublisher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPPublisher{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With("component", "queue_publisher"),
	}
}

type publishRequest struct {
	URL          string          `json:"url"`
	Body         json.RawMessage `json:"body"`
	DelaySeconds int64           `json:"delay_seconds"`
}

type publishResponse struct {
	MessageID string `json:"message_id"`
}

func (p *HTTPPublisher) Publish(ctx context.Context, msg Message) (string, error) {
	payload, err := json.Marshal(publishRequest{
		URL:          msg.URL,
		Body:         msg.Body,
		DelaySeconds: int64(msg.Delay / time.Second),
	})
	if err != nil {
		return "", fmt.Errorf("marshal publish request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/publish", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		metrics.QueuePublishedTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("publish to queue: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.QueuePublishedTotal.WithLabelValues("error").Inc()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("queue returned status %d: %s", resp.StatusCode, snippet)
	}

	var pr publishResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", fmt.Errorf("decode publish response: %w", err)
	}

	metrics.QueuePublishedTotal.WithLabelValues("ok").Inc()
	p.logger.Debug("delayed message published",
		"message_id", pr.MessageID, "delay", msg.Delay.String())
	return pr.MessageID, nil
}
