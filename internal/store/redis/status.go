package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/upon-ly/qr-claimd/internal/domain/model"
)

const (
	statusKeyPrefix = "claim-retry-status:"
	statusTTL       = 24 * time.Hour
)

// ErrStatusNotFound is returned when no retry status exists for a failure id.
var ErrStatusNotFound = errors.New("retry status not found")

// StatusStore keeps the externally visible RetryStatus of each claim failure.
// Entries expire a day after the last transition; terminal statuses linger
// that long so clients polling after resolution still see the outcome.
type StatusStore struct {
	client *redis.Client
	nowFn  func() time.Time
}

func NewStatusStore(c *Client) *StatusStore {
	return &StatusStore{client: c.client, nowFn: time.Now}
}

func (s *StatusStore) Set(ctx context.Context, st *model.RetryStatus) error {
	st.UpdatedAt = s.nowFn().UTC()
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal retry status: %w", err)
	}
	key := statusKeyPrefix + st.FailureID.String()
	if err := s.client.Set(ctx, key, payload, statusTTL).Err(); err != nil {
		return fmt.Errorf("set retry status %s: %w", key, err)
	}
	return nil
}

func (s *StatusStore) Get(ctx context.Context, failureID uuid.UUID) (*model.RetryStatus, error) {
	key := statusKeyPrefix + failureID.String()
	payload, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStatusNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get retry status %s: %w", key, err)
	}
	var st model.RetryStatus
	if err := json.Unmarshal(payload, &st); err != nil {
		return nil, fmt.Errorf("unmarshal retry status %s: %w", key, err)
	}
	return &st, nil
}
