package model

import (
	"time"

	"github.com/google/uuid"
)

type ClaimFailure struct {
	ID           uuid.UUID   `db:"id"`
	AuctionID    int64       `db:"auction_id"`
	Address      string      `db:"address"` // lowercase hex
	FID          int64       `db:"fid"`
	Username     *string     `db:"username"`
	UserID       *string     `db:"user_id"`
	Source       ClaimSource `db:"source"`
	ClientIP     *string     `db:"client_ip"`
	WinningURL   *string     `db:"winning_url"`
	Amount       *string     `db:"amount"` // base units; nil until determined
	FailedStep   string      `db:"failed_step"`
	ErrorMessage *string     `db:"error_message"`
	Attempts     int         `db:"attempts"`
	LastTxHash   *string     `db:"last_tx_hash"`
	CreatedAt    time.Time   `db:"created_at"`
	UpdatedAt    time.Time   `db:"updated_at"`
}

// RetryStatus is the externally visible processing state of one claim
// failure, kept in redis under claim-retry-status:<failure_id>.
type RetryStatus struct {
	FailureID   uuid.UUID     `json:"failure_id"`
	Status      FailureStatus `json:"status"`
	Attempt     int           `json:"attempt"`
	NextRetryAt *time.Time    `json:"next_retry_at,omitempty"`
	TxHash      *string       `json:"tx_hash,omitempty"`
	Error       *string       `json:"error,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}
