package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Ban struct {
	ID        uuid.UUID       `db:"id"`
	FID       *int64          `db:"fid"`
	Address   *string         `db:"address"` // lowercase hex
	Username  *string         `db:"username"`
	Reason    string          `db:"reason"`
	Evidence  json.RawMessage `db:"evidence"`
	BannedBy  string          `db:"banned_by"`
	IsActive  bool            `db:"is_active"`
	CreatedAt time.Time       `db:"created_at"`
}

const (
	BanReasonDuplicateClaim = "duplicate_claim_race"
	BannedBySystem          = "system:auto_ban"
)

// DuplicateClaimEvidence is stored as the jsonb evidence payload when a
// concurrent-claim race triggers an automatic ban. Both transaction hashes
// are kept: the one already recorded and the one that lost the insert race.
type DuplicateClaimEvidence struct {
	AuctionID    int64    `json:"auction_id"`
	ExistingTx   string   `json:"existing_tx_hash"`
	DuplicateTx  string   `json:"duplicate_tx_hash"`
	TotalAmount  string   `json:"total_amount"`
	Addresses    []string `json:"addresses,omitempty"`
	DetectedAtMs int64    `json:"detected_at_ms"`
}
