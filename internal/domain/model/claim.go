package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Claim struct {
	ID        uuid.UUID   `db:"id"`
	AuctionID int64       `db:"auction_id"`
	Address   string      `db:"address"` // lowercase hex
	FID       int64       `db:"fid"`     // 0 when the claimer has no farcaster identity
	Username  *string     `db:"username"`
	UserID    *string     `db:"user_id"`
	Amount    string      `db:"amount"` // NUMERIC(78,0) as string, base units
	TxHash    string      `db:"tx_hash"`
	Source    ClaimSource `db:"source"`
	Success   bool        `db:"success"`
	ClaimedAt time.Time   `db:"claimed_at"`
	CreatedAt time.Time   `db:"created_at"`

	// Forensics metadata, all nullable: the client IP the claim originated
	// from and the identity-score inputs the payout amount was priced on.
	ClientIP  *string  `db:"client_ip"`
	ScoreUsed *float64 `db:"score_used"`
	SpamLabel *int64   `db:"spam_label"`
}

// NormalizeAddress lowercases a hex address so the (address, auction_id)
// uniqueness constraint cannot be dodged by checksum casing.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
