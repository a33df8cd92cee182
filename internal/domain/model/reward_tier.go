package model

import "time"

// RewardTier is an operator-tunable amount override for one (source, tier)
// pair. When no row exists the processor falls back to compiled defaults.
type RewardTier struct {
	Source    ClaimSource `db:"source"`
	Tier      string      `db:"tier"`
	Amount    int64       `db:"amount"` // whole tokens
	UpdatedAt time.Time   `db:"updated_at"`
}

const (
	TierTop      = "top"
	TierMid      = "mid"
	TierLow      = "low"
	TierHasValue = "has_value"
	TierEmpty    = "empty"
)
