package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/upon-ly/qr-claimd/internal/domain/model"
)

// ErrDuplicateClaim is returned when inserting a claim collides with the
// per-auction uniqueness constraints (address, fid or user). The chain
// transfer has already happened when this surfaces, so callers treat it as
// a race signal, not a retryable failure.
var ErrDuplicateClaim = errors.New("claim already recorded for this auction")

// ErrNotFound is returned by Get operations when no row matches.
var ErrNotFound = errors.New("not found")

// ClaimRepository provides access to recorded (paid out) claims.
type ClaimRepository interface {
	Insert(ctx context.Context, c *model.Claim) error
	Update(ctx context.Context, c *model.Claim) error
	GetByAuctionAddress(ctx context.Context, auctionID int64, address string) (*model.Claim, error)
	GetByAuctionFID(ctx context.Context, auctionID int64, fid int64) (*model.Claim, error)
	GetByAuctionUserID(ctx context.Context, auctionID int64, userID string) (*model.Claim, error)
	GetByAuctionUsername(ctx context.Context, auctionID int64, username string) (*model.Claim, error)
}

// FailureRepository provides access to pending claim failure records.
type FailureRepository interface {
	Insert(ctx context.Context, f *model.ClaimFailure) error
	Get(ctx context.Context, id uuid.UUID) (*model.ClaimFailure, error)
	Update(ctx context.Context, f *model.ClaimFailure) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]model.ClaimFailure, error)
}

// BanCheck is the identity triple evaluated against the ban list. Zero or
// empty fields are skipped.
type BanCheck struct {
	FID      int64
	Address  string
	Username string
}

// BanRepository provides access to banned user records.
type BanRepository interface {
	Insert(ctx context.Context, b *model.Ban) error
	IsBanned(ctx context.Context, check BanCheck) (bool, error)
	List(ctx context.Context, limit, offset int) ([]model.Ban, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
}

// TierRepository provides access to operator-tuned reward tier amounts.
type TierRepository interface {
	Lookup(ctx context.Context, source model.ClaimSource, tier string) (int64, bool, error)
	Upsert(ctx context.Context, t *model.RewardTier) error
	List(ctx context.Context) ([]model.RewardTier, error)
}
