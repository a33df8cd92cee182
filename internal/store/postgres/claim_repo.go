package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/upon-ly/qr-claimd/internal/domain/model"
	"github.com/upon-ly/qr-claimd/internal/store"
)

// uniqueViolation is the SQLSTATE raised when an insert collides with a
// unique constraint.
const uniqueViolation = "23505"

type ClaimRepo struct {
	db *DB
}

func NewClaimRepo(db *DB) *ClaimRepo {
	return &ClaimRepo{db: db}
}

// Insert records a paid-out claim. A unique violation on any of the
// per-auction constraints is surfaced as store.ErrDuplicateClaim so the
// processor can run its race handling; every other error is returned as-is.
func (r *ClaimRepo) Insert(ctx context.Context, c *model.Claim) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO claims (auction_id, address, fid, username, user_id, amount, tx_hash, source, success, claimed_at, client_ip, score_used, spam_label)
		VALUES ($1, lower($2), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`, c.AuctionID, c.Address, c.FID, c.Username, c.UserID,
		c.Amount, c.TxHash, c.Source, c.Success, c.ClaimedAt,
		c.ClientIP, c.ScoreUsed, c.SpamLabel,
	).Scan(&c.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("insert claim auction=%d address=%s: %w", c.AuctionID, c.Address, store.ErrDuplicateClaim)
		}
		return fmt.Errorf("insert claim: %w", err)
	}
	return nil
}

// Update rewrites the claim row keyed by (auction_id, address). Used as the
// recording fallback when an insert fails for a reason other than a unique
// violation: the transfer has already settled on chain, so the ledger must
// converge on the row rather than abandon it.
func (r *ClaimRepo) Update(ctx context.Context, c *model.Claim) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE claims SET
			fid = $3,
			username = $4,
			user_id = $5,
			amount = $6,
			tx_hash = $7,
			source = $8,
			success = $9,
			claimed_at = $10,
			client_ip = $11,
			score_used = $12,
			spam_label = $13
		WHERE auction_id = $1 AND address = lower($2)
	`, c.AuctionID, c.Address, c.FID, c.Username, c.UserID,
		c.Amount, c.TxHash, c.Source, c.Success, c.ClaimedAt,
		c.ClientIP, c.ScoreUsed, c.SpamLabel)
	if err != nil {
		return fmt.Errorf("update claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update claim rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update claim auction=%d address=%s: %w", c.AuctionID, c.Address, store.ErrNotFound)
	}
	return nil
}

const claimColumns = `id, auction_id, address, fid, username, user_id, amount, tx_hash, source, success, claimed_at, client_ip, score_used, spam_label, created_at`

func (r *ClaimRepo) GetByAuctionAddress(ctx context.Context, auctionID int64, address string) (*model.Claim, error) {
	return r.getOne(ctx, `
		SELECT `+claimColumns+`
		FROM claims
		WHERE auction_id = $1 AND address = lower($2)
	`, auctionID, address)
}

// GetByAuctionFID only matches mini app claims: web claims may carry a fid
// for display purposes without it binding the per-auction uniqueness.
func (r *ClaimRepo) GetByAuctionFID(ctx context.Context, auctionID int64, fid int64) (*model.Claim, error) {
	return r.getOne(ctx, `
		SELECT `+claimColumns+`
		FROM claims
		WHERE auction_id = $1 AND fid = $2 AND source = 'mini_app' AND fid > 0
	`, auctionID, fid)
}

func (r *ClaimRepo) GetByAuctionUserID(ctx context.Context, auctionID int64, userID string) (*model.Claim, error) {
	return r.getOne(ctx, `
		SELECT `+claimColumns+`
		FROM claims
		WHERE auction_id = $1 AND user_id = $2
	`, auctionID, userID)
}

// GetByAuctionUsername matches case-insensitively, like the ban lookup: a
// recased handle must not dodge the duplicate check.
func (r *ClaimRepo) GetByAuctionUsername(ctx context.Context, auctionID int64, username string) (*model.Claim, error) {
	return r.getOne(ctx, `
		SELECT `+claimColumns+`
		FROM claims
		WHERE auction_id = $1 AND lower(username) = lower($2)
	`, auctionID, username)
}

func (r *ClaimRepo) getOne(ctx context.Context, query string, args ...any) (*model.Claim, error) {
	var c model.Claim
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&c.ID, &c.AuctionID, &c.Address, &c.FID, &c.Username, &c.UserID,
		&c.Amount, &c.TxHash, &c.Source, &c.Success, &c.ClaimedAt,
		&c.ClientIP, &c.ScoreUsed, &c.SpamLabel, &c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get claim: %w", err)
	}
	return &c, nil
}
