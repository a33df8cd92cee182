package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/upon-ly/qr-claimd/internal/domain/model"
)

type TierRepo struct {
	db *DB
}

func NewTierRepo(db *DB) *TierRepo {
	return &TierRepo{db: db}
}

// Lookup returns the configured amount for a (source, tier) pair. The second
// return is false when no override row exists and the caller should use its
// compiled default.
func (r *TierRepo) Lookup(ctx context.Context, source model.ClaimSource, tier string) (int64, bool, error) {
	var amount int64
	err := r.db.QueryRowContext(ctx, `
		SELECT amount FROM reward_tiers WHERE source = $1 AND tier = $2
	`, source, tier).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup reward tier: %w", err)
	}
	return amount, true, nil
}

func (r *TierRepo) Upsert(ctx context.Context, t *model.RewardTier) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reward_tiers (source, tier, amount, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (source, tier) DO UPDATE SET
			amount = EXCLUDED.amount,
			updated_at = now()
	`, t.Source, t.Tier, t.Amount)
	if err != nil {
		return fmt.Errorf("upsert reward tier: %w", err)
	}
	return nil
}

func (r *TierRepo) List(ctx context.Context) ([]model.RewardTier, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT source, tier, amount, updated_at FROM reward_tiers ORDER BY source, tier
	`)
	if err != nil {
		return nil, fmt.Errorf("list reward tiers: %w", err)
	}
	defer rows.Close()

	var out []model.RewardTier
	for rows.Next() {
		var t model.RewardTier
		if err := rows.Scan(&t.Source, &t.Tier, &t.Amount, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan reward tier: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
