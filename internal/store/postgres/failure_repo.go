package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/upon-ly/qr-claimd/internal/domain/model"
	"github.com/upon-ly/qr-claimd/internal/store"
)

type FailureRepo struct {
	db *DB
}

func NewFailureRepo(db *DB) *FailureRepo {
	return &FailureRepo{db: db}
}

func (r *FailureRepo) Insert(ctx context.Context, f *model.ClaimFailure) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO claim_failures (id, auction_id, address, fid, username, user_id, source, client_ip, winning_url, amount, failed_step, error_message, attempts, last_tx_hash)
		VALUES ($1, $2, lower($3), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, f.ID, f.AuctionID, f.Address, f.FID, f.Username, f.UserID,
		f.Source, f.ClientIP, f.WinningURL, f.Amount, f.FailedStep, f.ErrorMessage, f.Attempts, f.LastTxHash)
	if err != nil {
		return fmt.Errorf("insert claim failure: %w", err)
	}
	return nil
}

func (r *FailureRepo) Get(ctx context.Context, id uuid.UUID) (*model.ClaimFailure, error) {
	var f model.ClaimFailure
	err := r.db.QueryRowContext(ctx, `
		SELECT id, auction_id, address, fid, username, user_id, source, client_ip, winning_url, amount, failed_step, error_message, attempts, last_tx_hash, created_at, updated_at
		FROM claim_failures
		WHERE id = $1
	`, id).Scan(
		&f.ID, &f.AuctionID, &f.Address, &f.FID, &f.Username, &f.UserID,
		&f.Source, &f.ClientIP, &f.WinningURL, &f.Amount, &f.FailedStep,
		&f.ErrorMessage, &f.Attempts, &f.LastTxHash, &f.CreatedAt, &f.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get claim failure: %w", err)
	}
	return &f, nil
}

func (r *FailureRepo) Update(ctx context.Context, f *model.ClaimFailure) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE claim_failures SET
			amount = $2,
			failed_step = $3,
			error_message = $4,
			attempts = $5,
			last_tx_hash = $6,
			updated_at = now()
		WHERE id = $1
	`, f.ID, f.Amount, f.FailedStep, f.ErrorMessage, f.Attempts, f.LastTxHash)
	if err != nil {
		return fmt.Errorf("update claim failure: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update claim failure rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Delete removes a resolved failure record. Deleting an already-deleted id
// is a no-op so terminal resolutions stay idempotent across callbacks.
func (r *FailureRepo) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM claim_failures WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete claim failure: %w", err)
	}
	return nil
}

func (r *FailureRepo) List(ctx context.Context, limit, offset int) ([]model.ClaimFailure, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, auction_id, address, fid, username, user_id, source, client_ip, winning_url, amount, failed_step, error_message, attempts, last_tx_hash, created_at, updated_at
		FROM claim_failures
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list claim failures: %w", err)
	}
	defer rows.Close()

	var out []model.ClaimFailure
	for rows.Next() {
		var f model.ClaimFailure
		if err := rows.Scan(
			&f.ID, &f.AuctionID, &f.Address, &f.FID, &f.Username, &f.UserID,
			&f.Source, &f.ClientIP, &f.WinningURL, &f.Amount, &f.FailedStep,
			&f.ErrorMessage, &f.Attempts, &f.LastTxHash, &f.CreatedAt, &f.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan claim failure: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
