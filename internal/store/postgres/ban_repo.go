package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/upon-ly/qr-claimd/internal/domain/model"
	"github.com/upon-ly/qr-claimd/internal/store"
)

type BanRepo struct {
	db *DB
}

func NewBanRepo(db *DB) *BanRepo {
	return &BanRepo{db: db}
}

func (r *BanRepo) Insert(ctx context.Context, b *model.Ban) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO banned_users (id, fid, address, username, reason, evidence, banned_by, is_active)
		VALUES ($1, $2, lower($3), $4, $5, $6, $7, $8)
	`, b.ID, b.FID, b.Address, b.Username, b.Reason, b.Evidence, b.BannedBy, b.IsActive)
	if err != nil {
		return fmt.Errorf("insert ban: %w", err)
	}
	return nil
}

// IsBanned reports whether any active ban row matches the identity triple.
// Address and username matches are case-insensitive; zero fields are skipped
// so a fid-less web claim only checks address and username.
func (r *BanRepo) IsBanned(ctx context.Context, check store.BanCheck) (bool, error) {
	if check.FID == 0 && check.Address == "" && check.Username == "" {
		return false, nil
	}
	var banned bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM banned_users
			WHERE is_active
			  AND (
				($1 > 0 AND fid = $1)
				OR ($2 <> '' AND address = lower($2))
				OR ($3 <> '' AND lower(username) = lower($3))
			  )
		)
	`, check.FID, check.Address, check.Username).Scan(&banned)
	if err != nil {
		return false, fmt.Errorf("check ban: %w", err)
	}
	return banned, nil
}

func (r *BanRepo) List(ctx context.Context, limit, offset int) ([]model.Ban, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, fid, address, username, reason, evidence, banned_by, is_active, created_at
		FROM banned_users
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list bans: %w", err)
	}
	defer rows.Close()

	var out []model.Ban
	for rows.Next() {
		var b model.Ban
		if err := rows.Scan(
			&b.ID, &b.FID, &b.Address, &b.Username, &b.Reason,
			&b.Evidence, &b.BannedBy, &b.IsActive, &b.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan ban: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *BanRepo) Deactivate(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `UPDATE banned_users SET is_active = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate ban: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate ban rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
