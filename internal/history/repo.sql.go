package history

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koperasi-erp/koperasi-erp/internal/shared"
)

// Repository persists upload history entries.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert appends one entry. There is deliberately no update or delete.
func (r *Repository) Insert(ctx context.Context, e Entry) (Entry, error) {
	err := r.pool.QueryRow(ctx, `INSERT INTO upload_history (cooperative_id, user_id, year, month, module, status, records_count, error_message)
VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
RETURNING id, created_at`,
		e.CooperativeID, e.UserID, e.Year, e.Month, e.Module, e.Status, e.RecordsCount, e.ErrorMessage).
		Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

// List returns the most recent entries for a cooperative, newest first.
func (r *Repository) List(ctx context.Context, cooperativeID int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `SELECT id, cooperative_id, user_id, year, month, module, status, records_count, COALESCE(error_message, ''), created_at
FROM upload_history WHERE cooperative_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2`, cooperativeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.CooperativeID, &e.UserID, &e.Year, &e.Month, &e.Module, &e.Status, &e.RecordsCount, &e.ErrorMessage, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LatestSuccess returns the newest successful entry for a cooperative.
func (r *Repository) LatestSuccess(ctx context.Context, cooperativeID int64) (Entry, error) {
	var e Entry
	err := r.pool.QueryRow(ctx, `SELECT id, cooperative_id, user_id, year, month, module, status, records_count, COALESCE(error_message, ''), created_at
FROM upload_history WHERE cooperative_id=$1 AND status=$2 ORDER BY created_at DESC, id DESC LIMIT 1`, cooperativeID, StatusSuccess).
		Scan(&e.ID, &e.CooperativeID, &e.UserID, &e.Year, &e.Month, &e.Module, &e.Status, &e.RecordsCount, &e.ErrorMessage, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, shared.ErrNotFound
		}
		return Entry{}, err
	}
	return e, nil
}
