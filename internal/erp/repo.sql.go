package erp

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koperasi-erp/koperasi-erp/internal/shared"
)

// ConnectionRepo persists per-cooperative ERP connection settings.
type ConnectionRepo struct {
	pool *pgxpool.Pool
}

// NewConnectionRepo constructs ConnectionRepo.
func NewConnectionRepo(pool *pgxpool.Pool) *ConnectionRepo {
	return &ConnectionRepo{pool: pool}
}

// Get loads a cooperative's connection settings.
func (r *ConnectionRepo) Get(ctx context.Context, cooperativeID int64) (ConnectionConfig, error) {
	var cfg ConnectionConfig
	err := r.pool.QueryRow(ctx, `SELECT cooperative_id, base_url, api_key, COALESCE(api_key_header, ''), rate_limit_per_min, updated_at
FROM erp_connections WHERE cooperative_id=$1`, cooperativeID).
		Scan(&cfg.CooperativeID, &cfg.BaseURL, &cfg.APIKey, &cfg.APIKeyHeader, &cfg.RateLimitPerMin, &cfg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ConnectionConfig{}, shared.ErrNotFound
		}
		return ConnectionConfig{}, err
	}
	return cfg.withDefaults(), nil
}

// Save upserts a cooperative's connection settings.
func (r *ConnectionRepo) Save(ctx context.Context, cfg ConnectionConfig) error {
	cfg = cfg.withDefaults()
	_, err := r.pool.Exec(ctx, `INSERT INTO erp_connections (cooperative_id, base_url, api_key, api_key_header, rate_limit_per_min, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (cooperative_id)
DO UPDATE SET base_url=EXCLUDED.base_url, api_key=EXCLUDED.api_key, api_key_header=EXCLUDED.api_key_header, rate_limit_per_min=EXCLUDED.rate_limit_per_min, updated_at=NOW()`,
		cfg.CooperativeID, cfg.BaseURL, cfg.APIKey, cfg.APIKeyHeader, cfg.RateLimitPerMin)
	return err
}
