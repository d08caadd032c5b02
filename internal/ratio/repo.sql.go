package ratio

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koperasi-erp/koperasi-erp/internal/ingest"
	"github.com/koperasi-erp/koperasi-erp/internal/platform/db"
)

// Repo reads balance entries and reads/writes financial ratios.
type Repo struct {
	pool *pgxpool.Pool
}

// NewRepo constructs Repo.
func NewRepo(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool}
}

// BalanceEntries loads the period's balance entries.
func (r *Repo) BalanceEntries(ctx context.Context, key ingest.PeriodKey) ([]ingest.BalanceEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT account_code, account_name, category, COALESCE(subcategory, ''), initial_debit, initial_credit, period_debit, period_credit, final_debit, final_credit, COALESCE(external_ref, '')
FROM balance_entries WHERE cooperative_id=$1 AND year=$2 AND month=$3 ORDER BY account_code`,
		key.CooperativeID, key.Year, key.Month)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []ingest.BalanceEntry
	for rows.Next() {
		var e ingest.BalanceEntry
		if err := rows.Scan(&e.AccountCode, &e.AccountName, &e.Category, &e.Subcategory,
			&e.InitialDebit, &e.InitialCredit, &e.PeriodDebit, &e.PeriodCredit,
			&e.FinalDebit, &e.FinalCredit, &e.ExternalRef); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Ratios loads the period's stored ratios.
func (r *Repo) Ratios(ctx context.Context, key ingest.PeriodKey) ([]ingest.FinancialRatio, error) {
	rows, err := r.pool.Query(ctx, `SELECT name, value, trend, COALESCE(description, '')
FROM financial_ratios WHERE cooperative_id=$1 AND year=$2 AND month=$3 ORDER BY name`,
		key.CooperativeID, key.Year, key.Month)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ratios []ingest.FinancialRatio
	for rows.Next() {
		var ratio ingest.FinancialRatio
		if err := rows.Scan(&ratio.Name, &ratio.Value, &ratio.Trend, &ratio.Description); err != nil {
			return nil, err
		}
		ratios = append(ratios, ratio)
	}
	return ratios, rows.Err()
}

// WithTx runs fn inside one RepeatableRead transaction.
func (r *Repo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

type txRepo struct {
	tx pgx.Tx
}

func (r *txRepo) DeleteRatiosForPeriod(ctx context.Context, key ingest.PeriodKey) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM financial_ratios WHERE cooperative_id=$1 AND year=$2 AND month=$3`,
		key.CooperativeID, key.Year, key.Month)
	return err
}

func (r *txRepo) UpsertRatio(ctx context.Context, key ingest.PeriodKey, ratio ingest.FinancialRatio) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO financial_ratios (cooperative_id, year, month, name, value, trend, description)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
ON CONFLICT (cooperative_id, year, month, name)
DO UPDATE SET value=EXCLUDED.value, trend=EXCLUDED.trend, description=EXCLUDED.description`,
		key.CooperativeID, key.Year, key.Month, ratio.Name, ratio.Value, ratio.Trend, ratio.Description)
	return err
}
