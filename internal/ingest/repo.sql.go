package ingest

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koperasi-erp/koperasi-erp/internal/platform/db"
	"github.com/koperasi-erp/koperasi-erp/internal/shared"
)

// Store is the pgx-backed period store.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// WithTx runs fn inside one RepeatableRead transaction.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txStore{tx: tx})
	})
}

type txStore struct {
	tx pgx.Tx
}

// moduleTables maps raw modules to their physical tables. Every table is
// keyed by (cooperative_id, year, month, natural key).
var moduleTables = map[Module]string{
	ModuleBalanceSheet:   "balance_entries",
	ModuleCashFlow:       "cash_flow_entries",
	ModuleMembershipFees: "membership_fees",
	ModuleRatios:         "financial_ratios",
}

func tableFor(module Module) (string, error) {
	table, ok := moduleTables[module]
	if !ok {
		return "", fmt.Errorf("%w: modul %q tidak punya tabel", ErrInvalidInput, module)
	}
	return table, nil
}

func (r *txStore) ExistsForPeriod(ctx context.Context, key PeriodKey, module Module) (bool, error) {
	table, err := tableFor(module)
	if err != nil {
		return false, err
	}
	var exists bool
	err = r.tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE cooperative_id=$1 AND year=$2 AND month=$3)`, table),
		key.CooperativeID, key.Year, key.Month).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (r *txStore) DeleteForPeriod(ctx context.Context, key PeriodKey, module Module) error {
	table, err := tableFor(module)
	if err != nil {
		return err
	}
	_, err = r.tx.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE cooperative_id=$1 AND year=$2 AND month=$3`, table),
		key.CooperativeID, key.Year, key.Month)
	return err
}

func (r *txStore) InsertBalanceEntries(ctx context.Context, key PeriodKey, entries []BalanceEntry) error {
	for _, e := range entries {
		_, err := r.tx.Exec(ctx, `INSERT INTO balance_entries
(cooperative_id, year, month, account_code, account_name, category, subcategory, initial_debit, initial_credit, period_debit, period_credit, final_debit, final_credit, external_ref)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11, $12, $13, NULLIF($14, ''))`,
			key.CooperativeID, key.Year, key.Month,
			e.AccountCode, e.AccountName, e.Category, e.Subcategory,
			e.InitialDebit, e.InitialCredit, e.PeriodDebit, e.PeriodCredit, e.FinalDebit, e.FinalCredit,
			e.ExternalRef)
		if err != nil {
			return mapInsertErr(err)
		}
	}
	return nil
}

func (r *txStore) InsertCashFlowEntries(ctx context.Context, key PeriodKey, entries []CashFlowEntry) error {
	for _, e := range entries {
		_, err := r.tx.Exec(ctx, `INSERT INTO cash_flow_entries
(cooperative_id, year, month, description, category, amount, external_ref)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))`,
			key.CooperativeID, key.Year, key.Month, e.Description, e.Category, e.Amount, e.ExternalRef)
		if err != nil {
			return mapInsertErr(err)
		}
	}
	return nil
}

func (r *txStore) InsertMembershipFees(ctx context.Context, key PeriodKey, fees []MembershipFee) error {
	for _, f := range fees {
		_, err := r.tx.Exec(ctx, `INSERT INTO membership_fees
(cooperative_id, year, month, member_id, member_name, expected_contribution, payment_made, debt, status, partner_ref)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''))`,
			key.CooperativeID, key.Year, key.Month,
			f.MemberID, f.MemberName, f.Expected, f.Paid, f.Debt, f.Status, f.PartnerRef)
		if err != nil {
			return mapInsertErr(err)
		}
	}
	return nil
}

func (r *txStore) InsertRatios(ctx context.Context, key PeriodKey, ratios []FinancialRatio) error {
	for _, ratio := range ratios {
		_, err := r.tx.Exec(ctx, `INSERT INTO financial_ratios
(cooperative_id, year, month, name, value, trend, description)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
ON CONFLICT (cooperative_id, year, month, name)
DO UPDATE SET value=EXCLUDED.value, trend=EXCLUDED.trend, description=EXCLUDED.description`,
			key.CooperativeID, key.Year, key.Month, ratio.Name, ratio.Value, ratio.Trend, ratio.Description)
		if err != nil {
			return err
		}
	}
	return nil
}

// mapInsertErr maps a duplicate-key failure to ErrDataExists. RepeatableRead
// snapshots can miss a concurrent writer's rows between the exists check and
// the insert; the unique index is the final arbiter.
func mapInsertErr(err error) error {
	if shared.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrDataExists, err)
	}
	return err
}

// UpsertPeriod marks the period active. The period row is never the
// authority for whether data exists; each module's own rows are.
func (r *txStore) UpsertPeriod(ctx context.Context, key PeriodKey) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO periods (cooperative_id, year, month, is_active)
VALUES ($1, $2, $3, TRUE)
ON CONFLICT (cooperative_id, year, month) DO NOTHING`,
		key.CooperativeID, key.Year, key.Month)
	return err
}
