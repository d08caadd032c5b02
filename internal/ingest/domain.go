// Package ingest implements the period data ingestion and reconciliation
// engine: normalization of heterogeneous source rows into canonical records,
// idempotent replace-or-reject persistence per (cooperative, year, month,
// module) unit, and the audit trail of every attempt.
package ingest

import (
	"errors"
	"fmt"
)

// Module identifies one financial data category.
type Module string

const (
	ModuleBalanceSheet   Module = "balance_sheet"
	ModuleCashFlow       Module = "cash_flow"
	ModuleMembershipFees Module = "membership_fees"
	ModuleRatios         Module = "ratios"
	// ModuleAll is only valid as an upload-history marker for a combined
	// ERP sync, never as an ingestion target on its own.
	ModuleAll Module = "all"
)

// ParseModule maps a path or payload token to a Module.
func ParseModule(s string) (Module, error) {
	switch Module(s) {
	case ModuleBalanceSheet, ModuleCashFlow, ModuleMembershipFees, ModuleRatios:
		return Module(s), nil
	}
	return "", fmt.Errorf("%w: modul %q tidak dikenal", ErrInvalidInput, s)
}

// PeriodKey is the unit of temporal partitioning for all financial modules.
type PeriodKey struct {
	CooperativeID int64
	Year          int
	Month         int
}

// Validate enforces the period invariants.
func (k PeriodKey) Validate() error {
	if k.CooperativeID <= 0 {
		return fmt.Errorf("%w: cooperative id wajib diisi", ErrInvalidInput)
	}
	if k.Year < 1900 {
		return fmt.Errorf("%w: year %d below 1900", ErrInvalidInput, k.Year)
	}
	if k.Month < 1 || k.Month > 12 {
		return fmt.Errorf("%w: month %d out of range", ErrInvalidInput, k.Month)
	}
	return nil
}

// Prev returns the immediately preceding calendar month, wrapping the year
// boundary (January's predecessor is December of the prior year).
func (k PeriodKey) Prev() PeriodKey {
	if k.Month == 1 {
		return PeriodKey{CooperativeID: k.CooperativeID, Year: k.Year - 1, Month: 12}
	}
	return PeriodKey{CooperativeID: k.CooperativeID, Year: k.Year, Month: k.Month - 1}
}

func (k PeriodKey) String() string {
	return fmt.Sprintf("coop %d period %04d-%02d", k.CooperativeID, k.Year, k.Month)
}

// BalanceCategory classifies a ledger account.
type BalanceCategory string

const (
	CategoryAssets      BalanceCategory = "assets"
	CategoryLiabilities BalanceCategory = "liabilities"
	CategoryEquity      BalanceCategory = "equity"
)

// CashFlowCategory classifies a cash movement.
type CashFlowCategory string

const (
	CashFlowOperating CashFlowCategory = "operating"
	CashFlowInvesting CashFlowCategory = "investing"
	CashFlowFinancing CashFlowCategory = "financing"
)

// FeeStatus reflects whether a member's dues are settled.
type FeeStatus string

const (
	FeeUpToDate FeeStatus = "up_to_date"
	FeeWithDebt FeeStatus = "with_debt"
)

// Trend is the qualitative direction of a ratio versus the prior period.
type Trend string

const (
	TrendUp     Trend = "up"
	TrendDown   Trend = "down"
	TrendStable Trend = "stable"
)

// BalanceEntry is one ledger account's activity within a period.
// accountCode+period is the natural key. Entries are created in bulk by an
// ingestion run and replaced as a whole set, never individually mutated.
type BalanceEntry struct {
	AccountCode   string
	AccountName   string
	Category      BalanceCategory
	Subcategory   string
	InitialDebit  float64
	InitialCredit float64
	PeriodDebit   float64
	PeriodCredit  float64
	FinalDebit    float64
	FinalCredit   float64
	ExternalRef   string
}

// CashFlowEntry is one cash movement. Amount is signed: inflow positive,
// outflow negative.
type CashFlowEntry struct {
	Description string
	Category    CashFlowCategory
	Amount      float64
	ExternalRef string
}

// MembershipFee is one member's dues for a period. Debt is derived as
// max(expected-paid, 0) unless the source supplied an explicit status that
// conflicts, in which case the explicit status wins.
type MembershipFee struct {
	MemberID   string
	MemberName string
	Expected   float64
	Paid       float64
	Debt       float64
	Status     FeeStatus
	PartnerRef string
}

// FinancialRatio is one named metric for a period, unique per
// (cooperative, year, month, name).
type FinancialRatio struct {
	Name        string
	Value       float64
	Trend       Trend
	Description string
}

// SourceKind tags the origin of a raw row.
type SourceKind string

const (
	SourceERP  SourceKind = "erp"
	SourceFile SourceKind = "file"
)

// RawRow is a loosely-typed source row. The cell map never survives past
// the normalizer boundary.
type RawRow struct {
	Source SourceKind
	Cells  map[string]any
}

// Error taxonomy of the ingestion engine. Every failure surfaced to a
// caller wraps one of these so handlers can map them to specific responses.
var (
	// ErrInvalidInput covers malformed period keys and unknown modules.
	ErrInvalidInput = errors.New("invalid input")
	// ErrSourceUnavailable covers ERP transport/auth failures and
	// unparseable files. No writes happen after it.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrNoValidRecords means normalization produced zero usable rows.
	ErrNoValidRecords = errors.New("no valid records")
	// ErrDataExists is the idempotency rejection when overwrite is false.
	ErrDataExists = errors.New("data already exists for period")
	// ErrPersistence wraps storage failures during replace/insert.
	ErrPersistence = errors.New("persistence failure")
)
