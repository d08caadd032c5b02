// Package ratio derives named financial ratios from previously ingested
// balance data, with trend comparison against the prior period.
package ratio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/koperasi-erp/koperasi-erp/internal/history"
	"github.com/koperasi-erp/koperasi-erp/internal/ingest"
	"github.com/koperasi-erp/koperasi-erp/internal/shared"
)

// ErrNoBalanceData indicates the computation precondition is not met.
var ErrNoBalanceData = errors.New("no balance data for period")

// Ratio names, natural keys together with the period.
const (
	NameCurrentRatio    = "Current Ratio"
	NameDebtToAssets    = "Debt to Assets"
	NameReturnOnEquity  = "Return on Equity"
	NameOperatingMargin = "Operating Margin"
)

// Options tunes the derivation. The current-asset and current-liability
// fractions are approximations: no current/non-current account
// classification exists in the ingested chart, so fixed fractions of the
// totals stand in until one does.
type Options struct {
	CurrentAssetFraction     float64
	CurrentLiabilityFraction float64
	// OperatingMargin is a placeholder value; no income-statement source
	// is ingested.
	OperatingMargin float64
	// TrendThreshold is the |delta| below which a ratio counts as stable.
	TrendThreshold float64
}

// DefaultOptions returns the documented approximation constants.
func DefaultOptions() Options {
	return Options{
		CurrentAssetFraction:     0.60,
		CurrentLiabilityFraction: 0.50,
		OperatingMargin:          0,
		TrendThreshold:           0.01,
	}
}

// TxRepository exposes ratio writes inside one transaction.
type TxRepository interface {
	DeleteRatiosForPeriod(ctx context.Context, key ingest.PeriodKey) error
	UpsertRatio(ctx context.Context, key ingest.PeriodKey, ratio ingest.FinancialRatio) error
}

// Repository reads balance data and prior ratios and writes derived ratios.
type Repository interface {
	BalanceEntries(ctx context.Context, key ingest.PeriodKey) ([]ingest.BalanceEntry, error)
	Ratios(ctx context.Context, key ingest.PeriodKey) ([]ingest.FinancialRatio, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// HistoryPort appends upload history entries.
type HistoryPort interface {
	Insert(ctx context.Context, e history.Entry) (history.Entry, error)
}

// Locker serializes ratio computation per period.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Result summarises one computation run.
type Result struct {
	RecordsCount int
	Ratios       []ingest.FinancialRatio
}

// Engine computes and persists financial ratios.
type Engine struct {
	repo    Repository
	hist    HistoryPort
	locker  Locker
	logger  *slog.Logger
	opts    Options
	lockTTL time.Duration
	group   singleflight.Group
}

// NewEngine constructs the engine with default options.
func NewEngine(repo Repository, hist HistoryPort, locker Locker, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		repo:    repo,
		hist:    hist,
		locker:  locker,
		logger:  logger,
		opts:    DefaultOptions(),
		lockTTL: time.Minute,
	}
}

// WithOptions overrides the derivation constants.
func (e *Engine) WithOptions(opts Options) *Engine {
	if opts.TrendThreshold <= 0 {
		opts.TrendThreshold = DefaultOptions().TrendThreshold
	}
	e.opts = opts
	return e
}

// Compute derives the named ratios for a period from its balance entries,
// compares each against the prior month and persists the outcome.
// Concurrent calls for the same period are deduplicated.
func (e *Engine) Compute(ctx context.Context, actorID int64, key ingest.PeriodKey, overwrite bool) (Result, error) {
	if err := key.Validate(); err != nil {
		return Result{}, err
	}
	flightKey := fmt.Sprintf("%d:%d:%d", key.CooperativeID, key.Year, key.Month)
	v, err, _ := e.group.Do(flightKey, func() (any, error) {
		return e.compute(ctx, actorID, key, overwrite)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (e *Engine) compute(ctx context.Context, actorID int64, key ingest.PeriodKey, overwrite bool) (Result, error) {
	release, err := e.locker.Acquire(ctx, shared.IngestLockKey(key.CooperativeID, key.Year, key.Month, string(ingest.ModuleRatios)), e.lockTTL)
	if err != nil {
		return Result{}, err
	}
	defer release()

	var (
		balances []ingest.BalanceEntry
		previous []ingest.FinancialRatio
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		balances, err = e.repo.BalanceEntries(gctx, key)
		return err
	})
	g.Go(func() error {
		var err error
		previous, err = e.repo.Ratios(gctx, key.Prev())
		return err
	})
	if err := g.Wait(); err != nil {
		return Result{}, fmt.Errorf("ratio: load inputs: %w", err)
	}

	if len(balances) == 0 {
		wrapped := fmt.Errorf("%w (%s)", ErrNoBalanceData, key)
		e.recordHistory(ctx, actorID, key, history.StatusFailed, 0, wrapped.Error())
		return Result{}, wrapped
	}

	ratios := e.derive(balances)
	applyTrends(ratios, previous, e.opts.TrendThreshold)

	persistCtx := context.WithoutCancel(ctx)
	err = e.repo.WithTx(persistCtx, func(ctx context.Context, tx TxRepository) error {
		if overwrite {
			if err := tx.DeleteRatiosForPeriod(ctx, key); err != nil {
				return err
			}
		}
		for _, ratio := range ratios {
			if err := tx.UpsertRatio(ctx, key, ratio); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		wrapped := fmt.Errorf("ratio: persist: %w", err)
		e.recordHistory(persistCtx, actorID, key, history.StatusFailed, 0, wrapped.Error())
		return Result{}, wrapped
	}

	e.recordHistory(persistCtx, actorID, key, history.StatusSuccess, len(ratios), "")
	e.logger.Info("ratios computed",
		slog.String("period", key.String()),
		slog.Int("count", len(ratios)))
	return Result{RecordsCount: len(ratios), Ratios: ratios}, nil
}

// Totals aggregates balance entries per category.
type Totals struct {
	Assets      float64
	Liabilities float64
	Equity      float64
}

// SumBalances computes the category totals. Assets accumulate
// finalDebit-finalCredit; liabilities and equity the opposite.
func SumBalances(entries []ingest.BalanceEntry) Totals {
	var t Totals
	for _, e := range entries {
		switch e.Category {
		case ingest.CategoryAssets:
			t.Assets += e.FinalDebit - e.FinalCredit
		case ingest.CategoryLiabilities:
			t.Liabilities += e.FinalCredit - e.FinalDebit
		case ingest.CategoryEquity:
			t.Equity += e.FinalCredit - e.FinalDebit
		}
	}
	return t
}

// BalanceGap reports |assets - (liabilities + equity)|. The gap is reported,
// never enforced.
func (t Totals) BalanceGap() float64 {
	return math.Abs(t.Assets - (t.Liabilities + t.Equity))
}

func (e *Engine) derive(balances []ingest.BalanceEntry) []ingest.FinancialRatio {
	t := SumBalances(balances)
	currentAssets := t.Assets * e.opts.CurrentAssetFraction
	currentLiabilities := t.Liabilities * e.opts.CurrentLiabilityFraction

	return []ingest.FinancialRatio{
		{
			Name:        NameCurrentRatio,
			Value:       safeDiv(currentAssets, currentLiabilities),
			Description: "aset lancar / kewajiban lancar (aproksimasi fraksi tetap)",
		},
		{
			Name:        NameDebtToAssets,
			Value:       safeDiv(t.Liabilities, t.Assets),
			Description: "total kewajiban / total aset",
		},
		{
			Name:        NameReturnOnEquity,
			Value:       safeDiv(t.Assets-t.Liabilities-t.Equity, t.Equity),
			Description: "sisa hasil usaha / total ekuitas",
		},
		{
			Name:        NameOperatingMargin,
			Value:       e.opts.OperatingMargin,
			Description: "placeholder: belum ada sumber laporan laba rugi",
		},
	}
}

// applyTrends assigns a trend per ratio against the same-named prior-period
// value: stable when |delta| <= threshold or no prior value exists.
func applyTrends(current []ingest.FinancialRatio, previous []ingest.FinancialRatio, threshold float64) {
	prior := make(map[string]float64, len(previous))
	for _, p := range previous {
		prior[p.Name] = p.Value
	}
	for i := range current {
		prev, ok := prior[current[i].Name]
		switch {
		case !ok:
			current[i].Trend = ingest.TrendStable
		case math.Abs(current[i].Value-prev) <= threshold:
			current[i].Trend = ingest.TrendStable
		case current[i].Value > prev:
			current[i].Trend = ingest.TrendUp
		default:
			current[i].Trend = ingest.TrendDown
		}
	}
}

func safeDiv(numerator, denominator float64) float64 {
	if denominator == 0 {
		return 0
	}
	return numerator / denominator
}

func (e *Engine) recordHistory(ctx context.Context, actorID int64, key ingest.PeriodKey, status history.Status, count int, errMsg string) {
	if e.hist == nil {
		return
	}
	_, err := e.hist.Insert(context.WithoutCancel(ctx), history.Entry{
		CooperativeID: key.CooperativeID,
		UserID:        actorID,
		Year:          key.Year,
		Month:         key.Month,
		Module:        string(ingest.ModuleRatios),
		Status:        status,
		RecordsCount:  count,
		ErrorMessage:  errMsg,
	})
	if err != nil {
		e.logger.Error("append ratio history", slog.Any("error", err))
	}
}
