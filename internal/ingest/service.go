package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/koperasi-erp/koperasi-erp/internal/history"
	"github.com/koperasi-erp/koperasi-erp/internal/shared"
)

// Source yields raw rows for one period and module. Implementations are the
// ERP client and the uploaded-file adapter; fetching is the only step of an
// ingestion attempt that may block on I/O outside the database.
type Source interface {
	Fetch(ctx context.Context, key PeriodKey, module Module) ([]RawRow, error)
}

// TxStore exposes the period-store operations available inside one
// transaction. Delete and insert for a unit always run on the same TxStore
// so a partial failure rolls back as a whole.
type TxStore interface {
	ExistsForPeriod(ctx context.Context, key PeriodKey, module Module) (bool, error)
	DeleteForPeriod(ctx context.Context, key PeriodKey, module Module) error
	InsertBalanceEntries(ctx context.Context, key PeriodKey, entries []BalanceEntry) error
	InsertCashFlowEntries(ctx context.Context, key PeriodKey, entries []CashFlowEntry) error
	InsertMembershipFees(ctx context.Context, key PeriodKey, fees []MembershipFee) error
	InsertRatios(ctx context.Context, key PeriodKey, ratios []FinancialRatio) error
	UpsertPeriod(ctx context.Context, key PeriodKey) error
}

// StorePort abstracts transactional period-store behaviour.
type StorePort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error
}

// HistoryPort appends upload history entries.
type HistoryPort interface {
	Insert(ctx context.Context, e history.Entry) (history.Entry, error)
}

// AuditPort records activity events for compliance. Fire and forget.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Locker serializes ingestion attempts per unit of contention.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Enqueuer schedules derived-computation work after raw ingestion.
type Enqueuer interface {
	EnqueueRatioRefresh(ctx context.Context, key PeriodKey) error
}

// MetricsPort counts ingestion outcomes.
type MetricsPort interface {
	ObserveIngestion(module string, status string, records int)
}

// Result summarises one completed ingestion attempt.
type Result struct {
	Module       Module
	Status       history.Status
	RecordsCount int
	Rejected     int
	Warnings     []string
}

// AllResult summarises a combined three-module ERP sync.
type AllResult struct {
	Status       history.Status
	RecordsCount int
	Results      []Result
	Errors       []string
}

// Service is the ingestion orchestrator. One call walks fetch, normalize,
// idempotency check, atomic replace, period upsert and history append, in
// that order, for a single (cooperative, year, month, module) unit.
type Service struct {
	store   StorePort
	hist    HistoryPort
	locker  Locker
	audit   AuditPort
	logger  *slog.Logger
	enqueue Enqueuer
	metrics MetricsPort
	opts    NormalizeOptions
	lockTTL time.Duration
}

// NewService constructs the orchestrator. audit may be nil.
func NewService(store StorePort, hist HistoryPort, locker Locker, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		hist:    hist,
		locker:  locker,
		audit:   audit,
		logger:  logger,
		opts:    DefaultNormalizeOptions(),
		lockTTL: 2 * time.Minute,
	}
}

// WithEnqueuer wires the background ratio refresh trigger.
func (s *Service) WithEnqueuer(enqueue Enqueuer) *Service {
	s.enqueue = enqueue
	return s
}

// WithMetrics wires outcome counters.
func (s *Service) WithMetrics(metrics MetricsPort) *Service {
	s.metrics = metrics
	return s
}

// WithNormalizeOptions overrides normalization policy.
func (s *Service) WithNormalizeOptions(opts NormalizeOptions) *Service {
	s.opts = opts
	return s
}

// WithLockTTL overrides the unit lock TTL.
func (s *Service) WithLockTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.lockTTL = ttl
	}
	return s
}

// Ingest runs one ingestion attempt. With overwrite false an existing unit
// is left untouched and ErrDataExists returned; with overwrite true the
// unit's rows are replaced atomically. History is written as the last
// action, after the real outcome is known.
func (s *Service) Ingest(ctx context.Context, actorID int64, key PeriodKey, module Module, source Source, overwrite bool) (Result, error) {
	if err := key.Validate(); err != nil {
		return Result{}, err
	}
	if _, err := ParseModule(string(module)); err != nil {
		return Result{}, err
	}
	if source == nil {
		return Result{}, fmt.Errorf("%w: source wajib diisi", ErrInvalidInput)
	}

	release, err := s.locker.Acquire(ctx, shared.IngestLockKey(key.CooperativeID, key.Year, key.Month, string(module)), s.lockTTL)
	if err != nil {
		return Result{}, err
	}
	defer release()

	rows, err := source.Fetch(ctx, key, module)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		s.recordFailure(ctx, actorID, key, module, wrapped)
		return Result{}, wrapped
	}

	batch, err := Normalize(module, rows, s.opts)
	if err != nil {
		s.recordFailure(ctx, actorID, key, module, err)
		return Result{}, err
	}
	if batch.Count() == 0 {
		wrapped := fmt.Errorf("%w: tidak ada baris valid setelah normalisasi", ErrNoValidRecords)
		s.recordFailure(ctx, actorID, key, module, wrapped)
		return Result{}, wrapped
	}

	// The replace must finish even when the caller disconnects; a unit is
	// never left with old data deleted and new data missing.
	persistCtx := context.WithoutCancel(ctx)
	err = s.store.WithTx(persistCtx, func(ctx context.Context, tx TxStore) error {
		exists, err := tx.ExistsForPeriod(ctx, key, module)
		if err != nil {
			return err
		}
		if exists && !overwrite {
			return ErrDataExists
		}
		if exists {
			if err := tx.DeleteForPeriod(ctx, key, module); err != nil {
				return err
			}
		}
		if err := insertBatch(ctx, tx, key, batch); err != nil {
			return err
		}
		return tx.UpsertPeriod(ctx, key)
	})
	if err != nil {
		if errors.Is(err, ErrDataExists) {
			// Idempotency rejection: no writes happened, no history row.
			s.observe(module, "rejected", 0)
			return Result{}, fmt.Errorf("%w (%s, %s)", ErrDataExists, key, module)
		}
		wrapped := fmt.Errorf("%w: %v", ErrPersistence, err)
		s.recordFailure(persistCtx, actorID, key, module, wrapped)
		return Result{}, wrapped
	}

	count := batch.Count()
	s.recordHistory(persistCtx, history.Entry{
		CooperativeID: key.CooperativeID,
		UserID:        actorID,
		Year:          key.Year,
		Month:         key.Month,
		Module:        string(module),
		Status:        history.StatusSuccess,
		RecordsCount:  count,
	})
	s.recordAudit(persistCtx, actorID, key, module, count)
	s.observe(module, "success", count)

	if module == ModuleBalanceSheet && s.enqueue != nil {
		if err := s.enqueue.EnqueueRatioRefresh(persistCtx, key); err != nil {
			s.logger.Warn("enqueue ratio refresh", slog.String("period", key.String()), slog.Any("error", err))
		}
	}

	s.logger.Info("ingestion completed",
		slog.String("period", key.String()),
		slog.String("module", string(module)),
		slog.Int("records", count),
		slog.Int("rejected", batch.Rejected))

	return Result{
		Module:       module,
		Status:       history.StatusSuccess,
		RecordsCount: count,
		Rejected:     batch.Rejected,
		Warnings:     batch.Warnings,
	}, nil
}

// rawModules are the three modules fed directly by external sources.
var rawModules = []Module{ModuleBalanceSheet, ModuleCashFlow, ModuleMembershipFees}

// IngestAll runs one attempt per raw module against the same source and
// appends a combined history row with module "all". Individual module
// failures do not abort the remaining modules.
func (s *Service) IngestAll(ctx context.Context, actorID int64, key PeriodKey, source Source, overwrite bool) (AllResult, error) {
	if err := key.Validate(); err != nil {
		return AllResult{}, err
	}
	var all AllResult
	for _, module := range rawModules {
		result, err := s.Ingest(ctx, actorID, key, module, source, overwrite)
		if err != nil {
			all.Errors = append(all.Errors, fmt.Sprintf("%s: %v", module, err))
			continue
		}
		all.Results = append(all.Results, result)
		all.RecordsCount += result.RecordsCount
	}

	switch len(all.Results) {
	case len(rawModules):
		all.Status = history.StatusSuccess
	case 0:
		all.Status = history.StatusFailed
	default:
		all.Status = history.StatusPartial
	}

	s.recordHistory(context.WithoutCancel(ctx), history.Entry{
		CooperativeID: key.CooperativeID,
		UserID:        actorID,
		Year:          key.Year,
		Month:         key.Month,
		Module:        string(ModuleAll),
		Status:        all.Status,
		RecordsCount:  all.RecordsCount,
		ErrorMessage:  strings.Join(all.Errors, "; "),
	})
	return all, nil
}

func insertBatch(ctx context.Context, tx TxStore, key PeriodKey, batch Batch) error {
	switch batch.Module {
	case ModuleBalanceSheet:
		return tx.InsertBalanceEntries(ctx, key, batch.Balances)
	case ModuleCashFlow:
		return tx.InsertCashFlowEntries(ctx, key, batch.CashFlows)
	case ModuleMembershipFees:
		return tx.InsertMembershipFees(ctx, key, batch.Fees)
	case ModuleRatios:
		return tx.InsertRatios(ctx, key, batch.Ratios)
	}
	return fmt.Errorf("%w: modul %q", ErrInvalidInput, batch.Module)
}

func (s *Service) recordFailure(ctx context.Context, actorID int64, key PeriodKey, module Module, cause error) {
	s.observe(module, "failed", 0)
	s.recordHistory(context.WithoutCancel(ctx), history.Entry{
		CooperativeID: key.CooperativeID,
		UserID:        actorID,
		Year:          key.Year,
		Month:         key.Month,
		Module:        string(module),
		Status:        history.StatusFailed,
		ErrorMessage:  cause.Error(),
	})
}

func (s *Service) recordHistory(ctx context.Context, entry history.Entry) {
	if s.hist == nil {
		return
	}
	if _, err := s.hist.Insert(ctx, entry); err != nil {
		s.logger.Error("append upload history",
			slog.String("module", entry.Module),
			slog.String("status", string(entry.Status)),
			slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, key PeriodKey, module Module, count int) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:       actorID,
		CooperativeID: key.CooperativeID,
		Action:        "ingest." + string(module),
		Entity:        "period",
		EntityID:      fmt.Sprintf("%d-%04d-%02d", key.CooperativeID, key.Year, key.Month),
		Meta: map[string]any{
			"records": count,
		},
		At: time.Now(),
	})
	if err != nil {
		s.logger.Warn("audit record", slog.Any("error", err))
	}
}

func (s *Service) observe(module Module, status string, records int) {
	if s.metrics != nil {
		s.metrics.ObserveIngestion(string(module), status, records)
	}
}
