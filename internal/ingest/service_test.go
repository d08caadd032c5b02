package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/koperasi-erp/koperasi-erp/internal/history"
	"github.com/koperasi-erp/koperasi-erp/internal/shared"
)

func unitKey(key PeriodKey, module Module) string {
	return fmt.Sprintf("%d:%d:%d:%s", key.CooperativeID, key.Year, key.Month, module)
}

// memStore keeps unit record counts in memory and mimics transactional
// visibility: writes land on a staged copy and only replace the committed
// state when the closure returns nil.
type memStore struct {
	mu        sync.Mutex
	committed map[string]int
	periods   map[string]bool

	failInsert bool
	txCalls    int
}

func newMemStore() *memStore {
	return &memStore{
		committed: make(map[string]int),
		periods:   make(map[string]bool),
	}
}

func (s *memStore) seed(key PeriodKey, module Module, count int) {
	s.committed[unitKey(key, module)] = count
}

func (s *memStore) count(key PeriodKey, module Module) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed[unitKey(key, module)]
}

func (s *memStore) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	s.mu.Lock()
	staged := make(map[string]int, len(s.committed))
	for k, v := range s.committed {
		staged[k] = v
	}
	stagedPeriods := make(map[string]bool, len(s.periods))
	for k, v := range s.periods {
		stagedPeriods[k] = v
	}
	s.txCalls++
	s.mu.Unlock()

	tx := &memTx{store: s, staged: staged, periods: stagedPeriods}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	s.committed = staged
	s.periods = stagedPeriods
	s.mu.Unlock()
	return nil
}

type memTx struct {
	store   *memStore
	staged  map[string]int
	periods map[string]bool
}

func (t *memTx) ExistsForPeriod(_ context.Context, key PeriodKey, module Module) (bool, error) {
	return t.staged[unitKey(key, module)] > 0, nil
}

func (t *memTx) DeleteForPeriod(_ context.Context, key PeriodKey, module Module) error {
	delete(t.staged, unitKey(key, module))
	return nil
}

func (t *memTx) insert(key PeriodKey, module Module, count int) error {
	if t.store.failInsert {
		return errors.New("duplicate key value violates unique constraint")
	}
	t.staged[unitKey(key, module)] += count
	return nil
}

func (t *memTx) InsertBalanceEntries(_ context.Context, key PeriodKey, entries []BalanceEntry) error {
	return t.insert(key, ModuleBalanceSheet, len(entries))
}

func (t *memTx) InsertCashFlowEntries(_ context.Context, key PeriodKey, entries []CashFlowEntry) error {
	return t.insert(key, ModuleCashFlow, len(entries))
}

func (t *memTx) InsertMembershipFees(_ context.Context, key PeriodKey, fees []MembershipFee) error {
	return t.insert(key, ModuleMembershipFees, len(fees))
}

func (t *memTx) InsertRatios(_ context.Context, key PeriodKey, ratios []FinancialRatio) error {
	return t.insert(key, ModuleRatios, len(ratios))
}

func (t *memTx) UpsertPeriod(_ context.Context, key PeriodKey) error {
	t.periods[key.String()] = true
	return nil
}

type histSpy struct {
	mu      sync.Mutex
	entries []history.Entry
	// onInsert, when set, observes each append before it is stored.
	onInsert func(history.Entry)
}

func (h *histSpy) Insert(_ context.Context, e history.Entry) (history.Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.onInsert != nil {
		h.onInsert(e)
	}
	h.entries = append(h.entries, e)
	return e, nil
}

type lockerSpy struct {
	held     bool
	acquires int
	releases int
}

func (l *lockerSpy) Acquire(_ context.Context, _ string, _ time.Duration) (func(), error) {
	if l.held {
		return nil, shared.ErrLockHeld
	}
	l.acquires++
	return func() { l.releases++ }, nil
}

type sourceStub struct {
	rows map[Module][]RawRow
	errs map[Module]error
}

func (s *sourceStub) Fetch(_ context.Context, _ PeriodKey, module Module) ([]RawRow, error) {
	if err := s.errs[module]; err != nil {
		return nil, err
	}
	return s.rows[module], nil
}

type enqueueSpy struct {
	keys []PeriodKey
}

func (e *enqueueSpy) EnqueueRatioRefresh(_ context.Context, key PeriodKey) error {
	e.keys = append(e.keys, key)
	return nil
}

func balanceRows(n int) []RawRow {
	rows := make([]RawRow, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, RawRow{Source: SourceERP, Cells: map[string]any{
			"kode akun":   fmt.Sprintf("1-%04d", i+1),
			"nama akun":   fmt.Sprintf("Akun %d", i+1),
			"kategori":    "aset",
			"debit akhir": 1000.0 * float64(i+1),
		}})
	}
	return rows
}

func testService(store StorePort, hist HistoryPort, locker Locker) *Service {
	return NewService(store, hist, locker, nil, slog.New(slog.DiscardHandler))
}

func TestIngestSuccessPersistsAndRecordsHistory(t *testing.T) {
	key := PeriodKey{CooperativeID: 7, Year: 2025, Month: 3}
	store := newMemStore()
	hist := &histSpy{}
	locker := &lockerSpy{}
	enqueue := &enqueueSpy{}
	svc := testService(store, hist, locker).WithEnqueuer(enqueue)

	rows := append(balanceRows(2), RawRow{Source: SourceERP, Cells: map[string]any{"kode akun": "tanpa-nama"}})
	result, err := svc.Ingest(context.Background(), 42, key, ModuleBalanceSheet, &sourceStub{rows: map[Module][]RawRow{ModuleBalanceSheet: rows}}, false)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.Status != history.StatusSuccess || result.RecordsCount != 2 || result.Rejected != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := store.count(key, ModuleBalanceSheet); got != 2 {
		t.Fatalf("expected 2 persisted records, got %d", got)
	}
	if !store.periods[key.String()] {
		t.Fatalf("period registry entry missing")
	}
	if len(hist.entries) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(hist.entries))
	}
	entry := hist.entries[0]
	if entry.Status != history.StatusSuccess || entry.RecordsCount != 2 || entry.UserID != 42 || entry.Module != "balance_sheet" {
		t.Fatalf("unexpected history entry: %+v", entry)
	}
	if locker.acquires != 1 || locker.releases != 1 {
		t.Fatalf("lock must be acquired and released once: %+v", locker)
	}
	if len(enqueue.keys) != 1 || enqueue.keys[0] != key {
		t.Fatalf("expected one ratio refresh enqueue for %s, got %v", key, enqueue.keys)
	}
}

func TestIngestHistoryWrittenAfterCommit(t *testing.T) {
	key := PeriodKey{CooperativeID: 7, Year: 2025, Month: 3}
	store := newMemStore()
	hist := &histSpy{}
	hist.onInsert = func(history.Entry) {
		if store.count(key, ModuleBalanceSheet) != 2 {
			t.Errorf("history appended before the transaction committed")
		}
	}
	svc := testService(store, hist, &lockerSpy{})

	_, err := svc.Ingest(context.Background(), 1, key, ModuleBalanceSheet, &sourceStub{rows: map[Module][]RawRow{ModuleBalanceSheet: balanceRows(2)}}, false)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
}

func TestIngestExistingDataRejectedWithoutOverwrite(t *testing.T) {
	key := PeriodKey{CooperativeID: 7, Year: 2025, Month: 3}
	store := newMemStore()
	store.seed(key, ModuleBalanceSheet, 5)
	hist := &histSpy{}
	svc := testService(store, hist, &lockerSpy{})

	_, err := svc.Ingest(context.Background(), 1, key, ModuleBalanceSheet, &sourceStub{rows: map[Module][]RawRow{ModuleBalanceSheet: balanceRows(2)}}, false)
	if !errors.Is(err, ErrDataExists) {
		t.Fatalf("expected ErrDataExists, got %v", err)
	}
	if got := store.count(key, ModuleBalanceSheet); got != 5 {
		t.Fatalf("existing data must stay untouched, got %d records", got)
	}
	if len(hist.entries) != 0 {
		t.Fatalf("idempotency rejection must not append history: %+v", hist.entries)
	}
}

func TestIngestOverwriteReplacesAtomically(t *testing.T) {
	key := PeriodKey{CooperativeID: 7, Year: 2025, Month: 3}
	store := newMemStore()
	store.seed(key, ModuleBalanceSheet, 9)
	svc := testService(store, &histSpy{}, &lockerSpy{})
	source := &sourceStub{rows: map[Module][]RawRow{ModuleBalanceSheet: balanceRows(3)}}

	for attempt := 0; attempt < 2; attempt++ {
		result, err := svc.Ingest(context.Background(), 1, key, ModuleBalanceSheet, source, true)
		if err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
		if result.RecordsCount != 3 {
			t.Fatalf("attempt %d: unexpected count %d", attempt, result.RecordsCount)
		}
		if got := store.count(key, ModuleBalanceSheet); got != 3 {
			t.Fatalf("attempt %d: replace must leave exactly 3 records, got %d", attempt, got)
		}
	}
}

func TestIngestInsertFailureRollsBack(t *testing.T) {
	key := PeriodKey{CooperativeID: 7, Year: 2025, Month: 3}
	store := newMemStore()
	store.seed(key, ModuleBalanceSheet, 4)
	store.failInsert = true
	hist := &histSpy{}
	svc := testService(store, hist, &lockerSpy{})

	_, err := svc.Ingest(context.Background(), 1, key, ModuleBalanceSheet, &sourceStub{rows: map[Module][]RawRow{ModuleBalanceSheet: balanceRows(2)}}, true)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if got := store.count(key, ModuleBalanceSheet); got != 4 {
		t.Fatalf("failed replace must keep the old data intact, got %d records", got)
	}
	if len(hist.entries) != 1 || hist.entries[0].Status != history.StatusFailed {
		t.Fatalf("expected one failed history entry: %+v", hist.entries)
	}
}

func TestIngestSourceFailure(t *testing.T) {
	key := PeriodKey{CooperativeID: 7, Year: 2025, Month: 3}
	store := newMemStore()
	hist := &histSpy{}
	svc := testService(store, hist, &lockerSpy{})

	source := &sourceStub{errs: map[Module]error{ModuleBalanceSheet: errors.New("connection refused")}}
	_, err := svc.Ingest(context.Background(), 1, key, ModuleBalanceSheet, source, false)
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
	if store.txCalls != 0 {
		t.Fatalf("fetch failure must not open a transaction")
	}
	if len(hist.entries) != 1 || hist.entries[0].Status != history.StatusFailed {
		t.Fatalf("expected one failed history entry: %+v", hist.entries)
	}
	if hist.entries[0].ErrorMessage == "" {
		t.Fatalf("failed entry must carry the cause")
	}
}

func TestIngestNoValidRecords(t *testing.T) {
	key := PeriodKey{CooperativeID: 7, Year: 2025, Month: 3}
	store := newMemStore()
	hist := &histSpy{}
	svc := testService(store, hist, &lockerSpy{})

	rows := []RawRow{{Source: SourceFile, Cells: map[string]any{"kolom aneh": "x"}}}
	_, err := svc.Ingest(context.Background(), 1, key, ModuleBalanceSheet, &sourceStub{rows: map[Module][]RawRow{ModuleBalanceSheet: rows}}, false)
	if !errors.Is(err, ErrNoValidRecords) {
		t.Fatalf("expected ErrNoValidRecords, got %v", err)
	}
	if store.txCalls != 0 {
		t.Fatalf("empty batch must not open a transaction")
	}
	if len(hist.entries) != 1 || hist.entries[0].Status != history.StatusFailed {
		t.Fatalf("expected one failed history entry: %+v", hist.entries)
	}
}

func TestIngestLockContention(t *testing.T) {
	key := PeriodKey{CooperativeID: 7, Year: 2025, Month: 3}
	hist := &histSpy{}
	svc := testService(newMemStore(), hist, &lockerSpy{held: true})

	_, err := svc.Ingest(context.Background(), 1, key, ModuleBalanceSheet, &sourceStub{}, false)
	if !errors.Is(err, shared.ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	if len(hist.entries) != 0 {
		t.Fatalf("lock contention must not append history: %+v", hist.entries)
	}
}

func TestIngestInvalidPeriod(t *testing.T) {
	svc := testService(newMemStore(), &histSpy{}, &lockerSpy{})
	_, err := svc.Ingest(context.Background(), 1, PeriodKey{CooperativeID: 7, Year: 2025, Month: 13}, ModuleBalanceSheet, &sourceStub{}, false)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestIngestAllPartial(t *testing.T) {
	key := PeriodKey{CooperativeID: 7, Year: 2025, Month: 3}
	store := newMemStore()
	hist := &histSpy{}
	svc := testService(store, hist, &lockerSpy{})

	source := &sourceStub{
		rows: map[Module][]RawRow{
			ModuleBalanceSheet: balanceRows(2),
			ModuleMembershipFees: {{Source: SourceERP, Cells: map[string]any{
				"member_id": "A-01", "nama anggota": "Sari", "iuran": 100000.0, "pembayaran": 100000.0,
			}}},
		},
		errs: map[Module]error{ModuleCashFlow: errors.New("timeout")},
	}

	all, err := svc.IngestAll(context.Background(), 1, key, source, true)
	if err != nil {
		t.Fatalf("ingest all: %v", err)
	}
	if all.Status != history.StatusPartial {
		t.Fatalf("expected partial status, got %s", all.Status)
	}
	if all.RecordsCount != 3 || len(all.Results) != 2 || len(all.Errors) != 1 {
		t.Fatalf("unexpected combined result: %+v", all)
	}

	// Per-module entries for the two successes and the one failure, plus
	// the combined summary row, strictly last.
	if len(hist.entries) != 4 {
		t.Fatalf("expected 4 history entries, got %d", len(hist.entries))
	}
	summary := hist.entries[len(hist.entries)-1]
	if summary.Module != "all" || summary.Status != history.StatusPartial || summary.RecordsCount != 3 {
		t.Fatalf("unexpected summary entry: %+v", summary)
	}
	if !strings.Contains(summary.ErrorMessage, "cash_flow") {
		t.Fatalf("summary must name the failing module: %q", summary.ErrorMessage)
	}
}

func TestIngestAllAllFailed(t *testing.T) {
	key := PeriodKey{CooperativeID: 7, Year: 2025, Month: 3}
	hist := &histSpy{}
	svc := testService(newMemStore(), hist, &lockerSpy{})

	source := &sourceStub{errs: map[Module]error{
		ModuleBalanceSheet:   errors.New("down"),
		ModuleCashFlow:       errors.New("down"),
		ModuleMembershipFees: errors.New("down"),
	}}
	all, err := svc.IngestAll(context.Background(), 1, key, source, false)
	if err != nil {
		t.Fatalf("ingest all: %v", err)
	}
	if all.Status != history.StatusFailed {
		t.Fatalf("expected failed status, got %s", all.Status)
	}
	summary := hist.entries[len(hist.entries)-1]
	if summary.Module != "all" || summary.Status != history.StatusFailed {
		t.Fatalf("unexpected summary entry: %+v", summary)
	}
}
