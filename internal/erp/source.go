package erp

import (
	"context"
	"fmt"

	"github.com/koperasi-erp/koperasi-erp/internal/ingest"
)

// Source adapts the ERP client to the orchestrator's Source contract.
type Source struct {
	cache *ConnCache
}

// NewSource constructs the adapter.
func NewSource(cache *ConnCache) *Source {
	return &Source{cache: cache}
}

// Fetch acquires raw rows for one raw module from the cooperative's ERP.
func (s *Source) Fetch(ctx context.Context, key ingest.PeriodKey, module ingest.Module) ([]ingest.RawRow, error) {
	client, err := s.cache.Client(ctx, key.CooperativeID)
	if err != nil {
		return nil, fmt.Errorf("erp connection for coop %d: %w", key.CooperativeID, err)
	}

	var records []map[string]any
	switch module {
	case ingest.ModuleBalanceSheet:
		records, err = client.FetchBalanceMovements(ctx, key.Year, key.Month)
	case ingest.ModuleCashFlow:
		records, err = client.FetchPayments(ctx, key.Year, key.Month)
	case ingest.ModuleMembershipFees:
		records, err = client.FetchPartners(ctx, key.Year, key.Month)
	default:
		return nil, fmt.Errorf("erp source does not serve module %q", module)
	}
	if err != nil {
		return nil, err
	}

	rows := make([]ingest.RawRow, 0, len(records))
	for _, record := range records {
		rows = append(rows, ingest.RawRow{Source: ingest.SourceERP, Cells: record})
	}
	return rows, nil
}
