// Package spreadsheet parses uploaded XLSX workbooks into loosely-typed
// rows for the ingestion engine.
package spreadsheet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/koperasi-erp/koperasi-erp/internal/ingest"
)

// ErrEmptySheet indicates the workbook carries no usable rows.
var ErrEmptySheet = errors.New("spreadsheet: sheet kosong")

// Parse reads the first sheet of an XLSX workbook. The first non-empty,
// non-instructional row supplies the column headers; template and legend
// rows are filtered out before mapping.
func Parse(r io.Reader) ([]ingest.RawRow, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("spreadsheet: open workbook: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, ErrEmptySheet
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("spreadsheet: read sheet %q: %w", sheet, err)
	}

	var headers []string
	var out []ingest.RawRow
	for _, row := range rows {
		if isEmptyRow(row) {
			continue
		}
		if ingest.IsInstructionalText(row[0]) {
			continue
		}
		if headers == nil {
			headers = make([]string, len(row))
			for i, cell := range row {
				headers[i] = strings.TrimSpace(cell)
			}
			continue
		}
		cells := make(map[string]any, len(headers))
		for i, header := range headers {
			if header == "" || i >= len(row) {
				continue
			}
			cells[header] = row[i]
		}
		out = append(out, ingest.RawRow{Source: ingest.SourceFile, Cells: cells})
	}
	if headers == nil {
		return nil, ErrEmptySheet
	}
	return out, nil
}

func isEmptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// FileSource adapts a parsed upload to the orchestrator's Source contract.
// The upload declares its module; requesting any other module fails.
type FileSource struct {
	module ingest.Module
	rows   []ingest.RawRow
}

// NewFileSource wraps parsed rows for one declared module.
func NewFileSource(module ingest.Module, rows []ingest.RawRow) *FileSource {
	return &FileSource{module: module, rows: rows}
}

// Fetch returns the parsed rows when the requested module matches the
// declared one.
func (s *FileSource) Fetch(_ context.Context, _ ingest.PeriodKey, module ingest.Module) ([]ingest.RawRow, error) {
	if module != s.module {
		return nil, fmt.Errorf("upload dideklarasikan untuk modul %q, bukan %q", s.module, module)
	}
	return s.rows, nil
}
