package spreadsheet

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/koperasi-erp/koperasi-erp/internal/ingest"
)

func buildWorkbook(t *testing.T, rows [][]any) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("cell name: %v", err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			t.Fatalf("set row: %v", err)
		}
	}
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatalf("write workbook: %v", err)
	}
	return &buf
}

func TestParseMapsHeadersToCells(t *testing.T) {
	buf := buildWorkbook(t, [][]any{
		{"Kode Akun", "Nama Akun", "Kategori", "Debit Akhir"},
		{"1-1000", "Kas", "Aset", "1500000"},
		{"2-1000", "Hutang Usaha", "Kewajiban", "250000"},
	})

	rows, err := Parse(buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Source != ingest.SourceFile {
		t.Fatalf("rows must be tagged as file source, got %s", rows[0].Source)
	}
	if rows[0].Cells["Kode Akun"] != "1-1000" || rows[0].Cells["Nama Akun"] != "Kas" {
		t.Fatalf("unexpected first row: %v", rows[0].Cells)
	}
	if rows[1].Cells["Debit Akhir"] != "250000" {
		t.Fatalf("unexpected second row: %v", rows[1].Cells)
	}
}

func TestParseSkipsInstructionalAndEmptyRows(t *testing.T) {
	buf := buildWorkbook(t, [][]any{
		{"Petunjuk pengisian: isi sesuai contoh di bawah"},
		{"Contoh: 1-1000, Kas, Aset"},
		{"", "", ""},
		{"Kode Akun", "Nama Akun"},
		{"1-1000", "Kas"},
	})

	rows, err := Parse(buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 data row, got %d", len(rows))
	}
	if rows[0].Cells["Kode Akun"] != "1-1000" {
		t.Fatalf("unexpected row: %v", rows[0].Cells)
	}
}

func TestParseShortRowsAndExtraColumns(t *testing.T) {
	buf := buildWorkbook(t, [][]any{
		{"Kode Akun", "Nama Akun", "Kategori"},
		{"1-1000", "Kas"},
	})

	rows, err := Parse(buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if _, present := rows[0].Cells["Kategori"]; present {
		t.Fatalf("missing trailing cell must be absent, got %v", rows[0].Cells)
	}
}

func TestParseHeaderOnlySheet(t *testing.T) {
	buf := buildWorkbook(t, [][]any{
		{"Kode Akun", "Nama Akun"},
	})

	rows, err := Parse(buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("header-only sheet must yield zero rows, got %d", len(rows))
	}
}

func TestParseEmptySheet(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatalf("write workbook: %v", err)
	}

	if _, err := Parse(&buf); !errors.Is(err, ErrEmptySheet) {
		t.Fatalf("expected ErrEmptySheet, got %v", err)
	}
}

func TestParseRejectsNonWorkbook(t *testing.T) {
	if _, err := Parse(strings.NewReader("bukan file xlsx")); err == nil {
		t.Fatalf("expected an open error for a non-xlsx payload")
	}
}

func TestFileSourceModuleMismatch(t *testing.T) {
	source := NewFileSource(ingest.ModuleBalanceSheet, []ingest.RawRow{{Source: ingest.SourceFile}})
	key := ingest.PeriodKey{CooperativeID: 1, Year: 2025, Month: 1}

	rows, err := source.Fetch(context.Background(), key, ingest.ModuleBalanceSheet)
	if err != nil || len(rows) != 1 {
		t.Fatalf("matching module must return rows: %v %v", rows, err)
	}

	if _, err := source.Fetch(context.Background(), key, ingest.ModuleCashFlow); err == nil {
		t.Fatalf("declared-module mismatch must fail")
	}
}
