package ingest

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// NormalizeOptions tunes normalization policy.
type NormalizeOptions struct {
	// RespectExplicitStatus lets an explicit source-provided fee status win
	// over the status derived from computed debt.
	RespectExplicitStatus bool
}

// DefaultNormalizeOptions mirrors the historical behaviour of the sources.
func DefaultNormalizeOptions() NormalizeOptions {
	return NormalizeOptions{RespectExplicitStatus: true}
}

// Batch is the ordered outcome of normalizing one module's raw rows. Only
// the slice matching Module is populated. Order is irrelevant for
// persistence but preserved for error reporting.
type Batch struct {
	Module    Module
	Balances  []BalanceEntry
	CashFlows []CashFlowEntry
	Fees      []MembershipFee
	Ratios    []FinancialRatio
	Rejected  int
	Warnings  []string
}

// Count reports how many canonical records the batch carries.
func (b Batch) Count() int {
	switch b.Module {
	case ModuleBalanceSheet:
		return len(b.Balances)
	case ModuleCashFlow:
		return len(b.CashFlows)
	case ModuleMembershipFees:
		return len(b.Fees)
	case ModuleRatios:
		return len(b.Ratios)
	}
	return 0
}

// Normalize maps heterogeneous raw rows into canonical records for the
// target module. Rows missing their identifying fields are rejected
// individually; they never fail the whole batch.
func Normalize(module Module, rows []RawRow, opts NormalizeOptions) (Batch, error) {
	batch := Batch{Module: module}
	for i, row := range rows {
		cells := canonicalCells(module, row.Cells)
		switch module {
		case ModuleBalanceSheet:
			entry, ok := normalizeBalance(i, cells, &batch.Warnings)
			if !ok {
				batch.Rejected++
				continue
			}
			batch.Balances = append(batch.Balances, entry)
		case ModuleCashFlow:
			entry, ok := normalizeCashFlow(i, cells, &batch.Warnings)
			if !ok {
				batch.Rejected++
				continue
			}
			batch.CashFlows = append(batch.CashFlows, entry)
		case ModuleMembershipFees:
			fee, ok := normalizeFee(i, cells, opts, &batch.Warnings)
			if !ok {
				batch.Rejected++
				continue
			}
			batch.Fees = append(batch.Fees, fee)
		case ModuleRatios:
			ratio, ok := normalizeRatio(i, cells, &batch.Warnings)
			if !ok {
				batch.Rejected++
				continue
			}
			batch.Ratios = append(batch.Ratios, ratio)
		default:
			return Batch{}, fmt.Errorf("%w: modul %q tidak bisa dinormalisasi", ErrInvalidInput, module)
		}
	}
	return batch, nil
}

// instructionalPrefixes marks template/legend rows shipped inside upload
// templates. Matching rows are filtered before mapping.
var instructionalPrefixes = []string{
	"petunjuk",
	"contoh",
	"catatan",
	"keterangan:",
	"template",
	"isi sesuai",
}

// IsInstructionalText reports whether a first cell belongs to an
// instructional template row rather than data.
func IsInstructionalText(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, prefix := range instructionalPrefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

// headerVocab maps the fixed vocabulary of source header tokens, lowercased,
// to canonical field names. Unrecognized columns are dropped silently.
var headerVocab = map[Module]map[string]string{
	ModuleBalanceSheet: {
		"kode akun": "account_code", "kode_akun": "account_code", "kode": "account_code", "no akun": "account_code", "account_code": "account_code", "accountcode": "account_code",
		"nama akun": "account_name", "nama_akun": "account_name", "uraian": "account_name", "account_name": "account_name", "accountname": "account_name",
		"kategori": "category", "golongan": "category", "category": "category",
		"subkategori": "subcategory", "sub kategori": "subcategory", "sub_kategori": "subcategory", "subcategory": "subcategory",
		"debit awal": "initial_debit", "debit_awal": "initial_debit", "saldo awal debit": "initial_debit", "initial_debit": "initial_debit", "initialdebit": "initial_debit",
		"kredit awal": "initial_credit", "kredit_awal": "initial_credit", "saldo awal kredit": "initial_credit", "initial_credit": "initial_credit", "initialcredit": "initial_credit",
		"mutasi debit": "period_debit", "debit mutasi": "period_debit", "debit_mutasi": "period_debit", "period_debit": "period_debit", "perioddebit": "period_debit",
		"mutasi kredit": "period_credit", "kredit mutasi": "period_credit", "kredit_mutasi": "period_credit", "period_credit": "period_credit", "periodcredit": "period_credit",
		"debit akhir": "final_debit", "debit_akhir": "final_debit", "saldo akhir debit": "final_debit", "final_debit": "final_debit", "finaldebit": "final_debit",
		"kredit akhir": "final_credit", "kredit_akhir": "final_credit", "saldo akhir kredit": "final_credit", "final_credit": "final_credit", "finalcredit": "final_credit",
		"ref": "external_ref", "referensi": "external_ref", "id_transaksi": "external_ref", "external_ref": "external_ref", "erp_id": "external_ref",
	},
	ModuleCashFlow: {
		"uraian": "description", "deskripsi": "description", "keterangan": "description", "description": "description",
		"kategori": "category", "jenis": "category", "category": "category",
		"jumlah": "amount", "nominal": "amount", "nilai": "amount", "amount": "amount",
		"ref": "external_ref", "referensi": "external_ref", "id_transaksi": "external_ref", "external_ref": "external_ref", "erp_id": "external_ref",
	},
	ModuleMembershipFees: {
		"id anggota": "member_id", "id_anggota": "member_id", "no anggota": "member_id", "no_anggota": "member_id", "member_id": "member_id", "memberid": "member_id",
		"nama anggota": "member_name", "nama_anggota": "member_name", "nama": "member_name", "member_name": "member_name", "membername": "member_name",
		"simpanan wajib": "expected", "iuran": "expected", "tagihan": "expected", "expected": "expected", "expected_contribution": "expected", "expectedcontribution": "expected",
		"pembayaran": "paid", "dibayar": "paid", "setoran": "paid", "paid": "paid", "payment_made": "paid", "paymentmade": "paid",
		"status": "status", "status_pembayaran": "status", "status pembayaran": "status",
		"ref": "partner_ref", "id_partner": "partner_ref", "partner_ref": "partner_ref", "erp_partner_id": "partner_ref",
	},
	ModuleRatios: {
		"nama": "name", "nama rasio": "name", "rasio": "name", "name": "name",
		"nilai": "value", "value": "value",
		"tren": "trend", "trend": "trend",
		"deskripsi": "description", "keterangan": "description", "description": "description",
	},
}

func canonicalCells(module Module, cells map[string]any) map[string]any {
	vocab := headerVocab[module]
	out := make(map[string]any, len(cells))
	for key, value := range cells {
		canonical, ok := vocab[strings.ToLower(strings.TrimSpace(key))]
		if !ok {
			continue
		}
		if _, exists := out[canonical]; exists {
			continue
		}
		out[canonical] = value
	}
	return out
}

// balanceCategoryTokens is the closed lookup table for balance categories.
// Unknown tokens fall back to assets.
var balanceCategoryTokens = map[string]BalanceCategory{
	"aset": CategoryAssets, "aktiva": CategoryAssets, "harta": CategoryAssets, "assets": CategoryAssets, "asset": CategoryAssets,
	"kewajiban": CategoryLiabilities, "liabilitas": CategoryLiabilities, "hutang": CategoryLiabilities, "utang": CategoryLiabilities, "liabilities": CategoryLiabilities, "liability": CategoryLiabilities,
	"ekuitas": CategoryEquity, "modal": CategoryEquity, "equity": CategoryEquity,
}

var cashFlowCategoryTokens = map[string]CashFlowCategory{
	"operasional": CashFlowOperating, "operasi": CashFlowOperating, "operating": CashFlowOperating,
	"investasi": CashFlowInvesting, "investing": CashFlowInvesting,
	"pendanaan": CashFlowFinancing, "financing": CashFlowFinancing,
}

var feeStatusTokens = map[string]FeeStatus{
	"lunas": FeeUpToDate, "tertib": FeeUpToDate, "up_to_date": FeeUpToDate, "uptodate": FeeUpToDate,
	"menunggak": FeeWithDebt, "nunggak": FeeWithDebt, "belum lunas": FeeWithDebt, "with_debt": FeeWithDebt,
}

var trendTokens = map[string]Trend{
	"naik": TrendUp, "up": TrendUp,
	"turun": TrendDown, "down": TrendDown,
	"stabil": TrendStable, "stable": TrendStable,
}

func normalizeBalance(idx int, cells map[string]any, warnings *[]string) (BalanceEntry, bool) {
	code := cellString(cells, "account_code")
	name := cellString(cells, "account_name")
	if code == "" || name == "" {
		return BalanceEntry{}, false
	}
	entry := BalanceEntry{
		AccountCode:   code,
		AccountName:   name,
		Category:      mapBalanceCategory(cellString(cells, "category")),
		Subcategory:   cellString(cells, "subcategory"),
		InitialDebit:  coerceFloat(cells["initial_debit"], idx, "debit awal", warnings),
		InitialCredit: coerceFloat(cells["initial_credit"], idx, "kredit awal", warnings),
		PeriodDebit:   coerceFloat(cells["period_debit"], idx, "mutasi debit", warnings),
		PeriodCredit:  coerceFloat(cells["period_credit"], idx, "mutasi kredit", warnings),
		FinalDebit:    coerceFloat(cells["final_debit"], idx, "debit akhir", warnings),
		FinalCredit:   coerceFloat(cells["final_credit"], idx, "kredit akhir", warnings),
		ExternalRef:   cellString(cells, "external_ref"),
	}
	return entry, true
}

func normalizeCashFlow(idx int, cells map[string]any, warnings *[]string) (CashFlowEntry, bool) {
	description := cellString(cells, "description")
	categoryToken := cellString(cells, "category")
	if description == "" || categoryToken == "" {
		return CashFlowEntry{}, false
	}
	category, ok := cashFlowCategoryTokens[strings.ToLower(categoryToken)]
	if !ok {
		category = CashFlowOperating
	}
	return CashFlowEntry{
		Description: description,
		Category:    category,
		Amount:      coerceFloat(cells["amount"], idx, "jumlah", warnings),
		ExternalRef: cellString(cells, "external_ref"),
	}, true
}

func normalizeFee(idx int, cells map[string]any, opts NormalizeOptions, warnings *[]string) (MembershipFee, bool) {
	memberID := cellString(cells, "member_id")
	memberName := cellString(cells, "member_name")
	if memberID == "" || memberName == "" {
		return MembershipFee{}, false
	}
	expected := coerceFloat(cells["expected"], idx, "simpanan wajib", warnings)
	paid := coerceFloat(cells["paid"], idx, "pembayaran", warnings)
	debt := math.Max(expected-paid, 0)

	status := FeeWithDebt
	if debt == 0 {
		status = FeeUpToDate
	}
	if raw := cellString(cells, "status"); raw != "" && opts.RespectExplicitStatus {
		if explicit, ok := feeStatusTokens[strings.ToLower(raw)]; ok {
			status = explicit
		}
	}
	return MembershipFee{
		MemberID:   memberID,
		MemberName: memberName,
		Expected:   expected,
		Paid:       paid,
		Debt:       debt,
		Status:     status,
		PartnerRef: cellString(cells, "partner_ref"),
	}, true
}

func normalizeRatio(idx int, cells map[string]any, warnings *[]string) (FinancialRatio, bool) {
	name := cellString(cells, "name")
	if name == "" {
		return FinancialRatio{}, false
	}
	if _, present := cells["value"]; !present {
		return FinancialRatio{}, false
	}
	trend := TrendStable
	if token, ok := trendTokens[strings.ToLower(cellString(cells, "trend"))]; ok {
		trend = token
	}
	return FinancialRatio{
		Name:        name,
		Value:       coerceFloat(cells["value"], idx, "nilai", warnings),
		Trend:       trend,
		Description: cellString(cells, "description"),
	}, true
}

func mapBalanceCategory(token string) BalanceCategory {
	if category, ok := balanceCategoryTokens[strings.ToLower(strings.TrimSpace(token))]; ok {
		return category
	}
	return CategoryAssets
}

func cellString(cells map[string]any, key string) string {
	switch v := cells[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
}

// coerceFloat parses a loosely-typed numeric cell. A parse failure yields 0
// and a warning instead of rejecting the row; the warning keeps the silent
// default visible to operators.
func coerceFloat(v any, idx int, field string, warnings *[]string) float64 {
	switch n := v.(type) {
	case nil:
		return 0
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err == nil {
			return f
		}
	case string:
		s := cleanNumeric(n)
		if s == "" {
			return 0
		}
		f, err := strconv.ParseFloat(s, 64)
		if err == nil {
			return f
		}
	}
	if warnings != nil {
		*warnings = append(*warnings, fmt.Sprintf("baris %d: nilai %s tidak valid, diisi 0", idx+1, field))
	}
	return 0
}

// cleanNumeric strips currency prefixes and Indonesian digit grouping
// ("Rp 1.234.567,89" becomes "1234567.89").
func cleanNumeric(s string) string {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "rp") {
		s = strings.TrimSpace(s[2:])
	}
	s = strings.ReplaceAll(s, " ", "")
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	} else if strings.Count(s, ".") > 1 {
		// Grouping dots without a decimal comma.
		s = strings.ReplaceAll(s, ".", "")
	}
	return s
}
