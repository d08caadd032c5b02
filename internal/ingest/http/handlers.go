// Package http wires the ingestion engine's JSON API.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/koperasi-erp/koperasi-erp/internal/erp"
	"github.com/koperasi-erp/koperasi-erp/internal/history"
	"github.com/koperasi-erp/koperasi-erp/internal/ingest"
	"github.com/koperasi-erp/koperasi-erp/internal/platform/httpx"
	"github.com/koperasi-erp/koperasi-erp/internal/ratio"
	"github.com/koperasi-erp/koperasi-erp/internal/shared"
	"github.com/koperasi-erp/koperasi-erp/internal/spreadsheet"
)

// Ingester runs ingestion attempts.
type Ingester interface {
	Ingest(ctx context.Context, actorID int64, key ingest.PeriodKey, module ingest.Module, source ingest.Source, overwrite bool) (ingest.Result, error)
	IngestAll(ctx context.Context, actorID int64, key ingest.PeriodKey, source ingest.Source, overwrite bool) (ingest.AllResult, error)
}

// RatioComputer derives financial ratios on demand.
type RatioComputer interface {
	Compute(ctx context.Context, actorID int64, key ingest.PeriodKey, overwrite bool) (ratio.Result, error)
}

// HistoryReader lists the upload history ledger.
type HistoryReader interface {
	List(ctx context.Context, cooperativeID int64, limit int) ([]history.Entry, error)
	LatestSuccess(ctx context.Context, cooperativeID int64) (history.Entry, error)
}

// ConnectionSaver persists ERP connection settings and invalidates the
// client cache.
type ConnectionSaver interface {
	Save(ctx context.Context, cfg erp.ConnectionConfig) error
}

// Handler wires ingestion endpoints.
type Handler struct {
	logger        *slog.Logger
	ingester      Ingester
	ratios        RatioComputer
	hist          HistoryReader
	connections   ConnectionSaver
	erpSource     ingest.Source
	validator     *validator.Validate
	rateLimit     func(http.Handler) http.Handler
	maxUploadSize int64
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, ingester Ingester, ratios RatioComputer, hist HistoryReader, connections ConnectionSaver, erpSource ingest.Source, maxUploadSize int64) *Handler {
	if maxUploadSize <= 0 {
		maxUploadSize = 10 << 20
	}
	return &Handler{
		logger:        logger,
		ingester:      ingester,
		ratios:        ratios,
		hist:          hist,
		connections:   connections,
		erpSource:     erpSource,
		validator:     validator.New(),
		rateLimit:     httprate.Limit(10, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)),
		maxUploadSize: maxUploadSize,
	}
}

// MountRoutes registers the ingestion API.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/coops/{coopID}", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.rateLimit)
			r.Post("/periods/{year}/{month}/ingest/{module}", h.handleIngestERP)
			r.Post("/periods/{year}/{month}/upload/{module}", h.handleUpload)
			r.Post("/periods/{year}/{month}/ratios/compute", h.handleComputeRatios)
		})
		r.Get("/history", h.handleListHistory)
		r.Get("/history/latest-success", h.handleLatestSuccess)
		r.Put("/erp-connection", h.handleSaveConnection)
	})
}

type ingestResponse struct {
	Module       string   `json:"module"`
	Status       string   `json:"status"`
	RecordsCount int      `json:"recordsCount"`
	Rejected     int      `json:"rejected"`
	Warnings     []string `json:"warnings,omitempty"`
}

func (h *Handler) handleIngestERP(w http.ResponseWriter, r *http.Request) {
	key, ok := h.periodKey(w, r)
	if !ok {
		return
	}
	overwrite := boolQuery(r, "overwrite")
	actorID := shared.ActorFromContext(r.Context())

	moduleParam := chi.URLParam(r, "module")
	if moduleParam == string(ingest.ModuleAll) {
		all, err := h.ingester.IngestAll(r.Context(), actorID, key, h.erpSource, overwrite)
		if err != nil {
			h.respondError(w, err)
			return
		}
		results := make([]ingestResponse, 0, len(all.Results))
		for _, res := range all.Results {
			results = append(results, toIngestResponse(res))
		}
		httpx.JSON(w, statusForOutcome(all.Status), map[string]any{
			"status":       all.Status,
			"recordsCount": all.RecordsCount,
			"results":      results,
			"errors":       all.Errors,
		})
		return
	}

	module, err := ingest.ParseModule(moduleParam)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if module == ingest.ModuleRatios {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "modul ratios dihitung dari data neraca, bukan diambil dari ERP")
		return
	}
	result, err := h.ingester.Ingest(r.Context(), actorID, key, module, h.erpSource, overwrite)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toIngestResponse(result))
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	key, ok := h.periodKey(w, r)
	if !ok {
		return
	}
	module, err := ingest.ParseModule(chi.URLParam(r, "module"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	overwrite := boolQuery(r, "overwrite")
	actorID := shared.ActorFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	if err := r.ParseMultipartForm(h.maxUploadSize); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "form upload tidak valid: "+err.Error())
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "field file wajib diisi")
		return
	}
	defer file.Close()

	rows, err := spreadsheet.Parse(file)
	if err != nil {
		// An unparseable workbook is a source failure, same as an ERP
		// transport error.
		h.respondError(w, fmt.Errorf("%w: %v", ingest.ErrSourceUnavailable, err))
		return
	}

	result, err := h.ingester.Ingest(r.Context(), actorID, key, module, spreadsheet.NewFileSource(module, rows), overwrite)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toIngestResponse(result))
}

func (h *Handler) handleComputeRatios(w http.ResponseWriter, r *http.Request) {
	key, ok := h.periodKey(w, r)
	if !ok {
		return
	}
	overwrite := boolQuery(r, "overwrite")
	actorID := shared.ActorFromContext(r.Context())

	result, err := h.ratios.Compute(r.Context(), actorID, key, overwrite)
	if err != nil {
		h.respondError(w, err)
		return
	}
	type ratioPayload struct {
		Name        string  `json:"name"`
		Value       float64 `json:"value"`
		Trend       string  `json:"trend"`
		Description string  `json:"description,omitempty"`
	}
	ratios := make([]ratioPayload, 0, len(result.Ratios))
	for _, item := range result.Ratios {
		ratios = append(ratios, ratioPayload{
			Name:        item.Name,
			Value:       item.Value,
			Trend:       string(item.Trend),
			Description: item.Description,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"recordsCount": result.RecordsCount,
		"ratios":       ratios,
	})
}

func (h *Handler) handleListHistory(w http.ResponseWriter, r *http.Request) {
	coopID, err := int64URLParam(r, "coopID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	entries, err := h.hist.List(r.Context(), coopID, limit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"history": toHistoryPayload(entries)})
}

func (h *Handler) handleLatestSuccess(w http.ResponseWriter, r *http.Request) {
	coopID, err := int64URLParam(r, "coopID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	entry, err := h.hist.LatestSuccess(r.Context(), coopID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "belum ada ingesti sukses")
			return
		}
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toHistoryPayload([]history.Entry{entry})[0])
}

type connectionForm struct {
	BaseURL         string `json:"baseUrl" validate:"required,url"`
	APIKey          string `json:"apiKey" validate:"required"`
	APIKeyHeader    string `json:"apiKeyHeader"`
	RateLimitPerMin int64  `json:"rateLimitPerMin" validate:"gte=0,lte=600"`
}

func (h *Handler) handleSaveConnection(w http.ResponseWriter, r *http.Request) {
	coopID, err := int64URLParam(r, "coopID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	var form connectionForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "body JSON tidak valid")
		return
	}
	if err := h.validator.Struct(form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	err = h.connections.Save(r.Context(), erp.ConnectionConfig{
		CooperativeID:   coopID,
		BaseURL:         form.BaseURL,
		APIKey:          form.APIKey,
		APIKeyHeader:    form.APIKeyHeader,
		RateLimitPerMin: form.RateLimitPerMin,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// respondError maps the ingestion error taxonomy to specific responses;
// nothing surfaces as a blanket internal error unless genuinely unknown.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ingest.ErrInvalidInput):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ingest.ErrDataExists):
		httpx.Problem(w, http.StatusConflict, "Data Exists", err.Error())
	case errors.Is(err, shared.ErrLockHeld):
		httpx.Problem(w, http.StatusConflict, "Ingestion In Progress", err.Error())
	case errors.Is(err, ingest.ErrSourceUnavailable):
		httpx.Problem(w, http.StatusBadGateway, "Source Unavailable", err.Error())
	case errors.Is(err, ingest.ErrNoValidRecords):
		httpx.Problem(w, http.StatusUnprocessableEntity, "No Valid Records", err.Error())
	case errors.Is(err, ratio.ErrNoBalanceData):
		httpx.Problem(w, http.StatusUnprocessableEntity, "No Balance Data", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ingest.ErrPersistence):
		h.logger.Error("persistence failure", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Persistence Failure", "penyimpanan gagal, data periode tidak berubah")
	default:
		h.logger.Error("unhandled ingestion error", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func (h *Handler) periodKey(w http.ResponseWriter, r *http.Request) (ingest.PeriodKey, bool) {
	coopID, err := int64URLParam(r, "coopID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return ingest.PeriodKey{}, false
	}
	year, err := intURLParam(r, "year")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return ingest.PeriodKey{}, false
	}
	month, err := intURLParam(r, "month")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return ingest.PeriodKey{}, false
	}
	key := ingest.PeriodKey{CooperativeID: coopID, Year: year, Month: month}
	if err := key.Validate(); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return ingest.PeriodKey{}, false
	}
	return key, true
}

func toIngestResponse(res ingest.Result) ingestResponse {
	return ingestResponse{
		Module:       string(res.Module),
		Status:       string(res.Status),
		RecordsCount: res.RecordsCount,
		Rejected:     res.Rejected,
		Warnings:     res.Warnings,
	}
}

func toHistoryPayload(entries []history.Entry) []map[string]any {
	payload := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		payload = append(payload, map[string]any{
			"id":            e.ID,
			"cooperativeId": e.CooperativeID,
			"userId":        e.UserID,
			"year":          e.Year,
			"month":         e.Month,
			"module":        e.Module,
			"status":        e.Status,
			"recordsCount":  e.RecordsCount,
			"errorMessage":  e.ErrorMessage,
			"createdAt":     e.CreatedAt,
		})
	}
	return payload
}

func statusForOutcome(status history.Status) int {
	switch status {
	case history.StatusSuccess:
		return http.StatusOK
	case history.StatusPartial:
		return http.StatusMultiStatus
	default:
		return http.StatusBadGateway
	}
}

func int64URLParam(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("parameter %s tidak valid", name)
	}
	return value, nil
}

func intURLParam(r *http.Request, name string) (int, error) {
	raw := chi.URLParam(r, name)
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parameter %s tidak valid", name)
	}
	return value, nil
}

func boolQuery(r *http.Request, name string) bool {
	raw := r.URL.Query().Get(name)
	return raw == "true" || raw == "1"
}
