package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/koperasi-erp/koperasi-erp/internal/ingest"
	"github.com/koperasi-erp/koperasi-erp/internal/ratio"
)

// NewRatioRefreshHandler builds the handler recomputing ratios for a period.
// Recomputation always overwrites: the task only runs after a successful
// balance-sheet ingestion, so the derived rows must follow the new data.
func NewRatioRefreshHandler(engine *ratio.Engine, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload RatioRefreshPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		key := ingest.PeriodKey{
			CooperativeID: payload.CooperativeID,
			Year:          payload.Year,
			Month:         payload.Month,
		}
		_, err := engine.Compute(ctx, payload.ActorID, key, true)
		if err != nil {
			if errors.Is(err, ratio.ErrNoBalanceData) || errors.Is(err, ingest.ErrInvalidInput) {
				// Retrying cannot help without new balance data.
				logger.Warn("ratio refresh skipped", slog.String("period", key.String()), slog.Any("error", err))
				return asynq.SkipRetry
			}
			return err
		}
		logger.Info("ratio refresh done", slog.String("period", key.String()))
		return nil
	}
}
