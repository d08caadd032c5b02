package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeRatioRefresh recomputes financial ratios for one period
	// after its balance sheet was (re)ingested.
	TaskTypeRatioRefresh = "ratio:refresh"
)

// RatioRefreshPayload identifies the period whose ratios need recomputing.
type RatioRefreshPayload struct {
	CooperativeID int64 `json:"cooperativeId"`
	Year          int   `json:"year"`
	Month         int   `json:"month"`
	ActorID       int64 `json:"actorId"`
}

// NewRatioRefreshTask constructs an Asynq task.
func NewRatioRefreshTask(payload RatioRefreshPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeRatioRefresh, data), nil
}
