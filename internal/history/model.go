// Package history keeps the append-only ledger of ingestion attempts.
package history

import "time"

// Status enumerates outcomes of one ingestion attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Entry is one immutable audit record of an ingestion attempt. Entries are
// never updated or deleted.
type Entry struct {
	ID            int64
	CooperativeID int64
	UserID        int64
	Year          int
	Month         int
	Module        string
	Status        Status
	RecordsCount  int
	ErrorMessage  string
	CreatedAt     time.Time
}
