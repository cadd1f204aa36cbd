package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskStockConsistencyScan recomputes per-product layer totals and
	// compares them to the stock summaries.
	TaskStockConsistencyScan = "stock:consistency_scan"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "stock:idempotency_cleanup"
)

// ConsistencyScanPayload narrows the scan to one product when ProductID is
// set; zero scans everything.
type ConsistencyScanPayload struct {
	ProductID int64 `json:"product_id,omitempty"`
}

// NewConsistencyScanTask constructs an Asynq task.
func NewConsistencyScanTask(payload ConsistencyScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockConsistencyScan, data), nil
}

// IdempotencyCleanupPayload carries the retention window in hours.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewIdempotencyCleanupTask constructs an Asynq task.
func NewIdempotencyCleanupTask(payload IdempotencyCleanupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}
