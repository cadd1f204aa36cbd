package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ConsistencyScanJob verifies that every product's summary balance equals the
// sum of its remaining layer quantities. The engine maintains this inside
// each transaction; the scan catches drift from manual data changes or bugs.
type ConsistencyScanJob struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	metrics *Metrics
}

// NewConsistencyScanJob constructs the job. Metrics may be nil.
func NewConsistencyScanJob(pool *pgxpool.Pool, logger *slog.Logger, metrics *Metrics) *ConsistencyScanJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsistencyScanJob{pool: pool, logger: logger, metrics: metrics}
}

// Handle processes TaskStockConsistencyScan tasks.
func (j *ConsistencyScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	tracker := j.metrics.Track("stock_consistency_scan")
	var payload ConsistencyScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return tracker.End(asynq.SkipRetry)
	}

	q := `
		SELECT s.product_id, s.balance, COALESCE(SUM(l.qty_remaining), 0)
		FROM stock_summaries s
		LEFT JOIN cost_layers l ON l.product_id = s.product_id
	`
	args := []any{}
	if payload.ProductID != 0 {
		q += " WHERE s.product_id = $1"
		args = append(args, payload.ProductID)
	}
	q += " GROUP BY s.product_id, s.balance"

	rows, err := j.pool.Query(ctx, q, args...)
	if err != nil {
		return tracker.End(fmt.Errorf("consistency scan query: %w", err))
	}
	defer rows.Close()

	scanned, violations := 0, 0
	for rows.Next() {
		var productID int64
		var balance, layerSum decimal.Decimal
		if err := rows.Scan(&productID, &balance, &layerSum); err != nil {
			return tracker.End(fmt.Errorf("consistency scan row: %w", err))
		}
		scanned++
		if !balance.Equal(layerSum) {
			violations++
			j.logger.Error("stock conservation violated",
				slog.Int64("product_id", productID),
				slog.String("summary_balance", balance.String()),
				slog.String("layer_sum", layerSum.String()))
		}
	}
	if err := rows.Err(); err != nil {
		return tracker.End(fmt.Errorf("consistency scan rows: %w", err))
	}

	j.logger.Info("stock consistency scan finished",
		slog.Int("products", scanned),
		slog.Int("violations", violations))
	return tracker.End(nil)
}
