package costing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/backroom-pos/backroom/internal/platform/db"
)

// Repository persists the costing engine's state in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
// Serialization failures are reported as ErrConcurrencyConflict so callers
// can retry the whole allocate+commit cycle.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
	return mapConflict(err)
}

// ListAvailableLayers returns layers with remaining quantity, oldest first.
// Ties on received_at break by id so FIFO order is deterministic.
func (r *Repository) ListAvailableLayers(ctx context.Context, productID int64) ([]CostLayer, error) {
	return listAvailableLayers(ctx, r.pool, productID)
}

func listAvailableLayers(ctx context.Context, q dbtx, productID int64) ([]CostLayer, error) {
	const query = `
		SELECT id, product_id, qty_received, qty_remaining, unit_cost,
		       received_at, COALESCE(batch_label, ''), expires_at, COALESCE(reference_id::text, '')
		FROM cost_layers
		WHERE product_id = $1 AND qty_remaining > 0
		ORDER BY received_at ASC, id ASC`

	rows, err := q.Query(ctx, query, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var layers []CostLayer
	for rows.Next() {
		var layer CostLayer
		if err := rows.Scan(&layer.ID, &layer.ProductID, &layer.QtyReceived, &layer.QtyRemaining,
			&layer.UnitCost, &layer.ReceivedAt, &layer.BatchLabel, &layer.ExpiresAt, &layer.ReferenceID); err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}
	return layers, rows.Err()
}

// GetSummary loads the product summary without locking.
func (r *Repository) GetSummary(ctx context.Context, productID int64) (StockSummary, error) {
	const query = `
		SELECT product_id, total_in, total_out, balance, average_cost, total_value, updated_at
		FROM stock_summaries
		WHERE product_id = $1`

	var s StockSummary
	err := r.pool.QueryRow(ctx, query, productID).Scan(
		&s.ProductID, &s.TotalIn, &s.TotalOut, &s.Balance, &s.AverageCost, &s.TotalValue, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StockSummary{}, ErrSummaryNotFound
		}
		return StockSummary{}, err
	}
	return s, nil
}

// ListLedger returns ledger entries for a product in append order.
func (r *Repository) ListLedger(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, error) {
	const query = `
		SELECT id, product_id, kind, COALESCE(reference_id::text, ''), quantity, unit_cost, total_cost, occurred_at
		FROM stock_ledger
		WHERE product_id = $1
		  AND ($2::timestamptz IS NULL OR occurred_at >= $2)
		  AND ($3::timestamptz IS NULL OR occurred_at <= $3)
		ORDER BY id ASC
		LIMIT $4`

	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	var from, to any
	if !filter.From.IsZero() {
		from = filter.From
	}
	if !filter.To.IsZero() {
		to = filter.To
	}

	rows, err := r.pool.Query(ctx, query, filter.ProductID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.ProductID, &e.Kind, &e.ReferenceID,
			&e.Quantity, &e.UnitCost, &e.TotalCost, &e.OccurredAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetBreakdown loads the persisted breakdown for a sale line, in the order
// the allocation consumed layers.
func (r *Repository) GetBreakdown(ctx context.Context, saleLineID int64) (AllocationBreakdown, error) {
	const query = `
		SELECT sale_line_id, product_id, layer_id, quantity, unit_cost, line_cost
		FROM allocation_breakdowns
		WHERE sale_line_id = $1
		ORDER BY seq ASC`

	rows, err := r.pool.Query(ctx, query, saleLineID)
	if err != nil {
		return AllocationBreakdown{}, err
	}
	defer rows.Close()

	breakdown := AllocationBreakdown{}
	for rows.Next() {
		var line BreakdownLine
		if err := rows.Scan(&breakdown.SaleLineID, &breakdown.ProductID,
			&line.LayerID, &line.Quantity, &line.UnitCost, &line.LineCost); err != nil {
			return AllocationBreakdown{}, err
		}
		breakdown.Lines = append(breakdown.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return AllocationBreakdown{}, err
	}
	if len(breakdown.Lines) == 0 {
		return AllocationBreakdown{}, ErrBreakdownNotFound
	}
	return breakdown, nil
}

func (r *txRepo) InsertLayer(ctx context.Context, layer CostLayer) (int64, error) {
	const query = `
		INSERT INTO cost_layers (product_id, qty_received, qty_remaining, unit_cost,
		                         received_at, batch_label, expires_at, reference_id)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NULLIF($8, '')::uuid)
		RETURNING id`

	var id int64
	err := r.tx.QueryRow(ctx, query, layer.ProductID, layer.QtyReceived, layer.QtyRemaining,
		layer.UnitCost, layer.ReceivedAt, layer.BatchLabel, layer.ExpiresAt, layer.ReferenceID).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// FindLayerByReference looks up a layer by its receipt reference. Receive
// uses this to replay a reference instead of layering it twice.
func (r *txRepo) FindLayerByReference(ctx context.Context, referenceID string) (CostLayer, error) {
	const query = `
		SELECT id, product_id, qty_received, qty_remaining, unit_cost,
		       received_at, COALESCE(batch_label, ''), expires_at, COALESCE(reference_id::text, '')
		FROM cost_layers
		WHERE reference_id = $1::uuid`

	var layer CostLayer
	err := r.tx.QueryRow(ctx, query, referenceID).Scan(&layer.ID, &layer.ProductID,
		&layer.QtyReceived, &layer.QtyRemaining, &layer.UnitCost, &layer.ReceivedAt,
		&layer.BatchLabel, &layer.ExpiresAt, &layer.ReferenceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CostLayer{}, ErrLayerNotFound
		}
		return CostLayer{}, err
	}
	return layer, nil
}

// DecrementLayer reduces a layer's remaining quantity. The condition re-checks
// remaining >= qty under the row lock, so a stale plan cannot oversell.
func (r *txRepo) DecrementLayer(ctx context.Context, layerID int64, qty decimal.Decimal) error {
	const query = `
		UPDATE cost_layers
		SET qty_remaining = qty_remaining - $2
		WHERE id = $1 AND qty_remaining >= $2`

	tag, err := r.tx.Exec(ctx, query, layerID, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.classifyLayerFailure(ctx, layerID, ErrInsufficientLayerQuantity)
	}
	return nil
}

// IncrementLayer restores quantity to a layer, refusing to exceed the
// originally received quantity.
func (r *txRepo) IncrementLayer(ctx context.Context, layerID int64, qty decimal.Decimal) error {
	const query = `
		UPDATE cost_layers
		SET qty_remaining = qty_remaining + $2
		WHERE id = $1 AND qty_remaining + $2 <= qty_received`

	tag, err := r.tx.Exec(ctx, query, layerID, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.classifyLayerFailure(ctx, layerID, ErrOverRestoration)
	}
	return nil
}

func (r *txRepo) classifyLayerFailure(ctx context.Context, layerID int64, quantityErr error) error {
	var exists bool
	if err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM cost_layers WHERE id = $1)`, layerID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrLayerNotFound
	}
	return quantityErr
}

func (r *txRepo) GetSummaryForUpdate(ctx context.Context, productID int64) (StockSummary, error) {
	const query = `
		SELECT product_id, total_in, total_out, balance, average_cost, total_value, updated_at
		FROM stock_summaries
		WHERE product_id = $1
		FOR UPDATE`

	var s StockSummary
	err := r.tx.QueryRow(ctx, query, productID).Scan(
		&s.ProductID, &s.TotalIn, &s.TotalOut, &s.Balance, &s.AverageCost, &s.TotalValue, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StockSummary{}, ErrSummaryNotFound
		}
		return StockSummary{}, err
	}
	return s, nil
}

func (r *txRepo) UpsertSummary(ctx context.Context, summary StockSummary) error {
	const query = `
		INSERT INTO stock_summaries (product_id, total_in, total_out, balance, average_cost, total_value, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (product_id) DO UPDATE SET
			total_in = EXCLUDED.total_in,
			total_out = EXCLUDED.total_out,
			balance = EXCLUDED.balance,
			average_cost = EXCLUDED.average_cost,
			total_value = EXCLUDED.total_value,
			updated_at = EXCLUDED.updated_at`

	_, err := r.tx.Exec(ctx, query, summary.ProductID, summary.TotalIn, summary.TotalOut,
		summary.Balance, summary.AverageCost, summary.TotalValue, summary.UpdatedAt)
	return err
}

func (r *txRepo) AppendLedger(ctx context.Context, entry LedgerEntry) (int64, error) {
	const query = `
		INSERT INTO stock_ledger (product_id, kind, reference_id, quantity, unit_cost, total_cost, occurred_at)
		VALUES ($1, $2, NULLIF($3, '')::uuid, $4, $5, $6, $7)
		RETURNING id`

	var id int64
	err := r.tx.QueryRow(ctx, query, entry.ProductID, string(entry.Kind), entry.ReferenceID,
		entry.Quantity, entry.UnitCost, entry.TotalCost, entry.OccurredAt).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (r *txRepo) InsertBreakdown(ctx context.Context, breakdown AllocationBreakdown) error {
	const query = `
		INSERT INTO allocation_breakdowns (sale_line_id, product_id, seq, layer_id, quantity, unit_cost, line_cost)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	for i, line := range breakdown.Lines {
		if _, err := r.tx.Exec(ctx, query, breakdown.SaleLineID, breakdown.ProductID,
			i+1, line.LayerID, line.Quantity, line.UnitCost, line.LineCost); err != nil {
			return err
		}
	}
	return nil
}

// mapConflict translates PostgreSQL serialization and lock errors into the
// domain's retryable conflict error.
func mapConflict(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 40001 serialization_failure, 40P01 deadlock_detected, 55P03 lock_not_available
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s", ErrConcurrencyConflict, pgErr.Code)
		}
	}
	return err
}
