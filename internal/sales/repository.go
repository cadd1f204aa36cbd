package sales

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// RepositoryPort abstracts sale persistence for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(tx TxRepository) error) error
	GetSale(ctx context.Context, id int64) (Sale, []SaleLine, error)
	ListSales(ctx context.Context, limit, offset int) ([]Sale, error)
}

// TxRepository contains the mutations executed inside a transaction.
type TxRepository interface {
	InsertSale(ctx context.Context, sale Sale) (int64, error)
	InsertLine(ctx context.Context, line SaleLine) (int64, error)
	UpdateStatus(ctx context.Context, id int64, from, to SaleStatus) error
	UpdateLineCost(ctx context.Context, lineID int64, costTotal, costPerUnit decimal.Decimal) error
	MarkLineReversed(ctx context.Context, lineID int64, at time.Time) error
}

// Repository is the pgx-backed implementation.
type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

func (r *Repository) WithTx(ctx context.Context, fn func(tx TxRepository) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&txRepo{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) GetSale(ctx context.Context, id int64) (Sale, []SaleLine, error) {
	const head = `
		SELECT id, number, status, sold_at, created_at
		FROM sales
		WHERE id = $1`

	var sale Sale
	err := r.db.QueryRow(ctx, head, id).Scan(&sale.ID, &sale.Number, &sale.Status, &sale.SoldAt, &sale.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Sale{}, nil, ErrNotFound
	}
	if err != nil {
		return Sale{}, nil, fmt.Errorf("get sale: %w", err)
	}

	const lines = `
		SELECT id, sale_id, product_id, qty, unit_price,
		       COALESCE(cost_total, 0), COALESCE(cost_per_unit, 0), reversed_at
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY id ASC`

	rows, err := r.db.Query(ctx, lines, id)
	if err != nil {
		return Sale{}, nil, fmt.Errorf("list sale lines: %w", err)
	}
	defer rows.Close()

	var out []SaleLine
	for rows.Next() {
		var l SaleLine
		if err := rows.Scan(&l.ID, &l.SaleID, &l.ProductID, &l.Qty, &l.UnitPrice, &l.CostTotal, &l.CostPerUnit, &l.ReversedAt); err != nil {
			return Sale{}, nil, fmt.Errorf("scan sale line: %w", err)
		}
		out = append(out, l)
	}
	return sale, out, rows.Err()
}

func (r *Repository) ListSales(ctx context.Context, limit, offset int) ([]Sale, error) {
	const q = `
		SELECT id, number, status, sold_at, created_at
		FROM sales
		ORDER BY id DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.Query(ctx, q, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sales: %w", err)
	}
	defer rows.Close()

	var out []Sale
	for rows.Next() {
		var sale Sale
		if err := rows.Scan(&sale.ID, &sale.Number, &sale.Status, &sale.SoldAt, &sale.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sale: %w", err)
		}
		out = append(out, sale)
	}
	return out, rows.Err()
}

type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) InsertSale(ctx context.Context, sale Sale) (int64, error) {
	const q = `
		INSERT INTO sales (number, status, sold_at)
		VALUES ($1, $2, $3)
		RETURNING id`

	var id int64
	if err := t.tx.QueryRow(ctx, q, sale.Number, sale.Status, sale.SoldAt).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert sale: %w", err)
	}
	return id, nil
}

func (t *txRepo) InsertLine(ctx context.Context, line SaleLine) (int64, error) {
	const q = `
		INSERT INTO sale_lines (sale_id, product_id, qty, unit_price)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	var id int64
	if err := t.tx.QueryRow(ctx, q, line.SaleID, line.ProductID, line.Qty, line.UnitPrice).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert sale line: %w", err)
	}
	return id, nil
}

func (t *txRepo) UpdateStatus(ctx context.Context, id int64, from, to SaleStatus) error {
	const q = `UPDATE sales SET status = $3 WHERE id = $1 AND status = $2`

	tag, err := t.tx.Exec(ctx, q, id, from, to)
	if err != nil {
		return fmt.Errorf("update sale status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

func (t *txRepo) UpdateLineCost(ctx context.Context, lineID int64, costTotal, costPerUnit decimal.Decimal) error {
	const q = `UPDATE sale_lines SET cost_total = $2, cost_per_unit = $3 WHERE id = $1`

	tag, err := t.tx.Exec(ctx, q, lineID, costTotal, costPerUnit)
	if err != nil {
		return fmt.Errorf("update sale line cost: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkLineReversed records that the line's allocation was replayed into
// stock. The NULL guard keeps the first timestamp if a void is retried.
func (t *txRepo) MarkLineReversed(ctx context.Context, lineID int64, at time.Time) error {
	const q = `UPDATE sale_lines SET reversed_at = $2 WHERE id = $1 AND reversed_at IS NULL`

	tag, err := t.tx.Exec(ctx, q, lineID, at)
	if err != nil {
		return fmt.Errorf("mark sale line reversed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
