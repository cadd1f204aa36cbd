package purchasing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RepositoryPort abstracts receipt persistence so the service can be tested
// against an in-memory fake.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(tx TxRepository) error) error
	GetReceipt(ctx context.Context, id int64) (GoodsReceipt, []GRNLine, error)
	ListReceipts(ctx context.Context, limit, offset int) ([]GoodsReceipt, error)
}

// TxRepository contains the mutations executed inside a transaction.
type TxRepository interface {
	InsertReceipt(ctx context.Context, grn GoodsReceipt) (int64, error)
	InsertLine(ctx context.Context, line GRNLine) (int64, error)
	UpdateStatus(ctx context.Context, id int64, from, to GRNStatus) error
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

func (r *Repository) GetReceipt(ctx context.Context, id int64) (GoodsReceipt, []GRNLine, error) {
	const head = `
		SELECT id, number, supplier_ref, status, received_at, COALESCE(note, ''), created_at
		FROM purchase_receipts
		WHERE id = $1`

	var grn GoodsReceipt
	err := r.db.QueryRow(ctx, head, id).Scan(
		&grn.ID, &grn.Number, &grn.SupplierRef, &grn.Status, &grn.ReceivedAt, &grn.Note, &grn.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return GoodsReceipt{}, nil, ErrNotFound
	}
	if err != nil {
		return GoodsReceipt{}, nil, fmt.Errorf("get receipt: %w", err)
	}

	const lines = `
		SELECT id, receipt_id, product_id, qty, unit_cost, COALESCE(batch_label, ''), expires_at
		FROM purchase_receipt_lines
		WHERE receipt_id = $1
		ORDER BY id ASC`

	rows, err := r.db.Query(ctx, lines, id)
	if err != nil {
		return GoodsReceipt{}, nil, fmt.Errorf("list receipt lines: %w", err)
	}
	defer rows.Close()

	var out []GRNLine
	for rows.Next() {
		var l GRNLine
		if err := rows.Scan(&l.ID, &l.GRNID, &l.ProductID, &l.Qty, &l.UnitCost, &l.BatchLabel, &l.ExpiresAt); err != nil {
			return GoodsReceipt{}, nil, fmt.Errorf("scan receipt line: %w", err)
		}
		out = append(out, l)
	}
	return grn, out, rows.Err()
}

func (r *Repository) ListReceipts(ctx context.Context, limit, offset int) ([]GoodsReceipt, error) {
	const q = `
		SELECT id, number, supplier_ref, status, received_at, COALESCE(note, ''), created_at
		FROM purchase_receipts
		ORDER BY id DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.Query(ctx, q, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	defer rows.Close()

	var out []GoodsReceipt
	for rows.Next() {
		var grn GoodsReceipt
		if err := rows.Scan(&grn.ID, &grn.Number, &grn.SupplierRef, &grn.Status, &grn.ReceivedAt, &grn.Note, &grn.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		out = append(out, grn)
	}
	return out, rows.Err()
}

type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) InsertReceipt(ctx context.Context, grn GoodsReceipt) (int64, error) {
	const q = `
		INSERT INTO purchase_receipts (number, supplier_ref, status, received_at, note)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		RETURNING id`

	var id int64
	if err := t.tx.QueryRow(ctx, q, grn.Number, grn.SupplierRef, grn.Status, grn.ReceivedAt, grn.Note).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert receipt: %w", err)
	}
	return id, nil
}

func (t *txRepo) InsertLine(ctx context.Context, line GRNLine) (int64, error) {
	const q = `
		INSERT INTO purchase_receipt_lines (receipt_id, product_id, qty, unit_cost, batch_label, expires_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		RETURNING id`

	var id int64
	err := t.tx.QueryRow(ctx, q, line.GRNID, line.ProductID, line.Qty, line.UnitCost, line.BatchLabel, line.ExpiresAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert receipt line: %w", err)
	}
	return id, nil
}

func (t *txRepo) UpdateStatus(ctx context.Context, id int64, from, to GRNStatus) error {
	const q = `UPDATE purchase_receipts SET status = $3 WHERE id = $1 AND status = $2`

	tag, err := t.tx.Exec(ctx, q, id, from, to)
	if err != nil {
		return fmt.Errorf("update receipt status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}
