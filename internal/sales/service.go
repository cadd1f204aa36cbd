package sales

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/backroom-pos/backroom/internal/costing"
)

// CostingPort is the slice of the costing engine sales needs: planning and
// committing FIFO allocations and replaying them on void.
type CostingPort interface {
	Allocate(ctx context.Context, productID int64, required decimal.Decimal) (costing.AllocationBreakdown, error)
	Commit(ctx context.Context, breakdown costing.AllocationBreakdown, referenceID string) error
	Reverse(ctx context.Context, breakdown costing.AllocationBreakdown, referenceID string) error
	GetBreakdown(ctx context.Context, saleLineID int64) (costing.AllocationBreakdown, error)
}

// Locker serializes stock mutations per product. Optional; without it the
// engine still refuses oversell through commit-time re-validation, the lock
// just avoids burning retries under contention.
type Locker interface {
	WithProductLock(ctx context.Context, productID int64, fn func(context.Context) error) error
}

// commitAttempts bounds retries when a concurrent writer invalidates a plan
// between Allocate and Commit.
const commitAttempts = 3

// Service manages sale tickets and drives the costing engine on commit and
// void.
type Service struct {
	repo    RepositoryPort
	costing CostingPort
	locker  Locker
	logger  *slog.Logger
	now     func() time.Time
}

// NewService builds Service. The locker may be nil.
func NewService(repo RepositoryPort, costingSvc CostingPort, locker Locker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		costing: costingSvc,
		locker:  locker,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateSale records a draft ticket with its lines. Stock is untouched until
// the sale is committed.
func (s *Service) CreateSale(ctx context.Context, input CreateSaleInput) (Sale, []SaleLine, error) {
	if input.Number == "" {
		return Sale{}, nil, fmt.Errorf("%w: number required", ErrValidation)
	}
	if len(input.Lines) == 0 {
		return Sale{}, nil, fmt.Errorf("%w: at least one line required", ErrValidation)
	}
	for i, line := range input.Lines {
		if line.ProductID == 0 {
			return Sale{}, nil, fmt.Errorf("%w: line %d: product required", ErrValidation, i+1)
		}
		if line.Qty.Sign() <= 0 {
			return Sale{}, nil, fmt.Errorf("%w: line %d: qty must be positive", ErrValidation, i+1)
		}
		if line.UnitPrice.Sign() < 0 {
			return Sale{}, nil, fmt.Errorf("%w: line %d: unit price cannot be negative", ErrValidation, i+1)
		}
	}

	soldAt := input.SoldAt
	if soldAt.IsZero() {
		soldAt = s.now()
	}

	sale := Sale{Number: input.Number, Status: SaleStatusDraft, SoldAt: soldAt}

	var lines []SaleLine
	err := s.repo.WithTx(ctx, func(tx TxRepository) error {
		id, err := tx.InsertSale(ctx, sale)
		if err != nil {
			return err
		}
		sale.ID = id

		for _, in := range input.Lines {
			line := SaleLine{SaleID: id, ProductID: in.ProductID, Qty: in.Qty, UnitPrice: in.UnitPrice}
			lineID, err := tx.InsertLine(ctx, line)
			if err != nil {
				return err
			}
			line.ID = lineID
			lines = append(lines, line)
		}
		return nil
	})
	if err != nil {
		return Sale{}, nil, err
	}

	s.logger.Info("sale created",
		slog.Int64("sale_id", sale.ID),
		slog.String("number", sale.Number),
		slog.Int("lines", len(lines)))
	return sale, lines, nil
}

// CommitSale consumes stock for every line of a draft sale. Each line is
// allocated FIFO and committed with bounded retry on concurrency conflicts.
// If any line cannot be filled, every already-committed line is reversed and
// the sale stays DRAFT.
func (s *Service) CommitSale(ctx context.Context, id int64) (Sale, []SaleLine, error) {
	sale, lines, err := s.repo.GetSale(ctx, id)
	if err != nil {
		return Sale{}, nil, err
	}
	if sale.Status != SaleStatusDraft {
		return Sale{}, nil, fmt.Errorf("%w: sale %s is %s", ErrInvalidState, sale.Number, sale.Status)
	}

	var committed []costing.AllocationBreakdown
	rollback := func(cause error) {
		for i := len(committed) - 1; i >= 0; i-- {
			bd := committed[i]
			ref := voidReferenceID(sale.Number, bd.SaleLineID)
			if err := s.costing.Reverse(ctx, bd, ref); err != nil {
				s.logger.Error("rollback of committed sale line failed",
					slog.Int64("sale_id", sale.ID),
					slog.Int64("sale_line_id", bd.SaleLineID),
					slog.Any("cause", cause),
					slog.Any("error", err))
			}
		}
	}

	for i := range lines {
		line := &lines[i]
		bd, err := s.commitLine(ctx, sale.Number, line)
		if err != nil {
			rollback(err)
			return Sale{}, nil, fmt.Errorf("commit line %d: %w", line.ID, err)
		}
		committed = append(committed, bd)
	}

	err = s.repo.WithTx(ctx, func(tx TxRepository) error {
		for _, line := range lines {
			if err := tx.UpdateLineCost(ctx, line.ID, line.CostTotal, line.CostPerUnit); err != nil {
				return err
			}
		}
		return tx.UpdateStatus(ctx, sale.ID, SaleStatusDraft, SaleStatusCommitted)
	})
	if err != nil {
		rollback(err)
		return Sale{}, nil, err
	}

	sale.Status = SaleStatusCommitted
	s.logger.Info("sale committed",
		slog.Int64("sale_id", sale.ID),
		slog.String("number", sale.Number),
		slog.Int("lines", len(lines)))
	return sale, lines, nil
}

// commitLine plans and commits one line, retrying when a concurrent writer
// invalidates the plan. The allocation's cost lands on the line.
func (s *Service) commitLine(ctx context.Context, number string, line *SaleLine) (costing.AllocationBreakdown, error) {
	var breakdown costing.AllocationBreakdown

	attempt := func(ctx context.Context) error {
		var lastErr error
		for i := 0; i < commitAttempts; i++ {
			bd, err := s.costing.Allocate(ctx, line.ProductID, line.Qty)
			if err != nil {
				return err
			}
			bd.SaleLineID = line.ID

			err = s.costing.Commit(ctx, bd, saleReferenceID(number, line.ID))
			if err == nil {
				breakdown = bd
				return nil
			}
			if !retryableCommitError(err) {
				return err
			}
			lastErr = err
			s.logger.Warn("allocation plan went stale, retrying",
				slog.Int64("sale_line_id", line.ID),
				slog.Int64("product_id", line.ProductID),
				slog.Int("attempt", i+1))
		}
		return lastErr
	}

	var err error
	if s.locker != nil {
		err = s.locker.WithProductLock(ctx, line.ProductID, attempt)
	} else {
		err = attempt(ctx)
	}
	if err != nil {
		return costing.AllocationBreakdown{}, err
	}

	line.CostTotal = breakdown.TotalCost()
	line.CostPerUnit = breakdown.AverageUnitCost()
	return breakdown, nil
}

// retryableCommitError reports whether a fresh plan could succeed where this
// commit failed. Conflicts and stale-layer failures qualify; insufficient
// stock or validation errors do not.
func retryableCommitError(err error) bool {
	return errors.Is(err, costing.ErrConcurrencyConflict) ||
		errors.Is(err, costing.ErrInsufficientLayerQuantity)
}

// VoidSale reverses every line of a committed sale by replaying its persisted
// breakdown. Each reversed line is marked before the next one starts, and the
// sale flips to VOIDED only after the last line, so a void that fails partway
// leaves the sale COMMITTED and a retry resumes with the lines still
// outstanding. The COMMITTED->VOIDED transition keeps the void single-shot.
func (s *Service) VoidSale(ctx context.Context, id int64) (Sale, error) {
	sale, lines, err := s.repo.GetSale(ctx, id)
	if err != nil {
		return Sale{}, err
	}
	if sale.Status != SaleStatusCommitted {
		return Sale{}, fmt.Errorf("%w: sale %s is %s", ErrInvalidState, sale.Number, sale.Status)
	}

	for _, line := range lines {
		if line.ReversedAt != nil {
			continue
		}
		bd, err := s.costing.GetBreakdown(ctx, line.ID)
		if err != nil {
			return Sale{}, fmt.Errorf("load breakdown for line %d: %w", line.ID, err)
		}
		if err := s.costing.Reverse(ctx, bd, voidReferenceID(sale.Number, line.ID)); err != nil {
			return Sale{}, fmt.Errorf("reverse line %d: %w", line.ID, err)
		}
		reversedAt := s.now()
		if err := s.repo.WithTx(ctx, func(tx TxRepository) error {
			return tx.MarkLineReversed(ctx, line.ID, reversedAt)
		}); err != nil {
			return Sale{}, fmt.Errorf("mark line %d reversed: %w", line.ID, err)
		}
	}

	err = s.repo.WithTx(ctx, func(tx TxRepository) error {
		return tx.UpdateStatus(ctx, sale.ID, SaleStatusCommitted, SaleStatusVoided)
	})
	if err != nil {
		return Sale{}, err
	}

	sale.Status = SaleStatusVoided
	s.logger.Info("sale voided",
		slog.Int64("sale_id", sale.ID),
		slog.String("number", sale.Number),
		slog.Int("lines", len(lines)))
	return sale, nil
}

// GetSale returns a sale with its lines.
func (s *Service) GetSale(ctx context.Context, id int64) (Sale, []SaleLine, error) {
	return s.repo.GetSale(ctx, id)
}

// ListSales returns sales newest first.
func (s *Service) ListSales(ctx context.Context, limit, offset int) ([]Sale, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListSales(ctx, limit, offset)
}

func saleReferenceID(number string, lineID int64) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("SALE:%s:%d", number, lineID))).String()
}

func voidReferenceID(number string, lineID int64) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("VOID:%s:%d", number, lineID))).String()
}
