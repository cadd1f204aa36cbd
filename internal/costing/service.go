package costing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListAvailableLayers(ctx context.Context, productID int64) ([]CostLayer, error)
	GetSummary(ctx context.Context, productID int64) (StockSummary, error)
	ListLedger(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, error)
	GetBreakdown(ctx context.Context, saleLineID int64) (AllocationBreakdown, error)
}

// TxRepository exposes the mutations the service performs inside one
// transaction. Decrement and Increment re-validate remaining quantity at
// write time, so a plan raced by a concurrent consumer fails the whole
// commit instead of overselling.
type TxRepository interface {
	InsertLayer(ctx context.Context, layer CostLayer) (int64, error)
	FindLayerByReference(ctx context.Context, referenceID string) (CostLayer, error)
	DecrementLayer(ctx context.Context, layerID int64, qty decimal.Decimal) error
	IncrementLayer(ctx context.Context, layerID int64, qty decimal.Decimal) error
	GetSummaryForUpdate(ctx context.Context, productID int64) (StockSummary, error)
	UpsertSummary(ctx context.Context, summary StockSummary) error
	AppendLedger(ctx context.Context, entry LedgerEntry) (int64, error)
	InsertBreakdown(ctx context.Context, breakdown AllocationBreakdown) error
}

// SummaryCache is an optional read cache for stock summaries. Fetch returns
// the cached summary or falls through to loader, caching its result.
type SummaryCache interface {
	Fetch(ctx context.Context, productID int64, loader func(context.Context) (StockSummary, error)) (StockSummary, error)
	Invalidate(ctx context.Context, productID int64) error
}

// MetricsRecorder receives costing events for observability.
type MetricsRecorder interface {
	ReceiptPosted()
	AllocationCommitted()
	AllocationConflict()
	ReversalApplied()
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// Clock supplies timestamps for receipts and ledger entries. Defaults to
	// time.Now in UTC.
	Clock func() time.Time
}

// Service coordinates the FIFO costing engine: cost layers, the stock
// summary, the append-only ledger, and allocation breakdowns.
type Service struct {
	repo    RepositoryPort
	logger  *slog.Logger
	cache   SummaryCache
	metrics MetricsRecorder
	now     func() time.Time
}

// NewService builds Service. Cache and metrics may be nil.
func NewService(repo RepositoryPort, logger *slog.Logger, cache SummaryCache, metrics MetricsRecorder, cfg ServiceConfig) *Service {
	now := cfg.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, cache: cache, metrics: metrics, now: now}
}

// ReceiveInput describes one purchase receipt line.
type ReceiveInput struct {
	ProductID   int64
	Quantity    decimal.Decimal
	UnitCost    decimal.Decimal
	BatchLabel  string
	ExpiresAt   *time.Time
	ReferenceID string
	// ReceivedAt overrides the layer timestamp; zero means now. Backdated
	// receipts slot their layer into FIFO order at the document date.
	ReceivedAt time.Time
}

// Receive creates a cost layer for received stock, appends the inbound ledger
// entry and folds the receipt into the product summary, all in one
// transaction. Receipts carrying a ReferenceID are idempotent: if a layer
// already exists for the reference, Receive returns it without mutating
// anything, so a caller retrying a partially applied batch cannot duplicate
// stock.
func (s *Service) Receive(ctx context.Context, input ReceiveInput) (CostLayer, error) {
	if input.ProductID == 0 {
		return CostLayer{}, errors.New("costing: product required")
	}
	if input.Quantity.Sign() <= 0 {
		return CostLayer{}, ErrInvalidQuantity
	}
	if input.UnitCost.Sign() < 0 {
		return CostLayer{}, ErrInvalidUnitCost
	}

	now := s.now()
	receivedAt := input.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = now
	}
	layer := CostLayer{
		ProductID:    input.ProductID,
		QtyReceived:  input.Quantity,
		QtyRemaining: input.Quantity,
		UnitCost:     input.UnitCost,
		ReceivedAt:   receivedAt,
		BatchLabel:   input.BatchLabel,
		ExpiresAt:    input.ExpiresAt,
		ReferenceID:  input.ReferenceID,
	}

	var replayed bool
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if input.ReferenceID != "" {
			existing, err := tx.FindLayerByReference(ctx, input.ReferenceID)
			switch {
			case err == nil:
				layer = existing
				replayed = true
				return nil
			case !errors.Is(err, ErrLayerNotFound):
				return fmt.Errorf("find layer by reference: %w", err)
			}
		}

		id, err := tx.InsertLayer(ctx, layer)
		if err != nil {
			return fmt.Errorf("insert layer: %w", err)
		}
		layer.ID = id

		if _, err := tx.AppendLedger(ctx, LedgerEntry{
			ProductID:   input.ProductID,
			Kind:        EntryKindInbound,
			ReferenceID: input.ReferenceID,
			Quantity:    input.Quantity,
			UnitCost:    input.UnitCost,
			TotalCost:   input.Quantity.Mul(input.UnitCost),
			OccurredAt:  now,
		}); err != nil {
			return fmt.Errorf("append ledger: %w", err)
		}

		summary, err := s.summaryForUpdate(ctx, tx, input.ProductID)
		if err != nil {
			return err
		}
		summary = applyInbound(summary, input.Quantity, input.UnitCost, now)
		if err := tx.UpsertSummary(ctx, summary); err != nil {
			return fmt.Errorf("upsert summary: %w", err)
		}
		return nil
	})
	if err != nil {
		return CostLayer{}, err
	}
	if replayed {
		s.logger.Info("stock receipt replayed",
			slog.Int64("product_id", input.ProductID),
			slog.Int64("layer_id", layer.ID),
			slog.String("reference_id", input.ReferenceID))
		return layer, nil
	}

	s.invalidateSummary(ctx, input.ProductID)
	if s.metrics != nil {
		s.metrics.ReceiptPosted()
	}
	s.logger.Info("stock received",
		slog.Int64("product_id", input.ProductID),
		slog.Int64("layer_id", layer.ID),
		slog.String("qty", input.Quantity.String()),
		slog.String("unit_cost", input.UnitCost.String()))
	return layer, nil
}

// Allocate plans a FIFO allocation for the required quantity. It reads a
// snapshot of available layers and mutates nothing; Commit performs the
// actual consumption under transactional re-validation.
func (s *Service) Allocate(ctx context.Context, productID int64, required decimal.Decimal) (AllocationBreakdown, error) {
	if productID == 0 {
		return AllocationBreakdown{}, errors.New("costing: product required")
	}
	layers, err := s.repo.ListAvailableLayers(ctx, productID)
	if err != nil {
		return AllocationBreakdown{}, fmt.Errorf("list layers: %w", err)
	}
	return planAllocation(productID, required, layers)
}

// Commit persists a planned allocation: decrements every touched layer,
// appends outbound ledger entries in breakdown order, updates the summary
// and records the breakdown for later reversal. All-or-nothing; a layer that
// can no longer cover its planned quantity fails the whole commit.
func (s *Service) Commit(ctx context.Context, breakdown AllocationBreakdown, referenceID string) error {
	if breakdown.SaleLineID == 0 {
		return errors.New("costing: breakdown requires a sale line id")
	}
	if len(breakdown.Lines) == 0 {
		return ErrInvalidQuantity
	}
	for _, line := range breakdown.Lines {
		if line.Quantity.Sign() <= 0 {
			return ErrInvalidQuantity
		}
	}

	now := s.now()
	total := breakdown.Quantity()

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, line := range breakdown.Lines {
			if err := tx.DecrementLayer(ctx, line.LayerID, line.Quantity); err != nil {
				return fmt.Errorf("decrement layer %d: %w", line.LayerID, err)
			}
			if _, err := tx.AppendLedger(ctx, LedgerEntry{
				ProductID:   breakdown.ProductID,
				Kind:        EntryKindOutbound,
				ReferenceID: referenceID,
				Quantity:    line.Quantity.Neg(),
				UnitCost:    line.UnitCost,
				TotalCost:   line.LineCost,
				OccurredAt:  now,
			}); err != nil {
				return fmt.Errorf("append ledger: %w", err)
			}
		}

		summary, err := s.summaryForUpdate(ctx, tx, breakdown.ProductID)
		if err != nil {
			return err
		}
		summary = applyOutbound(summary, total, now)
		if err := tx.UpsertSummary(ctx, summary); err != nil {
			return fmt.Errorf("upsert summary: %w", err)
		}

		if err := tx.InsertBreakdown(ctx, breakdown); err != nil {
			return fmt.Errorf("insert breakdown: %w", err)
		}
		return nil
	})
	if err != nil {
		if s.metrics != nil && errors.Is(err, ErrConcurrencyConflict) {
			s.metrics.AllocationConflict()
		}
		if errors.Is(err, ErrInsufficientLayerQuantity) || errors.Is(err, ErrOverRestoration) {
			s.logger.Error("costing invariant violated during commit",
				slog.Int64("product_id", breakdown.ProductID),
				slog.Int64("sale_line_id", breakdown.SaleLineID),
				slog.Any("error", err))
		}
		return err
	}

	s.invalidateSummary(ctx, breakdown.ProductID)
	if s.metrics != nil {
		s.metrics.AllocationCommitted()
	}
	s.logger.Info("allocation committed",
		slog.Int64("product_id", breakdown.ProductID),
		slog.Int64("sale_line_id", breakdown.SaleLineID),
		slog.String("qty", total.String()),
		slog.String("total_cost", breakdown.TotalCost().String()))
	return nil
}

// Reverse undoes a previously committed breakdown: quantity returns to the
// original layers and the summary and ledger effects are reversed. The engine
// does not track whether a breakdown was already reversed; the business-event
// lifecycle guarantees each sale line is voided at most once.
func (s *Service) Reverse(ctx context.Context, breakdown AllocationBreakdown, referenceID string) error {
	if len(breakdown.Lines) == 0 {
		return ErrInvalidQuantity
	}

	now := s.now()
	total := breakdown.Quantity()

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, line := range breakdown.Lines {
			if err := tx.IncrementLayer(ctx, line.LayerID, line.Quantity); err != nil {
				return fmt.Errorf("increment layer %d: %w", line.LayerID, err)
			}
			if _, err := tx.AppendLedger(ctx, LedgerEntry{
				ProductID:   breakdown.ProductID,
				Kind:        EntryKindAdjustment,
				ReferenceID: referenceID,
				Quantity:    line.Quantity,
				UnitCost:    line.UnitCost,
				TotalCost:   line.LineCost,
				OccurredAt:  now,
			}); err != nil {
				return fmt.Errorf("append ledger: %w", err)
			}
		}

		summary, err := s.summaryForUpdate(ctx, tx, breakdown.ProductID)
		if err != nil {
			return err
		}
		summary = applyReversal(summary, total, now)
		if err := tx.UpsertSummary(ctx, summary); err != nil {
			return fmt.Errorf("upsert summary: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrOverRestoration) {
			s.logger.Error("costing invariant violated during reversal",
				slog.Int64("product_id", breakdown.ProductID),
				slog.Int64("sale_line_id", breakdown.SaleLineID),
				slog.Any("error", err))
		}
		return err
	}

	s.invalidateSummary(ctx, breakdown.ProductID)
	if s.metrics != nil {
		s.metrics.ReversalApplied()
	}
	s.logger.Info("allocation reversed",
		slog.Int64("product_id", breakdown.ProductID),
		slog.Int64("sale_line_id", breakdown.SaleLineID),
		slog.String("qty", total.String()))
	return nil
}

// GetSummary returns the product's stock summary, through the cache when one
// is configured.
func (s *Service) GetSummary(ctx context.Context, productID int64) (StockSummary, error) {
	if s.cache != nil {
		return s.cache.Fetch(ctx, productID, func(ctx context.Context) (StockSummary, error) {
			return s.repo.GetSummary(ctx, productID)
		})
	}
	return s.repo.GetSummary(ctx, productID)
}

// ListAvailableLayers returns layers with remaining quantity in FIFO order.
func (s *Service) ListAvailableLayers(ctx context.Context, productID int64) ([]CostLayer, error) {
	return s.repo.ListAvailableLayers(ctx, productID)
}

// ListLedger returns ledger entries for a product, newest last.
func (s *Service) ListLedger(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, error) {
	if filter.ProductID == 0 {
		return nil, errors.New("costing: product required")
	}
	return s.repo.ListLedger(ctx, filter)
}

// GetBreakdown loads the persisted allocation breakdown for a sale line.
func (s *Service) GetBreakdown(ctx context.Context, saleLineID int64) (AllocationBreakdown, error) {
	return s.repo.GetBreakdown(ctx, saleLineID)
}

func (s *Service) summaryForUpdate(ctx context.Context, tx TxRepository, productID int64) (StockSummary, error) {
	summary, err := tx.GetSummaryForUpdate(ctx, productID)
	if err != nil && !errors.Is(err, ErrSummaryNotFound) {
		return StockSummary{}, fmt.Errorf("get summary: %w", err)
	}
	if errors.Is(err, ErrSummaryNotFound) {
		summary = StockSummary{
			ProductID:   productID,
			TotalIn:     decimal.Zero,
			TotalOut:    decimal.Zero,
			Balance:     decimal.Zero,
			AverageCost: decimal.Zero,
			TotalValue:  decimal.Zero,
		}
	}
	return summary, nil
}

func (s *Service) invalidateSummary(ctx context.Context, productID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, productID); err != nil {
		s.logger.Warn("summary cache invalidation failed",
			slog.Int64("product_id", productID), slog.Any("error", err))
	}
}
