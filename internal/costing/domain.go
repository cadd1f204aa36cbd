package costing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EntryKind enumerates supported stock ledger movements.
type EntryKind string

const (
	// EntryKindInbound represents stock received from a purchase.
	EntryKindInbound EntryKind = "INBOUND"
	// EntryKindOutbound represents stock issued to a sale.
	EntryKindOutbound EntryKind = "OUTBOUND"
	// EntryKindAdjustment represents a correction, including reversals.
	EntryKindAdjustment EntryKind = "ADJUSTMENT"
)

// CostLayer is one receipt of stock at a single unit cost. Layers are never
// deleted; a fully consumed layer simply stops appearing among allocation
// candidates.
type CostLayer struct {
	ID           int64
	ProductID    int64
	QtyReceived  decimal.Decimal
	QtyRemaining decimal.Decimal
	UnitCost     decimal.Decimal
	ReceivedAt   time.Time
	BatchLabel   string
	ExpiresAt    *time.Time
	ReferenceID  string
}

// Consumed reports whether the layer has nothing left to allocate.
func (l CostLayer) Consumed() bool {
	return l.QtyRemaining.Sign() <= 0
}

// StockSummary aggregates one product's position. The four numeric fields are
// always written together; Balance must equal the sum of QtyRemaining across
// the product's layers.
type StockSummary struct {
	ProductID   int64
	TotalIn     decimal.Decimal
	TotalOut    decimal.Decimal
	Balance     decimal.Decimal
	AverageCost decimal.Decimal
	TotalValue  decimal.Decimal
	UpdatedAt   time.Time
}

// LedgerEntry is an immutable record of one stock-affecting event. Quantity is
// signed: positive inbound, negative outbound.
type LedgerEntry struct {
	ID          int64
	ProductID   int64
	Kind        EntryKind
	ReferenceID string
	Quantity    decimal.Decimal
	UnitCost    decimal.Decimal
	TotalCost   decimal.Decimal
	OccurredAt  time.Time
}

// BreakdownLine records consumption from a single layer.
type BreakdownLine struct {
	LayerID  int64
	Quantity decimal.Decimal
	UnitCost decimal.Decimal
	LineCost decimal.Decimal
}

// AllocationBreakdown is the persisted output of one FIFO allocation, keyed by
// the sale line it served. Reversal replays this record exactly; it never
// re-derives FIFO order, because newer layers may have arrived since.
type AllocationBreakdown struct {
	SaleLineID int64
	ProductID  int64
	Lines      []BreakdownLine
}

// Quantity returns the total quantity consumed across all lines.
func (b AllocationBreakdown) Quantity() decimal.Decimal {
	total := decimal.Zero
	for _, line := range b.Lines {
		total = total.Add(line.Quantity)
	}
	return total
}

// TotalCost returns the summed line costs.
func (b AllocationBreakdown) TotalCost() decimal.Decimal {
	total := decimal.Zero
	for _, line := range b.Lines {
		total = total.Add(line.LineCost)
	}
	return total
}

// AverageUnitCost is the blended unit cost of this allocation. It is a
// per-sale figure for margin reporting and is distinct from the product's
// moving average cost at the same instant.
func (b AllocationBreakdown) AverageUnitCost() decimal.Decimal {
	qty := b.Quantity()
	if qty.Sign() == 0 {
		return decimal.Zero
	}
	return b.TotalCost().Div(qty)
}

// LedgerFilter restricts ledger listings.
type LedgerFilter struct {
	ProductID int64
	From      time.Time
	To        time.Time
	Limit     int
}

// ErrInvalidQuantity indicates a non-positive requested or received quantity.
var ErrInvalidQuantity = errors.New("costing: quantity must be positive")

// ErrInvalidUnitCost indicates a negative unit cost. Zero is valid (free stock).
var ErrInvalidUnitCost = errors.New("costing: unit cost must be >= 0")

// ErrInsufficientLayerQuantity indicates a decrement larger than a layer's
// remaining quantity. Surfacing it during commit means a race slipped past the
// concurrency guard; the operation aborts and is not retried here.
var ErrInsufficientLayerQuantity = errors.New("costing: layer has insufficient remaining quantity")

// ErrOverRestoration indicates a reversal would push a layer above its
// received quantity, typically a breakdown reversed twice.
var ErrOverRestoration = errors.New("costing: restoration exceeds layer capacity")

// ErrConcurrencyConflict indicates the storage layer detected a concurrent
// writer. The caller may retry the full allocate+commit cycle a bounded
// number of times.
var ErrConcurrencyConflict = errors.New("costing: concurrent modification detected")

// ErrSummaryNotFound indicates no movement has touched the product yet.
var ErrSummaryNotFound = errors.New("costing: stock summary not found")

// ErrBreakdownNotFound indicates no allocation exists for the sale line.
var ErrBreakdownNotFound = errors.New("costing: allocation breakdown not found")

// ErrLayerNotFound indicates an unknown cost layer id.
var ErrLayerNotFound = errors.New("costing: cost layer not found")

// InsufficientStockError reports an allocation that cannot be satisfied from
// available layers. Nothing is ever partially fulfilled.
type InsufficientStockError struct {
	ProductID int64
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("costing: insufficient stock for product %d: requested %s, available %s",
		e.ProductID, e.Requested, e.Available)
}

// Shortfall returns the quantity that could not be covered.
func (e *InsufficientStockError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

// ErrInsufficientStock allows errors.Is matching against any
// *InsufficientStockError.
var ErrInsufficientStock = errors.New("costing: insufficient stock")

// Is makes InsufficientStockError match ErrInsufficientStock.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}
