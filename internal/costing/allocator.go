package costing

import (
	"sort"

	"github.com/shopspring/decimal"
)

// planAllocation walks layers oldest-first and consumes until the required
// quantity is covered. It is a pure planning step: no mutation happens here,
// so planning and committing can share one transaction without holding locks
// across the caller's business logic.
//
// Layers must already carry QtyRemaining > 0. The walk is defensive about
// ordering: it re-sorts by (ReceivedAt, ID) so a misbehaving store cannot
// break FIFO determinism.
func planAllocation(productID int64, required decimal.Decimal, layers []CostLayer) (AllocationBreakdown, error) {
	if required.Sign() <= 0 {
		return AllocationBreakdown{}, ErrInvalidQuantity
	}

	ordered := make([]CostLayer, len(layers))
	copy(ordered, layers)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].ReceivedAt.Equal(ordered[j].ReceivedAt) {
			return ordered[i].ID < ordered[j].ID
		}
		return ordered[i].ReceivedAt.Before(ordered[j].ReceivedAt)
	})

	breakdown := AllocationBreakdown{ProductID: productID}
	remaining := required
	available := decimal.Zero
	for _, layer := range ordered {
		available = available.Add(layer.QtyRemaining)
		if remaining.Sign() <= 0 {
			continue
		}
		take := decimal.Min(remaining, layer.QtyRemaining)
		if take.Sign() <= 0 {
			continue
		}
		breakdown.Lines = append(breakdown.Lines, BreakdownLine{
			LayerID:  layer.ID,
			Quantity: take,
			UnitCost: layer.UnitCost,
			LineCost: take.Mul(layer.UnitCost),
		})
		remaining = remaining.Sub(take)
	}

	if remaining.Sign() > 0 {
		return AllocationBreakdown{}, &InsufficientStockError{
			ProductID: productID,
			Requested: required,
			Available: available,
		}
	}
	return breakdown, nil
}
