package costing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Summary state transitions. The four numeric fields move together in every
// transition so an observer can never see balance and valuation disagree.
// Only inbound events shift the moving average; outbound and reversal use the
// average as-is, mirroring perpetual-FIFO bookkeeping where the average
// reflects the blended cost of remaining inventory while per-sale costs live
// in the breakdown.

// applyInbound folds a receipt into the summary and recomputes the moving
// average as (balance*avg + qty*cost) / (balance+qty).
func applyInbound(s StockSummary, qty, unitCost decimal.Decimal, at time.Time) StockSummary {
	newBalance := s.Balance.Add(qty)
	if newBalance.Sign() != 0 {
		total := s.Balance.Mul(s.AverageCost).Add(qty.Mul(unitCost))
		s.AverageCost = total.Div(newBalance)
	}
	s.TotalIn = s.TotalIn.Add(qty)
	s.Balance = newBalance
	s.TotalValue = newBalance.Mul(s.AverageCost)
	s.UpdatedAt = at
	return s
}

// applyOutbound subtracts an issue. The average cost is untouched.
func applyOutbound(s StockSummary, qty decimal.Decimal, at time.Time) StockSummary {
	s.TotalOut = s.TotalOut.Add(qty)
	s.Balance = s.Balance.Sub(qty)
	s.TotalValue = s.Balance.Mul(s.AverageCost)
	s.UpdatedAt = at
	return s
}

// applyReversal undoes a prior issue: quantity returns to balance and the
// issued total shrinks. The average cost is untouched, same rule as outbound.
func applyReversal(s StockSummary, qty decimal.Decimal, at time.Time) StockSummary {
	s.TotalOut = s.TotalOut.Sub(qty)
	s.Balance = s.Balance.Add(qty)
	s.TotalValue = s.Balance.Mul(s.AverageCost)
	s.UpdatedAt = at
	return s
}
