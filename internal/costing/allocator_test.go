package costing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func layerAt(id int64, received time.Time, remaining, cost string) CostLayer {
	rem, _ := decimal.NewFromString(remaining)
	c, _ := decimal.NewFromString(cost)
	return CostLayer{ID: id, ProductID: 1, QtyReceived: rem, QtyRemaining: rem, UnitCost: c, ReceivedAt: received}
}

func TestPlanConsumesOldestFirst(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	layers := []CostLayer{
		layerAt(3, base.Add(2*time.Hour), "7", "6"),
		layerAt(1, base, "10", "2"),
		layerAt(2, base.Add(time.Hour), "5", "4"),
	}

	breakdown, err := planAllocation(1, dec(t, "12"), layers)
	require.NoError(t, err)
	require.Len(t, breakdown.Lines, 2)

	require.Equal(t, int64(1), breakdown.Lines[0].LayerID)
	require.True(t, breakdown.Lines[0].Quantity.Equal(dec(t, "10")))
	require.True(t, breakdown.Lines[0].LineCost.Equal(dec(t, "20")))

	require.Equal(t, int64(2), breakdown.Lines[1].LayerID)
	require.True(t, breakdown.Lines[1].Quantity.Equal(dec(t, "2")))
	require.True(t, breakdown.Lines[1].LineCost.Equal(dec(t, "8")))

	require.True(t, breakdown.TotalCost().Equal(dec(t, "28")))
	require.True(t, breakdown.AverageUnitCost().Equal(dec(t, "28").Div(dec(t, "12"))))
}

func TestPlanBreaksTimestampTiesByLayerID(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	layers := []CostLayer{
		layerAt(9, at, "4", "3"),
		layerAt(2, at, "4", "1"),
	}

	breakdown, err := planAllocation(1, dec(t, "5"), layers)
	require.NoError(t, err)
	require.Len(t, breakdown.Lines, 2)
	require.Equal(t, int64(2), breakdown.Lines[0].LayerID)
	require.Equal(t, int64(9), breakdown.Lines[1].LayerID)
	require.True(t, breakdown.Lines[1].Quantity.Equal(dec(t, "1")))
}

func TestPlanRejectsShortfallEntirely(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	layers := []CostLayer{
		layerAt(1, base, "3", "2"),
		layerAt(2, base.Add(time.Minute), "4", "2.5"),
	}

	_, err := planAllocation(1, dec(t, "10"), layers)
	require.ErrorIs(t, err, ErrInsufficientStock)

	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.True(t, insufficient.Shortfall().Equal(dec(t, "3")))
	require.True(t, insufficient.Available.Equal(dec(t, "7")))
}

func TestPlanWithNoLayers(t *testing.T) {
	_, err := planAllocation(1, dec(t, "1"), nil)
	require.ErrorIs(t, err, ErrInsufficientStock)

	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.True(t, insufficient.Shortfall().Equal(dec(t, "1")))
}

func TestPlanRejectsNonPositiveQuantity(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	layers := []CostLayer{layerAt(1, base, "10", "2")}

	_, err := planAllocation(1, decimal.Zero, layers)
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = planAllocation(1, dec(t, "-4"), layers)
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestPlanAllowsZeroCostLayers(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	layers := []CostLayer{
		layerAt(1, base, "5", "0"),
		layerAt(2, base.Add(time.Minute), "5", "3"),
	}

	breakdown, err := planAllocation(1, dec(t, "8"), layers)
	require.NoError(t, err)
	require.Len(t, breakdown.Lines, 2)
	require.True(t, breakdown.Lines[0].LineCost.Equal(decimal.Zero))
	require.True(t, breakdown.TotalCost().Equal(dec(t, "9")))
}

func TestPlanFractionalQuantities(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	layers := []CostLayer{
		layerAt(1, base, "0.75", "1.10"),
		layerAt(2, base.Add(time.Minute), "2", "1.20"),
	}

	breakdown, err := planAllocation(1, dec(t, "1.25"), layers)
	require.NoError(t, err)
	require.Len(t, breakdown.Lines, 2)
	require.True(t, breakdown.Lines[0].Quantity.Equal(dec(t, "0.75")))
	require.True(t, breakdown.Lines[1].Quantity.Equal(dec(t, "0.5")))
	require.True(t, breakdown.TotalCost().Equal(dec(t, "0.75").Mul(dec(t, "1.10")).Add(dec(t, "0.5").Mul(dec(t, "1.20")))))
}
