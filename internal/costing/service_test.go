package costing

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// memoryRepo implements RepositoryPort and TxRepository over in-memory state.
// WithTx runs the callback against a snapshot and swaps it in only on
// success, mimicking transactional rollback.
type memoryRepo struct {
	state *memoryState
}

type memoryState struct {
	layers       map[int64]CostLayer
	summaries    map[int64]StockSummary
	ledger       []LedgerEntry
	breakdowns   map[int64]AllocationBreakdown
	nextLayerID  int64
	nextLedgerID int64
}

type memoryTx struct {
	state *memoryState
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{state: &memoryState{
		layers:     make(map[int64]CostLayer),
		summaries:  make(map[int64]StockSummary),
		breakdowns: make(map[int64]AllocationBreakdown),
	}}
}

func (s *memoryState) clone() *memoryState {
	next := &memoryState{
		layers:       make(map[int64]CostLayer, len(s.layers)),
		summaries:    make(map[int64]StockSummary, len(s.summaries)),
		ledger:       make([]LedgerEntry, len(s.ledger)),
		breakdowns:   make(map[int64]AllocationBreakdown, len(s.breakdowns)),
		nextLayerID:  s.nextLayerID,
		nextLedgerID: s.nextLedgerID,
	}
	for id, layer := range s.layers {
		next.layers[id] = layer
	}
	for id, summary := range s.summaries {
		next.summaries[id] = summary
	}
	copy(next.ledger, s.ledger)
	for id, b := range s.breakdowns {
		next.breakdowns[id] = b
	}
	return next
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snapshot := r.state.clone()
	if err := fn(ctx, &memoryTx{state: snapshot}); err != nil {
		return err
	}
	r.state = snapshot
	return nil
}

func (r *memoryRepo) ListAvailableLayers(ctx context.Context, productID int64) ([]CostLayer, error) {
	var layers []CostLayer
	for _, layer := range r.state.layers {
		if layer.ProductID == productID && layer.QtyRemaining.Sign() > 0 {
			layers = append(layers, layer)
		}
	}
	sort.Slice(layers, func(i, j int) bool {
		if layers[i].ReceivedAt.Equal(layers[j].ReceivedAt) {
			return layers[i].ID < layers[j].ID
		}
		return layers[i].ReceivedAt.Before(layers[j].ReceivedAt)
	})
	return layers, nil
}

func (r *memoryRepo) GetSummary(ctx context.Context, productID int64) (StockSummary, error) {
	summary, ok := r.state.summaries[productID]
	if !ok {
		return StockSummary{}, ErrSummaryNotFound
	}
	return summary, nil
}

func (r *memoryRepo) ListLedger(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	for _, e := range r.state.ledger {
		if e.ProductID != filter.ProductID {
			continue
		}
		if !filter.From.IsZero() && e.OccurredAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && e.OccurredAt.After(filter.To) {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (r *memoryRepo) GetBreakdown(ctx context.Context, saleLineID int64) (AllocationBreakdown, error) {
	b, ok := r.state.breakdowns[saleLineID]
	if !ok {
		return AllocationBreakdown{}, ErrBreakdownNotFound
	}
	return b, nil
}

func (tx *memoryTx) InsertLayer(ctx context.Context, layer CostLayer) (int64, error) {
	tx.state.nextLayerID++
	layer.ID = tx.state.nextLayerID
	tx.state.layers[layer.ID] = layer
	return layer.ID, nil
}

func (tx *memoryTx) FindLayerByReference(ctx context.Context, referenceID string) (CostLayer, error) {
	for _, layer := range tx.state.layers {
		if layer.ReferenceID == referenceID {
			return layer, nil
		}
	}
	return CostLayer{}, ErrLayerNotFound
}

func (tx *memoryTx) DecrementLayer(ctx context.Context, layerID int64, qty decimal.Decimal) error {
	layer, ok := tx.state.layers[layerID]
	if !ok {
		return ErrLayerNotFound
	}
	if layer.QtyRemaining.LessThan(qty) {
		return ErrInsufficientLayerQuantity
	}
	layer.QtyRemaining = layer.QtyRemaining.Sub(qty)
	tx.state.layers[layerID] = layer
	return nil
}

func (tx *memoryTx) IncrementLayer(ctx context.Context, layerID int64, qty decimal.Decimal) error {
	layer, ok := tx.state.layers[layerID]
	if !ok {
		return ErrLayerNotFound
	}
	if layer.QtyRemaining.Add(qty).GreaterThan(layer.QtyReceived) {
		return ErrOverRestoration
	}
	layer.QtyRemaining = layer.QtyRemaining.Add(qty)
	tx.state.layers[layerID] = layer
	return nil
}

func (tx *memoryTx) GetSummaryForUpdate(ctx context.Context, productID int64) (StockSummary, error) {
	summary, ok := tx.state.summaries[productID]
	if !ok {
		return StockSummary{}, ErrSummaryNotFound
	}
	return summary, nil
}

func (tx *memoryTx) UpsertSummary(ctx context.Context, summary StockSummary) error {
	tx.state.summaries[summary.ProductID] = summary
	return nil
}

func (tx *memoryTx) AppendLedger(ctx context.Context, entry LedgerEntry) (int64, error) {
	tx.state.nextLedgerID++
	entry.ID = tx.state.nextLedgerID
	tx.state.ledger = append(tx.state.ledger, entry)
	return entry.ID, nil
}

func (tx *memoryTx) InsertBreakdown(ctx context.Context, breakdown AllocationBreakdown) error {
	tx.state.breakdowns[breakdown.SaleLineID] = breakdown
	return nil
}

// testClock hands out strictly increasing timestamps so layers get distinct
// FIFO positions.
type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Next() time.Time {
	c.now = c.now.Add(time.Minute)
	return c.now
}

func newTestService(repo *memoryRepo) *Service {
	clock := newTestClock()
	return NewService(repo, nil, nil, nil, ServiceConfig{Clock: clock.Next})
}

func (r *memoryRepo) layerRemainingSum(productID int64) decimal.Decimal {
	sum := decimal.Zero
	for _, layer := range r.state.layers {
		if layer.ProductID == productID {
			sum = sum.Add(layer.QtyRemaining)
		}
	}
	return sum
}

func TestReceiveCreatesLayerLedgerAndSummary(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	layer, err := svc.Receive(ctx, ReceiveInput{ProductID: 1, Quantity: dec(t, "10"), UnitCost: dec(t, "2"), BatchLabel: "B-1"})
	require.NoError(t, err)
	require.NotZero(t, layer.ID)
	require.True(t, layer.QtyRemaining.Equal(dec(t, "10")))

	summary, err := svc.GetSummary(ctx, 1)
	require.NoError(t, err)
	require.True(t, summary.Balance.Equal(dec(t, "10")))
	require.True(t, summary.AverageCost.Equal(dec(t, "2")))
	require.True(t, summary.TotalValue.Equal(dec(t, "20")))

	entries, err := svc.ListLedger(ctx, LedgerFilter{ProductID: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, EntryKindInbound, entries[0].Kind)
	require.True(t, entries[0].Quantity.Equal(dec(t, "10")))
}

func TestReceiveReplaysReferenceWithoutLayeringTwice(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	ref := "b2c5a1e0-0000-4000-8000-000000000001"
	input := ReceiveInput{ProductID: 1, Quantity: dec(t, "10"), UnitCost: dec(t, "2"), ReferenceID: ref}

	first, err := svc.Receive(ctx, input)
	require.NoError(t, err)

	second, err := svc.Receive(ctx, input)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	require.Len(t, repo.state.layers, 1)
	entries, err := svc.ListLedger(ctx, LedgerFilter{ProductID: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	summary, err := svc.GetSummary(ctx, 1)
	require.NoError(t, err)
	require.True(t, summary.Balance.Equal(dec(t, "10")))
	require.True(t, summary.TotalValue.Equal(dec(t, "20")))
}

func TestReceiveRejectsInvalidInput(t *testing.T) {
	svc := newTestService(newMemoryRepo())
	ctx := context.Background()

	_, err := svc.Receive(ctx, ReceiveInput{ProductID: 1, Quantity: decimal.Zero, UnitCost: dec(t, "1")})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = svc.Receive(ctx, ReceiveInput{ProductID: 1, Quantity: dec(t, "-3"), UnitCost: dec(t, "1")})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = svc.Receive(ctx, ReceiveInput{ProductID: 1, Quantity: dec(t, "3"), UnitCost: dec(t, "-1")})
	require.ErrorIs(t, err, ErrInvalidUnitCost)
}

func TestFIFOOrderingAcrossThreeLayers(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	l1, err := svc.Receive(ctx, ReceiveInput{ProductID: 1, Quantity: dec(t, "4"), UnitCost: dec(t, "1")})
	require.NoError(t, err)
	l2, err := svc.Receive(ctx, ReceiveInput{ProductID: 1, Quantity: dec(t, "6"), UnitCost: dec(t, "2")})
	require.NoError(t, err)
	l3, err := svc.Receive(ctx, ReceiveInput{ProductID: 1, Quantity: dec(t, "8"), UnitCost: dec(t, "3")})
	require.NoError(t, err)

	// q1 + k with 0 < k < q2 consumes all of layer1, exactly k of layer2,
	// and leaves layer3 untouched.
	breakdown, err := svc.Allocate(ctx, 1, dec(t, "7"))
	require.NoError(t, err)
	breakdown.SaleLineID = 100
	require.NoError(t, svc.Commit(ctx, breakdown, "ref-sale-1"))

	require.True(t, repo.state.layers[l1.ID].QtyRemaining.IsZero())
	require.True(t, repo.state.layers[l2.ID].QtyRemaining.Equal(dec(t, "3")))
	require.True(t, repo.state.layers[l3.ID].QtyRemaining.Equal(dec(t, "8")))
}

func TestNoOversellMutatesNothing(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Receive(ctx, ReceiveInput{ProductID: 1, Quantity: dec(t, "5"), UnitCost: dec(t, "2")})
	require.NoError(t, err)

	before := repo.state.clone()

	_, err = svc.Allocate(ctx, 1, dec(t, "9"))
	require.ErrorIs(t, err, ErrInsufficientStock)

	require.Equal(t, before.layers, repo.state.layers)
	require.Equal(t, before.summaries, repo.state.summaries)
	require.Len(t, repo.state.ledger, len(before.ledger))
}

func TestCommitFailsWholesaleWhenPlanGoesStale(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Receive(ctx, ReceiveInput{ProductID: 1, Quantity: dec(t, "5"), UnitCost: dec(t, "2")})
	require.NoError(t, err)
	_, err = svc.Receive(ctx, ReceiveInput{ProductID: 1, Quantity: dec(t, "5"), UnitCost: dec(t, "3")})
	require.NoError(t, err)

	plan, err := svc.Allocate(ctx, 1, dec(t, "8"))
	require.NoError(t, err)
	plan.SaleLineID = 200

	// A competing sale consumes the first layer between plan and commit.
	racer, err := svc.Allocate(ctx, 1, dec(t, "5"))
	require.NoError(t, err)
	racer.SaleLineID = 201
	require.NoError(t, svc.Commit(ctx, racer, "ref-racer"))

	before := repo.state.clone()
	err = svc.Commit(ctx, plan, "ref-stale")
	require.ErrorIs(t, err, ErrInsufficientLayerQuantity)

	// Nothing from the failed commit may persist.
	require.Equal(t, before.layers, repo.state.layers)
	require.Equal(t, before.summaries, repo.state.summaries)
	require.Len(t, repo.state.ledger, len(before.ledger))
}

func TestConservationAcrossMixedOperations(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	check := func() {
		summary, err := svc.GetSummary(ctx, 1)
		require.NoError(t, err)
		require.True(t, summary.Balance.Equal(repo.layerRemainingSum(1)),
			"summary balance %s != layer remaining sum %s", summary.Balance, repo.layerRemainingSum(1))
	}

	_, err := svc.Receive(ctx, ReceiveInput{ProductID: 1, Quantity: dec(t, "10"), UnitCost: dec(t, "1.10")})
	require.NoError(t, err)
	check()

	_, err = svc.Receive(ctx, ReceiveInput{ProductID: 1, Quantity: dec(t, "2.5"), UnitCost: dec(t, "1.40")})
	require.NoError(t, err)
	check()

	b1, err := svc.Allocate(ctx, 1, dec(t, "3.75"))
	require.NoError(t, err)
	b1.SaleLineID = 300
	require.NoError(t, svc.Commit(ctx, b1, "ref-1"))
	check()

	b2, err := svc.Allocate(ctx, 1, dec(t, "6"))
	require.NoError(t, err)
	b2.SaleLineID = 301
	require.NoError(t, svc.Commit(ctx, b2, "ref-2"))
	check()

	require.NoError(t, svc.Reverse(ctx, b1, "ref-void-1"))
	check()

	_, err = svc.Receive(ctx, ReceiveInput{ProductID: 1, Quantity: dec(t, "4"), UnitCost: dec(t, "1.05")})
	require.NoError(t, err)
	check()
}

func TestReversalRoundTripRestoresExactState(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Receive(ctx, ReceiveInput{ProductID: 1, Quantity: dec(t, "10"), UnitCost: dec(t, "2")})
	require.NoError(t, err)
	_, err = svc.Receive(ctx, ReceiveInput{ProductID: 1, Quantity: dec(t, "5"), UnitCost: dec(t, "4")})
	require.NoError(t, err)

	layersBefore := make(map[int64]decimal.Decimal)
	for id, layer := range repo.state.layers {
		layersBefore[id] = layer.QtyRemaining
	}
	summaryBefore, err := svc.GetSummary(ctx, 1)
	require.NoError(t, err)

	breakdown, err := svc.Allocate(ctx, 1, dec(t, "12"))
	require.NoError(t, err)
	breakdown.SaleLineID = 400
	require.NoError(t, svc.Commit(ctx, breakdown, "ref-sale"))

	stored, err := svc.GetBreakdown(ctx, 400)
	require.NoError(t, err)
	require.NoError(t, svc.Reverse(ctx, stored, "ref-void"))

	for id, remaining := range layersBefore {
		require.True(t, repo.state.layers[id].QtyRemaining.Equal(remaining),
			"layer %d: got %s want %s", id, repo.state.layers[id].QtyRemaining, remaining)
	}
	summaryAfter, err := svc.GetSummary(ctx, 1)
	require.NoError(t, err)
	require.True(t, summaryAfter.Balance.Equal(summaryBefore.Balance))
	require.True(t, summaryAfter.TotalOut.Equal(summaryBefore.TotalOut))
	require.True(t, summaryAfter.AverageCost.Equal(summaryBefore.AverageCost))
}

func TestDoubleReversalSurfacesOverRestoration(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Receive(ctx, ReceiveInput{ProductID: 1, Quantity: dec(t, "5"), UnitCost: dec(t, "2")})
	require.NoError(t, err)

	breakdown, err := svc.Allocate(ctx, 1, dec(t, "5"))
	require.NoError(t, err)
	breakdown.SaleLineID = 500
	require.NoError(t, svc.Commit(ctx, breakdown, "ref-sale"))

	require.NoError(t, svc.Reverse(ctx, breakdown, "ref-void"))
	err = svc.Reverse(ctx, breakdown, "ref-void-again")
	require.ErrorIs(t, err, ErrOverRestoration)
}

func TestAverageCostOnlyMovesOnInbound(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Receive(ctx, ReceiveInput{ProductID: 1, Quantity: dec(t, "10"), UnitCost: dec(t, "2")})
	require.NoError(t, err)
	summary, err := svc.GetSummary(ctx, 1)
	require.NoError(t, err)
	avg := summary.AverageCost

	breakdown, err := svc.Allocate(ctx, 1, dec(t, "6"))
	require.NoError(t, err)
	breakdown.SaleLineID = 600
	require.NoError(t, svc.Commit(ctx, breakdown, "ref"))

	summary, err = svc.GetSummary(ctx, 1)
	require.NoError(t, err)
	require.True(t, summary.AverageCost.Equal(avg))

	// Inbound at a new cost shifts it, per the weighted formula.
	_, err = svc.Receive(ctx, ReceiveInput{ProductID: 1, Quantity: dec(t, "4"), UnitCost: dec(t, "5")})
	require.NoError(t, err)
	summary, err = svc.GetSummary(ctx, 1)
	require.NoError(t, err)
	expected := dec(t, "4").Mul(avg).Add(dec(t, "4").Mul(dec(t, "5"))).Div(dec(t, "8"))
	require.True(t, summary.AverageCost.Equal(expected))
}

// The worked scenario from the product requirements: two receipts, one
// twelve-unit sale, then an allocation that must fail.
func TestCostingScenario(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Receive(ctx, ReceiveInput{ProductID: 7, Quantity: dec(t, "10"), UnitCost: dec(t, "2")})
	require.NoError(t, err)
	summary, err := svc.GetSummary(ctx, 7)
	require.NoError(t, err)
	require.True(t, summary.Balance.Equal(dec(t, "10")))
	require.True(t, summary.AverageCost.Equal(dec(t, "2")))
	require.True(t, summary.TotalValue.Equal(dec(t, "20")))

	_, err = svc.Receive(ctx, ReceiveInput{ProductID: 7, Quantity: dec(t, "5"), UnitCost: dec(t, "4")})
	require.NoError(t, err)
	summary, err = svc.GetSummary(ctx, 7)
	require.NoError(t, err)
	require.True(t, summary.Balance.Equal(dec(t, "15")))
	avg := dec(t, "40").Div(dec(t, "15"))
	require.True(t, summary.AverageCost.Equal(avg))

	breakdown, err := svc.Allocate(ctx, 7, dec(t, "12"))
	require.NoError(t, err)
	require.Len(t, breakdown.Lines, 2)
	require.True(t, breakdown.TotalCost().Equal(dec(t, "28")))
	require.True(t, breakdown.AverageUnitCost().Equal(dec(t, "28").Div(dec(t, "12"))))

	breakdown.SaleLineID = 700
	require.NoError(t, svc.Commit(ctx, breakdown, "ref-sale"))
	summary, err = svc.GetSummary(ctx, 7)
	require.NoError(t, err)
	require.True(t, summary.Balance.Equal(dec(t, "3")))
	require.True(t, summary.TotalIn.Equal(dec(t, "15")))
	require.True(t, summary.TotalOut.Equal(dec(t, "12")))
	require.True(t, summary.AverageCost.Equal(avg), "outbound must not move the average")
	require.True(t, summary.TotalValue.Equal(dec(t, "3").Mul(avg)))

	_, err = svc.Allocate(ctx, 7, dec(t, "10"))
	require.ErrorIs(t, err, ErrInsufficientStock)
}

func TestLedgerKeepsPerProductAppendOrder(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Receive(ctx, ReceiveInput{ProductID: 1, Quantity: dec(t, "10"), UnitCost: dec(t, "2")})
	require.NoError(t, err)
	_, err = svc.Receive(ctx, ReceiveInput{ProductID: 2, Quantity: dec(t, "3"), UnitCost: dec(t, "6")})
	require.NoError(t, err)

	breakdown, err := svc.Allocate(ctx, 1, dec(t, "4"))
	require.NoError(t, err)
	breakdown.SaleLineID = 800
	require.NoError(t, svc.Commit(ctx, breakdown, "ref"))
	require.NoError(t, svc.Reverse(ctx, breakdown, "ref-void"))

	entries, err := svc.ListLedger(ctx, LedgerFilter{ProductID: 1})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, EntryKindInbound, entries[0].Kind)
	require.Equal(t, EntryKindOutbound, entries[1].Kind)
	require.Equal(t, EntryKindAdjustment, entries[2].Kind)
	require.True(t, entries[1].Quantity.IsNegative())
	require.True(t, entries[2].Quantity.Equal(dec(t, "4")))
	for i := 1; i < len(entries); i++ {
		require.Greater(t, entries[i].ID, entries[i-1].ID)
	}
}

func TestCommitRequiresSaleLine(t *testing.T) {
	svc := newTestService(newMemoryRepo())
	err := svc.Commit(context.Background(), AllocationBreakdown{ProductID: 1, Lines: []BreakdownLine{{LayerID: 1, Quantity: dec(t, "1")}}}, "ref")
	require.Error(t, err)
}
