package products

import (
	"context"
	"sort"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	items  map[int64]Product
	nextID int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{items: map[int64]Product{}, nextID: 1}
}

func (m *memoryRepo) List(_ context.Context, filters ListFilters) ([]Product, int, error) {
	var out []Product
	for _, p := range m.items {
		if filters.Search != "" && !strings.Contains(strings.ToLower(p.Name), strings.ToLower(filters.Search)) {
			continue
		}
		if filters.IsActive != nil && p.IsActive != *filters.IsActive {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	total := len(out)
	if filters.Offset > 0 {
		if filters.Offset >= len(out) {
			out = nil
		} else {
			out = out[filters.Offset:]
		}
	}
	if filters.Limit > 0 && filters.Limit < len(out) {
		out = out[:filters.Limit]
	}
	return out, total, nil
}

func (m *memoryRepo) Get(_ context.Context, id int64) (Product, error) {
	p, ok := m.items[id]
	if !ok {
		return Product{}, ErrNotFound
	}
	return p, nil
}

func (m *memoryRepo) Create(_ context.Context, product Product) (Product, error) {
	for _, existing := range m.items {
		if existing.SKU == product.SKU {
			return Product{}, ErrDuplicateSKU
		}
	}
	product.ID = m.nextID
	m.nextID++
	m.items[product.ID] = product
	return product, nil
}

func (m *memoryRepo) Update(_ context.Context, id int64, product Product) error {
	if _, ok := m.items[id]; !ok {
		return ErrNotFound
	}
	product.ID = id
	m.items[id] = product
	return nil
}

func (m *memoryRepo) Deactivate(_ context.Context, id int64) error {
	p, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	p.IsActive = false
	m.items[id] = p
	return nil
}

func TestCreateValidatesAndActivates(t *testing.T) {
	svc := NewService(newMemoryRepo())
	ctx := context.Background()

	created, err := svc.Create(ctx, Product{SKU: "  COF-250 ", Name: "Coffee Beans", Price: decimal.RequireFromString("8.90")})
	require.NoError(t, err)
	require.Equal(t, "COF-250", created.SKU)
	require.True(t, created.IsActive)

	_, err = svc.Create(ctx, Product{SKU: "", Name: "No SKU"})
	require.Error(t, err)

	_, err = svc.Create(ctx, Product{SKU: "NEG-1", Name: "Negative", Price: decimal.RequireFromString("-1")})
	require.Error(t, err)
}

func TestCreateRejectsDuplicateSKU(t *testing.T) {
	svc := NewService(newMemoryRepo())
	ctx := context.Background()

	_, err := svc.Create(ctx, Product{SKU: "COF-250", Name: "Coffee"})
	require.NoError(t, err)

	_, err = svc.Create(ctx, Product{SKU: "COF-250", Name: "Coffee Again"})
	require.ErrorIs(t, err, ErrDuplicateSKU)
}

func TestDeactivateKeepsProduct(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)
	ctx := context.Background()

	created, err := svc.Create(ctx, Product{SKU: "TEA-020", Name: "Green Tea"})
	require.NoError(t, err)

	require.NoError(t, svc.Deactivate(ctx, created.ID))

	stored, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	require.False(t, stored.IsActive)

	require.ErrorIs(t, svc.Deactivate(ctx, 999), ErrNotFound)
}
