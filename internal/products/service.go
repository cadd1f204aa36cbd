package products

import (
	"context"
	"errors"
	"strings"
)

// Service coordinates catalog operations.
type Service struct {
	repo Repository
}

// NewService builds Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) validate(p Product) error {
	if strings.TrimSpace(p.SKU) == "" {
		return errors.New("products: sku is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("products: name is required")
	}
	if p.Price.Sign() < 0 {
		return errors.New("products: price must be >= 0")
	}
	return nil
}

// List returns products matching filters plus the total count.
func (s *Service) List(ctx context.Context, filters ListFilters) ([]Product, int, error) {
	return s.repo.List(ctx, filters)
}

// Get loads one product.
func (s *Service) Get(ctx context.Context, id int64) (Product, error) {
	return s.repo.Get(ctx, id)
}

// Create validates and persists a product.
func (s *Service) Create(ctx context.Context, p Product) (Product, error) {
	p.SKU = strings.TrimSpace(p.SKU)
	p.Name = strings.TrimSpace(p.Name)
	if err := s.validate(p); err != nil {
		return Product{}, err
	}
	p.IsActive = true
	return s.repo.Create(ctx, p)
}

// Update validates and saves an existing product.
func (s *Service) Update(ctx context.Context, id int64, p Product) error {
	p.SKU = strings.TrimSpace(p.SKU)
	p.Name = strings.TrimSpace(p.Name)
	if err := s.validate(p); err != nil {
		return err
	}
	return s.repo.Update(ctx, id, p)
}

// Deactivate hides a product from new documents. Historical layers and
// ledger entries keep referencing it.
func (s *Service) Deactivate(ctx context.Context, id int64) error {
	return s.repo.Deactivate(ctx, id)
}
