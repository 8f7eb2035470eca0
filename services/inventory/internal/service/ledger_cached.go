package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/domain"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/metrics"
)

type ProductCache interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Product, bool)
	Set(ctx context.Context, product *domain.Product)
	Evict(ctx context.Context, ids ...uuid.UUID)
}

type cachedLedgerService struct {
	next    LedgerService
	cache   ProductCache
	metrics *metrics.Metrics
}

func NewCachedLedgerService(next LedgerService, cache ProductCache, m *metrics.Metrics) LedgerService {
	return &cachedLedgerService{
		next:    next,
		cache:   cache,
		metrics: m,
	}
}

func (s *cachedLedgerService) CreateProduct(ctx context.Context, input *domain.CreateProductInput) (*domain.Product, error) {
	return s.next.CreateProduct(ctx, input)
}

func (s *cachedLedgerService) GetProduct(ctx context.Context, id uuid.UUID) (*domain.Product, error) {
	if product, ok := s.cache.Get(ctx, id); ok {
		s.metrics.CacheLookup(true)
		return product, nil
	}
	s.metrics.CacheLookup(false)

	product, err := s.next.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cache.Set(ctx, product)

	return product, nil
}

func (s *cachedLedgerService) GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error) {
	return s.next.GetProductBySKU(ctx, sku)
}

func (s *cachedLedgerService) ListProducts(ctx context.Context, filter domain.ListFilter) ([]domain.Product, int64, error) {
	return s.next.ListProducts(ctx, filter)
}

func (s *cachedLedgerService) ListLowStock(ctx context.Context) ([]domain.Product, error) {
	return s.next.ListLowStock(ctx)
}

func (s *cachedLedgerService) UpdateProduct(ctx context.Context, id uuid.UUID, input *domain.UpdateProductInput) (*domain.Product, error) {
	product, err := s.next.UpdateProduct(ctx, id, input)
	if err != nil {
		return nil, err
	}

	s.cache.Evict(ctx, id)
	return product, nil
}

func (s *cachedLedgerService) AdjustQuantity(ctx context.Context, cmd AdjustCommand) (*AdjustResult, error) {
	result, err := s.next.AdjustQuantity(ctx, cmd)
	if err != nil {
		return nil, err
	}

	if !result.Replayed {
		s.cache.Evict(ctx, cmd.ProductID)
	}
	return result, nil
}

func (s *cachedLedgerService) ListReservations(ctx context.Context, orderID uuid.UUID) ([]domain.Reservation, error) {
	return s.next.ListReservations(ctx, orderID)
}
