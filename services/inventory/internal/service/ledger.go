package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sakashimaa/inventory-saga/pkg/db"
	sharedDomain "github.com/sakashimaa/inventory-saga/pkg/domain"
	"github.com/sakashimaa/inventory-saga/pkg/mylogger"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/domain"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/metrics"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/repository"
	"go.uber.org/zap"
)

const (
	maxListLimit     = 100
	defaultListLimit = 20
)

type Deduplicator interface {
	MarkProcessed(ctx context.Context, tx pgx.Tx, scope, key string) (bool, error)
}

type AdjustCommand struct {
	ProductID      uuid.UUID
	Delta          int64
	Reason         string
	IdempotencyKey string
}

type AdjustResult struct {
	Product *domain.Product
	// Replayed is set when the idempotency key was already used and nothing changed.
	Replayed      bool
	LowStockAlert bool
}

type LedgerService interface {
	CreateProduct(ctx context.Context, input *domain.CreateProductInput) (*domain.Product, error)
	GetProduct(ctx context.Context, id uuid.UUID) (*domain.Product, error)
	GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error)
	ListProducts(ctx context.Context, filter domain.ListFilter) ([]domain.Product, int64, error)
	ListLowStock(ctx context.Context) ([]domain.Product, error)
	UpdateProduct(ctx context.Context, id uuid.UUID, input *domain.UpdateProductInput) (*domain.Product, error)
	AdjustQuantity(ctx context.Context, cmd AdjustCommand) (*AdjustResult, error)
	ListReservations(ctx context.Context, orderID uuid.UUID) ([]domain.Reservation, error)
}

type ledgerService struct {
	transactor   db.Transactor
	products     repository.ProductRepository
	reservations repository.ReservationRepository
	events       *eventWriter
	dedup        Deduplicator
	metrics      *metrics.Metrics
	logger       *zap.Logger
	now          func() time.Time
}

func NewLedgerService(
	transactor db.Transactor,
	products repository.ProductRepository,
	reservations repository.ReservationRepository,
	outboxRepo OutboxWriter,
	dedup Deduplicator,
	outboundTopic string,
	m *metrics.Metrics,
	logger *zap.Logger,
) LedgerService {
	return &ledgerService{
		transactor:   transactor,
		products:     products,
		reservations: reservations,
		events:       &eventWriter{outbox: outboxRepo, topic: outboundTopic},
		dedup:        dedup,
		metrics:      m,
		logger:       logger,
		now:          time.Now,
	}
}

func (s *ledgerService) CreateProduct(ctx context.Context, input *domain.CreateProductInput) (*domain.Product, error) {
	if input.Quantity < 0 {
		return nil, fmt.Errorf("%w: initial quantity %d", domain.ErrInvalidQuantity, input.Quantity)
	}
	if input.LowStockThreshold != nil && *input.LowStockThreshold < 0 {
		return nil, fmt.Errorf("%w: low stock threshold %d", domain.ErrInvalidQuantity, *input.LowStockThreshold)
	}

	input.SKU = strings.TrimSpace(input.SKU)

	var product *domain.Product
	err := s.transactor.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		product, err = s.products.Create(ctx, tx, input)
		return err
	})
	if err != nil {
		if !errors.Is(err, domain.ErrDuplicateSKU) {
			mylogger.Error(ctx, s.logger, "Failed to create product", zap.String("sku", input.SKU), zap.Error(err))
		}

		return nil, txError(err)
	}

	mylogger.Info(
		ctx,
		s.logger,
		"Product created",
		zap.String("product_id", product.ID.String()),
		zap.String("sku", product.SKU),
		zap.Int64("quantity", product.Quantity),
	)

	return product, nil
}

func (s *ledgerService) GetProduct(ctx context.Context, id uuid.UUID) (*domain.Product, error) {
	return s.products.GetByID(ctx, id)
}

func (s *ledgerService) GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error) {
	return s.products.GetBySKU(ctx, strings.TrimSpace(sku))
}

func (s *ledgerService) ListProducts(ctx context.Context, filter domain.ListFilter) ([]domain.Product, int64, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	return s.products.List(ctx, filter)
}

func (s *ledgerService) ListLowStock(ctx context.Context) ([]domain.Product, error) {
	return s.products.ListLowStock(ctx)
}

func (s *ledgerService) UpdateProduct(ctx context.Context, id uuid.UUID, input *domain.UpdateProductInput) (*domain.Product, error) {
	if input.LowStockThreshold != nil && *input.LowStockThreshold < 0 {
		return nil, fmt.Errorf("%w: low stock threshold %d", domain.ErrInvalidQuantity, *input.LowStockThreshold)
	}

	var product *domain.Product
	err := s.transactor.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		product, err = s.products.Update(ctx, tx, id, input)
		if err != nil {
			return err
		}

		// A raised threshold can put the product under it without any stock movement.
		if input.LowStockThreshold != nil {
			fired, err := s.events.lowStock(ctx, tx, product, s.now)
			if err != nil {
				return err
			}
			if fired {
				s.metrics.LowStockAlert()
			}
		}

		return nil
	})
	if err != nil {
		return nil, txError(err)
	}

	return product, nil
}

// AdjustQuantity applies a signed change to on-hand stock. With an idempotency
// key, a repeated request is acknowledged with the current snapshot and no
// second change or event.
func (s *ledgerService) AdjustQuantity(ctx context.Context, cmd AdjustCommand) (*AdjustResult, error) {
	if cmd.Delta == 0 {
		return nil, fmt.Errorf("%w: quantity change must be non-zero", domain.ErrInvalidAdjustment)
	}

	result := &AdjustResult{}
	err := s.transactor.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		*result = AdjustResult{}

		if cmd.IdempotencyKey != "" {
			fresh, err := s.dedup.MarkProcessed(ctx, tx, adjustScope(cmd.ProductID), cmd.IdempotencyKey)
			if err != nil {
				return err
			}
			if !fresh {
				result.Replayed = true
				return nil
			}
		}

		product, err := s.products.AdjustQuantity(ctx, tx, cmd.ProductID, cmd.Delta)
		if err != nil {
			return err
		}

		if err := s.events.adjusted(ctx, tx, sharedDomain.InventoryAdjustedEvent{
			ProductID:      product.ID,
			ProductName:    product.Name,
			QuantityChange: cmd.Delta,
			NewQuantity:    product.Quantity,
			Reason:         cmd.Reason,
			AdjustedAt:     s.now().UTC(),
		}); err != nil {
			return err
		}

		fired, err := s.events.lowStock(ctx, tx, product, s.now)
		if err != nil {
			return err
		}

		result.Product = product
		result.LowStockAlert = fired

		return nil
	})
	if err != nil {
		return nil, txError(err)
	}

	if result.Replayed {
		product, err := s.products.GetByID(ctx, cmd.ProductID)
		if err != nil {
			return nil, err
		}
		result.Product = product

		return result, nil
	}

	s.metrics.Adjusted()
	if result.LowStockAlert {
		s.metrics.LowStockAlert()
	}

	mylogger.Info(
		ctx,
		s.logger,
		"Stock adjusted",
		zap.String("product_id", cmd.ProductID.String()),
		zap.Int64("delta", cmd.Delta),
		zap.Int64("quantity", result.Product.Quantity),
		zap.Int64("reserved_quantity", result.Product.ReservedQuantity),
		zap.String("reason", cmd.Reason),
	)

	return result, nil
}

func (s *ledgerService) ListReservations(ctx context.Context, orderID uuid.UUID) ([]domain.Reservation, error) {
	return s.reservations.ListByOrder(ctx, orderID)
}

func adjustScope(productID uuid.UUID) string {
	return "adjust:" + productID.String()
}

// txError tags failures raised outside the repositories, such as a commit
// aborted by a serialization failure.
func txError(err error) error {
	if err == nil || errors.Is(err, domain.ErrConcurrencyConflict) || errors.Is(err, domain.ErrInfrastructureUnavailable) {
		return err
	}

	switch {
	case db.IsConflict(err):
		return fmt.Errorf("%w: %w", domain.ErrConcurrencyConflict, err)
	case db.IsUnavailable(err):
		return fmt.Errorf("%w: %w", domain.ErrInfrastructureUnavailable, err)
	default:
		return err
	}
}
