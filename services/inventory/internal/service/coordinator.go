package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sakashimaa/inventory-saga/pkg/db"
	sharedDomain "github.com/sakashimaa/inventory-saga/pkg/domain"
	"github.com/sakashimaa/inventory-saga/pkg/mylogger"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/domain"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/metrics"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ItemStatus string

const (
	ItemReserved          ItemStatus = "reserved"
	ItemAlreadyReserved   ItemStatus = "already_reserved"
	ItemProductNotFound   ItemStatus = "product_not_found"
	ItemInsufficientStock ItemStatus = "insufficient_stock"
	ItemInvalidQuantity   ItemStatus = "invalid_quantity"
	ItemTransientFailure  ItemStatus = "transient_failure"
)

type ItemOutcome struct {
	ProductID     uuid.UUID
	Requested     int64
	Available     int64
	Status        ItemStatus
	ReservationID uuid.UUID
	Err           error
}

type ReservationOutcome struct {
	OrderID uuid.UUID
	Items   []ItemOutcome
}

// Succeeded reports whether every line item ended up held for the order.
func (o *ReservationOutcome) Succeeded() bool {
	for _, item := range o.Items {
		if item.Status != ItemReserved && item.Status != ItemAlreadyReserved {
			return false
		}
	}

	return true
}

type ReleaseOutcome struct {
	OrderID         uuid.UUID
	Released        []uuid.UUID
	AlreadyReleased int
	Failed          int
}

// ProductEvicter drops cached product snapshots after a committed stock change.
type ProductEvicter interface {
	Evict(ctx context.Context, ids ...uuid.UUID)
}

type noopEvicter struct{}

func (noopEvicter) Evict(context.Context, ...uuid.UUID) {}

type Coordinator struct {
	transactor   db.Transactor
	products     repository.ProductRepository
	reservations repository.ReservationRepository
	events       *eventWriter
	cache        ProductEvicter
	metrics      *metrics.Metrics
	logger       *zap.Logger
	tracer       trace.Tracer
	now          func() time.Time
}

func NewCoordinator(
	transactor db.Transactor,
	products repository.ProductRepository,
	reservations repository.ReservationRepository,
	outboxRepo OutboxWriter,
	cache ProductEvicter,
	outboundTopic string,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Coordinator {
	if cache == nil {
		cache = noopEvicter{}
	}

	return &Coordinator{
		transactor:   transactor,
		products:     products,
		reservations: reservations,
		events:       &eventWriter{outbox: outboxRepo, topic: outboundTopic},
		cache:        cache,
		metrics:      m,
		logger:       logger,
		tracer:       otel.Tracer("inventory/coordinator"),
		now:          time.Now,
	}
}

// HandleOrderCreated reserves each line item in its own transaction. Business
// failures are recorded per item and never fail the event. An infrastructure
// failure aborts the remaining items and is returned so the event is
// redelivered; items reserved before it are skipped on the next delivery.
func (c *Coordinator) HandleOrderCreated(ctx context.Context, event *sharedDomain.OrderCreatedEvent) (*ReservationOutcome, error) {
	ctx, span := c.tracer.Start(ctx, "Coordinator.HandleOrderCreated")
	defer span.End()

	span.SetAttributes(
		attribute.String("order_id", event.OrderID.String()),
		attribute.Int("items", len(event.Items)),
	)

	items := foldItems(event.Items)

	outcome := &ReservationOutcome{
		OrderID: event.OrderID,
		Items:   make([]ItemOutcome, 0, len(items)),
	}

	var transient []error
	for _, item := range items {
		result, err := c.reserveItem(ctx, event.OrderID, item)
		if err == nil && errors.Is(result.Err, domain.ErrConcurrencyConflict) {
			mylogger.Warn(
				ctx,
				c.logger,
				"Reservation conflict, retrying item",
				zap.String("order_id", event.OrderID.String()),
				zap.String("product_id", item.ProductID.String()),
			)
			result, err = c.reserveItem(ctx, event.OrderID, item)
		}

		if err != nil {
			span.RecordError(err)

			mylogger.Error(
				ctx,
				c.logger,
				"Aborting order reservation",
				zap.String("order_id", event.OrderID.String()),
				zap.String("product_id", item.ProductID.String()),
				zap.Error(err),
			)

			return outcome, err
		}

		c.metrics.ReservationOutcome(string(result.Status))
		outcome.Items = append(outcome.Items, result)

		if result.Status == ItemTransientFailure {
			transient = append(transient, result.Err)
		}
	}

	if !outcome.Succeeded() {
		mylogger.Warn(
			ctx,
			c.logger,
			"Order only partially reserved",
			zap.String("order_id", event.OrderID.String()),
			zap.Int("items", len(outcome.Items)),
		)
	}

	if len(transient) > 0 {
		return outcome, errors.Join(transient...)
	}

	return outcome, nil
}

// reserveItem returns a non-nil error only when the whole event must be aborted.
func (c *Coordinator) reserveItem(ctx context.Context, orderID uuid.UUID, item sharedDomain.OrderItem) (ItemOutcome, error) {
	outcome := ItemOutcome{
		ProductID: item.ProductID,
		Requested: item.Quantity,
	}

	if item.Quantity <= 0 {
		outcome.Status = ItemInvalidQuantity
		outcome.Err = fmt.Errorf("%w: %d", domain.ErrInvalidQuantity, item.Quantity)

		mylogger.Warn(
			ctx,
			c.logger,
			"Skipping order item with invalid quantity",
			zap.String("order_id", orderID.String()),
			zap.String("product_id", item.ProductID.String()),
			zap.Int64("requested", item.Quantity),
		)

		return outcome, nil
	}

	var lowStock bool
	err := c.transactor.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		lowStock = false

		existing, err := c.reservations.FindActive(ctx, tx, orderID, item.ProductID)
		if err != nil {
			return err
		}
		if existing != nil {
			outcome.Status = ItemAlreadyReserved
			outcome.ReservationID = existing.ID
			return nil
		}

		product, err := c.products.Reserve(ctx, tx, item.ProductID, item.Quantity)
		if err != nil {
			return err
		}

		reservation, err := c.reservations.CreateActive(ctx, tx, orderID, item.ProductID, item.Quantity)
		if err != nil {
			return err
		}

		if err := c.events.reserved(ctx, tx, sharedDomain.InventoryReservedEvent{
			ReservationID: reservation.ID,
			OrderID:       orderID,
			ProductID:     item.ProductID,
			Quantity:      item.Quantity,
			ReservedAt:    reservation.ReservedAt.UTC(),
		}); err != nil {
			return err
		}

		lowStock, err = c.events.lowStock(ctx, tx, product, c.now)
		if err != nil {
			return err
		}

		outcome.Status = ItemReserved
		outcome.ReservationID = reservation.ID
		outcome.Available = product.Available()

		return nil
	})
	err = txError(err)

	var stockErr *domain.InsufficientStockError
	switch {
	case err == nil:
		if outcome.Status == ItemReserved {
			c.cache.Evict(ctx, item.ProductID)
			if lowStock {
				c.metrics.LowStockAlert()
			}

			mylogger.Info(
				ctx,
				c.logger,
				"Stock reserved",
				zap.String("order_id", orderID.String()),
				zap.String("product_id", item.ProductID.String()),
				zap.String("reservation_id", outcome.ReservationID.String()),
				zap.Int64("quantity", item.Quantity),
			)
		} else {
			mylogger.Info(
				ctx,
				c.logger,
				"Reservation already held, skipping",
				zap.String("order_id", orderID.String()),
				zap.String("product_id", item.ProductID.String()),
			)
		}

		return outcome, nil

	case errors.Is(err, domain.ErrReservationExists):
		// A concurrent delivery of the same event committed first; its reservation stands.
		outcome.Status = ItemAlreadyReserved

		return outcome, nil

	case errors.As(err, &stockErr):
		outcome.Status = ItemInsufficientStock
		outcome.Available = stockErr.Available
		outcome.Err = err

		mylogger.Warn(
			ctx,
			c.logger,
			"Insufficient stock for order item",
			zap.String("order_id", orderID.String()),
			zap.String("product_id", item.ProductID.String()),
			zap.Int64("requested", stockErr.Requested),
			zap.Int64("available", stockErr.Available),
		)

		return outcome, nil

	case errors.Is(err, domain.ErrProductNotFound):
		outcome.Status = ItemProductNotFound
		outcome.Err = err

		mylogger.Warn(
			ctx,
			c.logger,
			"Unknown product in order",
			zap.String("order_id", orderID.String()),
			zap.String("product_id", item.ProductID.String()),
			zap.Int64("requested", item.Quantity),
		)

		return outcome, nil

	case errors.Is(err, domain.ErrConcurrencyConflict):
		outcome.Status = ItemTransientFailure
		outcome.Err = err

		return outcome, nil

	default:
		return outcome, err
	}
}

// HandleOrderCancelled releases every active reservation of the order. Each
// reservation is released in its own transaction so one failure does not
// block the rest. Transient failures are joined and returned for redelivery.
func (c *Coordinator) HandleOrderCancelled(ctx context.Context, event *sharedDomain.OrderCancelledEvent) (*ReleaseOutcome, error) {
	ctx, span := c.tracer.Start(ctx, "Coordinator.HandleOrderCancelled")
	defer span.End()

	span.SetAttributes(attribute.String("order_id", event.OrderID.String()))

	outcome := &ReleaseOutcome{OrderID: event.OrderID}

	active, err := c.reservations.ListActiveByOrder(ctx, event.OrderID)
	if err != nil {
		span.RecordError(err)
		return outcome, err
	}

	if len(active) == 0 {
		mylogger.Info(
			ctx,
			c.logger,
			"No active reservations for cancelled order",
			zap.String("order_id", event.OrderID.String()),
			zap.String("reason", event.Reason),
		)

		return outcome, nil
	}

	var errs []error
	for _, reservation := range active {
		released, err := c.releaseOne(ctx, reservation)
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			released, err = c.releaseOne(ctx, reservation)
		}

		if err != nil {
			outcome.Failed++
			span.RecordError(err)

			mylogger.Error(
				ctx,
				c.logger,
				"Failed to release reservation",
				zap.String("order_id", event.OrderID.String()),
				zap.String("reservation_id", reservation.ID.String()),
				zap.String("product_id", reservation.ProductID.String()),
				zap.Int64("quantity", reservation.Quantity),
				zap.Error(err),
			)

			if !errors.Is(err, domain.ErrProductNotFound) && !errors.Is(err, domain.ErrReservationNotFound) {
				errs = append(errs, err)
			}

			continue
		}

		if released {
			outcome.Released = append(outcome.Released, reservation.ID)
		} else {
			outcome.AlreadyReleased++
		}
	}

	mylogger.Info(
		ctx,
		c.logger,
		"Order reservations released",
		zap.String("order_id", event.OrderID.String()),
		zap.Int("released", len(outcome.Released)),
		zap.Int("already_released", outcome.AlreadyReleased),
		zap.Int("failed", outcome.Failed),
	)

	return outcome, errors.Join(errs...)
}

func (c *Coordinator) releaseOne(ctx context.Context, reservation domain.Reservation) (bool, error) {
	var (
		transitioned bool
		lowStock     bool
	)

	err := c.transactor.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		lowStock = false

		released, ok, err := c.reservations.MarkReleased(ctx, tx, reservation.ID)
		if err != nil {
			return err
		}
		transitioned = ok
		if !ok {
			return nil
		}

		product, err := c.products.Release(ctx, tx, released.ProductID, released.Quantity)
		if err != nil {
			return err
		}

		releasedAt := c.now().UTC()
		if released.ReleasedAt != nil {
			releasedAt = released.ReleasedAt.UTC()
		}

		if err := c.events.released(ctx, tx, sharedDomain.InventoryReleasedEvent{
			ReservationID: released.ID,
			ProductID:     released.ProductID,
			Quantity:      released.Quantity,
			ReleasedAt:    releasedAt,
		}); err != nil {
			return err
		}

		lowStock, err = c.events.lowStock(ctx, tx, product, c.now)
		return err
	})
	if err != nil {
		return false, txError(err)
	}

	if transitioned {
		c.cache.Evict(ctx, reservation.ProductID)
		c.metrics.ReservationReleased()
		if lowStock {
			c.metrics.LowStockAlert()
		}
	}

	return transitioned, nil
}

// foldItems merges lines for the same product into one, summing quantities.
// A reservation is keyed by (order, product), so a second line would otherwise read as a replay.
// Non-positive lines are kept apart so they still report an invalid quantity.
func foldItems(items []sharedDomain.OrderItem) []sharedDomain.OrderItem {
	folded := make([]sharedDomain.OrderItem, 0, len(items))
	index := make(map[uuid.UUID]int, len(items))

	for _, item := range items {
		if item.Quantity <= 0 {
			folded = append(folded, item)
			continue
		}

		if i, ok := index[item.ProductID]; ok {
			folded[i].Quantity += item.Quantity
			continue
		}

		index[item.ProductID] = len(folded)
		folded = append(folded, item)
	}

	return folded
}
