package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	sharedDomain "github.com/sakashimaa/inventory-saga/pkg/domain"
	"github.com/sakashimaa/inventory-saga/pkg/kafka"
	"github.com/sakashimaa/inventory-saga/pkg/mylogger"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/domain"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/metrics"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/service"
	"go.uber.org/zap"
)

var errMissingOrderID = errors.New("order_id is required")

type OrderEventHandler interface {
	HandleOrderCreated(ctx context.Context, event *sharedDomain.OrderCreatedEvent) (*service.ReservationOutcome, error)
	HandleOrderCancelled(ctx context.Context, event *sharedDomain.OrderCancelledEvent) (*service.ReleaseOutcome, error)
}

type Consumer struct {
	coordinator OrderEventHandler
	router      *Router
	logger      *zap.Logger
}

func NewConsumer(coordinator OrderEventHandler, m *metrics.Metrics, logger *zap.Logger) (*Consumer, error) {
	c := &Consumer{
		coordinator: coordinator,
		router:      NewRouter(m, logger),
		logger:      logger,
	}

	if err := c.router.Register(sharedDomain.EventOrderCreated, c.orderCreated); err != nil {
		return nil, err
	}
	if err := c.router.Register(sharedDomain.EventOrderCancelled, c.orderCancelled); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Consumer) Router() *Router {
	return c.router
}

// Start blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context, cfg kafka.ConsumerGroupConfig, deadLetters kafka.Producer) error {
	group := kafka.NewConsumerGroup(cfg, c.router.Handle, deadLetters, c.logger)

	return group.Run(ctx)
}

func (c *Consumer) orderCreated(ctx context.Context, payload json.RawMessage) error {
	event, err := decode[sharedDomain.OrderCreatedEvent](payload)
	if err != nil {
		return err
	}
	if event.OrderID == uuid.Nil {
		return kafka.Permanent(fmt.Errorf("%s: %w", sharedDomain.EventOrderCreated, errMissingOrderID))
	}

	outcome, err := c.coordinator.HandleOrderCreated(ctx, event)
	if err != nil {
		mylogger.Warn(
			ctx,
			c.logger,
			"Error processing order created",
			zap.String("order_id", event.OrderID.String()),
			zap.Error(err),
		)

		return retryable(err)
	}

	mylogger.Info(
		ctx,
		c.logger,
		"Order created handled",
		zap.String("order_id", event.OrderID.String()),
		zap.Bool("fully_reserved", outcome.Succeeded()),
	)

	return nil
}

func (c *Consumer) orderCancelled(ctx context.Context, payload json.RawMessage) error {
	event, err := decode[sharedDomain.OrderCancelledEvent](payload)
	if err != nil {
		return err
	}
	if event.OrderID == uuid.Nil {
		return kafka.Permanent(fmt.Errorf("%s: %w", sharedDomain.EventOrderCancelled, errMissingOrderID))
	}

	if _, err := c.coordinator.HandleOrderCancelled(ctx, event); err != nil {
		mylogger.Warn(
			ctx,
			c.logger,
			"Error processing order cancelled",
			zap.String("order_id", event.OrderID.String()),
			zap.Error(err),
		)

		return retryable(err)
	}

	return nil
}

// retryable keeps outage and contention failures out of the dead-letter topic.
func retryable(err error) error {
	if domain.IsTransient(err) {
		return kafka.Retryable(err)
	}

	return err
}
