package tests

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	sharedDomain "github.com/sakashimaa/inventory-saga/pkg/domain"
	kafka2 "github.com/sakashimaa/inventory-saga/pkg/kafka"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/domain"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/service"
	inventoryKafka "github.com/sakashimaa/inventory-saga/services/inventory/internal/transport/kafka"
)

func (s *IntegrationTestSuite) TestOrderLifecycle_ReserveAlertRelease() {
	product := s.seedProduct("SKU-LIFE", 100, 10)
	orderID := uuid.New()

	outcome, err := s.Coordinator.HandleOrderCreated(s.Ctx, &sharedDomain.OrderCreatedEvent{
		OrderID:    orderID,
		CustomerID: uuid.New(),
		Items:      []sharedDomain.OrderItem{{ProductID: product.ID, ProductName: product.Name, Quantity: 95, UnitPrice: 1999}},
		CreatedAt:  time.Now(),
	})
	s.Require().NoError(err)
	s.Require().True(outcome.Succeeded())

	current, err := s.Products.GetByID(s.Ctx, product.ID)
	s.Require().NoError(err)
	s.Require().Equal(int64(95), current.ReservedQuantity)
	s.Require().Equal(int64(5), current.Available())

	s.Require().Equal(1, s.countOutbox(sharedDomain.EventInventoryReserved, product.ID.String()))
	s.Require().Equal(1, s.countOutbox(sharedDomain.EventLowStockAlert, product.ID.String()))

	released, err := s.Coordinator.HandleOrderCancelled(s.Ctx, &sharedDomain.OrderCancelledEvent{
		OrderID:     orderID,
		Reason:      "payment failed",
		CancelledAt: time.Now(),
	})
	s.Require().NoError(err)
	s.Require().Len(released.Released, 1)

	current, err = s.Products.GetByID(s.Ctx, product.ID)
	s.Require().NoError(err)
	s.Require().Equal(int64(0), current.ReservedQuantity)
	s.Require().Equal(int64(100), current.Available())

	s.Require().Equal(1, s.countOutbox(sharedDomain.EventInventoryReleased, product.ID.String()))
	s.Require().Equal(1, s.countOutbox(sharedDomain.EventLowStockAlert, product.ID.String()))

	reservations, err := s.Ledger.ListReservations(s.Ctx, orderID)
	s.Require().NoError(err)
	s.Require().Len(reservations, 1)
	s.Require().Equal(domain.ReservationReleased, reservations[0].Status)
	s.Require().NotNil(reservations[0].ReleasedAt)

	s.Require().Eventually(func() bool {
		var pending int
		err := s.DbPool.QueryRow(s.Ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`).Scan(&pending)
		return err == nil && pending == 0
	}, 10*time.Second, 100*time.Millisecond)
}

func (s *IntegrationTestSuite) TestOrderCreated_DuplicateDeliveryHoldsOnce() {
	product := s.seedProduct("SKU-TWICE", 10, 0)
	event := &sharedDomain.OrderCreatedEvent{
		OrderID: uuid.New(),
		Items:   []sharedDomain.OrderItem{{ProductID: product.ID, Quantity: 3}},
	}

	_, err := s.Coordinator.HandleOrderCreated(s.Ctx, event)
	s.Require().NoError(err)

	outcome, err := s.Coordinator.HandleOrderCreated(s.Ctx, event)
	s.Require().NoError(err)
	s.Require().Equal(service.ItemAlreadyReserved, outcome.Items[0].Status)

	current, err := s.Products.GetByID(s.Ctx, product.ID)
	s.Require().NoError(err)
	s.Require().Equal(int64(3), current.ReservedQuantity)
	s.Require().Equal(1, s.countOutbox(sharedDomain.EventInventoryReserved, product.ID.String()))
}

func (s *IntegrationTestSuite) TestOrderCreated_RepeatedProductLinesReserveTotal() {
	product := s.seedProduct("SKU-SPLIT", 20, 0)
	orderID := uuid.New()

	outcome, err := s.Coordinator.HandleOrderCreated(s.Ctx, &sharedDomain.OrderCreatedEvent{
		OrderID: orderID,
		Items: []sharedDomain.OrderItem{
			{ProductID: product.ID, Quantity: 2},
			{ProductID: product.ID, Quantity: 3},
		},
	})
	s.Require().NoError(err)
	s.Require().True(outcome.Succeeded())
	s.Require().Len(outcome.Items, 1)

	current, err := s.Products.GetByID(s.Ctx, product.ID)
	s.Require().NoError(err)
	s.Require().Equal(int64(5), current.ReservedQuantity)

	active, err := s.Reservations.ListActiveByOrder(s.Ctx, orderID)
	s.Require().NoError(err)
	s.Require().Len(active, 1)
	s.Require().Equal(int64(5), active[0].Quantity)
}

func (s *IntegrationTestSuite) TestOrderCreated_InsufficientStockLeavesLedger() {
	product := s.seedProduct("SKU-SHORT", 10, 0)

	_, err := s.Coordinator.HandleOrderCreated(s.Ctx, &sharedDomain.OrderCreatedEvent{
		OrderID: uuid.New(),
		Items:   []sharedDomain.OrderItem{{ProductID: product.ID, Quantity: 8}},
	})
	s.Require().NoError(err)

	orderID := uuid.New()
	outcome, err := s.Coordinator.HandleOrderCreated(s.Ctx, &sharedDomain.OrderCreatedEvent{
		OrderID: orderID,
		Items:   []sharedDomain.OrderItem{{ProductID: product.ID, Quantity: 5}},
	})
	s.Require().NoError(err)
	s.Require().False(outcome.Succeeded())
	s.Require().Equal(service.ItemInsufficientStock, outcome.Items[0].Status)
	s.Require().Equal(int64(2), outcome.Items[0].Available)

	reservations, err := s.Reservations.ListByOrder(s.Ctx, orderID)
	s.Require().NoError(err)
	s.Require().Empty(reservations)

	current, err := s.Products.GetByID(s.Ctx, product.ID)
	s.Require().NoError(err)
	s.Require().Equal(int64(8), current.ReservedQuantity)
}

func (s *IntegrationTestSuite) TestMarkReleased_Idempotent() {
	product := s.seedProduct("SKU-MARK", 10, 0)
	orderID := uuid.New()

	var reservation *domain.Reservation
	err := s.Transactor.WithinTx(s.Ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		reservation, err = s.Reservations.CreateActive(ctx, tx, orderID, product.ID, 2)
		return err
	})
	s.Require().NoError(err)

	err = s.Transactor.WithinTx(s.Ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := s.Reservations.CreateActive(ctx, tx, orderID, product.ID, 2)
		return err
	})
	s.Require().ErrorIs(err, domain.ErrReservationExists)

	for i, want := range []bool{true, false} {
		err = s.Transactor.WithinTx(s.Ctx, func(ctx context.Context, tx pgx.Tx) error {
			released, transitioned, err := s.Reservations.MarkReleased(ctx, tx, reservation.ID)
			if err != nil {
				return err
			}
			s.Require().Equal(want, transitioned, "call %d", i)
			s.Require().Equal(domain.ReservationReleased, released.Status)
			return nil
		})
		s.Require().NoError(err)
	}

	err = s.Transactor.WithinTx(s.Ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, _, err := s.Reservations.MarkReleased(ctx, tx, uuid.New())
		return err
	})
	s.Require().ErrorIs(err, domain.ErrReservationNotFound)

	// A released reservation frees the idempotency slot for a later hold.
	err = s.Transactor.WithinTx(s.Ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := s.Reservations.CreateActive(ctx, tx, orderID, product.ID, 1)
		return err
	})
	s.Require().NoError(err)
}

func (s *IntegrationTestSuite) TestConsumer_ReservesFromOrderEvents() {
	product := s.seedProduct("SKU-BUS", 20, 0)
	orderID := uuid.New()
	topic := "order_events_" + uuid.NewString()[:8]

	consumer, err := inventoryKafka.NewConsumer(s.Coordinator, s.Metrics, s.Logger)
	s.Require().NoError(err)

	// Producing first creates the topic before the group subscribes.
	s.Require().NoError(s.TestProducer.ProduceMessage(s.Ctx, topic, orderID.String(), sharedDomain.Envelope{
		Event:   sharedDomain.EventOrderCreated,
		Payload: mustJSON(s, sharedDomain.OrderCreatedEvent{
			OrderID: orderID,
			Items:   []sharedDomain.OrderItem{{ProductID: product.ID, Quantity: 6}},
		}),
	}))

	ctx, cancel := context.WithCancel(s.Ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- consumer.Start(ctx, kafka2.ConsumerGroupConfig{
			Brokers:       s.KafkaBrokers,
			GroupID:       "inventory-test-" + uuid.NewString(),
			Topics:        []string{topic},
			MaxDeliveries: 3,
			RetryBackoff:  50 * time.Millisecond,
		}, s.TestProducer)
	}()

	s.Require().Eventually(func() bool {
		active, err := s.Reservations.ListActiveByOrder(s.Ctx, orderID)
		return err == nil && len(active) == 1
	}, 60*time.Second, 250*time.Millisecond)

	s.Require().NoError(s.TestProducer.ProduceMessage(s.Ctx, topic, orderID.String(), sharedDomain.Envelope{
		Event:   sharedDomain.EventOrderCancelled,
		Payload: mustJSON(s, sharedDomain.OrderCancelledEvent{OrderID: orderID, Reason: "customer request"}),
	}))

	s.Require().Eventually(func() bool {
		current, err := s.Products.GetByID(s.Ctx, product.ID)
		return err == nil && current.ReservedQuantity == 0
	}, 30*time.Second, 250*time.Millisecond)

	cancel()
	s.Require().NoError(<-done)
}

func mustJSON(s *IntegrationTestSuite, v any) json.RawMessage {
	raw, err := json.Marshal(v)
	s.Require().NoError(err)

	return raw
}
