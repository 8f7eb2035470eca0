package tests

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	sharedDomain "github.com/sakashimaa/inventory-saga/pkg/domain"
	outbox "github.com/sakashimaa/inventory-saga/pkg/outbox/repository"
	"github.com/sakashimaa/inventory-saga/pkg/outbox/worker"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/domain"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/service"
)

func (s *IntegrationTestSuite) TestCreateProduct_DuplicateSKU() {
	s.seedProduct("SKU-DUP", 5, 1)

	_, err := s.Ledger.CreateProduct(s.Ctx, &domain.CreateProductInput{SKU: "SKU-DUP", Name: "Another"})
	s.Require().ErrorIs(err, domain.ErrDuplicateSKU)
}

func (s *IntegrationTestSuite) TestGetProduct_NotFound() {
	_, err := s.Ledger.GetProduct(s.Ctx, uuid.New())
	s.Require().ErrorIs(err, domain.ErrProductNotFound)
}

func (s *IntegrationTestSuite) TestReserve_ConcurrentNeverOversells() {
	product := s.seedProduct("SKU-HOT", 10, 0)

	const workers = 30
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		reserved int
		rejected int
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			err := s.Transactor.WithinTx(s.Ctx, func(ctx context.Context, tx pgx.Tx) error {
				_, err := s.Products.Reserve(ctx, tx, product.ID, 1)
				return err
			})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				reserved++
			case errors.Is(err, domain.ErrInsufficientStock):
				rejected++
			}
		}()
	}
	wg.Wait()

	s.Require().Equal(10, reserved)
	s.Require().Equal(workers-10, rejected)

	current, err := s.Products.GetByID(s.Ctx, product.ID)
	s.Require().NoError(err)
	s.Require().Equal(int64(10), current.ReservedQuantity)
	s.Require().Equal(int64(0), current.Available())
}

func (s *IntegrationTestSuite) TestReserve_InsufficientCarriesAvailable() {
	product := s.seedProduct("SKU-LOW", 10, 0)

	err := s.Transactor.WithinTx(s.Ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := s.Products.Reserve(ctx, tx, product.ID, 8)
		return err
	})
	s.Require().NoError(err)

	err = s.Transactor.WithinTx(s.Ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := s.Products.Reserve(ctx, tx, product.ID, 5)
		return err
	})

	var stockErr *domain.InsufficientStockError
	s.Require().ErrorAs(err, &stockErr)
	s.Require().Equal(int64(5), stockErr.Requested)
	s.Require().Equal(int64(2), stockErr.Available)

	err = s.Transactor.WithinTx(s.Ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := s.Products.Reserve(ctx, tx, uuid.New(), 1)
		return err
	})
	s.Require().ErrorIs(err, domain.ErrProductNotFound)

	err = s.Transactor.WithinTx(s.Ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := s.Products.Reserve(ctx, tx, product.ID, 0)
		return err
	})
	s.Require().ErrorIs(err, domain.ErrInvalidQuantity)
}

func (s *IntegrationTestSuite) TestRelease_FloorsAtZero() {
	product := s.seedProduct("SKU-REL", 10, 0)

	var released *domain.Product
	err := s.Transactor.WithinTx(s.Ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := s.Products.Reserve(ctx, tx, product.ID, 3); err != nil {
			return err
		}

		var err error
		released, err = s.Products.Release(ctx, tx, product.ID, 7)
		return err
	})
	s.Require().NoError(err)
	s.Require().Equal(int64(0), released.ReservedQuantity)
	s.Require().Equal(int64(10), released.Quantity)
}

func (s *IntegrationTestSuite) TestAdjust_GuardsReservedStock() {
	product := s.seedProduct("SKU-ADJ", 10, 0)

	err := s.Transactor.WithinTx(s.Ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := s.Products.Reserve(ctx, tx, product.ID, 8)
		return err
	})
	s.Require().NoError(err)

	_, err = s.Ledger.AdjustQuantity(s.Ctx, service.AdjustCommand{ProductID: product.ID, Delta: -3, Reason: "shrinkage"})
	s.Require().ErrorIs(err, domain.ErrInvalidAdjustment)

	result, err := s.Ledger.AdjustQuantity(s.Ctx, service.AdjustCommand{ProductID: product.ID, Delta: -2, Reason: "shrinkage"})
	s.Require().NoError(err)
	s.Require().Equal(int64(8), result.Product.Quantity)
	s.Require().True(result.LowStockAlert)

	s.Require().Equal(1, s.countOutbox(sharedDomain.EventInventoryAdjusted, product.ID.String()))
	s.Require().Equal(1, s.countOutbox(sharedDomain.EventLowStockAlert, product.ID.String()))
}

func (s *IntegrationTestSuite) TestAdjust_IdempotencyKey() {
	product := s.seedProduct("SKU-IDEM", 10, 0)
	cmd := service.AdjustCommand{ProductID: product.ID, Delta: 5, Reason: "restock", IdempotencyKey: "po-1234"}

	first, err := s.Ledger.AdjustQuantity(s.Ctx, cmd)
	s.Require().NoError(err)
	s.Require().False(first.Replayed)

	second, err := s.Ledger.AdjustQuantity(s.Ctx, cmd)
	s.Require().NoError(err)
	s.Require().True(second.Replayed)
	s.Require().Equal(int64(15), second.Product.Quantity)

	s.Require().Equal(1, s.countOutbox(sharedDomain.EventInventoryAdjusted, product.ID.String()))
}

func (s *IntegrationTestSuite) TestAdjust_PublishesThroughOutbox() {
	product := s.seedProduct("SKU-PUB", 10, 0)

	_, err := s.Ledger.AdjustQuantity(s.Ctx, service.AdjustCommand{ProductID: product.ID, Delta: 7, Reason: "restock"})
	s.Require().NoError(err)

	s.Require().Eventually(func() bool {
		var publishedAt *time.Time
		err := s.DbPool.QueryRow(s.Ctx, `
			SELECT published_at
			FROM outbox
			WHERE aggregate_id = $1 AND event_type = $2
		`, product.ID.String(), sharedDomain.EventInventoryAdjusted).Scan(&publishedAt)

		return err == nil && publishedAt != nil
	}, 10*time.Second, 100*time.Millisecond)
}

func (s *IntegrationTestSuite) TestCache_ReadThroughAndEviction() {
	product := s.seedProduct("SKU-CACHE", 10, 0)

	_, err := s.Ledger.GetProduct(s.Ctx, product.ID)
	s.Require().NoError(err)

	cached, ok := s.Cache.Get(s.Ctx, product.ID)
	s.Require().True(ok)
	s.Require().Equal(int64(10), cached.Quantity)

	_, err = s.Coordinator.HandleOrderCreated(s.Ctx, &sharedDomain.OrderCreatedEvent{
		OrderID: uuid.New(),
		Items:   []sharedDomain.OrderItem{{ProductID: product.ID, Quantity: 4}},
	})
	s.Require().NoError(err)

	_, ok = s.Cache.Get(s.Ctx, product.ID)
	s.Require().False(ok, "reservation evicts the cached snapshot")

	fresh, err := s.Ledger.GetProduct(s.Ctx, product.ID)
	s.Require().NoError(err)
	s.Require().Equal(int64(4), fresh.ReservedQuantity)
}

func (s *IntegrationTestSuite) TestOutbox_PurgesExpiredPublishedEvents() {
	product := s.seedProduct("SKU-PURGE", 10, 0)

	_, err := s.Ledger.AdjustQuantity(s.Ctx, service.AdjustCommand{ProductID: product.ID, Delta: 1, Reason: "restock"})
	s.Require().NoError(err)

	s.Require().Eventually(func() bool {
		var pending int
		err := s.DbPool.QueryRow(s.Ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`).Scan(&pending)
		return err == nil && pending == 0
	}, 10*time.Second, 100*time.Millisecond)

	_, err = s.DbPool.Exec(s.Ctx, `UPDATE outbox SET published_at = NOW() - INTERVAL '4 days'`)
	s.Require().NoError(err)

	purger := worker.NewOutboxProcessor(s.Transactor, outbox.NewOutboxRepository(s.Logger), s.TestProducer, s.Logger, worker.Options{
		Retention: 72 * time.Hour,
	})

	purged, err := purger.Purge(s.Ctx)
	s.Require().NoError(err)
	s.Require().EqualValues(1, purged)
	s.Require().Zero(s.countOutbox(sharedDomain.EventInventoryAdjusted, product.ID.String()))
}
