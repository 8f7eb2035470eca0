package tests

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sakashimaa/inventory-saga/pkg/db"
	kafka2 "github.com/sakashimaa/inventory-saga/pkg/kafka"
	outbox "github.com/sakashimaa/inventory-saga/pkg/outbox/repository"
	outboxUtils "github.com/sakashimaa/inventory-saga/pkg/outbox/utils"
	"github.com/sakashimaa/inventory-saga/pkg/outbox/worker"
	"github.com/sakashimaa/inventory-saga/pkg/testsuite"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/cache"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/domain"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/metrics"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/repository"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/service"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

const outboundTopic = "inventory_events"

type IntegrationTestSuite struct {
	testsuite.BaseSuite

	Logger          *zap.Logger
	Metrics         *metrics.Metrics
	Transactor      db.Transactor
	Products        repository.ProductRepository
	Reservations    repository.ReservationRepository
	Cache           *cache.ProductCache
	Ledger          service.LedgerService
	Coordinator     *service.Coordinator
	TestProducer    kafka2.Producer
	OutboxProcessor *worker.OutboxProcessor
	workerCancel    context.CancelFunc
}

func (s *IntegrationTestSuite) SetupSuite() {
	s.BaseSuite.SetupInfrastructure("../migrations", testsuite.WithKafka(), testsuite.WithRedis())
}

func (s *IntegrationTestSuite) TearDownSuite() {
	if s.TestProducer != nil {
		_ = s.TestProducer.Close()
	}
	s.BaseSuite.TearDownInfrastructure()
}

func (s *IntegrationTestSuite) SetupTest() {
	s.BaseSuite.TruncateTable("reservations")
	s.BaseSuite.TruncateTable("products")
	s.BaseSuite.TruncateTable("outbox")
	s.BaseSuite.TruncateTable("processed_requests")
	s.Require().NoError(s.RedisClient.FlushDB(s.Ctx).Err())

	s.Logger = zap.NewNop()
	s.Metrics = metrics.New(prometheus.NewRegistry())

	s.Transactor = db.NewTransactor(s.DbPool, s.Logger)
	s.Products = repository.NewProductRepository(s.DbPool, s.Logger)
	s.Reservations = repository.NewReservationRepository(s.DbPool, s.Logger)
	outboxRepo := outbox.NewOutboxRepository(s.Logger)
	s.Cache = cache.NewProductCache(s.RedisClient, 0, s.Logger)

	ledger := service.NewLedgerService(
		s.Transactor,
		s.Products,
		s.Reservations,
		outboxRepo,
		outboxUtils.NewDeduplicator(s.Logger),
		outboundTopic,
		s.Metrics,
		s.Logger,
	)
	s.Ledger = service.NewCachedLedgerService(ledger, s.Cache, s.Metrics)
	s.Coordinator = service.NewCoordinator(
		s.Transactor,
		s.Products,
		s.Reservations,
		outboxRepo,
		s.Cache,
		outboundTopic,
		s.Metrics,
		s.Logger,
	)

	if s.TestProducer == nil {
		var err error
		s.TestProducer, err = kafka2.NewProducer(s.KafkaBrokers, s.Logger)
		s.Require().NoError(err, "failed to create kafka producer")
	}

	s.OutboxProcessor = worker.NewOutboxProcessor(s.Transactor, outboxRepo, s.TestProducer, s.Logger, worker.Options{
		BatchSize: 50,
		Interval:  100 * time.Millisecond,
	})

	workerCtx, cancel := context.WithCancel(s.Ctx)
	s.workerCancel = cancel

	go func() {
		_ = s.OutboxProcessor.Start(workerCtx)
	}()
}

func (s *IntegrationTestSuite) TearDownTest() {
	if s.workerCancel != nil {
		s.workerCancel()
	}
}

func (s *IntegrationTestSuite) seedProduct(sku string, quantity, threshold int64) *domain.Product {
	product, err := s.Ledger.CreateProduct(s.Ctx, &domain.CreateProductInput{
		SKU:               sku,
		Name:              "Product " + sku,
		Quantity:          quantity,
		LowStockThreshold: &threshold,
		Price:             1999,
	})
	s.Require().NoError(err)

	return product
}

func (s *IntegrationTestSuite) countOutbox(eventType, aggregateID string) int {
	var count int
	err := s.DbPool.QueryRow(s.Ctx, `
		SELECT COUNT(*)
		FROM outbox
		WHERE event_type = $1 AND aggregate_id = $2
	`, eventType, aggregateID).Scan(&count)
	s.Require().NoError(err)

	return count
}

func TestIntegrationSuite(t *testing.T) {
	suite.Run(t, new(IntegrationTestSuite))
}
