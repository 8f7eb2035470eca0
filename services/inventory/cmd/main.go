package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sakashimaa/inventory-saga/pkg/config"
	"github.com/sakashimaa/inventory-saga/pkg/db"
	kafka2 "github.com/sakashimaa/inventory-saga/pkg/kafka"
	"github.com/sakashimaa/inventory-saga/pkg/mylogger"
	outboxDomain "github.com/sakashimaa/inventory-saga/pkg/outbox/domain"
	outbox "github.com/sakashimaa/inventory-saga/pkg/outbox/repository"
	outboxUtils "github.com/sakashimaa/inventory-saga/pkg/outbox/utils"
	"github.com/sakashimaa/inventory-saga/pkg/outbox/worker"
	"github.com/sakashimaa/inventory-saga/pkg/utils"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/cache"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/metrics"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/repository"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/service"
	inventoryHttp "github.com/sakashimaa/inventory-saga/services/inventory/internal/transport/http"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/transport/http/handler"
	inventoryKafka "github.com/sakashimaa/inventory-saga/services/inventory/internal/transport/kafka"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const serviceName = "inventory-service"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf(".env not found: %v\n", err)
	}

	cfg := config.MustLoad()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := config.NewLogger(cfg.LoggerConfig(serviceName))
	if err != nil {
		log.Fatalf("Error creating logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	tp, err := utils.InitTracer(ctx, utils.TracerOptions{
		ServiceName: serviceName,
		Environment: cfg.Env,
		Endpoint:    cfg.Tracing.Endpoint,
		Enabled:     cfg.Tracing.Enabled,
	})
	if err != nil {
		log.Fatalf("Error init tracer: %v", err)
	}

	if err := db.Migrate(cfg.Postgres.MigrationsPath, cfg.Postgres.URL); err != nil {
		log.Fatalf("Error applying migrations: %v", err)
	}

	pool, err := db.NewPostgresDB(ctx, cfg.Postgres)
	if err != nil {
		log.Fatalf("Error creating new postgres DB: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
	})

	reg := metrics.NewRegistry()
	m := metrics.New(reg)

	transactor := db.NewTransactor(pool, logger)
	productRepository := repository.NewProductRepository(pool, logger)
	reservationRepository := repository.NewReservationRepository(pool, logger)
	outboxRepository := outbox.NewOutboxRepository(logger)
	deduplicator := outboxUtils.NewDeduplicator(logger)
	productCache := cache.NewProductCache(rdb, cfg.Redis.CacheTTL, logger)

	ledger := service.NewLedgerService(
		transactor,
		productRepository,
		reservationRepository,
		outboxRepository,
		deduplicator,
		cfg.Kafka.OutboundTopic,
		m,
		logger,
	)
	cachedLedger := service.NewCachedLedgerService(ledger, productCache, m)

	coordinator := service.NewCoordinator(
		transactor,
		productRepository,
		reservationRepository,
		outboxRepository,
		productCache,
		cfg.Kafka.OutboundTopic,
		m,
		logger,
	)

	rawProducer, err := kafka2.NewProducer(cfg.Kafka.Brokers, logger)
	if err != nil {
		log.Fatalf("error creating kafka producer: %v", err)
	}
	kafkaProducer := kafka2.NewBreakerProducer(rawProducer, logger)

	outboxProcessor := worker.NewOutboxProcessor(transactor, outboxRepository, kafkaProducer, logger, worker.Options{
		BatchSize:     cfg.Outbox.BatchSize,
		Interval:      cfg.Outbox.Interval,
		Retention:     cfg.Outbox.Retention,
		PurgeInterval: cfg.Outbox.PurgeInterval,
	})
	outboxProcessor.OnPublished(func(event *outboxDomain.OutboxEvent) {
		m.EventPublished(event.EventType)
	})

	consumer, err := inventoryKafka.NewConsumer(coordinator, m, logger)
	if err != nil {
		log.Fatalf("error creating consumer: %v", err)
	}

	app := inventoryHttp.NewApp(&inventoryHttp.Handlers{
		Product:     handler.NewProductHandler(cachedLedger, cfg.HTTP.Timeout, logger),
		Reservation: handler.NewReservationHandler(cachedLedger, cfg.HTTP.Timeout, logger),
		Health: handler.NewHealthHandler(map[string]handler.CheckFunc{
			"postgres": pool.Ping,
			"redis": func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			},
		}, 2*time.Second, logger),
	}, reg, inventoryHttp.LimiterConfig{
		Max:        cfg.Limiter.Max,
		Expiration: cfg.Limiter.Expiration,
	})

	mylogger.Info(ctx, logger, "inventory service started!", zap.String("env", cfg.Env), zap.String("port", cfg.HTTP.Port))

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return outboxProcessor.Start(gCtx)
	})

	g.Go(func() error {
		return consumer.Start(gCtx, kafka2.ConsumerGroupConfig{
			Brokers:       cfg.Kafka.Brokers,
			GroupID:       cfg.Kafka.GroupID,
			Topics:        []string{cfg.Kafka.OrderTopic},
			MaxDeliveries: cfg.Kafka.MaxDeliveries,
			RetryBackoff:  cfg.Kafka.RetryBackoff,
		}, kafkaProducer)
	})

	g.Go(func() error {
		log.Println("HTTP Inventory service listening on port: " + cfg.HTTP.Port)
		return app.Listen(cfg.HTTP.Port)
	})

	g.Go(func() error {
		<-gCtx.Done()

		log.Println("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Printf("Error shutting down HTTP server: %v", err)
		} else {
			log.Println("Stopped HTTP server successfully")
		}

		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		mylogger.Error(ctx, logger, "inventory service stopped with error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := kafkaProducer.Close(); err != nil {
		log.Printf("Error closing kafka producer: %v", err)
	}

	if err := rdb.Close(); err != nil {
		log.Printf("Error closing redis client: %v", err)
	}

	pool.Close()
	log.Println("Closed db pool successfully")

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error stopping telemetry: %v\n", err)
	} else {
		log.Println("Telemetry closed correctly")
	}
}
