package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sakashimaa/inventory-saga/pkg/db"
	"github.com/sakashimaa/inventory-saga/pkg/mylogger"
	"github.com/sakashimaa/inventory-saga/pkg/outbox/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// MaxAttempts caps how often one event is offered to the broker before it is left for manual inspection.
const MaxAttempts = 10

type OutboxRepository interface {
	SaveOutboxEvent(ctx context.Context, tx pgx.Tx, event *domain.OutboxEvent) error
	GetUnpublishedEvents(ctx context.Context, tx pgx.Tx, batchSize int) ([]*domain.OutboxEvent, error)
	MarkEventPublished(ctx context.Context, tx pgx.Tx, eventID int64) error
	MarkEventFailed(ctx context.Context, tx pgx.Tx, eventID int64, error string) error
	PurgePublished(ctx context.Context, tx pgx.Tx, cutoff time.Time, limit int) (int64, error)
}

type KafkaProducer interface {
	ProduceMessage(ctx context.Context, topic, key string, message any) error
}

// Options tunes the processor. A zero Retention keeps published events forever.
type Options struct {
	BatchSize     int
	Interval      time.Duration
	Retention     time.Duration
	PurgeInterval time.Duration
}

type OutboxProcessor struct {
	transactor    db.Transactor
	repo          OutboxRepository
	kafkaProducer KafkaProducer
	logger        *zap.Logger
	batchSize     int
	interval      time.Duration
	retention     time.Duration
	purgeInterval time.Duration
	now           func() time.Time
	tracer        trace.Tracer
	onPublished   func(event *domain.OutboxEvent)
}

func NewOutboxProcessor(
	transactor db.Transactor,
	repo OutboxRepository,
	producer KafkaProducer,
	logger *zap.Logger,
	opts Options,
) *OutboxProcessor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}
	if opts.PurgeInterval <= 0 {
		opts.PurgeInterval = time.Minute
	}

	return &OutboxProcessor{
		transactor:    transactor,
		repo:          repo,
		kafkaProducer: producer,
		logger:        logger,
		batchSize:     opts.BatchSize,
		interval:      opts.Interval,
		retention:     opts.Retention,
		purgeInterval: opts.PurgeInterval,
		now:           time.Now,
		tracer:        otel.Tracer("outbox-worker"),
	}
}

// OnPublished registers a hook invoked for every event the broker acknowledged.
func (p *OutboxProcessor) OnPublished(fn func(event *domain.OutboxEvent)) {
	p.onPublished = fn
}

func (p *OutboxProcessor) Start(ctx context.Context) error {
	mylogger.Info(
		ctx,
		p.logger,
		"Starting outbox processor",
		zap.Int("batch_size", p.batchSize),
		zap.Duration("interval", p.interval),
		zap.Duration("retention", p.retention),
	)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var purge <-chan time.Time
	if p.retention > 0 {
		purgeTicker := time.NewTicker(p.purgeInterval)
		defer purgeTicker.Stop()
		purge = purgeTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			mylogger.Info(
				ctx,
				p.logger,
				"Outbox processor stopping",
			)

			return nil
		case <-ticker.C:
			if _, err := p.ProcessBatch(ctx); err != nil {
				mylogger.Error(
					ctx,
					p.logger,
					"Error processing outbox batch",
					zap.Error(err),
				)
			}
		case <-purge:
			if _, err := p.Purge(ctx); err != nil {
				mylogger.Warn(ctx, p.logger, "Error purging published outbox events", zap.Error(err))
			}
		}
	}
}

// Purge drops published events older than the retention window, one batch per transaction.
func (p *OutboxProcessor) Purge(ctx context.Context) (int64, error) {
	if p.retention <= 0 {
		return 0, nil
	}

	ctx, span := p.tracer.Start(ctx, "OutboxProcessor.Purge")
	defer span.End()

	cutoff := p.now().Add(-p.retention)

	var total int64
	for {
		var purged int64
		err := p.transactor.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
			var err error
			purged, err = p.repo.PurgePublished(ctx, tx, cutoff, p.batchSize)
			return err
		})
		if err != nil {
			span.RecordError(err)
			return total, err
		}

		total += purged
		if purged < int64(p.batchSize) || ctx.Err() != nil {
			break
		}
	}

	if total > 0 {
		mylogger.Debug(ctx, p.logger, "Purged published outbox events", zap.Int64("count", total))
	}

	return total, nil
}

// ProcessBatch publishes one batch of pending events and returns how many reached the broker.
func (p *OutboxProcessor) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := p.tracer.Start(ctx, "OutboxProcessor.ProcessBatch")
	defer span.End()

	var published []*domain.OutboxEvent

	err := p.transactor.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		events, err := p.repo.GetUnpublishedEvents(ctx, tx, p.batchSize)
		if err != nil {
			return err
		}

		if len(events) == 0 {
			return nil
		}

		mylogger.Debug(
			ctx,
			p.logger,
			"Processing outbox events",
			zap.Int("count", len(events)),
		)

		for _, event := range events {
			if err := p.publish(ctx, event); err != nil {
				mylogger.Error(
					ctx,
					p.logger,
					"outbox worker produce message failed",
					zap.Int64("id", event.Id),
					zap.String("event_type", event.EventType),
					zap.Error(err),
				)

				if dbErr := p.repo.MarkEventFailed(ctx, tx, event.Id, err.Error()); dbErr != nil {
					return dbErr
				}
				continue
			}

			if err := p.repo.MarkEventPublished(ctx, tx, event.Id); err != nil {
				mylogger.Error(
					ctx,
					p.logger,
					"Outbox worker event publishing failed",
					zap.Int64("id", event.Id),
					zap.Error(err),
				)

				return err
			}

			published = append(published, event)
		}

		return nil
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	if p.onPublished != nil {
		for _, event := range published {
			p.onPublished(event)
		}
	}

	return len(published), nil
}

func (p *OutboxProcessor) publish(ctx context.Context, event *domain.OutboxEvent) error {
	var payloadMap map[string]any
	if err := json.Unmarshal(event.Payload, &payloadMap); err != nil {
		return err
	}

	payloadMap["event_id"] = event.Id

	return p.kafkaProducer.ProduceMessage(ctx, event.Topic, event.AggregateID, payloadMap)
}
