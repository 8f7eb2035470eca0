package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sakashimaa/inventory-saga/pkg/mylogger"
	"github.com/sakashimaa/inventory-saga/pkg/outbox/domain"
	"github.com/sakashimaa/inventory-saga/pkg/outbox/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// maxErrorLength bounds last_error so a noisy broker error cannot bloat the row.
const maxErrorLength = 1024

const eventColumns = `id, aggregate_type, aggregate_id, event_type, payload, headers, created_at, published_at, attempts, last_error, topic`

type outboxRepo struct {
	tracer trace.Tracer
	logger *zap.Logger
}

func NewOutboxRepository(logger *zap.Logger) worker.OutboxRepository {
	return &outboxRepo{
		tracer: otel.Tracer("outbox/repository"),
		logger: logger,
	}
}

func scanEvent(row pgx.Row) (*domain.OutboxEvent, error) {
	var e domain.OutboxEvent
	err := row.Scan(
		&e.Id,
		&e.AggregateType,
		&e.AggregateID,
		&e.EventType,
		&e.Payload,
		&e.Headers,
		&e.CreatedAt,
		&e.PublishedAt,
		&e.Attempts,
		&e.LastError,
		&e.Topic,
	)
	if err != nil {
		return nil, err
	}

	return &e, nil
}

func (r *outboxRepo) SaveOutboxEvent(ctx context.Context, tx pgx.Tx, event *domain.OutboxEvent) error {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.SaveOutboxEvent")
	defer span.End()

	span.SetAttributes(
		attribute.String("outbox.topic", event.Topic),
		attribute.String("outbox.aggregate_type", event.AggregateType),
		attribute.String("outbox.aggregate_id", event.AggregateID),
		attribute.String("outbox.event_type", event.EventType),
	)

	query := `
		INSERT INTO outbox (aggregate_type, aggregate_id, event_type, payload, topic)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`

	err := tx.QueryRow(ctx, query,
		event.AggregateType,
		event.AggregateID,
		event.EventType,
		event.Payload,
		event.Topic,
	).Scan(&event.Id, &event.CreatedAt)
	if err != nil {
		span.RecordError(err)
		mylogger.Error(ctx, r.logger, "Failed to stage outbox event",
			zap.String("event_type", event.EventType),
			zap.String("aggregate_id", event.AggregateID),
			zap.Error(err),
		)

		return fmt.Errorf("stage %s event: %w", event.EventType, err)
	}

	return nil
}

// GetUnpublishedEvents locks a batch of pending rows in id order. Rows locked by another worker are skipped.
func (r *outboxRepo) GetUnpublishedEvents(ctx context.Context, tx pgx.Tx, batchSize int) ([]*domain.OutboxEvent, error) {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.GetUnpublishedEvents")
	defer span.End()

	span.SetAttributes(attribute.Int("outbox.batch_size", batchSize))

	query := `
		SELECT ` + eventColumns + `
		FROM outbox
		WHERE published_at IS NULL AND attempts < $2
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`

	rows, err := tx.Query(ctx, query, batchSize, worker.MaxAttempts)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query pending outbox events: %w", err)
	}
	defer rows.Close()

	events := make([]*domain.OutboxEvent, 0, batchSize)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}

		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("iterate outbox events: %w", err)
	}

	span.SetAttributes(attribute.Int("outbox.result_count", len(events)))

	return events, nil
}

func (r *outboxRepo) MarkEventPublished(ctx context.Context, tx pgx.Tx, eventID int64) error {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.MarkEventPublished")
	defer span.End()

	span.SetAttributes(attribute.Int64("outbox.event_id", eventID))

	_, err := tx.Exec(ctx, `
		UPDATE outbox
		SET published_at = NOW(), last_error = NULL, attempts = attempts + 1
		WHERE id = $1
	`, eventID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark outbox event %d published: %w", eventID, err)
	}

	return nil
}

func (r *outboxRepo) MarkEventFailed(ctx context.Context, tx pgx.Tx, eventID int64, errMsg string) error {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.MarkEventFailed")
	defer span.End()

	if len(errMsg) > maxErrorLength {
		errMsg = errMsg[:maxErrorLength]
	}

	span.SetAttributes(
		attribute.Int64("outbox.event_id", eventID),
		attribute.String("outbox.error_message", errMsg),
	)

	_, err := tx.Exec(ctx, `
		UPDATE outbox
		SET last_error = $2, attempts = attempts + 1
		WHERE id = $1
	`, eventID, errMsg)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark outbox event %d failed: %w", eventID, err)
	}

	return nil
}

// PurgePublished deletes at most limit rows published before cutoff and reports how many went.
func (r *outboxRepo) PurgePublished(ctx context.Context, tx pgx.Tx, cutoff time.Time, limit int) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.PurgePublished")
	defer span.End()

	span.SetAttributes(
		attribute.String("outbox.cutoff", cutoff.UTC().Format(time.RFC3339)),
		attribute.Int("outbox.limit", limit),
	)

	tag, err := tx.Exec(ctx, `
		DELETE FROM outbox
		WHERE id IN (
			SELECT id FROM outbox
			WHERE published_at IS NOT NULL AND published_at < $1
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
	`, cutoff, limit)
	if err != nil {
		span.RecordError(err)
		mylogger.Warn(ctx, r.logger, "Failed to purge published outbox events", zap.Error(err))

		return 0, fmt.Errorf("purge published outbox events: %w", err)
	}

	span.SetAttributes(attribute.Int64("outbox.purged", tag.RowsAffected()))

	return tag.RowsAffected(), nil
}
