package utils

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/sakashimaa/inventory-saga/pkg/mylogger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Deduplicator records request keys inside the caller's transaction, so a
// key is only consumed when the work it guards commits.
type Deduplicator struct {
	tracer trace.Tracer
	logger *zap.Logger
}

func NewDeduplicator(logger *zap.Logger) *Deduplicator {
	return &Deduplicator{
		tracer: otel.Tracer("contract/deduplicator"),
		logger: logger,
	}
}

// MarkProcessed returns false when key was already recorded for scope.
func (d *Deduplicator) MarkProcessed(ctx context.Context, tx pgx.Tx, scope, key string) (bool, error) {
	ctx, span := d.tracer.Start(ctx, "Deduplicator.MarkProcessed")
	defer span.End()

	span.SetAttributes(
		attribute.String("scope", scope),
		attribute.String("key", key),
	)

	query := `
		INSERT INTO processed_requests (scope, request_key)
		VALUES ($1, $2)
		ON CONFLICT (scope, request_key) DO NOTHING
	`

	tag, err := tx.Exec(ctx, query, scope, key)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to record request key: %w", err)
	}

	if tag.RowsAffected() == 0 {
		mylogger.Info(
			ctx,
			d.logger,
			"Request already processed, skipping",
			zap.String("scope", scope),
			zap.String("key", key),
		)

		return false, nil
	}

	return true, nil
}
