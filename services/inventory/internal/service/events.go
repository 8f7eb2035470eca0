package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	sharedDomain "github.com/sakashimaa/inventory-saga/pkg/domain"
	outboxDomain "github.com/sakashimaa/inventory-saga/pkg/outbox/domain"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/domain"
)

const (
	aggregateProduct     = "Product"
	aggregateReservation = "Reservation"
)

// OutboxWriter stages an event inside an open transaction.
type OutboxWriter interface {
	SaveOutboxEvent(ctx context.Context, tx pgx.Tx, event *outboxDomain.OutboxEvent) error
}

// eventWriter stages outbound events in the caller's transaction. They reach
// the broker only after commit, through the outbox processor.
type eventWriter struct {
	outbox OutboxWriter
	topic  string
}

func (w *eventWriter) write(ctx context.Context, tx pgx.Tx, aggregateType, aggregateID, eventType string, payload any) error {
	event, err := outboxDomain.NewEvent(w.topic, aggregateType, aggregateID, eventType, payload)
	if err != nil {
		return fmt.Errorf("event payload marshal error: %w", err)
	}

	if err := w.outbox.SaveOutboxEvent(ctx, tx, event); err != nil {
		return fmt.Errorf("failed to save %s event: %w", eventType, err)
	}

	return nil
}

// Every ledger event is keyed by product id so per-product order survives partitioning.
func (w *eventWriter) reserved(ctx context.Context, tx pgx.Tx, e sharedDomain.InventoryReservedEvent) error {
	return w.write(ctx, tx, aggregateReservation, e.ProductID.String(), sharedDomain.EventInventoryReserved, e)
}

func (w *eventWriter) released(ctx context.Context, tx pgx.Tx, e sharedDomain.InventoryReleasedEvent) error {
	return w.write(ctx, tx, aggregateReservation, e.ProductID.String(), sharedDomain.EventInventoryReleased, e)
}

func (w *eventWriter) adjusted(ctx context.Context, tx pgx.Tx, e sharedDomain.InventoryAdjustedEvent) error {
	return w.write(ctx, tx, aggregateProduct, e.ProductID.String(), sharedDomain.EventInventoryAdjusted, e)
}

// lowStock runs the monitor on a post-mutation snapshot and stages the alert if it fires.
func (w *eventWriter) lowStock(ctx context.Context, tx pgx.Tx, p *domain.Product, now func() time.Time) (bool, error) {
	alert, ok := CheckLowStock(p, now())
	if !ok {
		return false, nil
	}

	if err := w.write(ctx, tx, aggregateProduct, p.ID.String(), sharedDomain.EventLowStockAlert, alert); err != nil {
		return false, err
	}

	return true, nil
}
