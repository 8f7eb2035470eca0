package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sakashimaa/inventory-saga/pkg/db"
	"github.com/sakashimaa/inventory-saga/pkg/mylogger"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const reservationColumns = `id, product_id, order_id, quantity, status, reserved_at, released_at`

type ReservationRepository interface {
	CreateActive(ctx context.Context, tx pgx.Tx, orderID, productID uuid.UUID, quantity int64) (*domain.Reservation, error)
	FindActive(ctx context.Context, tx pgx.Tx, orderID, productID uuid.UUID) (*domain.Reservation, error)
	ListActiveByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.Reservation, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.Reservation, error)
	MarkReleased(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID) (*domain.Reservation, bool, error)
}

type reservationRepo struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
	logger *zap.Logger
}

func NewReservationRepository(pool *pgxpool.Pool, logger *zap.Logger) ReservationRepository {
	return &reservationRepo{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("contract/reservation_repo"),
	}
}

func scanReservation(row pgx.Row) (*domain.Reservation, error) {
	var (
		res    domain.Reservation
		status string
	)
	if err := row.Scan(
		&res.ID,
		&res.ProductID,
		&res.OrderID,
		&res.Quantity,
		&status,
		&res.ReservedAt,
		&res.ReleasedAt,
	); err != nil {
		return nil, err
	}

	parsed, err := domain.ParseReservationStatus(status)
	if err != nil {
		return nil, err
	}
	res.Status = parsed

	return &res, nil
}

// CreateActive fails with ErrReservationExists when the order already holds
// an active reservation for the product.
func (r *reservationRepo) CreateActive(ctx context.Context, tx pgx.Tx, orderID, productID uuid.UUID, quantity int64) (*domain.Reservation, error) {
	ctx, span := r.tracer.Start(ctx, "ReservationRepository.CreateActive")
	defer span.End()

	span.SetAttributes(
		attribute.String("order_id", orderID.String()),
		attribute.String("product_id", productID.String()),
		attribute.Int64("quantity", quantity),
	)

	query := `
		INSERT INTO reservations (id, order_id, product_id, quantity, status)
		VALUES ($1, $2, $3, $4, 'active')
		RETURNING ` + reservationColumns

	res, err := scanReservation(tx.QueryRow(ctx, query, uuid.New(), orderID, productID, quantity))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, domain.ErrReservationExists
		}

		span.RecordError(err)

		mylogger.Error(
			ctx,
			r.logger,
			"Error creating reservation",
			zap.String("order_id", orderID.String()),
			zap.String("product_id", productID.String()),
			zap.Error(err),
		)

		return nil, classify("create reservation", err)
	}

	return res, nil
}

// FindActive returns nil without error when no active reservation exists.
func (r *reservationRepo) FindActive(ctx context.Context, tx pgx.Tx, orderID, productID uuid.UUID) (*domain.Reservation, error) {
	ctx, span := r.tracer.Start(ctx, "ReservationRepository.FindActive")
	defer span.End()

	query := `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE order_id = $1 AND product_id = $2 AND status = 'active'
	`

	res, err := scanReservation(tx.QueryRow(ctx, query, orderID, productID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}

		span.RecordError(err)

		return nil, classify("find active reservation", err)
	}

	return res, nil
}

func (r *reservationRepo) ListActiveByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.Reservation, error) {
	ctx, span := r.tracer.Start(ctx, "ReservationRepository.ListActiveByOrder")
	defer span.End()

	span.SetAttributes(attribute.String("order_id", orderID.String()))

	query := `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE order_id = $1 AND status = 'active'
		ORDER BY reserved_at, id
	`

	return r.list(ctx, span, query, orderID)
}

func (r *reservationRepo) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.Reservation, error) {
	ctx, span := r.tracer.Start(ctx, "ReservationRepository.ListByOrder")
	defer span.End()

	span.SetAttributes(attribute.String("order_id", orderID.String()))

	query := `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE order_id = $1
		ORDER BY reserved_at, id
	`

	return r.list(ctx, span, query, orderID)
}

func (r *reservationRepo) list(ctx context.Context, span trace.Span, query string, args ...any) ([]domain.Reservation, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		span.RecordError(err)

		mylogger.Error(ctx, r.logger, "Error listing reservations", zap.Error(err))

		return nil, classify("list reservations", err)
	}
	defer rows.Close()

	reservations := make([]domain.Reservation, 0)
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			span.RecordError(err)

			return nil, fmt.Errorf("error scanning reservation: %w", err)
		}
		reservations = append(reservations, *res)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)

		return nil, classify("rows iteration", err)
	}

	return reservations, nil
}

// MarkReleased moves an active reservation to released. The bool reports
// whether this call made the transition; an already released reservation is
// returned unchanged with false.
func (r *reservationRepo) MarkReleased(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID) (*domain.Reservation, bool, error) {
	ctx, span := r.tracer.Start(ctx, "ReservationRepository.MarkReleased")
	defer span.End()

	span.SetAttributes(attribute.String("reservation_id", reservationID.String()))

	query := `
		UPDATE reservations
		SET status = 'released', released_at = NOW()
		WHERE id = $1 AND status = 'active'
		RETURNING ` + reservationColumns

	res, err := scanReservation(tx.QueryRow(ctx, query, reservationID))
	if err == nil {
		return res, true, nil
	}

	if !errors.Is(err, pgx.ErrNoRows) {
		span.RecordError(err)

		mylogger.Error(
			ctx,
			r.logger,
			"Error releasing reservation",
			zap.String("reservation_id", reservationID.String()),
			zap.Error(err),
		)

		return nil, false, classify("mark reservation released", err)
	}

	current, err := scanReservation(tx.QueryRow(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, reservationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, domain.ErrReservationNotFound
		}

		return nil, false, classify("load reservation", err)
	}

	return current, false, nil
}
