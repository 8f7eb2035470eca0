package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

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

const productColumns = `id, sku, name, description, quantity, reserved_quantity,
		low_stock_threshold, price, created_at, updated_at`

type ProductRepository interface {
	Create(ctx context.Context, tx pgx.Tx, input *domain.CreateProductInput) (*domain.Product, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Product, error)
	GetBySKU(ctx context.Context, sku string) (*domain.Product, error)
	List(ctx context.Context, filter domain.ListFilter) ([]domain.Product, int64, error)
	ListLowStock(ctx context.Context) ([]domain.Product, error)
	Update(ctx context.Context, tx pgx.Tx, id uuid.UUID, input *domain.UpdateProductInput) (*domain.Product, error)
	AdjustQuantity(ctx context.Context, tx pgx.Tx, id uuid.UUID, delta int64) (*domain.Product, error)
	Reserve(ctx context.Context, tx pgx.Tx, id uuid.UUID, quantity int64) (*domain.Product, error)
	Release(ctx context.Context, tx pgx.Tx, id uuid.UUID, quantity int64) (*domain.Product, error)
}

type productRepo struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
	logger *zap.Logger
}

func NewProductRepository(pool *pgxpool.Pool, logger *zap.Logger) ProductRepository {
	return &productRepo{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("contract/product_repo"),
	}
}

func scanProduct(row pgx.Row) (*domain.Product, error) {
	var p domain.Product
	if err := row.Scan(
		&p.ID,
		&p.SKU,
		&p.Name,
		&p.Description,
		&p.Quantity,
		&p.ReservedQuantity,
		&p.LowStockThreshold,
		&p.Price,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}

	return &p, nil
}

// AdjustQuantity moves on-hand stock by delta. The guard keeps on-hand from
// dropping below what is already reserved, which also keeps it non-negative.
func (r *productRepo) AdjustQuantity(ctx context.Context, tx pgx.Tx, id uuid.UUID, delta int64) (*domain.Product, error) {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.AdjustQuantity")
	defer span.End()

	span.SetAttributes(
		attribute.String("id", id.String()),
		attribute.Int64("delta", delta),
	)

	query := `
		UPDATE products
		SET quantity = quantity + $2, updated_at = NOW()
		WHERE id = $1 AND quantity + $2 >= reserved_quantity
		RETURNING ` + productColumns

	product, err := scanProduct(tx.QueryRow(ctx, query, id, delta))
	if err == nil {
		return product, nil
	}

	if !errors.Is(err, pgx.ErrNoRows) {
		span.RecordError(err)
		mylogger.Error(ctx, r.logger, "Failed to adjust quantity", zap.String("product_id", id.String()), zap.Error(err))

		return nil, classify("adjust quantity", err)
	}

	current, err := r.lockedSnapshot(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	mylogger.Warn(
		ctx,
		r.logger,
		"Adjustment rejected",
		zap.String("product_id", id.String()),
		zap.Int64("delta", delta),
		zap.Int64("quantity", current.Quantity),
		zap.Int64("reserved_quantity", current.ReservedQuantity),
	)

	return nil, fmt.Errorf("%w: on-hand %d %+d would fall below reserved %d",
		domain.ErrInvalidAdjustment, current.Quantity, delta, current.ReservedQuantity)
}

// Reserve claims quantity from available stock in a single conditional update,
// so concurrent reservations on the same row can never oversell.
func (r *productRepo) Reserve(ctx context.Context, tx pgx.Tx, id uuid.UUID, quantity int64) (*domain.Product, error) {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.Reserve")
	defer span.End()

	span.SetAttributes(
		attribute.String("id", id.String()),
		attribute.Int64("quantity", quantity),
	)

	if quantity <= 0 {
		return nil, fmt.Errorf("%w: %d", domain.ErrInvalidQuantity, quantity)
	}

	query := `
		UPDATE products
		SET reserved_quantity = reserved_quantity + $2, updated_at = NOW()
		WHERE id = $1 AND quantity - reserved_quantity >= $2
		RETURNING ` + productColumns

	product, err := scanProduct(tx.QueryRow(ctx, query, id, quantity))
	if err == nil {
		return product, nil
	}

	if !errors.Is(err, pgx.ErrNoRows) {
		span.RecordError(err)
		mylogger.Error(ctx, r.logger, "Failed to reserve stock", zap.String("product_id", id.String()), zap.Error(err))

		return nil, classify("reserve stock", err)
	}

	current, err := r.lockedSnapshot(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	return nil, &domain.InsufficientStockError{
		ProductID: id,
		Requested: quantity,
		Available: current.Available(),
	}
}

// Release returns quantity to available stock. Reserved never drops below zero.
func (r *productRepo) Release(ctx context.Context, tx pgx.Tx, id uuid.UUID, quantity int64) (*domain.Product, error) {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.Release")
	defer span.End()

	span.SetAttributes(
		attribute.String("id", id.String()),
		attribute.Int64("quantity", quantity),
	)

	if quantity <= 0 {
		return nil, fmt.Errorf("%w: %d", domain.ErrInvalidQuantity, quantity)
	}

	query := `
		UPDATE products
		SET reserved_quantity = GREATEST(reserved_quantity - $2, 0), updated_at = NOW()
		WHERE id = $1
		RETURNING ` + productColumns

	product, err := scanProduct(tx.QueryRow(ctx, query, id, quantity))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrProductNotFound
		}

		span.RecordError(err)
		mylogger.Error(ctx, r.logger, "Failed to release stock", zap.String("product_id", id.String()), zap.Error(err))

		return nil, classify("release stock", err)
	}

	return product, nil
}

func (r *productRepo) lockedSnapshot(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1 FOR SHARE`

	product, err := scanProduct(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrProductNotFound
		}

		return nil, classify("load product", err)
	}

	return product, nil
}

func (r *productRepo) Update(ctx context.Context, tx pgx.Tx, id uuid.UUID, input *domain.UpdateProductInput) (*domain.Product, error) {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.Update")
	defer span.End()

	span.SetAttributes(
		attribute.String("id", id.String()),
	)

	var args []interface{}
	argId := 1

	var updates []string

	if input.Name != nil {
		updates = append(updates, fmt.Sprintf("name = $%d", argId))
		args = append(args, *input.Name)
		argId++
	}

	if input.Description != nil {
		updates = append(updates, fmt.Sprintf("description = $%d", argId))
		args = append(args, *input.Description)
		argId++
	}

	if input.LowStockThreshold != nil {
		updates = append(updates, fmt.Sprintf("low_stock_threshold = $%d", argId))
		args = append(args, *input.LowStockThreshold)
		argId++
	}

	if input.Price != nil {
		updates = append(updates, fmt.Sprintf("price = $%d", argId))
		args = append(args, *input.Price)
		argId++
	}

	if len(updates) == 0 {
		return r.lockedSnapshot(ctx, tx, id)
	}

	updates = append(updates, "updated_at = NOW()")

	query := `UPDATE products SET ` + strings.Join(updates, ", ") +
		fmt.Sprintf(" WHERE id = $%d RETURNING ", argId) + productColumns
	args = append(args, id)

	product, err := scanProduct(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrProductNotFound
		}

		span.RecordError(err)

		mylogger.Error(
			ctx,
			r.logger,
			"Failed to update product",
			zap.String("id", id.String()),
			zap.Error(err),
		)

		return nil, classify("update product", err)
	}

	return product, nil
}

func (r *productRepo) Create(ctx context.Context, tx pgx.Tx, input *domain.CreateProductInput) (*domain.Product, error) {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.Create")
	defer span.End()

	span.SetAttributes(
		attribute.String("sku", input.SKU),
	)

	threshold := domain.DefaultLowStockThreshold
	if input.LowStockThreshold != nil {
		threshold = *input.LowStockThreshold
	}

	query := `
		INSERT INTO products (id, sku, name, description, quantity, low_stock_threshold, price)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + productColumns

	product, err := scanProduct(tx.QueryRow(
		ctx,
		query,
		uuid.New(),
		input.SKU,
		input.Name,
		input.Description,
		input.Quantity,
		threshold,
		input.Price,
	))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateSKU, input.SKU)
		}

		span.RecordError(err)

		mylogger.Error(
			ctx,
			r.logger,
			"Error creating product",
			zap.String("sku", input.SKU),
			zap.Error(err),
		)

		return nil, classify("create product", err)
	}

	return product, nil
}

func (r *productRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Product, error) {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.GetByID")
	defer span.End()

	span.SetAttributes(
		attribute.String("id", id.String()),
	)

	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`

	product, err := scanProduct(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrProductNotFound
		}

		span.RecordError(err)

		mylogger.Error(
			ctx,
			r.logger,
			"Error get by id",
			zap.String("id", id.String()),
			zap.Error(err),
		)

		return nil, classify("get product", err)
	}

	return product, nil
}

func (r *productRepo) GetBySKU(ctx context.Context, sku string) (*domain.Product, error) {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.GetBySKU")
	defer span.End()

	span.SetAttributes(
		attribute.String("sku", sku),
	)

	query := `SELECT ` + productColumns + ` FROM products WHERE sku = $1`

	product, err := scanProduct(r.pool.QueryRow(ctx, query, sku))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrProductNotFound
		}

		span.RecordError(err)

		return nil, classify("get product by sku", err)
	}

	return product, nil
}

func (r *productRepo) ListLowStock(ctx context.Context) ([]domain.Product, error) {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.ListLowStock")
	defer span.End()

	query := `
		SELECT ` + productColumns + `
		FROM products
		WHERE quantity - reserved_quantity - low_stock_threshold <= 0
		ORDER BY quantity - reserved_quantity ASC, sku ASC
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		span.RecordError(err)

		return nil, classify("list low stock", err)
	}
	defer rows.Close()

	products, err := collectProducts(rows)
	if err != nil {
		span.RecordError(err)

		return nil, err
	}

	span.SetAttributes(attribute.Int("result_count", len(products)))

	return products, nil
}

func (r *productRepo) List(ctx context.Context, filter domain.ListFilter) ([]domain.Product, int64, error) {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.List")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("limit", filter.Limit),
		attribute.Int64("offset", filter.Offset),
		attribute.String("search", filter.Search),
	)

	baseQuery := `SELECT ` + productColumns + ` FROM products WHERE 1 = 1`
	countQuery := `SELECT COUNT(*) FROM products WHERE 1 = 1`

	var args []interface{}
	argId := 1

	if filter.Search != "" {
		where := fmt.Sprintf(" AND (name ILIKE $%d OR sku ILIKE $%d)", argId, argId)
		baseQuery += where
		countQuery += where

		args = append(args, "%"+filter.Search+"%")
		argId++
	}

	countArgs := append([]interface{}(nil), args...)

	baseQuery += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", argId, argId+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.pool.Query(ctx, baseQuery, args...)
	if err != nil {
		span.RecordError(err)

		mylogger.Error(
			ctx,
			r.logger,
			"Error getting products",
			zap.String("search", filter.Search),
			zap.Int64("limit", filter.Limit),
			zap.Int64("offset", filter.Offset),
			zap.Error(err),
		)

		return nil, 0, classify("list products", err)
	}
	defer rows.Close()

	products, err := collectProducts(rows)
	if err != nil {
		span.RecordError(err)

		return nil, 0, err
	}

	var totalCount int64
	if err := r.pool.QueryRow(ctx, countQuery, countArgs...).Scan(&totalCount); err != nil {
		span.RecordError(err)

		mylogger.Error(
			ctx,
			r.logger,
			"Failed to count products",
			zap.Error(err),
		)

		return nil, 0, classify("count products", err)
	}

	return products, totalCount, nil
}

func collectProducts(rows pgx.Rows) ([]domain.Product, error) {
	products := make([]domain.Product, 0)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning rows: %w", err)
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("rows iteration", err)
	}

	return products, nil
}
