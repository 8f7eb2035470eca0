package handler

import (
	"context"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sakashimaa/inventory-saga/pkg/mylogger"
	"github.com/sakashimaa/inventory-saga/pkg/utils"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/domain"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/service"
	"go.uber.org/zap"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type ProductHandler struct {
	ledger   service.LedgerService
	validate *validator.Validate
	logger   *zap.Logger
	timeout  time.Duration
}

func NewProductHandler(ledger service.LedgerService, timeout time.Duration, logger *zap.Logger) *ProductHandler {
	if timeout <= 0 {
		timeout = time.Second
	}

	return &ProductHandler{
		ledger:   ledger,
		validate: validator.New(),
		logger:   logger,
		timeout:  timeout,
	}
}

type CreateProductInput struct {
	SKU               string `json:"sku" validate:"required,max=64"`
	Name              string `json:"name" validate:"required,min=3,max=200"`
	Description       string `json:"description" validate:"max=1000"`
	Quantity          int64  `json:"quantity" validate:"gte=0"`
	LowStockThreshold *int64 `json:"low_stock_threshold" validate:"omitempty,gte=0"`
	Price             int64  `json:"price" validate:"gte=0"`
}

type UpdateProductInput struct {
	Name              *string `json:"name" validate:"omitempty,min=3,max=200"`
	Description       *string `json:"description" validate:"omitempty,max=1000"`
	LowStockThreshold *int64  `json:"low_stock_threshold" validate:"omitempty,gte=0"`
	Price             *int64  `json:"price" validate:"omitempty,gte=0"`
}

type AdjustInput struct {
	QuantityChange int64  `json:"quantity_change" validate:"ne=0"`
	Reason         string `json:"reason" validate:"required,max=255"`
}

type ProductResponse struct {
	*domain.Product
	Available int64 `json:"available"`
	LowStock  bool  `json:"low_stock"`
}

func toResponse(p *domain.Product) ProductResponse {
	return ProductResponse{
		Product:   p,
		Available: p.Available(),
		LowStock:  p.IsLowStock(),
	}
}

func toResponses(products []domain.Product) []ProductResponse {
	out := make([]ProductResponse, 0, len(products))
	for i := range products {
		out = append(out, toResponse(&products[i]))
	}
	return out
}

func (h *ProductHandler) parseID(ctx context.Context, c *fiber.Ctx) (uuid.UUID, bool) {
	idStr := c.Params("id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		mylogger.Warn(ctx, h.logger, "invalid product id", zap.String("id", idStr))
		return uuid.Nil, false
	}

	return id, true
}

func badRequest(c *fiber.Ctx, msg any) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": msg,
	})
}

func (h *ProductHandler) Create(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	input := new(CreateProductInput)
	if err := c.BodyParser(input); err != nil {
		mylogger.Warn(ctx, h.logger, "body parsing failed", zap.Error(err))
		return badRequest(c, "invalid request body")
	}

	if err := h.validate.Struct(input); err != nil {
		mylogger.Warn(ctx, h.logger, "create product validation failed", zap.Error(err))
		return badRequest(c, utils.FormatValidationError(err))
	}

	product, err := h.ledger.CreateProduct(ctx, &domain.CreateProductInput{
		SKU:               input.SKU,
		Name:              input.Name,
		Description:       input.Description,
		Quantity:          input.Quantity,
		LowStockThreshold: input.LowStockThreshold,
		Price:             input.Price,
	})
	if err != nil {
		return respondError(ctx, c, h.logger, "create product failed", err, zap.String("sku", input.SKU))
	}

	return c.Status(fiber.StatusCreated).JSON(toResponse(product))
}

func (h *ProductHandler) FindByID(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	id, ok := h.parseID(ctx, c)
	if !ok {
		return badRequest(c, "invalid id")
	}

	product, err := h.ledger.GetProduct(ctx, id)
	if err != nil {
		return respondError(ctx, c, h.logger, "find by id failed", err, zap.String("product_id", id.String()))
	}

	return c.Status(fiber.StatusOK).JSON(toResponse(product))
}

func (h *ProductHandler) FindBySKU(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	sku := c.Params("sku")
	product, err := h.ledger.GetProductBySKU(ctx, sku)
	if err != nil {
		return respondError(ctx, c, h.logger, "find by sku failed", err, zap.String("sku", sku))
	}

	return c.Status(fiber.StatusOK).JSON(toResponse(product))
}

func queryInt(c *fiber.Ctx, key string, fallback int64) (int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}

	return strconv.ParseInt(raw, 10, 64)
}

func (h *ProductHandler) List(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		mylogger.Warn(ctx, h.logger, "limit is invalid", zap.String("limit", c.Query("limit")))
		return badRequest(c, "limit is invalid")
	}

	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		mylogger.Warn(ctx, h.logger, "offset is invalid", zap.String("offset", c.Query("offset")))
		return badRequest(c, "offset is invalid")
	}

	filter := domain.ListFilter{
		Limit:  limit,
		Offset: offset,
		Search: c.Query("search"),
	}

	products, total, err := h.ledger.ListProducts(ctx, filter)
	if err != nil {
		return respondError(ctx, c, h.logger, "list products failed", err)
	}

	mylogger.Debug(
		ctx,
		h.logger,
		"list products succeeded",
		zap.Int64("limit", limit),
		zap.Int64("offset", offset),
		zap.String("search", filter.Search),
		zap.Int64("total", total),
	)

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"items":       toResponses(products),
		"total_count": total,
	})
}

func (h *ProductHandler) ListLowStock(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	products, err := h.ledger.ListLowStock(ctx)
	if err != nil {
		return respondError(ctx, c, h.logger, "list low stock failed", err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"items":       toResponses(products),
		"total_count": len(products),
	})
}

func (h *ProductHandler) Update(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	id, ok := h.parseID(ctx, c)
	if !ok {
		return badRequest(c, "invalid id")
	}

	input := new(UpdateProductInput)
	if err := c.BodyParser(input); err != nil {
		mylogger.Warn(ctx, h.logger, "body parsing failed", zap.Error(err))
		return badRequest(c, "invalid request body")
	}

	if err := h.validate.Struct(input); err != nil {
		mylogger.Warn(ctx, h.logger, "update product validation failed", zap.Error(err))
		return badRequest(c, utils.FormatValidationError(err))
	}

	update := &domain.UpdateProductInput{
		Name:              input.Name,
		Description:       input.Description,
		LowStockThreshold: input.LowStockThreshold,
		Price:             input.Price,
	}
	if update.Empty() {
		return badRequest(c, "nothing to update")
	}

	product, err := h.ledger.UpdateProduct(ctx, id, update)
	if err != nil {
		return respondError(ctx, c, h.logger, "update product failed", err, zap.String("product_id", id.String()))
	}

	return c.Status(fiber.StatusOK).JSON(toResponse(product))
}

func (h *ProductHandler) Adjust(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	id, ok := h.parseID(ctx, c)
	if !ok {
		return badRequest(c, "invalid id")
	}

	input := new(AdjustInput)
	if err := c.BodyParser(input); err != nil {
		mylogger.Warn(ctx, h.logger, "body parsing failed", zap.Error(err))
		return badRequest(c, "invalid request body")
	}

	if err := h.validate.Struct(input); err != nil {
		mylogger.Warn(ctx, h.logger, "adjust validation failed", zap.Error(err))
		return badRequest(c, utils.FormatValidationError(err))
	}

	result, err := h.ledger.AdjustQuantity(ctx, service.AdjustCommand{
		ProductID:      id,
		Delta:          input.QuantityChange,
		Reason:         input.Reason,
		IdempotencyKey: c.Get(IdempotencyKeyHeader),
	})
	if err != nil {
		return respondError(
			ctx,
			c,
			h.logger,
			"adjust quantity failed",
			err,
			zap.String("product_id", id.String()),
			zap.Int64("quantity_change", input.QuantityChange),
		)
	}

	mylogger.Info(
		ctx,
		h.logger,
		"adjust quantity succeeded",
		zap.String("product_id", id.String()),
		zap.Int64("quantity_change", input.QuantityChange),
		zap.Bool("replayed", result.Replayed),
	)

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"product":         toResponse(result.Product),
		"replayed":        result.Replayed,
		"low_stock_alert": result.LowStockAlert,
	})
}
