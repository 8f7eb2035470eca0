package handler

import (
	"context"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/sakashimaa/inventory-saga/pkg/mylogger"
	"github.com/sakashimaa/inventory-saga/pkg/utils"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/domain"
	"go.uber.org/zap"
)

var statusMappings = []utils.StatusMapping{
	{Err: domain.ErrProductNotFound, Status: http.StatusNotFound},
	{Err: domain.ErrReservationNotFound, Status: http.StatusNotFound},
	{Err: domain.ErrDuplicateSKU, Status: http.StatusConflict},
	{Err: domain.ErrInsufficientStock, Status: http.StatusConflict},
	{Err: domain.ErrConcurrencyConflict, Status: http.StatusConflict},
	{Err: domain.ErrInvalidAdjustment, Status: http.StatusUnprocessableEntity},
	{Err: domain.ErrInvalidQuantity, Status: http.StatusBadRequest},
	{Err: domain.ErrInfrastructureUnavailable, Status: http.StatusServiceUnavailable},
}

func StatusFor(err error) int {
	return utils.HTTPStatus(err, statusMappings...)
}

// respondError hides internal error text behind 5xx responses.
func respondError(ctx context.Context, c *fiber.Ctx, logger *zap.Logger, msg string, err error, fields ...zap.Field) error {
	status := StatusFor(err)

	fields = append(fields, zap.Int("http_status", status), zap.Error(err))
	if status >= http.StatusInternalServerError {
		mylogger.Error(ctx, logger, msg, fields...)

		return c.Status(status).JSON(fiber.Map{
			"error": http.StatusText(status),
		})
	}

	mylogger.Warn(ctx, logger, msg, fields...)

	return c.Status(status).JSON(fiber.Map{
		"error": err.Error(),
	})
}
