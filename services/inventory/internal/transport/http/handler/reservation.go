package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sakashimaa/inventory-saga/pkg/mylogger"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/service"
	"go.uber.org/zap"
)

type ReservationHandler struct {
	ledger  service.LedgerService
	logger  *zap.Logger
	timeout time.Duration
}

func NewReservationHandler(ledger service.LedgerService, timeout time.Duration, logger *zap.Logger) *ReservationHandler {
	if timeout <= 0 {
		timeout = time.Second
	}

	return &ReservationHandler{
		ledger:  ledger,
		logger:  logger,
		timeout: timeout,
	}
}

func (h *ReservationHandler) ListByOrder(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	idStr := c.Params("orderId")
	orderID, err := uuid.Parse(idStr)
	if err != nil {
		mylogger.Warn(ctx, h.logger, "invalid order id", zap.String("order_id", idStr))
		return badRequest(c, "invalid order id")
	}

	reservations, err := h.ledger.ListReservations(ctx, orderID)
	if err != nil {
		return respondError(ctx, c, h.logger, "list reservations failed", err, zap.String("order_id", orderID.String()))
	}

	var active int
	for _, r := range reservations {
		if r.Status.HoldsStock() {
			active++
		}
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"order_id":     orderID,
		"reservations": reservations,
		"active_count": active,
	})
}
