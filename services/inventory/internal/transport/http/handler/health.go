package handler

import (
	"context"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sakashimaa/inventory-saga/pkg/mylogger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type CheckFunc func(ctx context.Context) error

// HealthHandler reports liveness unconditionally and readiness from named dependency checks.
type HealthHandler struct {
	checks  map[string]CheckFunc
	logger  *zap.Logger
	timeout time.Duration
}

func NewHealthHandler(checks map[string]CheckFunc, timeout time.Duration, logger *zap.Logger) *HealthHandler {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return &HealthHandler{
		checks:  checks,
		logger:  logger,
		timeout: timeout,
	}
}

func (h *HealthHandler) Live(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "ok",
	})
}

func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]error, len(names))

	var g errgroup.Group
	for i, name := range names {
		check := h.checks[name]
		g.Go(func() error {
			results[i] = check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	status := fiber.StatusOK
	components := make(fiber.Map, len(names))
	for i, name := range names {
		if results[i] != nil {
			status = fiber.StatusServiceUnavailable
			components[name] = results[i].Error()

			mylogger.Warn(ctx, h.logger, "readiness check failed", zap.String("component", name), zap.Error(results[i]))
			continue
		}
		components[name] = "ok"
	}

	overall := "ok"
	if status != fiber.StatusOK {
		overall = "unavailable"
	}

	return c.Status(status).JSON(fiber.Map{
		"status":     overall,
		"components": components,
	})
}
