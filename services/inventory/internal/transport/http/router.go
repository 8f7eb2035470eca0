package http

import (
	"time"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sakashimaa/inventory-saga/services/inventory/internal/transport/http/handler"
)

type Handlers struct {
	Product     *handler.ProductHandler
	Reservation *handler.ReservationHandler
	Health      *handler.HealthHandler
}

type LimiterConfig struct {
	Max        int
	Expiration time.Duration
}

// NewApp builds the admin API. Health and metrics stay outside the rate limiter.
func NewApp(h *Handlers, gatherer prometheus.Gatherer, limits LimiterConfig) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: "inventory-service",
	})

	app.Use(otelfiber.Middleware())

	app.Get("/health", h.Health.Live)
	app.Get("/health/live", h.Health.Live)
	app.Get("/health/ready", h.Health.Ready)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := app.Group("/api/inventory")

	if limits.Max > 0 {
		api.Use(limiter.New(limiter.Config{
			Max:        limits.Max,
			Expiration: limits.Expiration,
			KeyGenerator: func(c *fiber.Ctx) string {
				return c.IP()
			},
			LimitReached: func(c *fiber.Ctx) error {
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
					"error": "Too many requests. Try again later.",
				})
			},
		}))
	}

	products := api.Group("/products")
	products.Get("", h.Product.List)
	products.Post("", h.Product.Create)
	products.Get("/low-stock", h.Product.ListLowStock)
	products.Get("/sku/:sku", h.Product.FindBySKU)
	products.Get("/:id", h.Product.FindByID)
	products.Put("/:id", h.Product.Update)
	products.Post("/:id/adjust", h.Product.Adjust)

	orders := api.Group("/orders")
	orders.Get("/:orderId/reservations", h.Reservation.ListByOrder)

	return app
}
