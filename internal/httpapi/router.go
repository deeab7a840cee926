package httpapi

import (
	"time"

	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ims/internal/domain"
	"github.com/vladislavdragonenkov/ims/internal/service/reservation"
)

// RouterOptions задаёт зависимости HTTP API.
type RouterOptions struct {
	Coordinator     reservation.Coordinator
	IdempotencyRepo domain.IdempotencyRepository
	IdempotencyTTL  time.Duration
	// ReadTimeout ограничивает чтение запроса целиком; 0 — без ограничения.
	ReadTimeout time.Duration
	Logger      *log.Entry
}

// NewApp собирает fiber-приложение с маршрутами леджера.
func NewApp(opts RouterOptions) *fiber.App {
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "httpapi")
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           opts.ReadTimeout,
	})

	handler := NewStockHandler(opts.Coordinator, logger)
	idempotent := NewIdempotencyMiddleware(opts.IdempotencyRepo, opts.IdempotencyTTL, logger)

	api := app.Group("/api/v1")

	api.Post("/stocks", idempotent, handler.CreateStock)
	api.Post("/stocks/resolve", handler.ResolveStock)
	api.Post("/stocks/reserve", idempotent, handler.Reserve)
	api.Get("/stocks/:sku", handler.GetStock)
	api.Get("/stocks/:sku/history", handler.ListHistory)
	api.Post("/stocks/:sku/release", idempotent, handler.Release)
	api.Post("/stocks/:sku/restock", idempotent, handler.Restock)
	api.Post("/stocks/:sku/adjust", idempotent, handler.Adjust)
	api.Get("/products/:productID/stocks", handler.ListProductStocks)

	return app
}
