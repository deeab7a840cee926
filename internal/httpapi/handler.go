package httpapi

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ims/internal/domain"
	"github.com/vladislavdragonenkov/ims/internal/service/reservation"
)

// StockHandler — HTTP-слой складского леджера поверх координатора.
type StockHandler struct {
	coordinator reservation.Coordinator
	logger      *log.Entry
}

// NewStockHandler создаёт обработчик складских маршрутов.
func NewStockHandler(coordinator reservation.Coordinator, logger *log.Entry) *StockHandler {
	if logger == nil {
		logger = log.WithField("component", "httpapi")
	}
	return &StockHandler{
		coordinator: coordinator,
		logger:      logger,
	}
}

// CreateStock регистрирует новую складскую запись.
func (h *StockHandler) CreateStock(c *fiber.Ctx) error {
	var req createStockRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	params := reservation.CreateStockParams{
		SKU:                 strings.TrimSpace(req.SKU),
		ProductID:           strings.TrimSpace(req.ProductID),
		VariationIDs:        req.VariationIDs,
		Quantity:            req.Quantity,
		LowStockThreshold:   req.LowStockThreshold,
		MaxPreOrderQuantity: req.MaxPreOrderQuantity,
	}
	if req.ExpectedRestockAt != "" {
		at, err := time.Parse(time.RFC3339, req.ExpectedRestockAt)
		if err != nil {
			return badRequest(c, "expected_restock_at must be RFC3339")
		}
		params.ExpectedRestockAt = at.UTC()
	}

	record, err := h.coordinator.CreateStock(c.Context(), params)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(toStockResponse(record))
}

// GetStock возвращает запись по SKU.
func (h *StockHandler) GetStock(c *fiber.Ctx) error {
	record, err := h.coordinator.GetStock(c.Context(), c.Params("sku"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(toStockResponse(record))
}

// ResolveStock находит запись по товару и точному набору вариаций.
func (h *StockHandler) ResolveStock(c *fiber.Ctx) error {
	var req resolveRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if strings.TrimSpace(req.ProductID) == "" {
		return badRequest(c, "product_id is required")
	}

	record, err := h.coordinator.ResolveStock(c.Context(), req.ProductID, req.VariationIDs)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(toStockResponse(record))
}

// Reserve выполняет резерв: по SKU либо по товару с набором вариаций.
func (h *StockHandler) Reserve(c *fiber.Ctx) error {
	var req reserveRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	sku := strings.TrimSpace(req.SKU)
	if sku == "" {
		if strings.TrimSpace(req.ProductID) == "" {
			return badRequest(c, "either sku or product_id with variation_ids is required")
		}
		record, err := h.coordinator.ResolveStock(c.Context(), req.ProductID, req.VariationIDs)
		if err != nil {
			return h.writeError(c, err)
		}
		sku = record.SKU
	}

	record, err := h.coordinator.Reserve(c.Context(), sku, req.Quantity, req.Actor, req.Reference)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(toStockResponse(record))
}

// Release возвращает резерв из основного либо предзаказного пула.
func (h *StockHandler) Release(c *fiber.Ctx) error {
	var req releaseRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	record, err := h.coordinator.Release(c.Context(), c.Params("sku"), req.Quantity, req.PreOrder, req.Actor, req.Reference)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(toStockResponse(record))
}

// Restock принимает поставку.
func (h *StockHandler) Restock(c *fiber.Ctx) error {
	var req restockRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	record, err := h.coordinator.Restock(c.Context(), c.Params("sku"), req.Quantity, req.Actor, req.Reference)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(toStockResponse(record))
}

// Adjust устанавливает количество в явное значение.
func (h *StockHandler) Adjust(c *fiber.Ctx) error {
	var req adjustRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	record, err := h.coordinator.Adjust(c.Context(), c.Params("sku"), req.Quantity, req.Actor, req.Reference)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(toStockResponse(record))
}

// ListHistory возвращает аудит записи, новые записи первыми.
func (h *StockHandler) ListHistory(c *fiber.Ctx) error {
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)

	entries, total, err := h.coordinator.ListHistory(c.Context(), c.Params("sku"), limit, offset)
	if err != nil {
		return h.writeError(c, err)
	}

	return c.JSON(fiber.Map{
		"total":   total,
		"entries": toHistoryResponses(entries),
	})
}

// ListProductStocks возвращает комбинации товара: по умолчанию только
// покупаемые, с ?all=true — все.
func (h *StockHandler) ListProductStocks(c *fiber.Ctx) error {
	productID := c.Params("productID")

	var (
		records []domain.StockRecord
		err     error
	)
	if c.Query("all") == "true" {
		records, err = h.coordinator.ListProductStocks(c.Context(), productID)
	} else {
		records, err = h.coordinator.ListAvailable(c.Context(), productID)
	}
	if err != nil {
		return h.writeError(c, err)
	}

	return c.JSON(fiber.Map{
		"total":  len(records),
		"stocks": toStockResponses(records),
	})
}

func (h *StockHandler) writeError(c *fiber.Ctx, err error) error {
	var insufficient *domain.InsufficientStockError
	if errors.As(err, &insufficient) {
		return c.Status(fiber.StatusConflict).JSON(errorResponse{
			Code:      "INSUFFICIENT_STOCK",
			Message:   insufficient.Error(),
			Requested: insufficient.Requested,
			Available: insufficient.Available,
		})
	}

	var overRelease *domain.OverReleaseError
	if errors.As(err, &overRelease) {
		return c.Status(fiber.StatusConflict).JSON(errorResponse{
			Code:        "OVER_RELEASE",
			Message:     overRelease.Error(),
			Requested:   overRelease.Requested,
			Outstanding: overRelease.Outstanding,
		})
	}

	switch {
	case errors.Is(err, domain.ErrStockNotFound):
		return c.Status(fiber.StatusNotFound).JSON(errorResponse{Code: "NOT_FOUND", Message: err.Error()})
	case errors.Is(err, domain.ErrStockVersionConflict):
		return c.Status(fiber.StatusConflict).JSON(errorResponse{Code: "VERSION_CONFLICT", Message: err.Error()})
	case errors.Is(err, domain.ErrDuplicateVariationSet):
		return c.Status(fiber.StatusConflict).JSON(errorResponse{Code: "DUPLICATE", Message: err.Error()})
	case isValidationError(err):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(errorResponse{Code: "VALIDATION", Message: err.Error()})
	case errors.Is(err, domain.ErrAmbiguousVariationMatch):
		h.logger.WithError(err).Error("data integrity violation")
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Code: "DATA_INTEGRITY", Message: err.Error()})
	default:
		h.logger.WithError(err).Error("unhandled api error")
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Code: "INTERNAL", Message: err.Error()})
	}
}

func isValidationError(err error) bool {
	for _, sentinel := range []error{
		domain.ErrSKURequired,
		domain.ErrProductIDRequired,
		domain.ErrQuantityNegative,
		domain.ErrReservedNegative,
		domain.ErrThresholdNegative,
		domain.ErrPreOrderCountNegative,
		domain.ErrPreOrderCountExceedsMax,
		domain.ErrPreOrderNotConfigured,
		domain.ErrStatusMismatch,
		domain.ErrAmountNotPositive,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Code: "BAD_REQUEST", Message: message})
}

func queryInt(c *fiber.Ctx, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return value
}
