package restock

import (
	"context"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ims/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/ims/internal/service/reservation"
)

// Handler принимает поставки из топика restock intake и проводит их
// через координатор. Ошибки обработки возвращаются consumer'у,
// который отвечает за retry и DLQ.
type Handler struct {
	coordinator reservation.Coordinator
	logger      *log.Entry
}

// NewHandler создаёт обработчик restock-сообщений.
func NewHandler(coordinator reservation.Coordinator, logger *log.Entry) *Handler {
	if logger == nil {
		logger = log.WithField("component", "restock-intake")
	}
	return &Handler{
		coordinator: coordinator,
		logger:      logger,
	}
}

// Handle — kafka.MessageHandler для топика restock intake.
func (h *Handler) Handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	request, err := kafka.ParseRestockRequest(message)
	if err != nil {
		return err
	}

	if strings.TrimSpace(request.SKU) == "" {
		return fmt.Errorf("restock request without sku (offset %d)", message.Offset)
	}
	if request.Amount <= 0 {
		return fmt.Errorf("restock request for %s with non-positive amount %d", request.SKU, request.Amount)
	}

	actor := request.Source
	if actor == "" {
		actor = "restock-intake"
	}

	record, err := h.coordinator.Restock(ctx, request.SKU, request.Amount, actor, request.Reference)
	if err != nil {
		return fmt.Errorf("restock %s by %d: %w", request.SKU, request.Amount, err)
	}

	h.logger.WithFields(log.Fields{
		"sku":             record.SKU,
		"amount":          request.Amount,
		"quantity":        record.Quantity,
		"pre_order_count": record.PreOrderCount,
		"status":          record.Status,
	}).Info("restock applied")

	return nil
}
