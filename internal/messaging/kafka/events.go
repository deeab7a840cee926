package kafka

import "time"

// EventType определяет тип события
type EventType string

const (
	// События складского леджера
	EventTypeStockCreated   EventType = "stock.created"
	EventTypeStockReserved  EventType = "stock.reserved"
	EventTypeStockReleased  EventType = "stock.released"
	EventTypeStockRestocked EventType = "stock.restocked"
	EventTypeStockAdjusted  EventType = "stock.adjusted"

	// События предзаказного потока
	EventTypePreOrderReserved  EventType = "stock.pre_order.reserved"
	EventTypePreOrderFulfilled EventType = "stock.pre_order.fulfilled"

	// Смена производного статуса (in_stock/low_stock/out_of_stock/pre_order)
	EventTypeStatusChanged EventType = "stock.status.changed"
)

// Topics для Kafka
const (
	TopicStockEvents     = "ims.stock.events"
	TopicRestockIntake   = "ims.stock.restock" // входящие поставки от supplier-фидов
	TopicDeadLetterQueue = "ims.dlq"           // Dead Letter Queue для failed messages
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// StockEvent представляет событие складского леджера
type StockEvent struct {
	EventType EventType              `json:"event_type"`
	StockID   string                 `json:"stock_id"`
	SKU       string                 `json:"sku"`
	ProductID string                 `json:"product_id"`
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// RestockRequest представляет входящее сообщение о поставке
type RestockRequest struct {
	SKU       string    `json:"sku"`
	Amount    int64     `json:"amount"`
	Reference string    `json:"reference,omitempty"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewStockEvent создает новое событие леджера
func NewStockEvent(eventType EventType, stockID, sku, productID, status string, metadata map[string]interface{}) *StockEvent {
	return &StockEvent{
		EventType: eventType,
		StockID:   stockID,
		SKU:       sku,
		ProductID: productID,
		Status:    status,
		Timestamp: time.Now(),
		Metadata:  metadata,
	}
}
