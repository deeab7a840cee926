package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ims/internal/domain"
	"github.com/vladislavdragonenkov/ims/internal/metrics"
)

// Coordinator — точка входа всех мутаций складского леджера.
// Последовательность одной операции: загрузка записи → чистая мутация
// домена → атомарный Save записи вместе с аудитом → постановка события
// в outbox. Конфликт версий прозрачно разрешается перезагрузкой и
// повтором с exponential backoff.
type Coordinator interface {
	CreateStock(ctx context.Context, params CreateStockParams) (domain.StockRecord, error)
	Reserve(ctx context.Context, sku string, amount int64, actor, reference string) (domain.StockRecord, error)
	Release(ctx context.Context, sku string, amount int64, fromPreOrder bool, actor, reference string) (domain.StockRecord, error)
	Restock(ctx context.Context, sku string, amount int64, actor, reference string) (domain.StockRecord, error)
	Adjust(ctx context.Context, sku string, newQuantity int64, actor, reference string) (domain.StockRecord, error)

	GetStock(ctx context.Context, sku string) (domain.StockRecord, error)
	ResolveStock(ctx context.Context, productID string, variationIDs []string) (domain.StockRecord, error)
	ListProductStocks(ctx context.Context, productID string) ([]domain.StockRecord, error)
	ListAvailable(ctx context.Context, productID string) ([]domain.StockRecord, error)
	ListHistory(ctx context.Context, sku string, limit, offset int) ([]domain.StockHistoryEntry, int64, error)
}

// CreateStockParams — параметры регистрации новой складской записи.
type CreateStockParams struct {
	SKU                 string
	ProductID           string
	VariationIDs        []string
	Quantity            int64
	LowStockThreshold   int64
	MaxPreOrderQuantity int64
	ExpectedRestockAt   time.Time
}

type coordinator struct {
	stocks  domain.StockRepository
	history domain.HistoryRepository
	outbox  domain.OutboxRepository
	logger  *log.Entry
	metrics *metrics.StockMetrics
	now     func() time.Time
}

// NewCoordinator создаёт рабочий экземпляр координатора резервов.
func NewCoordinator(
	stocks domain.StockRepository,
	history domain.HistoryRepository,
	outbox domain.OutboxRepository,
	logger *log.Entry,
) Coordinator {
	if logger == nil {
		logger = log.New().WithField("component", "reservation")
	}
	return &coordinator{
		stocks:  stocks,
		history: history,
		outbox:  outbox,
		logger:  logger,
		metrics: metrics.NewStockMetrics(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// NewCoordinatorWithoutMetrics создаёт координатор без метрик (для тестов).
func NewCoordinatorWithoutMetrics(
	stocks domain.StockRepository,
	history domain.HistoryRepository,
	outbox domain.OutboxRepository,
	logger *log.Entry,
) Coordinator {
	if logger == nil {
		logger = log.New().WithField("component", "reservation")
	}
	return &coordinator{
		stocks:  stocks,
		history: history,
		outbox:  outbox,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateStock регистрирует новую запись и эмитит событие stock.created.
func (c *coordinator) CreateStock(ctx context.Context, params CreateStockParams) (domain.StockRecord, error) {
	now := c.now()
	record := domain.StockRecord{
		ID:                  uuid.NewString(),
		SKU:                 params.SKU,
		ProductID:           params.ProductID,
		Variations:          domain.NewVariationSet(params.VariationIDs...),
		Quantity:            params.Quantity,
		LowStockThreshold:   params.LowStockThreshold,
		MaxPreOrderQuantity: params.MaxPreOrderQuantity,
		ExpectedRestockAt:   params.ExpectedRestockAt,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	record.Status = domain.EvaluateStatus(record.Quantity, record.LowStockThreshold, record.PreOrderCount, record.MaxPreOrderQuantity)

	if errs := record.ValidateInvariants(); len(errs) != 0 {
		return domain.StockRecord{}, errs[0]
	}
	if err := ctx.Err(); err != nil {
		return domain.StockRecord{}, err
	}

	if err := c.stocks.Create(record); err != nil {
		c.logger.WithError(err).WithFields(log.Fields{
			"sku":        record.SKU,
			"product_id": record.ProductID,
		}).Warn("create stock failed")
		return domain.StockRecord{}, err
	}

	c.logger.WithFields(log.Fields{
		"sku":        record.SKU,
		"product_id": record.ProductID,
		"status":     record.Status,
	}).Info("stock record created")

	c.emitEvent(&record, "stock.created", map[string]interface{}{
		"quantity":  record.Quantity,
		"status":    string(record.Status),
		"pre_order": record.PreOrderConfigured(),
	})

	return record, nil
}

// Reserve списывает amount под заказ; дефицит при настроенном предзаказе
// уходит в предзаказный пул.
func (c *coordinator) Reserve(ctx context.Context, sku string, amount int64, actor, reference string) (domain.StockRecord, error) {
	return c.mutate(ctx, sku, "reserve", func(record domain.StockRecord) (domain.StockRecord, []domain.StockHistoryEntry, error) {
		return record.Reserve(amount, actor, reference, c.now())
	})
}

// Release возвращает резерв в указанный пул.
func (c *coordinator) Release(ctx context.Context, sku string, amount int64, fromPreOrder bool, actor, reference string) (domain.StockRecord, error) {
	return c.mutate(ctx, sku, "release", func(record domain.StockRecord) (domain.StockRecord, []domain.StockHistoryEntry, error) {
		return record.Release(amount, fromPreOrder, actor, reference, c.now())
	})
}

// Restock принимает поставку; предзаказы закрываются первыми.
func (c *coordinator) Restock(ctx context.Context, sku string, amount int64, actor, reference string) (domain.StockRecord, error) {
	return c.mutate(ctx, sku, "restock", func(record domain.StockRecord) (domain.StockRecord, []domain.StockHistoryEntry, error) {
		return record.Restock(amount, actor, reference, c.now())
	})
}

// Adjust устанавливает количество в явное значение.
func (c *coordinator) Adjust(ctx context.Context, sku string, newQuantity int64, actor, reference string) (domain.StockRecord, error) {
	return c.mutate(ctx, sku, "adjust", func(record domain.StockRecord) (domain.StockRecord, []domain.StockHistoryEntry, error) {
		return record.Adjust(newQuantity, actor, reference, c.now())
	})
}

// GetStock возвращает запись по SKU.
func (c *coordinator) GetStock(ctx context.Context, sku string) (domain.StockRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.StockRecord{}, err
	}
	return c.stocks.GetBySKU(sku)
}

// ResolveStock находит запись товара по точному совпадению набора вариаций.
func (c *coordinator) ResolveStock(ctx context.Context, productID string, variationIDs []string) (domain.StockRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.StockRecord{}, err
	}

	record, err := c.stocks.ResolveByVariations(productID, domain.NewVariationSet(variationIDs...))
	if err != nil {
		// Неоднозначное совпадение — повреждение данных, эскалируем в лог.
		if err == domain.ErrAmbiguousVariationMatch {
			c.logger.WithFields(log.Fields{
				"product_id": productID,
				"variations": variationIDs,
			}).Error("ambiguous variation match")
		}
		return domain.StockRecord{}, err
	}
	return record, nil
}

// ListProductStocks возвращает все записи товара.
func (c *coordinator) ListProductStocks(ctx context.Context, productID string) ([]domain.StockRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.stocks.ListByProduct(productID)
}

// ListAvailable возвращает только покупаемые комбинации товара:
// с остатком либо с незакрытой ёмкостью предзаказа.
func (c *coordinator) ListAvailable(ctx context.Context, productID string) ([]domain.StockRecord, error) {
	records, err := c.ListProductStocks(ctx, productID)
	if err != nil {
		return nil, err
	}

	available := make([]domain.StockRecord, 0, len(records))
	for _, record := range records {
		if record.Sellable() {
			available = append(available, record)
		}
	}
	return available, nil
}

// ListHistory возвращает страницу аудита записи по её SKU, новые первыми,
// и полное число записей аудита.
func (c *coordinator) ListHistory(ctx context.Context, sku string, limit, offset int) ([]domain.StockHistoryEntry, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	record, err := c.stocks.GetBySKU(sku)
	if err != nil {
		return nil, 0, err
	}

	entries, err := c.history.ListByStock(record.ID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := c.history.CountByStock(record.ID)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

const (
	maxRetries = 5
	baseDelay  = 10 * time.Millisecond
)

// mutate выполняет мутацию с optimistic-locking retry: при конфликте версий
// перезагружает свежую запись и повторяет чистую мутацию против неё.
func (c *coordinator) mutate(ctx context.Context, sku, action string, fn func(domain.StockRecord) (domain.StockRecord, []domain.StockHistoryEntry, error)) (domain.StockRecord, error) {
	start := c.now()
	if c.metrics != nil {
		c.metrics.RecordOperationStarted()
	}
	defer func() {
		if c.metrics != nil {
			c.metrics.RecordOperationFinished()
			c.metrics.RecordOperationDuration(action, time.Since(start))
		}
	}()

	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return domain.StockRecord{}, err
		}

		record, err := c.stocks.GetBySKU(sku)
		if err != nil {
			// Отсутствие записи и отказ хранилища — разные исходы.
			if errors.Is(err, domain.ErrStockNotFound) {
				c.recordResult(action, "not_found")
			} else {
				c.recordResult(action, "error")
			}
			return domain.StockRecord{}, err
		}

		updated, history, err := fn(record)
		if err != nil {
			c.recordRejection(action, err)
			c.logger.WithError(err).WithFields(log.Fields{
				"sku":    sku,
				"action": action,
			}).Warn("stock mutation rejected")
			return domain.StockRecord{}, err
		}

		if err := c.stocks.Save(updated, history...); err != nil {
			if domain.IsVersionConflict(err) && attempt < maxRetries-1 {
				if c.metrics != nil {
					c.metrics.RecordVersionConflict()
				}
				c.logger.WithFields(log.Fields{
					"sku":     sku,
					"action":  action,
					"attempt": attempt + 1,
					"version": record.Version,
				}).Warn("version conflict detected, retrying")

				// Exponential backoff перед перечитыванием записи.
				delay := baseDelay * time.Duration(1<<uint(attempt))
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return domain.StockRecord{}, ctx.Err()
				}
				continue
			}

			if domain.IsVersionConflict(err) {
				if c.metrics != nil {
					c.metrics.RecordVersionConflict()
					c.metrics.RecordRetriesExhausted()
				}
				c.recordResult(action, "conflict")
			} else {
				c.recordResult(action, "error")
			}
			c.logger.WithError(err).WithFields(log.Fields{
				"sku":     sku,
				"action":  action,
				"attempt": attempt + 1,
			}).Error("failed to persist stock mutation")
			return domain.StockRecord{}, err
		}

		updated.Version++
		c.recordResult(action, "ok")
		c.recordHistoryMetrics(history)
		c.emitMutationEvents(&record, &updated, history)
		return updated, nil
	}

	if c.metrics != nil {
		c.metrics.RecordRetriesExhausted()
	}
	c.recordResult(action, "conflict")
	return domain.StockRecord{}, domain.ErrStockVersionConflict
}

func (c *coordinator) recordResult(action, result string) {
	if c.metrics != nil {
		c.metrics.RecordOperation(action, result)
	}
}

func (c *coordinator) recordRejection(action string, err error) {
	switch {
	case domain.IsInsufficientStock(err):
		if c.metrics != nil {
			c.metrics.RecordInsufficientStock()
		}
		c.recordResult(action, "insufficient_stock")
	case domain.IsOverRelease(err):
		if c.metrics != nil {
			c.metrics.RecordOverRelease()
		}
		c.recordResult(action, "over_release")
	default:
		c.recordResult(action, "rejected")
	}
}

func (c *coordinator) recordHistoryMetrics(history []domain.StockHistoryEntry) {
	if c.metrics == nil {
		return
	}
	for _, entry := range history {
		switch entry.Action {
		case domain.StockActionPreOrderReserve:
			c.metrics.RecordPreOrderReserve()
		case domain.StockActionPreOrderFulfill:
			c.metrics.RecordPreOrderFulfill()
		}
	}
}

// emitMutationEvents ставит в outbox событие на каждую запись аудита
// и отдельное событие смены статуса, если статус изменился.
func (c *coordinator) emitMutationEvents(before, after *domain.StockRecord, history []domain.StockHistoryEntry) {
	for _, entry := range history {
		c.emitEvent(after, eventTypeForAction(entry.Action), map[string]interface{}{
			"quantity_before": entry.QuantityBefore,
			"quantity_after":  entry.QuantityAfter,
			"reference":       entry.Reference,
			"updated_by":      entry.UpdatedBy,
			"occurred_at":     entry.OccurredAt.Format(time.RFC3339Nano),
		})
	}

	if before.Status != after.Status {
		c.emitEvent(after, "stock.status.changed", map[string]interface{}{
			"previous_status": string(before.Status),
			"status":          string(after.Status),
			"quantity":        after.Quantity,
		})
	}
}

func (c *coordinator) emitEvent(record *domain.StockRecord, eventType string, payload map[string]interface{}) {
	if c.outbox == nil {
		return
	}

	if payload == nil {
		payload = make(map[string]interface{})
	}
	payload["stock_id"] = record.ID
	payload["sku"] = record.SKU
	payload["product_id"] = record.ProductID

	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.WithError(err).WithFields(log.Fields{
			"sku":   record.SKU,
			"event": eventType,
		}).Error("marshal event failed")
		return
	}

	msg := domain.OutboxMessage{
		AggregateType: "stock",
		AggregateID:   record.ID,
		EventType:     eventType,
		Payload:       data,
	}
	if _, err := c.outbox.Enqueue(msg); err != nil {
		c.logger.WithError(err).WithFields(log.Fields{
			"sku":   record.SKU,
			"event": eventType,
		}).Error("enqueue event failed")
	} else if c.metrics != nil {
		c.metrics.RecordOutboxEvent()
	}
}

func eventTypeForAction(action domain.StockAction) string {
	switch action {
	case domain.StockActionReserve:
		return "stock.reserved"
	case domain.StockActionRelease:
		return "stock.released"
	case domain.StockActionRestock:
		return "stock.restocked"
	case domain.StockActionAdjustment:
		return "stock.adjusted"
	case domain.StockActionPreOrderReserve:
		return "stock.pre_order.reserved"
	case domain.StockActionPreOrderFulfill:
		return "stock.pre_order.fulfilled"
	default:
		return "stock.updated"
	}
}

var _ Coordinator = (*coordinator)(nil)
