package domain

import (
	"errors"
	"fmt"
)

var (
	// Ошибка отсутствующего SKU в записи.
	ErrSKURequired = errors.New("sku is required")
	// Ошибка отсутствующего идентификатора товара.
	ErrProductIDRequired = errors.New("product_id is required")
	// Ошибка отрицательного доступного количества.
	ErrQuantityNegative = errors.New("quantity must be non-negative")
	// Ошибка отрицательного счётчика резервов.
	ErrReservedNegative = errors.New("reserved must be non-negative")
	// Ошибка отрицательного порога low stock.
	ErrThresholdNegative = errors.New("low_stock_threshold must be non-negative")
	// Ошибка отрицательного счётчика предзаказов.
	ErrPreOrderCountNegative = errors.New("pre_order_count must be non-negative")
	// Ошибка превышения ёмкости предзаказа.
	ErrPreOrderCountExceedsMax = errors.New("pre_order_count exceeds max_pre_order_quantity")
	// Ошибка ненулевого счётчика предзаказов при выключенном предзаказе.
	ErrPreOrderNotConfigured = errors.New("pre-order is not configured for this sku")
	// Ошибка рассинхронизации производного статуса с количественным состоянием.
	ErrStatusMismatch = errors.New("status does not match evaluated stock state")
	// Ошибка неположительного количества в операции леджера.
	ErrAmountNotPositive = errors.New("amount must be greater than zero")
	// ErrStockNotFound возвращается, если запись не найдена в репозитории
	// или ни одна запись не совпадает с запрошенным набором вариаций.
	ErrStockNotFound = errors.New("stock record not found")
	// ErrStockVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrStockVersionConflict = errors.New("stock record version conflict")
	// ErrDuplicateVariationSet — нарушение уникальности набора вариаций внутри товара.
	ErrDuplicateVariationSet = errors.New("stock record with identical variation set already exists")
	// ErrAmbiguousVariationMatch — два и более совпадения на один набор вариаций.
	// Это нарушение целостности данных: ошибка поднимается наверх,
	// произвольный выбор одной из записей недопустим.
	ErrAmbiguousVariationMatch = errors.New("ambiguous variation match: data integrity violation")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
	// Ошибка отсутствующего idempotency-key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// Ошибка отсутствующего хэша запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyAlreadyExists — ключ уже зарегистрирован с тем же хэшем запроса.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch — повторное использование ключа с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request hash")
	// ErrIdempotencyKeyNotFound возвращается, если ключ не найден или истёк.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
)

// InsufficientStockError возвращается, когда запрошенное количество превышает
// доступный остаток вместе с оставшейся ёмкостью предзаказа.
type InsufficientStockError struct {
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock: requested %d, available %d", e.Requested, e.Available)
}

// OverReleaseError возвращается при попытке снять резерв больше невыполненного остатка.
// Указывает на ошибку вызывающей стороны и логируется как аномалия.
type OverReleaseError struct {
	Requested   int64
	Outstanding int64
}

func (e *OverReleaseError) Error() string {
	return fmt.Sprintf("over-release: requested %d, outstanding %d", e.Requested, e.Outstanding)
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrStockVersionConflict)
}

// IsInsufficientStock проверяет, является ли ошибка нехваткой остатка.
func IsInsufficientStock(err error) bool {
	var target *InsufficientStockError
	return errors.As(err, &target)
}

// IsOverRelease проверяет, является ли ошибка over-release.
func IsOverRelease(err error) bool {
	var target *OverReleaseError
	return errors.As(err, &target)
}
