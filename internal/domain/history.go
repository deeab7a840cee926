package domain

import "time"

// StockAction классифицирует мутацию леджера в записи аудита.
type StockAction string

const (
	// StockActionReserve — списание доступного количества под заказ/корзину.
	StockActionReserve StockAction = "RESERVE"
	// StockActionRelease — возврат резерва (отмена заказа, удаление из корзины).
	StockActionRelease StockAction = "RELEASE"
	// StockActionRestock — пополнение от поставщика.
	StockActionRestock StockAction = "RESTOCK"
	// StockActionAdjustment — ручная корректировка количества.
	StockActionAdjustment StockAction = "ADJUSTMENT"
	// StockActionPreOrderReserve — резерв, принятый в счёт будущей поставки.
	StockActionPreOrderReserve StockAction = "PRE_ORDER_RESERVE"
	// StockActionPreOrderFulfill — закрытие предзаказа входящей поставкой.
	StockActionPreOrderFulfill StockAction = "PRE_ORDER_FULFILL"
)

// Valid проверяет, что действие относится к поддерживаемым значениям.
func (a StockAction) Valid() bool {
	switch a {
	case StockActionReserve, StockActionRelease, StockActionRestock,
		StockActionAdjustment, StockActionPreOrderReserve, StockActionPreOrderFulfill:
		return true
	default:
		return false
	}
}

// StockHistoryEntry — неизменяемая запись аудита одной мутации леджера.
// Записи только добавляются; обновление и удаление прошлых записей не предусмотрено.
//
// Для действий основного пула QuantityBefore/QuantityAfter фиксируют переход
// доступного количества. Для действий предзаказа (PRE_ORDER_RESERVE,
// PRE_ORDER_FULFILL и release с флагом предзаказа) — переход PreOrderCount,
// так как доступное количество при них не меняется.
type StockHistoryEntry struct {
	// ID присваивается хранилищем при записи.
	ID             int64
	StockID        string
	QuantityBefore int64
	QuantityAfter  int64
	Action         StockAction
	// Reference — произвольная строка корреляции (например, идентификатор заказа).
	Reference string
	// UpdatedBy — идентификатор актора, выполнившего операцию.
	UpdatedBy  string
	OccurredAt time.Time
}
