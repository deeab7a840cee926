package domain

import "time"

// Мутации леджера реализованы как чистые функции над StockRecord:
// исходная запись не изменяется, возвращается обновлённая копия вместе
// с записями аудита, которые хранилище обязано зафиксировать в той же
// атомарной единице, что и саму мутацию. Пересчёт статуса выполняется
// явно внутри каждой мутации, а не в неявных callback'ах персистентности.

// Reserve списывает amount из доступного остатка. Если остатка не хватает,
// но для SKU настроен предзаказ и дефицит умещается в его ёмкость, нехватка
// покрывается предзаказом: остаток уходит в ноль, PreOrderCount растёт на дефицит.
// Смешанный резерв фиксируется двумя записями аудита: RESERVE на складскую часть
// и PRE_ORDER_RESERVE на дефицит.
func (r StockRecord) Reserve(amount int64, actor, reference string, now time.Time) (StockRecord, []StockHistoryEntry, error) {
	if amount <= 0 {
		return r, nil, ErrAmountNotPositive
	}

	if r.Quantity >= amount {
		entry := r.historyEntry(StockActionReserve, r.Quantity, r.Quantity-amount, actor, reference, now)
		r.Quantity -= amount
		r.Reserved += amount
		r.touch(now)
		return r, []StockHistoryEntry{entry}, nil
	}

	shortfall := amount - r.Quantity
	if !r.PreOrderConfigured() || shortfall > r.PreOrderCapacityLeft() {
		return r, nil, &InsufficientStockError{
			Requested: amount,
			Available: r.Quantity + r.PreOrderCapacityLeft(),
		}
	}

	entries := make([]StockHistoryEntry, 0, 2)
	if r.Quantity > 0 {
		entries = append(entries, r.historyEntry(StockActionReserve, r.Quantity, 0, actor, reference, now))
		r.Reserved += r.Quantity
		r.Quantity = 0
	}
	entries = append(entries, r.historyEntry(StockActionPreOrderReserve, r.PreOrderCount, r.PreOrderCount+shortfall, actor, reference, now))
	r.PreOrderCount += shortfall
	r.touch(now)
	return r, entries, nil
}

// Release возвращает резерв в доступный остаток. Пул указывает вызывающая
// сторона: fromPreOrder=true уменьшает PreOrderCount вместо увеличения Quantity.
// Снятие больше невыполненного остатка соответствующего пула отклоняется.
func (r StockRecord) Release(amount int64, fromPreOrder bool, actor, reference string, now time.Time) (StockRecord, []StockHistoryEntry, error) {
	if amount <= 0 {
		return r, nil, ErrAmountNotPositive
	}

	if fromPreOrder {
		if amount > r.PreOrderCount {
			return r, nil, &OverReleaseError{Requested: amount, Outstanding: r.PreOrderCount}
		}
		entry := r.historyEntry(StockActionRelease, r.PreOrderCount, r.PreOrderCount-amount, actor, reference, now)
		r.PreOrderCount -= amount
		r.touch(now)
		return r, []StockHistoryEntry{entry}, nil
	}

	if amount > r.Reserved {
		return r, nil, &OverReleaseError{Requested: amount, Outstanding: r.Reserved}
	}
	entry := r.historyEntry(StockActionRelease, r.Quantity, r.Quantity+amount, actor, reference, now)
	r.Quantity += amount
	r.Reserved -= amount
	r.touch(now)
	return r, []StockHistoryEntry{entry}, nil
}

// Restock принимает поставку. Входящие единицы сперва закрывают невыполненные
// предзаказы (PRE_ORDER_FULFILL), остаток увеличивает доступное количество (RESTOCK).
func (r StockRecord) Restock(amount int64, actor, reference string, now time.Time) (StockRecord, []StockHistoryEntry, error) {
	if amount <= 0 {
		return r, nil, ErrAmountNotPositive
	}

	entries := make([]StockHistoryEntry, 0, 2)

	fulfill := amount
	if fulfill > r.PreOrderCount {
		fulfill = r.PreOrderCount
	}
	if fulfill > 0 {
		entries = append(entries, r.historyEntry(StockActionPreOrderFulfill, r.PreOrderCount, r.PreOrderCount-fulfill, actor, reference, now))
		r.PreOrderCount -= fulfill
	}

	if remainder := amount - fulfill; remainder > 0 {
		entries = append(entries, r.historyEntry(StockActionRestock, r.Quantity, r.Quantity+remainder, actor, reference, now))
		r.Quantity += remainder
	}

	r.touch(now)
	return r, entries, nil
}

// Adjust устанавливает количество в явное значение (ручная корректировка).
func (r StockRecord) Adjust(newQuantity int64, actor, reference string, now time.Time) (StockRecord, []StockHistoryEntry, error) {
	if newQuantity < 0 {
		return r, nil, ErrQuantityNegative
	}

	entry := r.historyEntry(StockActionAdjustment, r.Quantity, newQuantity, actor, reference, now)
	r.Quantity = newQuantity
	r.touch(now)
	return r, []StockHistoryEntry{entry}, nil
}

// touch пересчитывает производный статус и обновляет UpdatedAt.
func (r *StockRecord) touch(now time.Time) {
	r.Status = EvaluateStatus(r.Quantity, r.LowStockThreshold, r.PreOrderCount, r.MaxPreOrderQuantity)
	r.UpdatedAt = now.UTC()
}

func (r *StockRecord) historyEntry(action StockAction, before, after int64, actor, reference string, now time.Time) StockHistoryEntry {
	return StockHistoryEntry{
		StockID:        r.ID,
		QuantityBefore: before,
		QuantityAfter:  after,
		Action:         action,
		Reference:      reference,
		UpdatedBy:      actor,
		OccurredAt:     now.UTC(),
	}
}
