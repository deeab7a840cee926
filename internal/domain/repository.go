package domain

// StockRepository — контракт хранения складских записей.
// Save атомарно сохраняет мутацию вместе с её записями аудита и выполняет
// проверку версии: если версия записи в хранилище отличается от версии
// переданной записи, возвращается ErrStockVersionConflict и никакие
// данные не фиксируются.
type StockRepository interface {
	// Create регистрирует новую запись. Дубликат SKU или дубликат набора
	// вариаций внутри товара отклоняется ErrDuplicateVariationSet.
	Create(record StockRecord) error
	// Get возвращает запись по внутреннему идентификатору.
	Get(id string) (StockRecord, error)
	// GetBySKU возвращает запись по SKU.
	GetBySKU(sku string) (StockRecord, error)
	// ResolveByVariations находит запись товара по точному совпадению набора
	// вариаций. Нет совпадений — ErrStockNotFound, больше одного —
	// ErrAmbiguousVariationMatch.
	ResolveByVariations(productID string, variations VariationSet) (StockRecord, error)
	// ListByProduct возвращает все записи товара, отсортированные по SKU.
	ListByProduct(productID string) ([]StockRecord, error)
	// Save перезаписывает запись и фиксирует её аудит одной атомарной
	// единицей, инкрементируя версию (optimistic locking).
	Save(record StockRecord, history ...StockHistoryEntry) error
}

// HistoryRepository — контракт чтения аудита. Записи аудита создаются
// только через StockRepository.Save; прямой записи в историю нет.
type HistoryRepository interface {
	// ListByStock возвращает записи аудита одной складской записи, новые
	// первыми; limit > 0 ограничивает выборку, offset отсчитывается от
	// самой свежей записи.
	ListByStock(stockID string, limit, offset int) ([]StockHistoryEntry, error)
	// CountByStock возвращает полное число записей аудита складской записи.
	CountByStock(stockID string) (int64, error)
}
