package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/ims/internal/domain"
)

// StockStore — in-memory реализация StockRepository и HistoryRepository
// для локальной разработки и тестов. История хранится рядом с записями
// и фиксируется в одной критической секции с сохранением, что повторяет
// транзакционную гарантию PostgreSQL-реализации.
type StockStore struct {
	mu sync.RWMutex

	items map[string]domain.StockRecord
	// skuIndex: SKU -> id записи.
	skuIndex map[string]string
	// variationIndex: productID -> канонический ключ набора -> id записей.
	// Значение — срез: дубликаты ключа внутри товара блокируются на Create,
	// но обнаружение повреждённых данных при резолве обязано их замечать.
	variationIndex map[string]map[string][]string

	history       map[string][]domain.StockHistoryEntry
	nextHistoryID int64
}

// NewStockStore создаёт пустое in-memory хранилище складских записей.
func NewStockStore() *StockStore {
	return &StockStore{
		items:          make(map[string]domain.StockRecord),
		skuIndex:       make(map[string]string),
		variationIndex: make(map[string]map[string][]string),
		history:        make(map[string][]domain.StockHistoryEntry),
	}
}

// Create регистрирует новую запись, проверяя уникальность SKU и набора
// вариаций внутри товара.
func (s *StockStore) Create(record domain.StockRecord) error {
	if errs := record.ValidateInvariants(); len(errs) != 0 {
		return fmt.Errorf("invalid stock record: %v", errs[0])
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if _, exists := s.items[record.ID]; exists {
		return domain.ErrDuplicateVariationSet
	}
	if _, exists := s.skuIndex[record.SKU]; exists {
		return domain.ErrDuplicateVariationSet
	}

	key := record.Variations.Key()
	if ids := s.variationIndex[record.ProductID][key]; len(ids) != 0 {
		return domain.ErrDuplicateVariationSet
	}

	record.Variations = record.Variations.Clone()
	s.items[record.ID] = record
	s.skuIndex[record.SKU] = record.ID
	if s.variationIndex[record.ProductID] == nil {
		s.variationIndex[record.ProductID] = make(map[string][]string)
	}
	s.variationIndex[record.ProductID][key] = append(s.variationIndex[record.ProductID][key], record.ID)

	return nil
}

// Get возвращает запись или ErrStockNotFound, если её нет.
func (s *StockStore) Get(id string) (domain.StockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.items[id]
	if !ok {
		return domain.StockRecord{}, domain.ErrStockNotFound
	}
	return cloneStock(record), nil
}

// GetBySKU возвращает запись по SKU.
func (s *StockStore) GetBySKU(sku string) (domain.StockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.skuIndex[sku]
	if !ok {
		return domain.StockRecord{}, domain.ErrStockNotFound
	}
	return cloneStock(s.items[id]), nil
}

// ResolveByVariations находит запись по точному совпадению набора вариаций.
func (s *StockStore) ResolveByVariations(productID string, variations domain.VariationSet) (domain.StockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.variationIndex[productID][variations.Key()]
	switch len(ids) {
	case 0:
		return domain.StockRecord{}, domain.ErrStockNotFound
	case 1:
		return cloneStock(s.items[ids[0]]), nil
	default:
		return domain.StockRecord{}, domain.ErrAmbiguousVariationMatch
	}
}

// ListByProduct возвращает записи товара, отсортированные по SKU.
func (s *StockStore) ListByProduct(productID string) ([]domain.StockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockRecord, 0)
	for _, record := range s.items {
		if record.ProductID != productID {
			continue
		}
		result = append(result, cloneStock(record))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].SKU < result[j].SKU
	})

	return result, nil
}

// Save перезаписывает запись, проверяя версию (optimistic locking),
// и фиксирует записи аудита в той же критической секции.
func (s *StockStore) Save(record domain.StockRecord, history ...domain.StockHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.items[record.ID]
	if !ok {
		return domain.ErrStockNotFound
	}
	if current.Version != record.Version {
		return domain.ErrStockVersionConflict
	}

	// Инкрементируем версию перед сохранением.
	record.Version++
	record.Variations = record.Variations.Clone()
	s.items[record.ID] = record

	for _, entry := range history {
		s.nextHistoryID++
		entry.ID = s.nextHistoryID
		if entry.StockID == "" {
			entry.StockID = record.ID
		}
		s.history[entry.StockID] = append(s.history[entry.StockID], entry)
	}

	return nil
}

// ListByStock возвращает аудит записи, новые первыми; offset отсчитывается
// от самой свежей записи.
func (s *StockStore) ListByStock(stockID string, limit, offset int) ([]domain.StockHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.history[stockID]
	if offset < 0 {
		offset = 0
	}
	if offset >= len(entries) {
		return []domain.StockHistoryEntry{}, nil
	}

	// Внутри история хранится по возрастанию времени, поэтому страница —
	// это окно с конца, развёрнутое в обратном порядке.
	end := len(entries) - offset
	start := 0
	if limit > 0 && end-limit > 0 {
		start = end - limit
	}
	window := entries[start:end]

	result := make([]domain.StockHistoryEntry, 0, len(window))
	for i := len(window) - 1; i >= 0; i-- {
		result = append(result, window[i])
	}
	return result, nil
}

// CountByStock возвращает полное число записей аудита складской записи.
func (s *StockStore) CountByStock(stockID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.history[stockID])), nil
}

// HistoryCount возвращает число записей аудита (используется в тестах).
func (s *StockStore) HistoryCount(stockID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history[stockID])
}

func cloneStock(src domain.StockRecord) domain.StockRecord {
	dst := src
	dst.Variations = src.Variations.Clone()
	return dst
}

var (
	_ domain.StockRepository   = (*StockStore)(nil)
	_ domain.HistoryRepository = (*StockStore)(nil)
)
