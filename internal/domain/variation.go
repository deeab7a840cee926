package domain

import (
	"sort"
	"strings"
)

// variationKeySeparator — ASCII unit separator: исключает коллизии
// при конкатенации произвольных идентификаторов вариаций.
const variationKeySeparator = "\x1f"

// VariationSet — канонический набор идентификаторов вариаций SKU:
// без дубликатов, отсортирован, порядок на входе значения не имеет.
// Сравнение наборов выполняется по каноническому ключу, а не обходом графа связей.
type VariationSet []string

// NewVariationSet приводит произвольный список идентификаторов к каноническому виду:
// пустые значения отбрасываются, дубликаты схлопываются, элементы сортируются.
func NewVariationSet(ids ...string) VariationSet {
	seen := make(map[string]struct{}, len(ids))
	result := make(VariationSet, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}

// Key возвращает канонический ключ набора для индексации и сравнения.
// Пустой набор даёт пустой ключ (товар без вариаций).
func (s VariationSet) Key() string {
	return strings.Join(s, variationKeySeparator)
}

// Equal проверяет точное совпадение наборов: одинаковая мощность и одинаковые члены.
// Частичное пересечение совпадением не считается.
func (s VariationSet) Equal(other VariationSet) bool {
	return s.Key() == other.Key()
}

// Contains сообщает, входит ли идентификатор в набор.
func (s VariationSet) Contains(id string) bool {
	for _, member := range s {
		if member == id {
			return true
		}
	}
	return false
}

// Clone возвращает независимую копию набора.
func (s VariationSet) Clone() VariationSet {
	if s == nil {
		return nil
	}
	result := make(VariationSet, len(s))
	copy(result, s)
	return result
}
