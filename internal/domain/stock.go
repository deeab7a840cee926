package domain

import "time"

// StockStatus — производный статус доступности SKU.
// Статус никогда не задаётся вызывающей стороной напрямую:
// он пересчитывается через EvaluateStatus после каждой мутации.
type StockStatus string

const (
	// StockStatusInStock — количество выше порога low stock.
	StockStatusInStock StockStatus = "in_stock"
	// StockStatusLowStock — количество в диапазоне (0, lowStockThreshold].
	StockStatusLowStock StockStatus = "low_stock"
	// StockStatusOutOfStock — товара нет и предзаказ недоступен.
	StockStatusOutOfStock StockStatus = "out_of_stock"
	// StockStatusPreOrder — товара нет, но остаётся ёмкость предзаказа.
	StockStatusPreOrder StockStatus = "pre_order"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s StockStatus) Valid() bool {
	switch s {
	case StockStatusInStock, StockStatusLowStock, StockStatusOutOfStock, StockStatusPreOrder:
		return true
	default:
		return false
	}
}

// StockRecord агрегирует складское состояние одного SKU.
type StockRecord struct {
	ID        string
	SKU       string
	ProductID string
	// Variations — неизменяемый набор идентификаторов вариаций, определяющий SKU.
	// Пустой набор допустим (товар без вариаций).
	Variations VariationSet
	// Quantity — доступное к продаже количество. Никогда не опускается ниже нуля.
	Quantity int64
	// Reserved — сумма невыполненных резервов из основного пула.
	// Нужна для контроля over-release, на статус не влияет.
	Reserved          int64
	LowStockThreshold int64
	Status            StockStatus
	// ExpectedRestockAt носит информационный характер; нулевое время = не задано.
	ExpectedRestockAt time.Time
	// MaxPreOrderQuantity <= 0 означает, что предзаказ для SKU не настроен.
	MaxPreOrderQuantity int64
	// PreOrderCount — текущее число принятых предзаказов; не превышает MaxPreOrderQuantity.
	PreOrderCount int64
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PreOrderConfigured сообщает, включён ли для SKU предзаказ.
func (r *StockRecord) PreOrderConfigured() bool {
	return r.MaxPreOrderQuantity > 0
}

// PreOrderCapacityLeft возвращает остаток ёмкости предзаказа.
func (r *StockRecord) PreOrderCapacityLeft() int64 {
	if !r.PreOrderConfigured() {
		return 0
	}
	left := r.MaxPreOrderQuantity - r.PreOrderCount
	if left < 0 {
		return 0
	}
	return left
}

// Sellable сообщает, доступен ли SKU для покупки: есть остаток
// либо остаётся ёмкость предзаказа.
func (r *StockRecord) Sellable() bool {
	return r.Quantity > 0 || r.PreOrderCapacityLeft() > 0
}

// ValidateInvariants проверяет инварианты записи и возвращает список замечаний.
func (r *StockRecord) ValidateInvariants() []error {
	var errs []error

	if r.SKU == "" {
		errs = append(errs, ErrSKURequired)
	}
	if r.ProductID == "" {
		errs = append(errs, ErrProductIDRequired)
	}
	if r.Quantity < 0 {
		errs = append(errs, ErrQuantityNegative)
	}
	if r.Reserved < 0 {
		errs = append(errs, ErrReservedNegative)
	}
	if r.LowStockThreshold < 0 {
		errs = append(errs, ErrThresholdNegative)
	}
	if r.PreOrderCount < 0 {
		errs = append(errs, ErrPreOrderCountNegative)
	}
	if r.PreOrderConfigured() {
		if r.PreOrderCount > r.MaxPreOrderQuantity {
			errs = append(errs, ErrPreOrderCountExceedsMax)
		}
	} else if r.PreOrderCount != 0 {
		// Без настроенного предзаказа счётчик обязан быть нулевым.
		errs = append(errs, ErrPreOrderNotConfigured)
	}
	if want := EvaluateStatus(r.Quantity, r.LowStockThreshold, r.PreOrderCount, r.MaxPreOrderQuantity); r.Status != want {
		errs = append(errs, ErrStatusMismatch)
	}

	return errs
}

// EvaluateStatus — чистая функция вывода статуса из количественного состояния SKU.
// Нулевое количество всегда проверяется раньше low-stock диапазона:
// ноль никогда не классифицируется как low_stock.
func EvaluateStatus(quantity, lowStockThreshold, preOrderCount, maxPreOrderQuantity int64) StockStatus {
	if quantity <= 0 {
		if maxPreOrderQuantity > 0 && preOrderCount < maxPreOrderQuantity {
			return StockStatusPreOrder
		}
		return StockStatusOutOfStock
	}
	if quantity <= lowStockThreshold {
		return StockStatusLowStock
	}
	return StockStatusInStock
}
