package app

import (
	"time"

	"github.com/vladislavdragonenkov/ims/internal/domain"
)

// newTestStock создаёт тестовую запись стока для использования в тестах.
func newTestStock() domain.StockRecord {
	now := time.Now().UTC()
	return domain.StockRecord{
		ID:                  "test-stock-1",
		SKU:                 "TSHIRT-RED-M",
		ProductID:           "product-1",
		Variations:          domain.NewVariationSet("color:red", "size:m"),
		Quantity:            10,
		LowStockThreshold:   3,
		MaxPreOrderQuantity: 5,
		Status:              domain.StockStatusInStock,
		Version:             0,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}
