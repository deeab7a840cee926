package httpapi

import (
	"time"

	"github.com/vladislavdragonenkov/ims/internal/domain"
)

type createStockRequest struct {
	SKU                 string   `json:"sku"`
	ProductID           string   `json:"product_id"`
	VariationIDs        []string `json:"variation_ids"`
	Quantity            int64    `json:"quantity"`
	LowStockThreshold   int64    `json:"low_stock_threshold"`
	MaxPreOrderQuantity int64    `json:"max_pre_order_quantity"`
	ExpectedRestockAt   string   `json:"expected_restock_at"`
}

type resolveRequest struct {
	ProductID    string   `json:"product_id"`
	VariationIDs []string `json:"variation_ids"`
}

// reserveRequest адресует запись либо по SKU, либо по товару и набору
// вариаций (резолв выполняется перед резервом).
type reserveRequest struct {
	SKU          string   `json:"sku"`
	ProductID    string   `json:"product_id"`
	VariationIDs []string `json:"variation_ids"`
	Quantity     int64    `json:"quantity"`
	Actor        string   `json:"actor"`
	Reference    string   `json:"reference"`
}

type releaseRequest struct {
	Quantity  int64  `json:"quantity"`
	PreOrder  bool   `json:"pre_order"`
	Actor     string `json:"actor"`
	Reference string `json:"reference"`
}

type restockRequest struct {
	Quantity  int64  `json:"quantity"`
	Actor     string `json:"actor"`
	Reference string `json:"reference"`
}

type adjustRequest struct {
	Quantity  int64  `json:"quantity"`
	Actor     string `json:"actor"`
	Reference string `json:"reference"`
}

type stockResponse struct {
	ID                  string   `json:"id"`
	SKU                 string   `json:"sku"`
	ProductID           string   `json:"product_id"`
	Variations          []string `json:"variations"`
	Quantity            int64    `json:"quantity"`
	Reserved            int64    `json:"reserved"`
	LowStockThreshold   int64    `json:"low_stock_threshold"`
	Status              string   `json:"status"`
	ExpectedRestockAt   string   `json:"expected_restock_at,omitempty"`
	MaxPreOrderQuantity int64    `json:"max_pre_order_quantity"`
	PreOrderCount       int64    `json:"pre_order_count"`
	Version             int64    `json:"version"`
	CreatedAt           string   `json:"created_at"`
	UpdatedAt           string   `json:"updated_at"`
}

type historyEntryResponse struct {
	ID             int64  `json:"id"`
	StockID        string `json:"stock_id"`
	QuantityBefore int64  `json:"quantity_before"`
	QuantityAfter  int64  `json:"quantity_after"`
	Action         string `json:"action"`
	Reference      string `json:"reference,omitempty"`
	UpdatedBy      string `json:"updated_by,omitempty"`
	OccurredAt     string `json:"occurred_at"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Детали для ошибок с данными (insufficient stock, over-release).
	Requested   int64 `json:"requested,omitempty"`
	Available   int64 `json:"available,omitempty"`
	Outstanding int64 `json:"outstanding,omitempty"`
}

func toStockResponse(record domain.StockRecord) stockResponse {
	resp := stockResponse{
		ID:                  record.ID,
		SKU:                 record.SKU,
		ProductID:           record.ProductID,
		Variations:          record.Variations,
		Quantity:            record.Quantity,
		Reserved:            record.Reserved,
		LowStockThreshold:   record.LowStockThreshold,
		Status:              string(record.Status),
		MaxPreOrderQuantity: record.MaxPreOrderQuantity,
		PreOrderCount:       record.PreOrderCount,
		Version:             record.Version,
		CreatedAt:           record.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:           record.UpdatedAt.Format(time.RFC3339Nano),
	}
	if resp.Variations == nil {
		resp.Variations = []string{}
	}
	if !record.ExpectedRestockAt.IsZero() {
		resp.ExpectedRestockAt = record.ExpectedRestockAt.Format(time.RFC3339Nano)
	}
	return resp
}

func toStockResponses(records []domain.StockRecord) []stockResponse {
	result := make([]stockResponse, 0, len(records))
	for _, record := range records {
		result = append(result, toStockResponse(record))
	}
	return result
}

func toHistoryResponses(entries []domain.StockHistoryEntry) []historyEntryResponse {
	result := make([]historyEntryResponse, 0, len(entries))
	for _, entry := range entries {
		result = append(result, historyEntryResponse{
			ID:             entry.ID,
			StockID:        entry.StockID,
			QuantityBefore: entry.QuantityBefore,
			QuantityAfter:  entry.QuantityAfter,
			Action:         string(entry.Action),
			Reference:      entry.Reference,
			UpdatedBy:      entry.UpdatedBy,
			OccurredAt:     entry.OccurredAt.Format(time.RFC3339Nano),
		})
	}
	return result
}
