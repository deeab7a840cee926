package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/ims/internal/domain"
)

var mutationTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestReserve_FromStock(t *testing.T) {
	stock := makeStock()

	updated, history, err := stock.Reserve(4, "api", "order-77", mutationTime)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if updated.Quantity != 6 {
		t.Fatalf("expected quantity 6, got %d", updated.Quantity)
	}
	if updated.Reserved != 4 {
		t.Fatalf("expected reserved 4, got %d", updated.Reserved)
	}
	if updated.Status != domain.StockStatusInStock {
		t.Fatalf("expected in_stock, got %s", updated.Status)
	}
	if len(history) != 1 {
		t.Fatalf("expected one history entry, got %d", len(history))
	}
	entry := history[0]
	if entry.Action != domain.StockActionReserve || entry.QuantityBefore != 10 || entry.QuantityAfter != 6 {
		t.Fatalf("unexpected history entry: %+v", entry)
	}
	if entry.Reference != "order-77" || entry.UpdatedBy != "api" {
		t.Fatalf("unexpected attribution: %+v", entry)
	}

	// Исходная запись не изменяется.
	if stock.Quantity != 10 || stock.Reserved != 0 {
		t.Fatalf("source record mutated: %+v", stock)
	}
}

func TestReserve_CrossesLowStockThreshold(t *testing.T) {
	stock := makeStock()

	updated, _, err := stock.Reserve(8, "api", "", mutationTime)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Status != domain.StockStatusLowStock {
		t.Fatalf("expected low_stock, got %s", updated.Status)
	}
}

func TestReserve_InsufficientWithoutPreOrder(t *testing.T) {
	stock := makeStock()

	_, history, err := stock.Reserve(11, "api", "", mutationTime)
	if !domain.IsInsufficientStock(err) {
		t.Fatalf("expected insufficient stock error, got %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("failed reserve must not produce history, got %d entries", len(history))
	}

	var insufficient *domain.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected typed error, got %T", err)
	}
	if insufficient.Requested != 11 || insufficient.Available != 10 {
		t.Fatalf("unexpected error payload: %+v", insufficient)
	}
}

func TestReserve_SplitsIntoPreOrder(t *testing.T) {
	stock := makeStock()
	stock.Quantity = 2
	stock.Status = domain.StockStatusLowStock
	stock.MaxPreOrderQuantity = 10

	updated, history, err := stock.Reserve(5, "api", "order-88", mutationTime)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if updated.Quantity != 0 {
		t.Fatalf("expected quantity drained to zero, got %d", updated.Quantity)
	}
	if updated.Reserved != 2 {
		t.Fatalf("expected reserved 2, got %d", updated.Reserved)
	}
	if updated.PreOrderCount != 3 {
		t.Fatalf("expected pre-order count 3, got %d", updated.PreOrderCount)
	}
	if updated.Status != domain.StockStatusPreOrder {
		t.Fatalf("expected pre_order, got %s", updated.Status)
	}

	// Смешанный резерв даёт две записи аудита: складскую и предзаказную.
	if len(history) != 2 {
		t.Fatalf("expected two history entries, got %d", len(history))
	}
	if history[0].Action != domain.StockActionReserve || history[0].QuantityBefore != 2 || history[0].QuantityAfter != 0 {
		t.Fatalf("unexpected stock entry: %+v", history[0])
	}
	if history[1].Action != domain.StockActionPreOrderReserve || history[1].QuantityBefore != 0 || history[1].QuantityAfter != 3 {
		t.Fatalf("unexpected pre-order entry: %+v", history[1])
	}
}

func TestReserve_FullyFromPreOrder(t *testing.T) {
	stock := makeStock()
	stock.Quantity = 0
	stock.MaxPreOrderQuantity = 10
	stock.PreOrderCount = 4
	stock.Status = domain.StockStatusPreOrder

	updated, history, err := stock.Reserve(3, "api", "", mutationTime)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.PreOrderCount != 7 {
		t.Fatalf("expected pre-order count 7, got %d", updated.PreOrderCount)
	}
	if len(history) != 1 || history[0].Action != domain.StockActionPreOrderReserve {
		t.Fatalf("expected single pre-order entry, got %+v", history)
	}
}

func TestReserve_PreOrderCapacityExceeded(t *testing.T) {
	stock := makeStock()
	stock.Quantity = 2
	stock.Status = domain.StockStatusLowStock
	stock.MaxPreOrderQuantity = 3
	stock.PreOrderCount = 1

	_, _, err := stock.Reserve(5, "api", "", mutationTime)
	if !domain.IsInsufficientStock(err) {
		t.Fatalf("expected insufficient stock error, got %v", err)
	}

	var insufficient *domain.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected typed error, got %T", err)
	}
	// Доступно: 2 на складе + 2 оставшейся ёмкости предзаказа.
	if insufficient.Available != 4 {
		t.Fatalf("expected available 4, got %d", insufficient.Available)
	}
}

func TestReserve_RejectsNonPositiveAmount(t *testing.T) {
	stock := makeStock()
	for _, amount := range []int64{0, -3} {
		if _, _, err := stock.Reserve(amount, "api", "", mutationTime); !errors.Is(err, domain.ErrAmountNotPositive) {
			t.Fatalf("expected ErrAmountNotPositive for %d, got %v", amount, err)
		}
	}
}

func TestRelease_ReturnsToStock(t *testing.T) {
	stock := makeStock()
	stock.Quantity = 6
	stock.Reserved = 4

	updated, history, err := stock.Release(3, false, "api", "order-77", mutationTime)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Quantity != 9 || updated.Reserved != 1 {
		t.Fatalf("unexpected pools after release: qty=%d reserved=%d", updated.Quantity, updated.Reserved)
	}
	if len(history) != 1 || history[0].Action != domain.StockActionRelease {
		t.Fatalf("expected single RELEASE entry, got %+v", history)
	}
	if history[0].QuantityBefore != 6 || history[0].QuantityAfter != 9 {
		t.Fatalf("unexpected quantity transition: %+v", history[0])
	}
}

func TestRelease_OverRelease(t *testing.T) {
	stock := makeStock()
	stock.Reserved = 2

	_, _, err := stock.Release(3, false, "api", "", mutationTime)
	if !domain.IsOverRelease(err) {
		t.Fatalf("expected over-release error, got %v", err)
	}

	var over *domain.OverReleaseError
	if !errors.As(err, &over) {
		t.Fatalf("expected typed error, got %T", err)
	}
	if over.Requested != 3 || over.Outstanding != 2 {
		t.Fatalf("unexpected error payload: %+v", over)
	}
}

func TestRelease_FromPreOrderPool(t *testing.T) {
	stock := makeStock()
	stock.Quantity = 0
	stock.MaxPreOrderQuantity = 10
	stock.PreOrderCount = 4
	stock.Status = domain.StockStatusPreOrder

	updated, history, err := stock.Release(2, true, "api", "order-88", mutationTime)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.PreOrderCount != 2 {
		t.Fatalf("expected pre-order count 2, got %d", updated.PreOrderCount)
	}
	if updated.Quantity != 0 {
		t.Fatalf("pre-order release must not touch quantity, got %d", updated.Quantity)
	}
	if len(history) != 1 || history[0].QuantityBefore != 4 || history[0].QuantityAfter != 2 {
		t.Fatalf("unexpected history: %+v", history)
	}

	if _, _, err := updated.Release(5, true, "api", "", mutationTime); !domain.IsOverRelease(err) {
		t.Fatalf("expected over-release on pre-order pool, got %v", err)
	}
}

func TestRestock_FulfillsPreOrdersFirst(t *testing.T) {
	stock := makeStock()
	stock.Quantity = 0
	stock.MaxPreOrderQuantity = 10
	stock.PreOrderCount = 3
	stock.Status = domain.StockStatusPreOrder

	updated, history, err := stock.Restock(8, "supplier-feed", "shipment-5", mutationTime)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if updated.PreOrderCount != 0 {
		t.Fatalf("expected pre-orders fulfilled, got %d", updated.PreOrderCount)
	}
	if updated.Quantity != 5 {
		t.Fatalf("expected remainder 5 in stock, got %d", updated.Quantity)
	}
	if updated.Status != domain.StockStatusInStock {
		t.Fatalf("expected in_stock, got %s", updated.Status)
	}

	if len(history) != 2 {
		t.Fatalf("expected two history entries, got %d", len(history))
	}
	if history[0].Action != domain.StockActionPreOrderFulfill || history[0].QuantityBefore != 3 || history[0].QuantityAfter != 0 {
		t.Fatalf("unexpected fulfill entry: %+v", history[0])
	}
	if history[1].Action != domain.StockActionRestock || history[1].QuantityBefore != 0 || history[1].QuantityAfter != 5 {
		t.Fatalf("unexpected restock entry: %+v", history[1])
	}
}

func TestRestock_EntirelyConsumedByPreOrders(t *testing.T) {
	stock := makeStock()
	stock.Quantity = 0
	stock.MaxPreOrderQuantity = 10
	stock.PreOrderCount = 5
	stock.Status = domain.StockStatusPreOrder

	updated, history, err := stock.Restock(2, "supplier-feed", "", mutationTime)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.PreOrderCount != 3 || updated.Quantity != 0 {
		t.Fatalf("unexpected pools: qty=%d pre=%d", updated.Quantity, updated.PreOrderCount)
	}
	if len(history) != 1 || history[0].Action != domain.StockActionPreOrderFulfill {
		t.Fatalf("expected single fulfill entry, got %+v", history)
	}
}

func TestRestock_WithoutPreOrders(t *testing.T) {
	stock := makeStock()

	updated, history, err := stock.Restock(5, "supplier-feed", "", mutationTime)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Quantity != 15 {
		t.Fatalf("expected quantity 15, got %d", updated.Quantity)
	}
	if len(history) != 1 || history[0].Action != domain.StockActionRestock {
		t.Fatalf("expected single RESTOCK entry, got %+v", history)
	}
}

func TestAdjust(t *testing.T) {
	stock := makeStock()

	updated, history, err := stock.Adjust(0, "ops", "inventory-audit", mutationTime)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Quantity != 0 {
		t.Fatalf("expected quantity 0, got %d", updated.Quantity)
	}
	if updated.Status != domain.StockStatusOutOfStock {
		t.Fatalf("expected out_of_stock, got %s", updated.Status)
	}
	if len(history) != 1 || history[0].Action != domain.StockActionAdjustment {
		t.Fatalf("expected single ADJUSTMENT entry, got %+v", history)
	}
	if history[0].QuantityBefore != 10 || history[0].QuantityAfter != 0 {
		t.Fatalf("unexpected transition: %+v", history[0])
	}

	if _, _, err := stock.Adjust(-1, "ops", "", mutationTime); !errors.Is(err, domain.ErrQuantityNegative) {
		t.Fatalf("expected ErrQuantityNegative, got %v", err)
	}
}

func TestMutationsRefreshUpdatedAt(t *testing.T) {
	stock := makeStock()
	stock.UpdatedAt = mutationTime.Add(-time.Hour)

	updated, _, err := stock.Reserve(1, "api", "", mutationTime)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !updated.UpdatedAt.Equal(mutationTime) {
		t.Fatalf("expected UpdatedAt refreshed to %v, got %v", mutationTime, updated.UpdatedAt)
	}
}
