package reservation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ims/internal/domain"
	"github.com/vladislavdragonenkov/ims/internal/metrics"
	"github.com/vladislavdragonenkov/ims/internal/storage/memory"
)

// unavailableStockRepo имитирует отказ хранилища на чтении записи.
type unavailableStockRepo struct {
	*memory.StockStore
	failErr error
}

func (r *unavailableStockRepo) GetBySKU(sku string) (domain.StockRecord, error) {
	return domain.StockRecord{}, r.failErr
}

func newMetricsCoordinator(stocks domain.StockRepository, reg *prometheus.Registry) *coordinator {
	store := memory.NewStockStore()
	return &coordinator{
		stocks:  stocks,
		history: store,
		outbox:  memory.NewOutboxRepository(),
		logger:  log.New().WithField("component", "reservation-test"),
		metrics: metrics.NewStockMetricsWithRegisterer(reg),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func operationCount(t *testing.T, reg *prometheus.Registry, action, result string) float64 {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, family := range families {
		if family.GetName() != "ims_stock_operations_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			labels := map[string]string{}
			for _, pair := range metric.GetLabel() {
				labels[pair.GetName()] = pair.GetValue()
			}
			if labels["action"] == action && labels["result"] == result {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

// Отказ хранилища на чтении записи — это result=error, а не not_found.
func TestCoordinator_StorageFailureCountedAsError(t *testing.T) {
	reg := prometheus.NewRegistry()
	storageErr := errors.New("connection refused")
	c := newMetricsCoordinator(&unavailableStockRepo{
		StockStore: memory.NewStockStore(),
		failErr:    storageErr,
	}, reg)

	if _, err := c.Reserve(context.Background(), "TSHIRT-RED-M", 1, "api", ""); !errors.Is(err, storageErr) {
		t.Fatalf("expected storage error, got %v", err)
	}

	if got := operationCount(t, reg, "reserve", "error"); got != 1 {
		t.Fatalf("expected result=error count 1, got %v", got)
	}
	if got := operationCount(t, reg, "reserve", "not_found"); got != 0 {
		t.Fatalf("expected result=not_found count 0, got %v", got)
	}
}

func TestCoordinator_MissingRecordCountedAsNotFound(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := newMetricsCoordinator(memory.NewStockStore(), reg)

	if _, err := c.Reserve(context.Background(), "MISSING", 1, "api", ""); !errors.Is(err, domain.ErrStockNotFound) {
		t.Fatalf("expected ErrStockNotFound, got %v", err)
	}

	if got := operationCount(t, reg, "reserve", "not_found"); got != 1 {
		t.Fatalf("expected result=not_found count 1, got %v", got)
	}
	if got := operationCount(t, reg, "reserve", "error"); got != 0 {
		t.Fatalf("expected result=error count 0, got %v", got)
	}
}
