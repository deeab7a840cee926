package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StockMetrics содержит метрики операций складского леджера.
type StockMetrics struct {
	// Счётчики операций по действию и результату
	operations *prometheus.CounterVec

	// Конкурентность: конфликты версий и исчерпанные ретраи
	versionConflicts prometheus.Counter
	retriesExhausted prometheus.Counter

	// Отклонения по бизнес-правилам
	insufficientStock prometheus.Counter
	overReleases      prometheus.Counter

	// Предзаказный поток
	preOrderReserves prometheus.Counter
	preOrderFulfills prometheus.Counter

	// Гистограмма времени выполнения операции
	operationDuration *prometheus.HistogramVec

	// События outbox
	outboxEvents prometheus.Counter

	// Gauge для операций в полёте
	inFlight prometheus.Gauge
}

// NewStockMetrics создаёт новый экземпляр метрик леджера.
func NewStockMetrics() *StockMetrics {
	return newStockMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewStockMetricsWithRegisterer регистрирует метрики леджера в переданном
// registerer; используется с изолированными registry.
func NewStockMetricsWithRegisterer(registerer prometheus.Registerer) *StockMetrics {
	return newStockMetricsWithRegisterer(registerer)
}

func newStockMetricsWithRegisterer(registerer prometheus.Registerer) *StockMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &StockMetrics{
		operations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "ims_stock_operations_total",
			Help: "Total number of stock ledger operations by action and result",
		}, []string{"action", "result"}),
		versionConflicts: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ims_stock_version_conflicts_total",
			Help: "Total number of optimistic lock conflicts during stock saves",
		}),
		retriesExhausted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ims_stock_retries_exhausted_total",
			Help: "Total number of operations that ran out of conflict retries",
		}),
		insufficientStock: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ims_stock_insufficient_total",
			Help: "Total number of reservations rejected for insufficient stock",
		}),
		overReleases: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ims_stock_over_releases_total",
			Help: "Total number of releases rejected for exceeding outstanding reservations",
		}),
		preOrderReserves: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ims_pre_order_reserves_total",
			Help: "Total number of reservations accepted against future supply",
		}),
		preOrderFulfills: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ims_pre_order_fulfills_total",
			Help: "Total number of pre-orders fulfilled by incoming restocks",
		}),
		operationDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "ims_stock_operation_duration_seconds",
			Help:    "Duration of stock ledger operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"action"}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ims_outbox_events_total",
			Help: "Total number of stock events enqueued into the outbox",
		}),
		inFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "ims_stock_operations_in_flight",
			Help: "Number of stock ledger operations currently in flight",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordOperation увеличивает счётчик операций по действию и результату.
func (m *StockMetrics) RecordOperation(action, result string) {
	m.operations.WithLabelValues(action, result).Inc()
}

// RecordVersionConflict увеличивает счётчик конфликтов версий.
func (m *StockMetrics) RecordVersionConflict() {
	m.versionConflicts.Inc()
}

// RecordRetriesExhausted увеличивает счётчик операций, исчерпавших ретраи.
func (m *StockMetrics) RecordRetriesExhausted() {
	m.retriesExhausted.Inc()
}

// RecordInsufficientStock увеличивает счётчик отказов из-за нехватки остатка.
func (m *StockMetrics) RecordInsufficientStock() {
	m.insufficientStock.Inc()
}

// RecordOverRelease увеличивает счётчик отказов из-за over-release.
func (m *StockMetrics) RecordOverRelease() {
	m.overReleases.Inc()
}

// RecordPreOrderReserve увеличивает счётчик предзаказных резервов.
func (m *StockMetrics) RecordPreOrderReserve() {
	m.preOrderReserves.Inc()
}

// RecordPreOrderFulfill увеличивает счётчик закрытых предзаказов.
func (m *StockMetrics) RecordPreOrderFulfill() {
	m.preOrderFulfills.Inc()
}

// RecordOperationDuration записывает время выполнения операции.
func (m *StockMetrics) RecordOperationDuration(action string, duration time.Duration) {
	m.operationDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *StockMetrics) RecordOutboxEvent() {
	m.outboxEvents.Inc()
}

// RecordOperationStarted увеличивает количество операций в полёте.
func (m *StockMetrics) RecordOperationStarted() {
	m.inFlight.Inc()
}

// RecordOperationFinished уменьшает количество операций в полёте.
func (m *StockMetrics) RecordOperationFinished() {
	m.inFlight.Dec()
}
