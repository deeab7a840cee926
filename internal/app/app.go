package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/ims/internal/health"
	"github.com/vladislavdragonenkov/ims/internal/httpapi"
	"github.com/vladislavdragonenkov/ims/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/ims/internal/service/idempotency"
	"github.com/vladislavdragonenkov/ims/internal/service/outbox"
	"github.com/vladislavdragonenkov/ims/internal/service/reservation"
	"github.com/vladislavdragonenkov/ims/internal/service/restock"
	"github.com/vladislavdragonenkov/ims/internal/version"
)

// Поддерживаемые storage drivers.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска приложения.
type Config struct {
	HTTPAddr        string
	HTTPReadTimeout time.Duration
	MetricsAddr     string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool

	KafkaBrokers       string
	KafkaConsumerGroup string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration

	IdempotencyTTL              time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int
}

// DefaultConfig возвращает конфигурацию для локального запуска:
// HTTP API на :8080, метрики на :9090, in-memory хранилище.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:                    ":8080",
		HTTPReadTimeout:             15 * time.Second,
		MetricsAddr:                 ":9090",
		StorageDriver:               StorageDriverMemory,
		PostgresAutoMigrate:         true,
		KafkaConsumerGroup:          "ims-stock-service",
		OutboxPollInterval:          time.Second,
		OutboxBatchSize:             100,
		OutboxMaxAttempts:           5,
		OutboxRetryDelay:            500 * time.Millisecond,
		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,
	}
}

// Run запускает стоковый сервис и блокируется до отмены контекста
// или ошибки HTTP-сервера.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if deps.closeFn != nil {
		defer func() {
			if closeErr := deps.closeFn(); closeErr != nil {
				logger.WithError(closeErr).Warn("failed to close storage")
			}
		}()
	}

	// Kafka опционален: без brokers сервис работает, но outbox-события
	// остаются pending, а restock-фид не потребляется.
	kafkaProducer, _ := initKafkaProducer(cfg.KafkaBrokers, logger)
	defer closeKafkaProducer(kafkaProducer, logger)

	coordinator := reservation.NewCoordinator(
		deps.stockRepo,
		deps.historyRepo,
		deps.outboxRepo,
		logger.WithField("layer", "service"),
	)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var outboxDone chan struct{}
	if kafkaProducer != nil {
		worker := outbox.NewWorker(
			deps.outboxRepo,
			kafka.NewOutboxPublisher(kafkaProducer, kafka.TopicStockEvents),
			outbox.Settings{
				Logger:         logger.WithField("component", "outbox-worker"),
				DLQPublisher:   kafka.NewOutboxPublisher(kafkaProducer, kafka.TopicDeadLetterQueue),
				PollInterval:   cfg.OutboxPollInterval,
				BatchSize:      cfg.OutboxBatchSize,
				MaxAttempts:    cfg.OutboxMaxAttempts,
				RetryBaseDelay: cfg.OutboxRetryDelay,
			},
		)
		outboxDone = make(chan struct{})
		go func() {
			defer close(outboxDone)
			worker.Run(workerCtx)
		}()
	}

	cleanupWorker := idempotency.NewCleanupWorker(deps.idempotencyRepo, idempotency.CleanupSettings{
		Logger:    logger.WithField("component", "idempotency-cleanup"),
		Interval:  cfg.IdempotencyCleanupInterval,
		BatchSize: cfg.IdempotencyCleanupBatchSize,
	})
	cleanupDone := make(chan struct{})
	go func() {
		defer close(cleanupDone)
		cleanupWorker.Run(workerCtx)
	}()

	var restockConsumer *kafka.Consumer
	if kafkaProducer != nil {
		restockHandler := restock.NewHandler(coordinator, logger.WithField("component", "restock"))
		consumer, consumerErr := kafka.NewConsumerWithDLQ(
			splitBrokers(cfg.KafkaBrokers),
			cfg.KafkaConsumerGroup,
			[]string{kafka.TopicRestockIntake},
			restockHandler.Handle,
			kafkaProducer,
			3,
		)
		if consumerErr != nil {
			logger.WithError(consumerErr).Warn("failed to create restock consumer, continuing without it")
		} else if startErr := consumer.Start(ctx); startErr != nil {
			logger.WithError(startErr).Warn("failed to start restock consumer")
		} else {
			restockConsumer = consumer
		}
	}

	healthHandler := healthcheck.NewHandler(version.String())
	if deps.storageChecker != nil {
		healthHandler.RegisterChecker("storage", deps.storageChecker)
	}
	if kafkaProducer != nil {
		healthHandler.RegisterChecker("kafka", healthcheck.NewPingChecker("kafka", kafkaProducer.Ping))
	}

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	api := httpapi.NewApp(httpapi.RouterOptions{
		Coordinator:     coordinator,
		IdempotencyRepo: deps.idempotencyRepo,
		IdempotencyTTL:  cfg.IdempotencyTTL,
		ReadTimeout:     cfg.HTTPReadTimeout,
		Logger:          logger.WithField("component", "httpapi"),
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("HTTP API слушает %s", cfg.HTTPAddr)
		errCh <- api.Listen(cfg.HTTPAddr)
	}()

	stop := func() {
		if err := api.ShutdownWithTimeout(5 * time.Second); err != nil {
			logger.WithError(err).Warn("http api shutdown with error")
		}
		stopRestockConsumer(restockConsumer, logger)
		shutdownOutboxWorker(workerCancel, outboxDone, logger)
		shutdownOutboxWorker(nil, cleanupDone, logger)
		shutdownHTTP(metricsSrv, logger)
	}

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем сервис")
		stop()
		return ctx.Err()
	case err := <-errCh:
		stop()
		return err
	}
}

// startMetricsServer запускает HTTP-обработчик /metrics для Prometheus
// вместе с health-эндпоинтами.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}

// shutdownOutboxWorker отменяет контекст фонового воркера и ждёт его
// завершения не дольше пяти секунд.
func shutdownOutboxWorker(cancel context.CancelFunc, done <-chan struct{}, logger *log.Entry) {
	if cancel != nil {
		cancel()
	}
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn("background worker did not stop in time")
	}
}

func stopRestockConsumer(consumer *kafka.Consumer, logger *log.Entry) {
	if consumer == nil {
		return
	}
	if err := consumer.Stop(); err != nil {
		logger.WithError(err).Warn("failed to stop restock consumer")
	}
}
