package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ims/internal/app"
	"github.com/vladislavdragonenkov/ims/internal/config"
)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)
}

// toAppConfig переносит прочитанную конфигурацию в настройки приложения.
// Нулевые и невалидные значения не переопределяют значения по умолчанию.
func toAppConfig(cfg *config.Config) app.Config {
	out := app.DefaultConfig()
	if cfg == nil {
		return out
	}

	if cfg.HTTP.Addr != "" {
		out.HTTPAddr = cfg.HTTP.Addr
	}
	if cfg.HTTP.ReadTimeout > 0 {
		out.HTTPReadTimeout = cfg.HTTP.ReadTimeout
	}
	if cfg.Metrics.Addr != "" {
		out.MetricsAddr = cfg.Metrics.Addr
	}
	if cfg.Storage.Driver != "" {
		out.StorageDriver = cfg.Storage.Driver
	}
	out.PostgresAutoMigrate = cfg.Storage.AutoMigrate
	out.PostgresDSN = cfg.Postgres.DSN
	out.KafkaBrokers = cfg.Kafka.Brokers
	if cfg.Kafka.ConsumerGroup != "" {
		out.KafkaConsumerGroup = cfg.Kafka.ConsumerGroup
	}
	if cfg.Outbox.PollInterval > 0 {
		out.OutboxPollInterval = cfg.Outbox.PollInterval
	}
	if cfg.Outbox.BatchSize > 0 {
		out.OutboxBatchSize = cfg.Outbox.BatchSize
	}
	if cfg.Idempotency.TTL > 0 {
		out.IdempotencyTTL = cfg.Idempotency.TTL
	}
	if cfg.Idempotency.CleanupInterval > 0 {
		out.IdempotencyCleanupInterval = cfg.Idempotency.CleanupInterval
	}

	return out
}

func main() {
	setupLogger()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("не удалось прочитать конфигурацию")
	}
	appCfg := toAppConfig(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"http_addr":      appCfg.HTTPAddr,
		"metrics_addr":   appCfg.MetricsAddr,
		"storage_driver": appCfg.StorageDriver,
	}).Info("запускаем StockService")

	if err := app.Run(ctx, appCfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("StockService остановлен")
}
