package app

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ims/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/ims/internal/health"
	"github.com/vladislavdragonenkov/ims/internal/storage/memory"
	"github.com/vladislavdragonenkov/ims/internal/storage/postgres"
)

// runtimeDependencies — набор репозиториев, собранный под выбранный
// storage driver. closeFn освобождает ресурсы хранилища.
type runtimeDependencies struct {
	stockRepo       domain.StockRepository
	historyRepo     domain.HistoryRepository
	outboxRepo      domain.OutboxRepository
	idempotencyRepo domain.IdempotencyRepository
	storageChecker  healthcheck.Checker
	closeFn         func() error
}

// initRuntimeDependencies собирает зависимости приложения.
// memory-driver используется для локальной разработки и тестов,
// postgres — для production.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (runtimeDependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	switch cfg.StorageDriver {
	case StorageDriverMemory:
		store := memory.NewStockStore()
		return runtimeDependencies{
			stockRepo:       store,
			historyRepo:     store,
			outboxRepo:      memory.NewOutboxRepository(),
			idempotencyRepo: memory.NewIdempotencyRepository(),
		}, nil

	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return runtimeDependencies{}, errors.New("postgres storage driver requires a DSN")
		}

		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return runtimeDependencies{}, fmt.Errorf("open postgres store: %w", err)
		}

		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				_ = store.Close()
				return runtimeDependencies{}, fmt.Errorf("apply migrations: %w", err)
			}
			logger.Info("postgres migrations applied")
		}

		return runtimeDependencies{
			stockRepo:       postgres.NewStockRepository(store),
			historyRepo:     postgres.NewHistoryRepository(store),
			outboxRepo:      postgres.NewOutboxRepository(store),
			idempotencyRepo: postgres.NewIdempotencyRepository(store),
			storageChecker:  healthcheck.NewPingChecker("postgres", store.Ping),
			closeFn:         store.Close,
		}, nil

	default:
		return runtimeDependencies{}, fmt.Errorf("unsupported storage driver: %s", cfg.StorageDriver)
	}
}
