// Package idempotency содержит фоновую очистку просроченных ключей
// идемпотентности складских мутаций.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ims/internal/domain"
)

const (
	defaultSweepInterval  = 10 * time.Minute
	defaultSweepBatchSize = 500
)

var (
	sweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ims_idempotency_sweep_runs_total",
		Help: "Idempotency key sweep runs, by result.",
	}, []string{"result"})
	expiredKeysDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ims_idempotency_expired_keys_deleted_total",
		Help: "Expired idempotency keys removed by the sweeper.",
	})
	lastSweepDeleted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ims_idempotency_last_sweep_deleted",
		Help: "Keys removed during the most recent sweep.",
	})
)

// CleanupSettings задаёт расписание очистки. Нулевые поля заменяются
// значениями по умолчанию.
type CleanupSettings struct {
	Logger    *log.Entry
	Interval  time.Duration
	BatchSize int
}

func (s CleanupSettings) withDefaults() CleanupSettings {
	if s.Logger == nil {
		s.Logger = log.WithField("component", "idempotency-cleanup-worker")
	}
	if s.Interval <= 0 {
		s.Interval = defaultSweepInterval
	}
	if s.BatchSize <= 0 {
		s.BatchSize = defaultSweepBatchSize
	}
	return s
}

// CleanupWorker порциями удаляет ключи идемпотентности с истёкшим TTL,
// чтобы таблица не росла вместе с историей складских запросов.
type CleanupWorker struct {
	repo     domain.IdempotencyRepository
	settings CleanupSettings
	logger   *log.Entry
}

// NewCleanupWorker создаёт воркер очистки ключей идемпотентности.
func NewCleanupWorker(repo domain.IdempotencyRepository, settings CleanupSettings) *CleanupWorker {
	settings = settings.withDefaults()
	return &CleanupWorker{
		repo:     repo,
		settings: settings,
		logger:   settings.Logger,
	}
}

// Run запускает периодическую очистку до отмены контекста.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup worker is disabled: repo is nil")
		return
	}

	w.runSweep(ctx)

	ticker := time.NewTicker(w.settings.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runSweep(ctx)
		}
	}
}

func (w *CleanupWorker) runSweep(ctx context.Context) {
	deleted, err := w.Sweep(ctx, time.Now().UTC())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		sweepRuns.WithLabelValues("error").Inc()
		w.logger.WithError(err).Warn("idempotency sweep failed")
		return
	}

	sweepRuns.WithLabelValues("ok").Inc()
	lastSweepDeleted.Set(float64(deleted))
	if deleted > 0 {
		w.logger.WithField("deleted", deleted).Info("expired idempotency keys removed")
	}
}

// Sweep удаляет все записи с TTL не позже before порциями BatchSize
// и возвращает суммарное число удалённых ключей.
func (w *CleanupWorker) Sweep(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		deleted, err := w.repo.DeleteExpired(before, w.settings.BatchSize)
		if err != nil {
			return total, err
		}

		total += deleted
		if deleted > 0 {
			expiredKeysDeleted.Add(float64(deleted))
		}
		if deleted < w.settings.BatchSize {
			return total, nil
		}
	}
}
