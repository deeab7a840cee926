// Package outbox доставляет складские события из transactional outbox
// в брокер, с ретраями и dead letter queue для недоставленных.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ims/internal/domain"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
)

// Метрики раскладываются по типу складского события: backlog по
// stock.reserved ведёт себя иначе, чем по stock.restocked, и алертинг
// на них настраивается отдельно.
var (
	publishedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ims_outbox_published_events_total",
		Help: "Stock events delivered from the transactional outbox, by event type.",
	}, []string{"event_type"})
	publishRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ims_outbox_publish_retries_total",
		Help: "Failed publish attempts that were retried, by event type.",
	}, []string{"event_type"})
	deadLetteredEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ims_outbox_dead_lettered_events_total",
		Help: "Stock events routed to the dead letter queue, by event type.",
	}, []string{"event_type"})
	pendingEvents = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ims_outbox_pending_events",
		Help: "Pending outbox backlog, by event type.",
	}, []string{"event_type"})
	oldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ims_outbox_oldest_pending_age_seconds",
		Help: "Age in seconds of the oldest pending outbox event.",
	})
)

// Settings задаёт параметры доставки. Нулевые поля заменяются
// значениями по умолчанию; RetryBaseDelay < 0 отключает паузы
// между попытками.
type Settings struct {
	Logger         *log.Entry
	DLQPublisher   domain.OutboxPublisher
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.Logger == nil {
		s.Logger = log.WithField("component", "outbox-worker")
	}
	if s.PollInterval <= 0 {
		s.PollInterval = defaultPollInterval
	}
	if s.BatchSize <= 0 {
		s.BatchSize = defaultBatchSize
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = defaultMaxAttempts
	}
	if s.RetryBaseDelay == 0 {
		s.RetryBaseDelay = defaultRetryBaseDelay
	}
	return s
}

// Worker вычитывает pending-события складского леджера и публикует их
// в брокер в порядке постановки.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	settings  Settings
	logger    *log.Entry
}

// NewWorker создаёт воркера доставки outbox-событий.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, settings Settings) *Worker {
	settings = settings.withDefaults()
	return &Worker{
		repo:      repo,
		publisher: publisher,
		settings:  settings,
		logger:    settings.Logger,
	}
}

// DrainSummary — итог одного цикла доставки.
type DrainSummary struct {
	Published    int
	DeadLettered int
}

// Run опрашивает outbox до отмены контекста.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.settings.PollInterval)
	defer ticker.Stop()

	w.DrainOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary := w.DrainOnce(ctx)
			if summary.DeadLettered > 0 {
				w.logger.WithFields(log.Fields{
					"published":     summary.Published,
					"dead_lettered": summary.DeadLettered,
				}).Warn("outbox drain finished with dead letters")
			}
		}
	}
}

// DrainOnce выполняет один цикл доставки: публикует доступный батч
// pending-событий и обновляет метрики backlog.
func (w *Worker) DrainOnce(ctx context.Context) DrainSummary {
	var summary DrainSummary
	if ctx.Err() != nil {
		return summary
	}

	w.observeBacklog()

	events, err := w.repo.PullPending(w.settings.BatchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull pending outbox events")
		return summary
	}

	for _, event := range events {
		if ctx.Err() != nil {
			return summary
		}

		if err := w.deliver(ctx, event); err != nil {
			w.logger.WithError(err).WithFields(log.Fields{
				"outbox_id":  event.ID,
				"event_type": event.EventType,
			}).Error("outbox event exhausted publish attempts")
			w.routeToDeadLetters(event, err)
			summary.DeadLettered++
			continue
		}

		publishedEvents.WithLabelValues(event.EventType).Inc()
		summary.Published++
		if err := w.repo.MarkSent(event.ID); err != nil {
			w.logger.WithError(err).WithField("outbox_id", event.ID).Warn("failed to mark outbox event as sent")
		}
	}

	if len(events) > 0 {
		w.observeBacklog()
	}
	return summary
}

// deliver публикует одно событие, ретраясь с exponential backoff.
func (w *Worker) deliver(ctx context.Context, event domain.OutboxMessage) error {
	var lastErr error
	for attempt := 1; attempt <= w.settings.MaxAttempts; attempt++ {
		lastErr = w.publisher.Publish(event)
		if lastErr == nil {
			return nil
		}
		if attempt == w.settings.MaxAttempts {
			break
		}

		publishRetries.WithLabelValues(event.EventType).Inc()
		delay := w.backoff(attempt)
		if delay <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("publish failed after %d attempts: %w", w.settings.MaxAttempts, lastErr)
}

func (w *Worker) backoff(attempt int) time.Duration {
	if w.settings.RetryBaseDelay <= 0 {
		return 0
	}
	delay := w.settings.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		if delay > time.Hour {
			return time.Hour
		}
		delay *= 2
	}
	return delay
}

// deadLetter — конверт недоставленного складского события для DLQ.
type deadLetter struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Error         string          `json:"error"`
	FailedAt      time.Time       `json:"failed_at"`
}

// routeToDeadLetters заворачивает событие в DLQ-конверт и помечает его
// failed в outbox, чтобы оно не вычитывалось повторно.
func (w *Worker) routeToDeadLetters(event domain.OutboxMessage, publishErr error) {
	deadLetteredEvents.WithLabelValues(event.EventType).Inc()

	if w.settings.DLQPublisher != nil {
		payload, err := json.Marshal(deadLetter{
			OutboxID:      event.ID,
			AggregateType: event.AggregateType,
			AggregateID:   event.AggregateID,
			EventType:     event.EventType,
			Payload:       json.RawMessage(event.Payload),
			Error:         publishErr.Error(),
			FailedAt:      time.Now().UTC(),
		})
		if err != nil {
			w.logger.WithError(err).WithField("outbox_id", event.ID).Warn("failed to marshal dead letter")
		} else if err := w.settings.DLQPublisher.Publish(domain.OutboxMessage{
			ID:            event.ID,
			AggregateType: event.AggregateType,
			AggregateID:   event.AggregateID,
			EventType:     event.EventType,
			Payload:       payload,
		}); err != nil {
			w.logger.WithError(err).WithField("outbox_id", event.ID).Warn("failed to publish dead letter")
		}
	}

	if err := w.repo.MarkFailed(event.ID); err != nil {
		w.logger.WithError(err).WithField("outbox_id", event.ID).Warn("failed to mark outbox event as failed")
	}
}

// observeBacklog переносит срез backlog из репозитория в метрики.
func (w *Worker) observeBacklog() {
	stats, err := w.repo.Stats()
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}

	pendingEvents.Reset()
	for eventType, count := range stats.PendingByEventType {
		pendingEvents.WithLabelValues(eventType).Set(float64(count))
	}

	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		oldestPendingAge.Set(0)
		return
	}
	age := time.Since(stats.OldestPendingAt).Seconds()
	if age < 0 {
		age = 0
	}
	oldestPendingAge.Set(age)
}
