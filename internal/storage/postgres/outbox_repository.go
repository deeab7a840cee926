package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/ims/internal/domain"
)

// Статусы записи transactional outbox. Запись проходит pending -> sent
// либо pending -> failed; failed-записи возвращает в pending только
// dlq-reprocess.
const (
	outboxStatusPending = "pending"
	outboxStatusSent    = "sent"
	outboxStatusFailed  = "failed"
)

// outboxRepository хранит складские события в таблице outbox_messages
// и выдаёт их воркеру в порядке записи.
type outboxRepository struct {
	db *sql.DB
}

// NewOutboxRepository создаёт PostgreSQL-реализацию OutboxRepository.
func NewOutboxRepository(store *Store) domain.OutboxRepository {
	return &outboxRepository{db: store.DB()}
}

func (r *outboxRepository) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	const insert = `
		INSERT INTO outbox_messages (
			id, aggregate_type, aggregate_id, event_type, payload,
			status, attempt_count, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,0,$7,$7)`

	now := time.Now().UTC()
	if _, err := r.db.ExecContext(ctx, insert,
		msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload,
		outboxStatusPending, now,
	); err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("enqueue outbox message: %w", err)
	}

	return msg, nil
}

func (r *outboxRepository) PullPending(limit int) ([]domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	const pull = `
		SELECT id, aggregate_type, aggregate_id, event_type, payload
		FROM outbox_messages
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, pull, outboxStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("pull pending outbox messages: %w", err)
	}
	defer rows.Close()

	return scanOutboxMessages(rows, limit)
}

func scanOutboxMessages(rows *sql.Rows, capacity int) ([]domain.OutboxMessage, error) {
	result := make([]domain.OutboxMessage, 0, capacity)
	for rows.Next() {
		var msg domain.OutboxMessage
		if err := rows.Scan(
			&msg.ID,
			&msg.AggregateType,
			&msg.AggregateID,
			&msg.EventType,
			&msg.Payload,
		); err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		result = append(result, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return result, nil
}

// Stats собирает backlog по типам складских событий; общий счётчик и
// возраст самой старой записи выводятся из той же группировки.
func (r *outboxRepository) Stats() (domain.OutboxStats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	const breakdown = `
		SELECT event_type, COUNT(*), MIN(created_at)
		FROM outbox_messages
		WHERE status = $1
		GROUP BY event_type`

	rows, err := r.db.QueryContext(ctx, breakdown, outboxStatusPending)
	if err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox stats query failed: %w", err)
	}
	defer rows.Close()

	stats := domain.OutboxStats{PendingByEventType: make(map[string]int)}
	for rows.Next() {
		var (
			eventType string
			count     int
			oldest    time.Time
		)
		if err := rows.Scan(&eventType, &count, &oldest); err != nil {
			return domain.OutboxStats{}, fmt.Errorf("scan outbox stats row: %w", err)
		}
		stats.PendingByEventType[eventType] = count
		stats.PendingCount += count
		oldest = oldest.UTC()
		if stats.OldestPendingAt.IsZero() || oldest.Before(stats.OldestPendingAt) {
			stats.OldestPendingAt = oldest
		}
	}
	if err := rows.Err(); err != nil {
		return domain.OutboxStats{}, fmt.Errorf("iterate outbox stats rows: %w", err)
	}

	return stats, nil
}

func (r *outboxRepository) MarkSent(id string) error {
	return r.transition(id, outboxStatusSent)
}

func (r *outboxRepository) MarkFailed(id string) error {
	return r.transition(id, outboxStatusFailed)
}

func (r *outboxRepository) transition(id, status string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	const update = `
		UPDATE outbox_messages
		SET status = $2,
		    attempt_count = attempt_count + 1,
		    updated_at = $3
		WHERE id = $1
		RETURNING id`

	var updated string
	err := r.db.QueryRowContext(ctx, update, id, status, time.Now().UTC()).Scan(&updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrOutboxPublish
	}
	if err != nil {
		return fmt.Errorf("mark outbox message as %s: %w", status, err)
	}

	return nil
}

var _ domain.OutboxRepository = (*outboxRepository)(nil)
