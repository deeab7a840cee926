package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vladislavdragonenkov/ims/internal/domain"
)

type historyRepository struct {
	db *sql.DB
}

// NewHistoryRepository создаёт PostgreSQL-реализацию HistoryRepository.
// Записи аудита вставляет stockRepository.Save в транзакции сохранения;
// здесь только чтение.
func NewHistoryRepository(store *Store) domain.HistoryRepository {
	return &historyRepository{db: store.DB()}
}

// ListByStock возвращает аудит записи, новые первыми; offset отсчитывается
// от самой свежей записи.
func (r *historyRepository) ListByStock(stockID string, limit, offset int) ([]domain.StockHistoryEntry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, stock_id, quantity_before, quantity_after, action, reference, updated_by, occurred_at
		FROM stock_history
		WHERE stock_id = $1
		ORDER BY occurred_at DESC, id DESC
	`

	var (
		rows *sql.Rows
		err  error
	)

	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, query+" LIMIT $2 OFFSET $3", stockID, limit, offset)
	} else {
		rows, err = r.db.QueryContext(ctx, query+" OFFSET $2", stockID, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list stock history: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.StockHistoryEntry, 0)
	for rows.Next() {
		var (
			entry  domain.StockHistoryEntry
			action string
		)
		if err := rows.Scan(
			&entry.ID, &entry.StockID, &entry.QuantityBefore, &entry.QuantityAfter,
			&action, &entry.Reference, &entry.UpdatedBy, &entry.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("scan stock history entry: %w", err)
		}
		entry.Action = domain.StockAction(action)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stock history rows: %w", err)
	}

	return entries, nil
}

// CountByStock возвращает полное число записей аудита складской записи.
func (r *historyRepository) CountByStock(stockID string) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var total int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stock_history WHERE stock_id = $1`, stockID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("count stock history: %w", err)
	}
	return total, nil
}

var _ domain.HistoryRepository = (*historyRepository)(nil)
