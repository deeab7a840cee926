package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/ims/internal/domain"
)

const (
	opTimeout = 5 * time.Second
)

const stockColumns = `
	id, sku, product_id, variations, variation_key,
	quantity, reserved, low_stock_threshold, status, expected_restock_at,
	max_pre_order_quantity, pre_order_count, version, created_at, updated_at
`

type stockRepository struct {
	db *sql.DB
}

// NewStockRepository создаёт PostgreSQL-реализацию StockRepository.
func NewStockRepository(store *Store) domain.StockRepository {
	return &stockRepository{db: store.DB()}
}

func (r *stockRepository) Create(record domain.StockRecord) error {
	if errs := record.ValidateInvariants(); len(errs) != 0 {
		return fmt.Errorf("invalid stock record: %v", errs[0])
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	variations, err := json.Marshal(record.Variations)
	if err != nil {
		return fmt.Errorf("marshal variations: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO stock_records (`+stockColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`,
		record.ID, record.SKU, record.ProductID, variations, record.Variations.Key(),
		record.Quantity, record.Reserved, record.LowStockThreshold, string(record.Status),
		nullTime(record.ExpectedRestockAt),
		record.MaxPreOrderQuantity, record.PreOrderCount, record.Version,
		record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateVariationSet
		}
		return fmt.Errorf("insert stock record: %w", err)
	}

	return nil
}

func (r *stockRepository) Get(id string) (domain.StockRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	return r.queryOne(ctx, `
		SELECT `+stockColumns+`
		FROM stock_records
		WHERE id = $1
	`, id)
}

func (r *stockRepository) GetBySKU(sku string) (domain.StockRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	return r.queryOne(ctx, `
		SELECT `+stockColumns+`
		FROM stock_records
		WHERE sku = $1
	`, sku)
}

func (r *stockRepository) ResolveByVariations(productID string, variations domain.VariationSet) (domain.StockRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	// Уникальный индекс (product_id, variation_key) гарантирует
	// не более одного совпадения на канонический ключ.
	return r.queryOne(ctx, `
		SELECT `+stockColumns+`
		FROM stock_records
		WHERE product_id = $1
		  AND variation_key = $2
	`, productID, variations.Key())
}

func (r *stockRepository) ListByProduct(productID string) ([]domain.StockRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+stockColumns+`
		FROM stock_records
		WHERE product_id = $1
		ORDER BY sku ASC
	`, productID)
	if err != nil {
		return nil, fmt.Errorf("list stock records: %w", err)
	}
	defer rows.Close()

	records := make([]domain.StockRecord, 0)
	for rows.Next() {
		record, err := scanStock(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stock rows: %w", err)
	}

	return records, nil
}

// Save перезаписывает запись с проверкой версии и вставляет записи аудита
// в той же транзакции. При расхождении версии возвращает
// ErrStockVersionConflict, историю не фиксирует.
func (r *stockRepository) Save(record domain.StockRecord, history ...domain.StockHistoryEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE stock_records
		SET quantity = $1,
		    reserved = $2,
		    low_stock_threshold = $3,
		    status = $4,
		    expected_restock_at = $5,
		    max_pre_order_quantity = $6,
		    pre_order_count = $7,
		    version = version + 1,
		    updated_at = $8
		WHERE id = $9
		  AND version = $10
	`,
		record.Quantity,
		record.Reserved,
		record.LowStockThreshold,
		string(record.Status),
		nullTime(record.ExpectedRestockAt),
		record.MaxPreOrderQuantity,
		record.PreOrderCount,
		record.UpdatedAt,
		record.ID,
		record.Version,
	)
	if err != nil {
		return fmt.Errorf("update stock record: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		exists, existsErr := r.stockExistsTx(ctx, tx, record.ID)
		if existsErr != nil {
			err = existsErr
			return err
		}
		if !exists {
			err = domain.ErrStockNotFound
			return err
		}
		err = domain.ErrStockVersionConflict
		return err
	}

	for _, entry := range history {
		if entry.StockID == "" {
			entry.StockID = record.ID
		}
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO stock_history (
				stock_id, quantity_before, quantity_after, action, reference, updated_by, occurred_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7)
		`,
			entry.StockID, entry.QuantityBefore, entry.QuantityAfter,
			string(entry.Action), entry.Reference, entry.UpdatedBy, entry.OccurredAt,
		); err != nil {
			return fmt.Errorf("insert stock history entry: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save stock record: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *stockRepository) queryOne(ctx context.Context, query string, args ...any) (domain.StockRecord, error) {
	record, err := scanStock(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.StockRecord{}, domain.ErrStockNotFound
		}
		return domain.StockRecord{}, err
	}
	return record, nil
}

func scanStock(row rowScanner) (domain.StockRecord, error) {
	var (
		record            domain.StockRecord
		status            string
		variationsRaw     []byte
		variationKey      string
		expectedRestockAt sql.NullTime
	)

	if err := row.Scan(
		&record.ID, &record.SKU, &record.ProductID, &variationsRaw, &variationKey,
		&record.Quantity, &record.Reserved, &record.LowStockThreshold, &status, &expectedRestockAt,
		&record.MaxPreOrderQuantity, &record.PreOrderCount, &record.Version,
		&record.CreatedAt, &record.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.StockRecord{}, err
		}
		return domain.StockRecord{}, fmt.Errorf("scan stock record: %w", err)
	}

	record.Status = domain.StockStatus(status)

	var variations []string
	if len(variationsRaw) > 0 {
		if err := json.Unmarshal(variationsRaw, &variations); err != nil {
			return domain.StockRecord{}, fmt.Errorf("unmarshal variations for %s: %w", record.ID, err)
		}
	}
	record.Variations = domain.VariationSet(variations)

	if expectedRestockAt.Valid {
		record.ExpectedRestockAt = expectedRestockAt.Time.UTC()
	}

	return record, nil
}

func (r *stockRepository) stockExistsTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var found string
	err := tx.QueryRowContext(ctx, `SELECT id FROM stock_records WHERE id = $1`, id).Scan(&found)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check stock exists: %w", err)
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ domain.StockRepository = (*stockRepository)(nil)
