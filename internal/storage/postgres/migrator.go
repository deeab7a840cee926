package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed sql/migrations/*.sql
var migrationsFS embed.FS

// Журнал миграций складской схемы. Ключ advisory-lock выводится из имени
// журнала: параллельные экземпляры сервиса с AutoMigrate не гоняются за DDL.
const migrationJournal = "stock_schema_migrations"

var migrationJournalDDL = fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, migrationJournal)

func migrationLockKey() int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(migrationJournal))
	return int64(h.Sum64())
}

type migrationDirection string

const (
	migrationUp   migrationDirection = "up"
	migrationDown migrationDirection = "down"
)

// migration — пара up/down скриптов одной версии складской схемы.
type migration struct {
	Version int64
	Name    string
	Up      string
	Down    string
}

// MigrateUp применяет недостающие up-миграции складской схемы.
// steps=0 означает "применить все доступные".
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.migrate(ctx, migrationUp, steps)
}

// MigrateDown откатывает применённые миграции.
// steps<=0 интерпретируется как 1 шаг для безопасного поведения.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.migrate(ctx, migrationDown, steps)
}

// MigrationStatus возвращает текущую версию схемы и число применённых миграций.
func (s *Store) MigrationStatus(ctx context.Context) (int64, int, error) {
	if s == nil || s.db == nil {
		return 0, 0, errors.New("postgres store is not initialized")
	}

	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(queryCtx, migrationJournalDDL); err != nil {
		return 0, 0, fmt.Errorf("ensure migration journal: %w", err)
	}

	var (
		version int64
		count   int
	)
	query := fmt.Sprintf(`SELECT COALESCE(MAX(version), 0), COUNT(*) FROM %s`, migrationJournal)
	if err := s.db.QueryRowContext(queryCtx, query).Scan(&version, &count); err != nil {
		return 0, 0, fmt.Errorf("query migration journal: %w", err)
	}

	return version, count, nil
}

func (s *Store) migrate(ctx context.Context, direction migrationDirection, steps int) error {
	if s == nil || s.db == nil {
		return errors.New("postgres store is not initialized")
	}
	if direction != migrationUp && direction != migrationDown {
		return fmt.Errorf("unsupported migration direction: %s", direction)
	}

	migrations, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		return err
	}

	// Advisory lock живёт на уровне соединения, поэтому весь прогон
	// выполняется на одном Conn.
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	key := migrationLockKey()
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", key); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", key)
	}()

	if _, err := conn.ExecContext(ctx, migrationJournalDDL); err != nil {
		return fmt.Errorf("ensure migration journal: %w", err)
	}

	if direction == migrationUp {
		return migrateUp(ctx, conn, migrations, steps)
	}
	return migrateDown(ctx, conn, migrations, steps)
}

func migrateUp(ctx context.Context, conn *sql.Conn, migrations []migration, steps int) error {
	applied, err := journalVersions(ctx, conn)
	if err != nil {
		return err
	}

	done := 0
	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		insert := fmt.Sprintf(`INSERT INTO %s (version, name, applied_at) VALUES ($1, $2, NOW())`, migrationJournal)
		err := inMigrationTx(ctx, conn, fmt.Sprintf("up %d_%s", m.Version, m.Name), func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.Up); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, insert, m.Version, m.Name)
			return err
		})
		if err != nil {
			return err
		}

		done++
		if steps > 0 && done >= steps {
			break
		}
	}

	return nil
}

func migrateDown(ctx context.Context, conn *sql.Conn, migrations []migration, steps int) error {
	byVersion := make(map[int64]migration, len(migrations))
	for _, m := range migrations {
		byVersion[m.Version] = m
	}

	versions, err := journalTail(ctx, conn, steps)
	if err != nil {
		return err
	}

	for _, version := range versions {
		m, ok := byVersion[version]
		if !ok {
			return fmt.Errorf("cannot rollback unknown migration version %d", version)
		}

		remove := fmt.Sprintf(`DELETE FROM %s WHERE version = $1`, migrationJournal)
		err := inMigrationTx(ctx, conn, fmt.Sprintf("down %d_%s", m.Version, m.Name), func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.Down); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, remove, m.Version)
			return err
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// inMigrationTx выполняет один шаг миграции в собственной транзакции:
// скрипт и запись в журнал фиксируются вместе либо не фиксируются вовсе.
func inMigrationTx(ctx context.Context, conn *sql.Conn, label string, fn func(*sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx (%s): %w", label, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("apply migration %s: %w", label, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", label, err)
	}
	return nil
}

func journalVersions(ctx context.Context, conn *sql.Conn) (map[int64]bool, error) {
	query := fmt.Sprintf(`SELECT version FROM %s`, migrationJournal)
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query migration journal: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]bool)
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan journal version: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migration journal: %w", err)
	}

	return applied, nil
}

// journalTail возвращает последние применённые версии, новые первыми.
func journalTail(ctx context.Context, conn *sql.Conn, limit int) ([]int64, error) {
	query := fmt.Sprintf(`SELECT version FROM %s ORDER BY version DESC LIMIT $1`, migrationJournal)
	rows, err := conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query migration journal tail: %w", err)
	}
	defer rows.Close()

	versions := make([]int64, 0, limit)
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan journal tail version: %w", err)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migration journal tail: %w", err)
	}

	return versions, nil
}

func loadMigrationsFromFS(fsys fs.FS) ([]migration, error) {
	files, err := fs.Glob(fsys, "sql/migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("no migration files found")
	}

	byVersion := make(map[int64]*migration)
	for _, file := range files {
		version, name, direction, body, err := parseMigrationFile(fsys, file)
		if err != nil {
			return nil, err
		}

		m, ok := byVersion[version]
		if !ok {
			m = &migration{Version: version, Name: name}
			byVersion[version] = m
		} else if m.Name != name {
			return nil, fmt.Errorf("migration name mismatch for version %d: %s vs %s", version, m.Name, name)
		}

		switch direction {
		case migrationUp:
			if m.Up != "" {
				return nil, fmt.Errorf("duplicate up migration for version %d", version)
			}
			m.Up = body
		case migrationDown:
			if m.Down != "" {
				return nil, fmt.Errorf("duplicate down migration for version %d", version)
			}
			m.Down = body
		}
	}

	versions := make([]int64, 0, len(byVersion))
	for version := range byVersion {
		versions = append(versions, version)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	migrations := make([]migration, 0, len(versions))
	for _, version := range versions {
		m := byVersion[version]
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("migration %d_%s must have both up and down files", m.Version, m.Name)
		}
		migrations = append(migrations, *m)
	}

	return migrations, nil
}

// parseMigrationFile разбирает имя вида 0001_create_stock_records.up.sql.
func parseMigrationFile(fsys fs.FS, file string) (int64, string, migrationDirection, string, error) {
	base := path.Base(file)

	trimmed, ok := strings.CutSuffix(base, ".sql")
	if !ok {
		return 0, "", "", "", fmt.Errorf("invalid migration file name: %s", base)
	}

	var direction migrationDirection
	switch {
	case strings.HasSuffix(trimmed, ".up"):
		direction = migrationUp
		trimmed = strings.TrimSuffix(trimmed, ".up")
	case strings.HasSuffix(trimmed, ".down"):
		direction = migrationDown
		trimmed = strings.TrimSuffix(trimmed, ".down")
	default:
		return 0, "", "", "", fmt.Errorf("invalid migration file name: %s", base)
	}

	rawVersion, name, ok := strings.Cut(trimmed, "_")
	if !ok || name == "" {
		return 0, "", "", "", fmt.Errorf("invalid migration file name: %s", base)
	}
	version, err := strconv.ParseInt(rawVersion, 10, 64)
	if err != nil {
		return 0, "", "", "", fmt.Errorf("parse migration version from %s: %w", base, err)
	}

	raw, err := fs.ReadFile(fsys, file)
	if err != nil {
		return 0, "", "", "", fmt.Errorf("read migration file %s: %w", file, err)
	}
	body := strings.TrimSpace(string(raw))
	if body == "" {
		return 0, "", "", "", fmt.Errorf("migration file is empty: %s", base)
	}

	return version, name, direction, body, nil
}
