// Команда migrate управляет схемой складской БД: применяет и
// откатывает миграции, показывает версию журнала.
//
//	migrate [flags] up|down|status
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/ims/internal/storage/postgres"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	steps := fs.Int("steps", 0, "number of migrations to apply/rollback (0=all for up, 1 for down)")
	dsn := fs.String("dsn", "", "PostgreSQL DSN (fallback: IMS_POSTGRES_DSN)")
	timeout := fs.Duration("timeout", 30*time.Second, "overall timeout for the command")
	if err := fs.Parse(args); err != nil {
		return err
	}

	command := strings.ToLower(strings.TrimSpace(fs.Arg(0)))
	if command == "" {
		command = "status"
	}

	target := strings.TrimSpace(*dsn)
	if target == "" {
		target = strings.TrimSpace(os.Getenv("IMS_POSTGRES_DSN"))
	}
	if target == "" {
		return fmt.Errorf("IMS_POSTGRES_DSN (or -dsn) is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := postgres.Open(ctx, target)
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer store.Close()

	switch command {
	case "up":
		if err := store.MigrateUp(ctx, *steps); err != nil {
			return fmt.Errorf("migrate up failed: %w", err)
		}
		return report(ctx, store, out, "migrate up ok")
	case "down":
		n := *steps
		if n <= 0 {
			n = 1
		}
		if err := store.MigrateDown(ctx, n); err != nil {
			return fmt.Errorf("migrate down failed: %w", err)
		}
		return report(ctx, store, out, "migrate down ok")
	case "status":
		return report(ctx, store, out, "migration status")
	default:
		return fmt.Errorf("unsupported command: %s (use up|down|status)", command)
	}
}

func report(ctx context.Context, store *postgres.Store, out io.Writer, prefix string) error {
	version, applied, err := store.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status failed: %w", err)
	}
	_, _ = fmt.Fprintf(out, "%s: version=%d applied=%d\n", prefix, version, applied)
	return nil
}
