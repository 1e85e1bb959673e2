package metadata

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migration directions accepted by Migrate.
const (
	MigrateUp     = "up"
	MigrateDown   = "down"
	MigrateStatus = "status"
)

// ErrUnknownDirection is returned for an unsupported migration command.
var ErrUnknownDirection = errors.New("unknown migration direction")

// Migrate applies the embedded schema migrations to db.
func Migrate(ctx context.Context, db *sql.DB, direction string, log *slog.Logger) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(&gooseLogger{log: log})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	var err error
	switch direction {
	case MigrateUp:
		err = goose.UpContext(ctx, db, "migrations")
	case MigrateDown:
		err = goose.DownContext(ctx, db, "migrations")
	case MigrateStatus:
		err = goose.StatusContext(ctx, db, "migrations")
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDirection, direction)
	}
	if err != nil {
		return fmt.Errorf("migrate %s: %w", direction, err)
	}
	return nil
}

// gooseLogger routes goose output through slog.
type gooseLogger struct {
	log *slog.Logger
}

func (g *gooseLogger) Printf(format string, args ...any) {
	g.log.Info(fmt.Sprintf(format, args...))
}

func (g *gooseLogger) Fatalf(format string, args ...any) {
	g.log.Error(fmt.Sprintf(format, args...))
}
