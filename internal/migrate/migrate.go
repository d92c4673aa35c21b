// Package migrate applies embedded SQL migrations.
package migrate

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/and161185/neodb-bridge/migrations"
)

// Up runs all pending migrations from the embedded filesystem.
func Up(ctx context.Context, dsn string, log *zap.Logger) error {
	return run(ctx, dsn, log, func(db *sql.DB) error {
		return goose.UpContext(ctx, db, ".")
	})
}

// Status logs the applied/pending state of every migration.
func Status(ctx context.Context, dsn string, log *zap.Logger) error {
	return run(ctx, dsn, log, func(db *sql.DB) error {
		return goose.StatusContext(ctx, db, ".")
	})
}

// Down rolls back the most recent migration.
func Down(ctx context.Context, dsn string, log *zap.Logger) error {
	return run(ctx, dsn, log, func(db *sql.DB) error {
		return goose.DownContext(ctx, db, ".")
	})
}

func run(_ context.Context, dsn string, log *zap.Logger, fn func(*sql.DB) error) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(gooseLogger{log.Sugar()})
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := fn(db); err != nil {
		return fmt.Errorf("goose: %w", err)
	}
	return nil
}

// gooseLogger routes goose output through zap.
type gooseLogger struct{ s *zap.SugaredLogger }

func (l gooseLogger) Printf(format string, v ...any) { l.s.Infof(format, v...) }
func (l gooseLogger) Fatalf(format string, v ...any) { l.s.Fatalf(format, v...) }
