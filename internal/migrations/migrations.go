// Package migrations embeds the database schema and applies it with goose.
package migrations

import (
	"fmt"
	"io/fs"

	"embed"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

//go:embed sql/*.sql
var embedded embed.FS

// FS exposes the embedded migration files.
func FS() fs.FS {
	return embedded
}

// Up applies all pending migrations.
func Up(db *sqlx.DB) error {
	goose.SetBaseFS(embedded)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}

	if err := goose.Up(db.DB, "sql"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}
