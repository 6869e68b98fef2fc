package store

import (
	"database/sql"
	"embed"

	"magnetgate/pkg/database"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// MigrateBuiltins creates the tables for the built-in sensor types.
// Tables for config-added types are provisioned separately via EnsureTable.
func MigrateBuiltins(db *sql.DB, dbName string) error {
	return database.Migrate(db, migrationFS, "migrations", dbName)
}
