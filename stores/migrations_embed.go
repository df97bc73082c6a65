package stores

import (
	"context"
	_ "embed"

	"github.com/oarkflow/squealx"
	"github.com/samber/oops"
)

//go:embed sql_migrations.sql
var migrationsSQL string

// Migrate creates the tables and ledger triggers used by the SQL stores. It
// is idempotent.
func Migrate(ctx context.Context, db *squealx.DB) error {
	if _, err := db.ExecContext(ctx, migrationsSQL); err != nil {
		return oops.With("operation", "migrate").Wrapf(err, "run migrations")
	}
	return nil
}
