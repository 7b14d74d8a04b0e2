package stores

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/oarkflow/squealx"
)

//go:embed sql_migrations.sql
var migrationsSQL string

// Migrate creates the tables used by SQLStore and SQLAuditSink. Statements
// run one at a time so drivers without multi-statement support work too.
func Migrate(ctx context.Context, db *squealx.DB) error {
	for _, stmt := range strings.Split(migrationsSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}
	return nil
}
