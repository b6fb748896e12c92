package sql

import (
	"context"
	_ "embed"
	"fmt"
)

//go:embed migrations/001_init.sql
var initSchema string

// Migrate applies the schema. It is idempotent (every statement is
// IF NOT EXISTS) so it is safe to call on every process start.
func (c *conn) Migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, initSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
