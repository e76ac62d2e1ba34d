package storage

import (
	"context"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var schema string

// EnsureSchema creates the WAL tables when they do not exist yet.
func (w *WAL) EnsureSchema(ctx context.Context) error {
	if _, err := w.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply wal schema: %w", err)
	}
	return nil
}
