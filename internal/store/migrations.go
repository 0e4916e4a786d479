package store

import (
	"context"
	"fmt"
)

// migration is a single, linearly-ordered, idempotent schema change applied
// after the base schema.sql. New migrations append to this slice; existing
// entries are never edited once shipped.
type migration struct {
	version int
	name    string
	sql     string
}

// migrations holds schema evolution beyond the base schema.sql. Empty today
// — the base schema already reflects the current model — but run_migrations
// must exist and be idempotent per the Store contract, so future additive
// changes (new columns, new indexes) land here instead of editing
// schema.sql in place.
var migrations = []migration{}

func (s *Store) runMigrations(ctx context.Context) error {
	applied := map[int]bool{}
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if err := s.WithWrite(ctx, func(tx *Tx) error {
			if m.sql != "" {
				if _, err := tx.ExecContext(ctx, m.sql); err != nil {
					return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
				}
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations(version, applied_ts) VALUES (?, strftime('%s','now')*1000000)",
				m.version)
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}
