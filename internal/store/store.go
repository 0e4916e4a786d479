// Package store provides authoritative persistence: schema migrations,
// transaction boundaries and startup integrity verification over a single
// embedded SQLite database file. Modeled on jra3-linear-fuse's
// internal/db.Store (WAL mode, go:embed schema, sql.Tx wrapper), extended
// with the single-writer discipline and FTS integrity checks the
// coordination engine needs.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps the database connection pool. The write handle (db) is
// restricted to a single physical connection and is only ever touched
// through BeginWrite/WithWrite, which additionally serialize through
// writeMu. A second, separately pooled *sql.DB (readDB) is opened
// mode=ro: read transactions run concurrently with each other and with
// the one in-flight writer, instead of queueing behind it.
type Store struct {
	db      *sql.DB
	readDB  *sql.DB
	writeMu sync.Mutex
	path    string
}

// Open opens or creates a SQLite database at path, enables WAL mode and
// foreign keys, applies the base schema (idempotent), and opens a second
// read-only pooled connection for queries outside a write transaction.
func Open(path string) (*Store, error) {
	escaped := strings.ReplaceAll(path, " ", "%20")
	connStr := "file:" + escaped + "?_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one physical connection avoids SQLITE_BUSY storms

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.runMigrations(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	// Opened only after the schema/migrations above so the file already
	// exists; mode=ro would otherwise fail to create it.
	readConnStr := "file:" + escaped + "?_pragma=busy_timeout(5000)&mode=ro&_pragma=foreign_keys(ON)"
	readDB, err := sql.Open("sqlite", readConnStr)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open read-only database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	s.readDB = readDB
	return s, nil
}

// Close releases both the write and read-only connections.
func (s *Store) Close() error {
	rerr := s.readDB.Close()
	if werr := s.db.Close(); werr != nil {
		return werr
	}
	return rerr
}

// DB exposes the separately pooled read-only connection. Readers never
// acquire writeMu and never queue behind BeginWrite's single connection.
func (s *Store) DB() *sql.DB {
	return s.readDB
}

// Tx is a write transaction handle. Holding one serializes all writers.
type Tx struct {
	*sql.Tx
}

// BeginWrite acquires the single-writer lock and starts a transaction.
// Callers must pass the returned Tx to Commit or Rollback below, which
// release the lock.
func (s *Store) BeginWrite(ctx context.Context) (*Tx, error) {
	s.writeMu.Lock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.writeMu.Unlock()
		return nil, fmt.Errorf("begin write transaction: %w", err)
	}
	return &Tx{Tx: tx}, nil
}

// Commit commits the transaction and releases the write lock.
func (s *Store) Commit(tx *Tx) error {
	defer s.writeMu.Unlock()
	return tx.Commit()
}

// Rollback rolls back the transaction and releases the write lock. Safe to
// call after a failed Commit (no-op on an already-finished tx).
func (s *Store) Rollback(tx *Tx) error {
	defer s.writeMu.Unlock()
	return tx.Rollback()
}

// WithWrite runs fn inside a write transaction, committing on success and
// rolling back on error or panic.
func (s *Store) WithWrite(ctx context.Context, fn func(tx *Tx) error) (err error) {
	tx, err := s.BeginWrite(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			s.Rollback(tx)
			panic(p)
		}
	}()
	if err = fn(tx); err != nil {
		_ = s.Rollback(tx)
		return err
	}
	return s.Commit(tx)
}

// Defect describes a single integrity-check failure.
type Defect struct {
	Name    string
	Message string
}

// IntegrityCheck runs at startup. A non-empty defect list means the process
// must not accept traffic.
func (s *Store) IntegrityCheck(ctx context.Context) ([]Defect, error) {
	var defects []Defect

	var pragmaResult string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&pragmaResult); err != nil {
		return nil, fmt.Errorf("pragma integrity_check: %w", err)
	}
	if pragmaResult != "ok" {
		defects = append(defects, Defect{Name: "sqlite_integrity_check", Message: pragmaResult})
	}

	// The FTS table must hold one row per messages row; soft-deleted
	// messages keep their FTS row, so they are counted too.
	var messageCount, ftsCount int
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM messages").Scan(&messageCount); err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM messages_fts").Scan(&ftsCount); err != nil {
		return nil, fmt.Errorf("count messages_fts: %w", err)
	}
	if messageCount != ftsCount {
		defects = append(defects, Defect{
			Name:    "fts_consistency",
			Message: fmt.Sprintf("messages has %d rows but messages_fts has %d", messageCount, ftsCount),
		})
	}

	// Legacy identity-FTS artifacts must not exist.
	for _, legacy := range []string{"agents_fts", "projects_fts"} {
		var name string
		err := s.db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name=?", legacy).Scan(&name)
		if err == nil {
			defects = append(defects, Defect{
				Name:    "legacy_identity_fts",
				Message: fmt.Sprintf("legacy artifact %q present; this schema must not carry it", legacy),
			})
		} else if err != sql.ErrNoRows {
			return nil, fmt.Errorf("check legacy artifact %s: %w", legacy, err)
		}
	}

	return defects, nil
}
