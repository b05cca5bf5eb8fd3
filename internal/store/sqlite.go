package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"marketcache/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ OperationStore = (*SQLiteStore)(nil)
var _ HeadStore = (*SQLiteStore)(nil)

// SQLiteStore implements OperationStore and HeadStore backed by a SQLite
// database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, enables WAL
// and creates missing tables.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serialises writers; modernc's driver returns
	// SQLITE_BUSY otherwise under concurrent saves.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS operations (
			id         TEXT PRIMARY KEY,
			symbol     TEXT NOT NULL,
			timeframe  TEXT NOT NULL,
			mode       TEXT NOT NULL,
			status     TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			payload    BLOB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_operations_created ON operations(created_at)`,

		`CREATE TABLE IF NOT EXISTS head_timestamps (
			symbol     TEXT NOT NULL,
			timeframe  TEXT NOT NULL,
			earliest   INTEGER NOT NULL,
			fetched_at INTEGER NOT NULL,
			PRIMARY KEY (symbol, timeframe)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// OperationStore implementation
// ---------------------------------------------------------------------------

// SaveOperation inserts or replaces an operation record.
func (s *SQLiteStore) SaveOperation(ctx context.Context, rec OperationRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operations (id, symbol, timeframe, mode, status, created_at, updated_at, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at,
			payload = excluded.payload`,
		rec.ID, rec.Symbol, rec.Timeframe, rec.Mode, rec.Status,
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(), rec.Payload,
	)
	if err != nil {
		return fmt.Errorf("save operation %s: %w", rec.ID, err)
	}
	return nil
}

// GetOperation retrieves a single operation by its ID.
func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (OperationRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, symbol, timeframe, mode, status, created_at, updated_at, payload
		 FROM operations WHERE id = ?`, id)
	rec, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return OperationRecord{}, fmt.Errorf("operation %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return OperationRecord{}, fmt.Errorf("get operation %s: %w", id, err)
	}
	return rec, nil
}

// ListOperations returns up to limit operations, newest first. A
// non-positive limit returns every record.
func (s *SQLiteStore) ListOperations(ctx context.Context, limit int) ([]OperationRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, symbol, timeframe, mode, status, created_at, updated_at, payload
		 FROM operations ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var out []OperationRecord
	for rows.Next() {
		rec, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("list operations: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (OperationRecord, error) {
	var (
		rec                  OperationRecord
		createdAt, updatedAt int64
	)
	if err := row.Scan(&rec.ID, &rec.Symbol, &rec.Timeframe, &rec.Mode, &rec.Status,
		&createdAt, &updatedAt, &rec.Payload); err != nil {
		return OperationRecord{}, err
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return rec, nil
}

// ---------------------------------------------------------------------------
// HeadStore implementation
// ---------------------------------------------------------------------------

// GetHead returns the cached earliest timestamp for a key.
func (s *SQLiteStore) GetHead(ctx context.Context, symbol, timeframe string) (HeadRecord, error) {
	var earliest, fetchedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT earliest, fetched_at FROM head_timestamps WHERE symbol = ? AND timeframe = ?`,
		symbol, timeframe).Scan(&earliest, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return HeadRecord{}, fmt.Errorf("head %s/%s: %w", symbol, timeframe, domain.ErrNotFound)
	}
	if err != nil {
		return HeadRecord{}, fmt.Errorf("get head %s/%s: %w", symbol, timeframe, err)
	}
	return HeadRecord{
		Symbol:    symbol,
		Timeframe: timeframe,
		Earliest:  time.Unix(0, earliest).UTC(),
		FetchedAt: time.Unix(0, fetchedAt).UTC(),
	}, nil
}

// PutHead inserts or replaces the earliest timestamp for a key.
func (s *SQLiteStore) PutHead(ctx context.Context, rec HeadRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO head_timestamps (symbol, timeframe, earliest, fetched_at)
		 VALUES (?, ?, ?, ?)`,
		rec.Symbol, rec.Timeframe, rec.Earliest.UnixNano(), rec.FetchedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("put head %s/%s: %w", rec.Symbol, rec.Timeframe, err)
	}
	return nil
}
