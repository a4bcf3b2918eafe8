package durable

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var sqliteSchema string

// SQLiteLedger stores step records in a SQLite database using WAL mode.
type SQLiteLedger struct {
	db *sql.DB
}

// OpenSQLiteLedger creates or opens the database at path and applies the
// schema. Use ":memory:" for a throwaway ledger.
func OpenSQLiteLedger(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to ledger database: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply ledger schema: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

func (l *SQLiteLedger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *SQLiteLedger) Get(ctx context.Context, invocationID, key string) (*StepRecord, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT kind, result, external_id, wake_at, created_at, completed_at
		FROM step_records
		WHERE invocation_id = ? AND step_key = ?`, invocationID, key)

	record := &StepRecord{InvocationID: invocationID, Key: key}
	var kind string
	var result []byte
	var wakeAt, createdAt, completedAt int64
	err := row.Scan(&kind, &result, &record.ExternalID, &wakeAt, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read step record: %w", err)
	}
	record.Kind = StepKind(kind)
	record.Result = result
	record.WakeAt = fromUnixNano(wakeAt)
	record.CreatedAt = fromUnixNano(createdAt)
	record.CompletedAt = fromUnixNano(completedAt)
	return record, nil
}

func (l *SQLiteLedger) Put(ctx context.Context, record *StepRecord) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO step_records
			(invocation_id, step_key, kind, result, external_id, wake_at, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (invocation_id, step_key) DO UPDATE SET
			kind = excluded.kind,
			result = excluded.result,
			external_id = excluded.external_id,
			wake_at = excluded.wake_at,
			completed_at = excluded.completed_at`,
		record.InvocationID, record.Key, string(record.Kind), []byte(record.Result), record.ExternalID,
		toUnixNano(record.WakeAt), toUnixNano(record.CreatedAt), toUnixNano(record.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to write step record: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) DeleteInvocation(ctx context.Context, invocationID string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM step_records WHERE invocation_id = ?`, invocationID); err != nil {
		return fmt.Errorf("failed to delete step records: %w", err)
	}
	return nil
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
