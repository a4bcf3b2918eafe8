package durable

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

//go:embed schema_postgres.sql
var postgresSchema string

// PostgresLedger stores step records in a PostgreSQL table, which lets
// several worker processes resume each other's runs.
type PostgresLedger struct {
	db    *sql.DB
	table string
}

// PostgresOptions configures OpenPostgresLedger.
type PostgresOptions struct {
	DSN string
	// Table defaults to "nodeflow_step_records".
	Table string
}

// OpenPostgresLedger connects to the database and creates the table if needed.
func OpenPostgresLedger(ctx context.Context, opts PostgresOptions) (*PostgresLedger, error) {
	db, err := sql.Open("postgres", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres ledger: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres ledger: %w", err)
	}
	ledger, err := NewPostgresLedger(ctx, db, opts.Table)
	if err != nil {
		db.Close()
		return nil, err
	}
	return ledger, nil
}

// NewPostgresLedger uses an existing connection pool.
func NewPostgresLedger(ctx context.Context, db *sql.DB, table string) (*PostgresLedger, error) {
	if table == "" {
		table = "nodeflow_step_records"
	}
	l := &PostgresLedger{db: db, table: pq.QuoteIdentifier(table)}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(postgresSchema, l.table)); err != nil {
		return nil, fmt.Errorf("failed to apply ledger schema: %w", err)
	}
	return l, nil
}

func (l *PostgresLedger) Close() error {
	return l.db.Close()
}

func (l *PostgresLedger) Get(ctx context.Context, invocationID, key string) (*StepRecord, error) {
	query := fmt.Sprintf(`
		SELECT kind, result, external_id, wake_at, created_at, completed_at
		FROM %s WHERE invocation_id = $1 AND step_key = $2`, l.table)

	record := &StepRecord{InvocationID: invocationID, Key: key}
	var kind string
	var result sql.NullString
	var wakeAt, completedAt sql.NullTime
	err := l.db.QueryRowContext(ctx, query, invocationID, key).
		Scan(&kind, &result, &record.ExternalID, &wakeAt, &record.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read step record: %w", err)
	}
	record.Kind = StepKind(kind)
	if result.Valid {
		record.Result = []byte(result.String)
	}
	if wakeAt.Valid {
		record.WakeAt = wakeAt.Time
	}
	if completedAt.Valid {
		record.CompletedAt = completedAt.Time
	}
	return record, nil
}

func (l *PostgresLedger) Put(ctx context.Context, record *StepRecord) error {
	query := fmt.Sprintf(`
		INSERT INTO %s
			(invocation_id, step_key, kind, result, external_id, wake_at, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (invocation_id, step_key) DO UPDATE SET
			kind = EXCLUDED.kind,
			result = EXCLUDED.result,
			external_id = EXCLUDED.external_id,
			wake_at = EXCLUDED.wake_at,
			completed_at = EXCLUDED.completed_at`, l.table)

	var result sql.NullString
	if len(record.Result) > 0 {
		result = sql.NullString{String: string(record.Result), Valid: true}
	}
	_, err := l.db.ExecContext(ctx, query,
		record.InvocationID, record.Key, string(record.Kind), result, record.ExternalID,
		nullTime(record.WakeAt), record.CreatedAt, nullTime(record.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to write step record: %w", err)
	}
	return nil
}

func (l *PostgresLedger) DeleteInvocation(ctx context.Context, invocationID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE invocation_id = $1`, l.table)
	if _, err := l.db.ExecContext(ctx, query, invocationID); err != nil {
		return fmt.Errorf("failed to delete step records: %w", err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
