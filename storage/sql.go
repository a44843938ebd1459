package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	// Register the pgx driver under name "pgx".
	_ "github.com/jackc/pgx/v5/stdlib"

	// Register SQLite driver under name "sqlite".
	_ "modernc.org/sqlite"

	"github.com/songzhibin97/txflow-engine/types"
)

// Dialect selects the SQL flavour of a SQLStorage.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// driver returns the database/sql driver name registered for the dialect.
func (d Dialect) driver() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return "sqlite"
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS txflow_flows (
		flow_id TEXT PRIMARY KEY,
		document TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS txflow_runs (
		run_id BIGINT PRIMARY KEY,
		flow_id TEXT NOT NULL,
		status TEXT NOT NULL,
		record TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS txflow_runs_flow_idx ON txflow_runs (flow_id, created_at)`,
}

// SQLStorage implements Storage on database/sql, backed by SQLite or Postgres.
type SQLStorage struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLiteStorage opens (creating if needed) a SQLite database at path.
// Use ":memory:" for a private in-memory database.
func NewSQLiteStorage(ctx context.Context, path string) (*SQLStorage, error) {
	db, err := sql.Open(DialectSQLite.driver(), path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// a single connection keeps ":memory:" databases alive and serializes writers
	db.SetMaxOpenConns(1)
	return NewSQLStorage(ctx, db, DialectSQLite)
}

// NewPostgresStorage connects to Postgres through the pgx driver.
func NewPostgresStorage(ctx context.Context, dsn string) (*SQLStorage, error) {
	db, err := sql.Open(DialectPostgres.driver(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(5)
	return NewSQLStorage(ctx, db, DialectPostgres)
}

// NewSQLStorage wraps an open database and creates the schema.
func NewSQLStorage(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStorage, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return &SQLStorage{db: db, dialect: dialect}, nil
}

// rebind rewrites ? placeholders to $N for Postgres.
func (s *SQLStorage) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SaveFlow upserts a flow document.
func (s *SQLStorage) SaveFlow(ctx context.Context, flowID string, doc []byte) error {
	return withContextError(ctx, func() error {
		_, err := s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO txflow_flows (flow_id, document) VALUES (?, ?)
			ON CONFLICT (flow_id) DO UPDATE SET document = excluded.document`),
			flowID, string(doc))
		if err != nil {
			return fmt.Errorf("failed to save flow %s: %w", flowID, err)
		}
		return nil
	})
}

// GetFlow retrieves a flow document.
func (s *SQLStorage) GetFlow(ctx context.Context, flowID string) ([]byte, error) {
	return withContext(ctx, func() ([]byte, error) {
		var doc string
		err := s.db.QueryRowContext(ctx,
			s.rebind(`SELECT document FROM txflow_flows WHERE flow_id = ?`), flowID).Scan(&doc)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id=%s", ErrFlowNotFound, flowID)
		} else if err != nil {
			return nil, fmt.Errorf("failed to get flow %s: %w", flowID, err)
		}
		return []byte(doc), nil
	})
}

// SaveRun upserts a run snapshot.
func (s *SQLStorage) SaveRun(ctx context.Context, rec types.RunRecord) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal run %d: %w", rec.RunID, err)
		}
		_, err = s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO txflow_runs (run_id, flow_id, status, record, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (run_id) DO UPDATE SET
				status = excluded.status,
				record = excluded.record,
				updated_at = excluded.updated_at`),
			int64(rec.RunID), rec.FlowID, string(rec.Status), string(data), rec.CreatedAt, rec.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to save run %d: %w", rec.RunID, err)
		}
		return nil
	})
}

// GetRun retrieves a run snapshot.
func (s *SQLStorage) GetRun(ctx context.Context, runID uint64) (types.RunRecord, error) {
	return withContext(ctx, func() (types.RunRecord, error) {
		var data string
		err := s.db.QueryRowContext(ctx,
			s.rebind(`SELECT record FROM txflow_runs WHERE run_id = ?`), int64(runID)).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return types.RunRecord{}, fmt.Errorf("%w: id=%d", ErrRunNotFound, runID)
		} else if err != nil {
			return types.RunRecord{}, fmt.Errorf("failed to get run %d: %w", runID, err)
		}
		var rec types.RunRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return types.RunRecord{}, fmt.Errorf("failed to unmarshal run %d: %w", runID, err)
		}
		return rec, nil
	})
}

// ListRuns returns the runs of a flow ordered by creation time.
func (s *SQLStorage) ListRuns(ctx context.Context, flowID string) ([]types.RunRecord, error) {
	return withContext(ctx, func() ([]types.RunRecord, error) {
		rows, err := s.db.QueryContext(ctx, s.rebind(`
			SELECT record FROM txflow_runs WHERE flow_id = ?
			ORDER BY created_at, run_id`), flowID)
		if err != nil {
			return nil, fmt.Errorf("failed to list runs of %s: %w", flowID, err)
		}
		defer rows.Close()

		var out []types.RunRecord
		for rows.Next() {
			var data string
			if err := rows.Scan(&data); err != nil {
				return nil, err
			}
			var rec types.RunRecord
			if err := json.Unmarshal([]byte(data), &rec); err != nil {
				return nil, fmt.Errorf("failed to unmarshal run of %s: %w", flowID, err)
			}
			out = append(out, rec)
		}
		return out, rows.Err()
	})
}

// ClearCompleted removes completed or failed runs.
func (s *SQLStorage) ClearCompleted(ctx context.Context) error {
	return withContextError(ctx, func() error {
		res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM txflow_runs WHERE status IN (?, ?)`),
			string(types.StatusCompleted), string(types.StatusFailed))
		if err != nil {
			return fmt.Errorf("failed to clear finished runs: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			log.Debugf("Cleared %d finished run(s)", n)
		}
		return nil
	})
}

// Close closes the database.
func (s *SQLStorage) Close() error {
	return s.db.Close()
}
