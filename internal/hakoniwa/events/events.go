// Package events provides the SQLite-backed lifecycle event log. Every
// state-mutating operation records what it attempted and how it ended, so an
// operator can reconstruct a container's history after the fact.
package events

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/bdobrica/Hakoniwa/internal/hakoniwa/container"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Result classifies how a lifecycle operation concluded.
const (
	ResultOK     = "ok"
	ResultError  = "error"
	ResultForced = "forced"
)

// Entry is one recorded lifecycle event.
type Entry struct {
	ID        int64
	Timestamp time.Time
	TraceID   string
	OpID      string
	Container string
	Action    string
	FromState container.State
	ToState   container.State
	Result    string
	Error     sql.NullString
}

// Log wraps the event database connection.
type Log struct {
	db *sql.DB
}

// Open creates (or opens) the event log database at dbPath and applies
// pending migrations.
func Open(dbPath string) (*Log, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	// SQLite is single-writer by design. A single shared connection lets
	// database/sql serialize concurrent callers instead of them fighting
	// over write locks.
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
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	l := &Log{db: db}
	if err := l.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run event log migrations: %w", err)
	}
	return l, nil
}

// Close closes the database connection.
func (l *Log) Close() error {
	return l.db.Close()
}

// Record writes one lifecycle event. Event logging is diagnostics, not state:
// failures here must not fail the operation, so Record reports them on the
// returned error for the caller to log and move on.
func (l *Log) Record(ctx context.Context, e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO lifecycle_events (ts, trace_id, op_id, container, action, from_state, to_state, result, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Timestamp, e.TraceID, e.OpID, e.Container, e.Action,
		string(e.FromState), string(e.ToState), e.Result, e.Error)
	if err != nil {
		return fmt.Errorf("record lifecycle event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first. When name is non-empty
// only that container's events are returned.
func (l *Log) Recent(ctx context.Context, name string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, ts, trace_id, op_id, container, action, from_state, to_state, result, error
		FROM lifecycle_events
	`
	args := []any{}
	if name != "" {
		query += ` WHERE container = ?`
		args = append(args, name)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query lifecycle events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var from, to string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.TraceID, &e.OpID, &e.Container,
			&e.Action, &from, &to, &e.Result, &e.Error); err != nil {
			return nil, fmt.Errorf("scan lifecycle event: %w", err)
		}
		e.FromState = container.State(from)
		e.ToState = container.State(to)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// runMigrations applies all pending migrations from the embedded directory.
func (l *Log) runMigrations() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	if err := l.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion); err != nil {
		return fmt.Errorf("get current schema version: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		parts := strings.SplitN(entry.Name(), "_", 2)
		if len(parts) < 2 {
			continue
		}
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
			continue
		}
		description := strings.TrimSuffix(parts[1], ".sql")

		if version <= currentVersion {
			continue
		}

		content, err := migrationsFS.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		tx, err := l.db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", version, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			version, time.Now(), description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}

		slog.Info("applied event log migration", "version", fmt.Sprintf("%04d", version), "description", description)
	}

	return nil
}
