package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

var (
	// ErrVersionDowngrade is returned when Open is asked for an older schema
	// version than the one stored in the database.
	ErrVersionDowngrade = errors.New("schema version downgrade")

	// ErrUnknownTable is returned for a table that has no snapshot table.
	// New tables require a higher schema version.
	ErrUnknownTable = errors.New("unknown table")
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store is the durable local replica: one snapshot table per synced table,
// the transaction log, and the sync cursor.
type Store struct {
	db       *sql.DB
	version  int
	tables   map[string]bool
	notifier Notifier
}

// Option configures a Store.
type Option func(*Store)

// WithNotifier sets the sink for change notifications.
func WithNotifier(n Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

// Open creates or opens a replica at path.
//
// version is the caller's schema version. A higher version than stored
// creates any missing snapshot tables and keeps existing ones. The same
// version requires every table to exist already. A lower version fails
// with ErrVersionDowngrade.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
func Open(path string, version int, tables []string, opts ...Option) (*Store, error) {
	if version < 1 {
		return nil, fmt.Errorf("open store: version must be at least 1, got %d", version)
	}
	for _, name := range tables {
		if !tableNamePattern.MatchString(name) {
			return nil, fmt.Errorf("open store: invalid table name %q", name)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}

	s := &Store{db: db, version: version, notifier: nopNotifier{}}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.upgrade(version, tables); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Version returns the schema version the store was opened with.
func (s *Store) Version() int {
	return s.version
}

// Tables returns every registered table, sorted.
func (s *Store) Tables() []string {
	out := make([]string, 0, len(s.tables))
	for name := range s.tables {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// HasTable reports whether table has a snapshot table.
func (s *Store) HasTable(table string) bool {
	return s.tables[table]
}

func (s *Store) checkTable(table string) error {
	if !s.tables[table] {
		return fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	return nil
}

// snapshotTable returns the quoted name of the snapshot table for table.
// Names are validated against tableNamePattern before they reach SQL.
func snapshotTable(table string) string {
	return `"snap_` + table + `"`
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// upgrade compares version with PRAGMA user_version and creates missing
// snapshot tables in one transaction.
func (s *Store) upgrade(version int, tables []string) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upgrade: begin tx: %w", err)
	}
	defer tx.Rollback()

	var stored int
	if err := tx.QueryRowContext(ctx, "PRAGMA user_version").Scan(&stored); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	switch {
	case version < stored:
		return fmt.Errorf("open store: %w: stored %d, requested %d", ErrVersionDowngrade, stored, version)

	case version == stored:
		for _, name := range tables {
			var found string
			err := tx.QueryRowContext(ctx, `SELECT name FROM sync_tables WHERE name = ?`, name).Scan(&found)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("open store: %w: %q is not present at version %d", ErrUnknownTable, name, version)
			}
			if err != nil {
				return fmt.Errorf("open store: lookup %s: %w", name, err)
			}
		}
		return nil
	}

	for _, name := range tables {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO sync_tables (name, created_version) VALUES (?, ?)
			ON CONFLICT(name) DO NOTHING
		`, name, version)
		if err != nil {
			return fmt.Errorf("register table %s: %w", name, err)
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id_key TEXT PRIMARY KEY,
				record TEXT NOT NULL,
				deleted_at TEXT
			)`, snapshotTable(name)))
		if err != nil {
			return fmt.Errorf("create table %s: %w", name, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			slog.Info("created snapshot table", "table", name, "version", version)
		}
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upgrade: commit: %w", err)
	}
	return nil
}

func (s *Store) loadTables() error {
	rows, err := s.db.Query(`SELECT name FROM sync_tables ORDER BY name`)
	if err != nil {
		return fmt.Errorf("load tables: %w", err)
	}
	defer rows.Close()

	s.tables = make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("load tables: %w", err)
		}
		s.tables[name] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load tables: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
