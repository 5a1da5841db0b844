// Package sqlite provides SQLite-based persistent storage for the Manager.
// Uses WAL mode for concurrent reads and crash-safe writes.
//
// State lives in a single keyed table under disjoint prefixes
// (task/, worker/, payment/, template/, accesscode/) so subsystems never
// need cross-prefix transactions. The accrual outbox gets its own table
// because rows are consumed, not keyed.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Connection pool settings for SQLite
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		// Keyed state: serialized JSON under prefixed keys.
		`CREATE TABLE IF NOT EXISTS kv (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		// Accrual outbox: task completions waiting to be turned into
		// payment records. Replayed on restart.
		`CREATE TABLE IF NOT EXISTS outbox (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id    TEXT NOT NULL,
			recipient  TEXT NOT NULL,
			amount     INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			done       BOOLEAN DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_done ON outbox(done)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Keyed access ───────────────────────────────────────────────────────────

// put inserts or replaces a value under key.
func (d *DB) put(key, value string) error {
	_, err := d.db.Exec(
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

// insert stores a value under key and fails if the key already exists.
func (d *DB) insert(key, value string) error {
	_, err := d.db.Exec(`INSERT INTO kv (key, value) VALUES (?, ?)`, key, value)
	return err
}

// get returns the value under key, or ("", false) when absent.
func (d *DB) get(key string) (string, bool, error) {
	var value string
	err := d.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// scanPrefix returns all values whose key starts with prefix, in key order.
func (d *DB) scanPrefix(prefix string) ([]string, error) {
	rows, err := d.db.Query(
		`SELECT value FROM kv WHERE key >= ? AND key < ? ORDER BY key`,
		prefix, prefix+"\xff",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// delete removes a key. Missing keys are not an error.
func (d *DB) delete(key string) error {
	_, err := d.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}
