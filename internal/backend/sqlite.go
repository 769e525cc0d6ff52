package backend

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // pure Go driver, registers "sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS settings (
	root       TEXT    NOT NULL,
	key        TEXT    NOT NULL,
	value      TEXT    NOT NULL,
	writer     TEXT    NOT NULL,
	version    INTEGER NOT NULL DEFAULT 1,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (root, key)
)`

// SQLiteStore keeps settings in a SQLite table shared by every application
// root. Each row records the id of the writer that last changed it.
type SQLiteStore struct {
	db       *sql.DB
	root     string
	writerID string
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithWriterID overrides the generated writer id.
func WithWriterID(id string) SQLiteOption {
	return func(s *SQLiteStore) {
		if id != "" {
			s.writerID = id
		}
	}
}

// OpenSQLite opens (creating if needed) the database at path and returns a
// store scoped to root.
func OpenSQLite(path, root string, opts ...SQLiteOption) (*SQLiteStore, error) {
	if err := ValidateRoot(root); err != nil {
		return nil, err
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite does not handle concurrent writers well; serialize everything
	// through one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := &SQLiteStore{
		db:       db,
		root:     root,
		writerID: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the application root name.
func (s *SQLiteStore) Root() string {
	return s.root
}

// WriterID identifies writes made through this store.
func (s *SQLiteStore) WriterID() string {
	return s.writerID
}

// Read returns the value stored under key.
func (s *SQLiteStore) Read(key string) (string, bool) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM settings WHERE root = ? AND key = ?`,
		s.root, key,
	).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

// LastWriter returns the writer id recorded for key.
func (s *SQLiteStore) LastWriter(key string) (string, bool) {
	var writer string
	err := s.db.QueryRow(
		`SELECT writer FROM settings WHERE root = ? AND key = ?`,
		s.root, key,
	).Scan(&writer)
	if err != nil {
		return "", false
	}
	return writer, true
}

// Version returns how many times key has been written since it was created.
func (s *SQLiteStore) Version(key string) (int64, bool) {
	var version int64
	err := s.db.QueryRow(
		`SELECT version FROM settings WHERE root = ? AND key = ?`,
		s.root, key,
	).Scan(&version)
	if err != nil {
		return 0, false
	}
	return version, true
}

// Write upserts key.
func (s *SQLiteStore) Write(key, value string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		INSERT INTO settings (root, key, value, writer, version, updated_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT (root, key) DO UPDATE SET
			value      = excluded.value,
			writer     = excluded.writer,
			version    = settings.version + 1,
			updated_at = excluded.updated_at`,
		s.root, key, value, s.writerID, time.Now().UnixNano(),
	)
	if err != nil {
		return &OpError{Op: "write", Key: key, Err: err}
	}
	return nil
}

// Delete removes key.
func (s *SQLiteStore) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM settings WHERE root = ? AND key = ?`, s.root, key)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return &OpError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// Keys returns all keys under the root, sorted.
func (s *SQLiteStore) Keys() ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM settings WHERE root = ?`, s.root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
