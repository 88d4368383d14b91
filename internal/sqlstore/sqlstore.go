// Package sqlstore is a thin transactional wrapper over an embedded
// sqlite database, using the familiar WAL/busy-timeout opening pattern
// and an open/close/is-open/create lifecycle. It gives every
// store file the same exec/query/transaction surface instead of each
// caller hand-rolling database/sql boilerplate.
package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roelfdiedericks/ssod/internal/errs"
	. "github.com/roelfdiedericks/ssod/internal/logging"
)

// OpenFlags controls how Open creates/accesses the underlying file.
type OpenFlags int

const (
	// OpenReadWrite opens an existing file for read/write.
	OpenReadWrite OpenFlags = 1 << iota
	// OpenCreate creates the file if it does not exist, with mode 0600.
	OpenCreate
)

// Store wraps one sqlite database file with the contract callers need:
// exec, typed query shapes, explicit transactions, and schema-version
// bookkeeping.
type Store struct {
	mu      sync.Mutex
	db      *sql.DB
	path    string
	open    bool
	lastErr error
}

// Open opens (and optionally creates) the sqlite database at path.
func Open(path string, flags OpenFlags) (*Store, error) {
	_, statErr := os.Stat(path)
	exists := statErr == nil
	if !exists && flags&OpenCreate == 0 {
		return nil, fmt.Errorf("sqlstore: open %s: %w", path, errs.ErrConnectionFailure)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("sqlstore: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w: %v", path, errs.ErrConnectionFailure, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: ping %s: %w: %v", path, errs.ErrConnectionFailure, err)
	}

	// A single pooled connection keeps BEGIN EXCLUSIVE/COMMIT scoped to
	// the same sqlite connection across the calls inside Transaction.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		L_warn("sqlstore: failed to set busy_timeout", "path", path, "error", err)
	}

	if !exists {
		// A freshly created file must be owner-only readable/writable.
		if err := os.Chmod(path, 0600); err != nil {
			L_warn("sqlstore: failed to chmod new database", "path", path, "error", err)
		}
	}

	s := &Store{db: db, path: path, open: true}
	L_debug("sqlstore: opened", "path", path, "created", !exists)
	return s, nil
}

// IsOpen reports whether the store has an open database handle.
func (s *Store) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Close releases the underlying database handle. Safe to call more than
// once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	s.open = false
	err := s.db.Close()
	L_debug("sqlstore: closed", "path", s.path)
	return err
}

func (s *Store) checkOpen() error {
	if !s.open {
		return errs.ErrNotOpen
	}
	return nil
}

func (s *Store) setErr(err error) error {
	s.lastErr = err
	return err
}

// LastError returns the most recently recorded error, or nil.
func (s *Store) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Exec runs a statement with no result rows expected.
func (s *Store) Exec(query string, args ...any) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return nil, s.setErr(fmt.Errorf("sqlstore: exec: %w: %v", errs.ErrStatementFailure, err))
	}
	return res, nil
}

// QueryInt runs query and scans a single int64 column from the first row.
func (s *Store) QueryInt(query string, args ...any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var v int64
	err := s.db.QueryRow(query, args...).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errs.ErrNotFound
	}
	if err != nil {
		return 0, s.setErr(fmt.Errorf("sqlstore: query int: %w: %v", errs.ErrStatementFailure, err))
	}
	return v, nil
}

// QueryString runs query and scans a single string column from the first row.
func (s *Store) QueryString(query string, args ...any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	var v string
	err := s.db.QueryRow(query, args...).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errs.ErrNotFound
	}
	if err != nil {
		return "", s.setErr(fmt.Errorf("sqlstore: query string: %w: %v", errs.ErrStatementFailure, err))
	}
	return v, nil
}

// QueryStrings runs query and returns a single string column across all
// rows, in row order.
func (s *Store) QueryStrings(query string, args ...any) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, s.setErr(fmt.Errorf("sqlstore: query strings: %w: %v", errs.ErrStatementFailure, err))
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, s.setErr(fmt.Errorf("sqlstore: scan string: %w: %v", errs.ErrStatementFailure, err))
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// QueryInts runs query and returns a single int64 column across all rows,
// in row order.
func (s *Store) QueryInts(query string, args ...any) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, s.setErr(fmt.Errorf("sqlstore: query ints: %w: %v", errs.ErrStatementFailure, err))
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, s.setErr(fmt.Errorf("sqlstore: scan int: %w: %v", errs.ErrStatementFailure, err))
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// QueryStringPairs runs a two-column (string, string) query and returns a
// map keyed by the first column.
func (s *Store) QueryStringPairs(query string, args ...any) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, s.setErr(fmt.Errorf("sqlstore: query string pairs: %w: %v", errs.ErrStatementFailure, err))
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, s.setErr(fmt.Errorf("sqlstore: scan string pair: %w: %v", errs.ErrStatementFailure, err))
		}
		out[k] = v
	}
	return out, rows.Err()
}

// QueryIntStringPairs runs a two-column (int, string) query and returns a
// map keyed by the first column.
func (s *Store) QueryIntStringPairs(query string, args ...any) (map[int64]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, s.setErr(fmt.Errorf("sqlstore: query int-string pairs: %w: %v", errs.ErrStatementFailure, err))
	}
	defer rows.Close()

	out := make(map[int64]string)
	for rows.Next() {
		var k int64
		var v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, s.setErr(fmt.Errorf("sqlstore: scan int-string pair: %w: %v", errs.ErrStatementFailure, err))
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Transaction runs fn inside an EXCLUSIVE transaction: begins, calls fn
// with the underlying *sql.DB handle, commits on success, rolls back and
// returns the error on any failure (including a panic, which is
// re-raised after rollback). The store is limited to a single pooled
// connection, so the EXCLUSIVE lock and every statement fn issues stay
// on that one connection for the duration of the transaction.
func (s *Store) Transaction(fn func(db *sql.DB) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, execErr := s.db.Exec("BEGIN EXCLUSIVE"); execErr != nil {
		return s.setErr(fmt.Errorf("sqlstore: begin exclusive: %w: %v", classify(execErr), execErr))
	}

	committed := false
	defer func() {
		if r := recover(); r != nil {
			s.db.Exec("ROLLBACK")
			panic(r)
		}
		if !committed {
			s.db.Exec("ROLLBACK")
		}
	}()

	if ferr := fn(s.db); ferr != nil {
		err = s.setErr(ferr)
		return err
	}

	if _, execErr := s.db.Exec("COMMIT"); execErr != nil {
		return s.setErr(fmt.Errorf("sqlstore: commit: %w: %v", classify(execErr), execErr))
	}
	committed = true
	return nil
}

// SchemaVersion reads the sqlite user_version pragma.
func (s *Store) SchemaVersion() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var v int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, s.setErr(fmt.Errorf("sqlstore: read user_version: %w: %v", errs.ErrStatementFailure, err))
	}
	return v, nil
}

// SetSchemaVersion writes the sqlite user_version pragma.
func (s *Store) SetSchemaVersion(v int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version=%d", v)); err != nil {
		return s.setErr(fmt.Errorf("sqlstore: set user_version: %w: %v", errs.ErrStatementFailure, err))
	}
	return nil
}

// LastInsertRowID extracts the rowid from a previous Exec result.
func LastInsertRowID(res sql.Result) (int64, error) {
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlstore: last insert rowid: %w", err)
	}
	return id, nil
}

// DB exposes the underlying *sql.DB for components that need direct
// access (metadata/secret store schema creation, migrations).
func (s *Store) DB() *sql.DB {
	return s.db
}

// classify maps a raw sqlite error to one of the abstract store error
// kinds. Locked/busy errors are classified so callers can choose to
// retry; the store itself never retries.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "locked") || strings.Contains(msg, "busy") {
		return errs.ErrLocked
	}
	return errs.ErrStatementFailure
}
