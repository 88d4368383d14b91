// Package secretstore wraps sqlstore for secret.db: the CREDENTIALS and
// STORE tables holding passwords and per-method opaque blobs. Never
// caches decrypted state across process restarts — every read goes to
// disk; batching lives one layer up in internal/secretcache.
package secretstore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/roelfdiedericks/ssod/internal/errs"
	. "github.com/roelfdiedericks/ssod/internal/logging"
	"github.com/roelfdiedericks/ssod/internal/sqlstore"
)

// Credentials is the secret-side (username, password) pair for one
// identity id. Username is only meaningful when the identity's
// username_is_secret flag is set; otherwise it is the empty string.
type Credentials struct {
	ID       uint32
	Username string
	Password string
}

// Store is the secret.db handle.
type Store struct {
	sql *sqlstore.Store
}

// Open opens (creating if necessary) the secret database at path and
// ensures its schema exists.
func Open(path string) (*Store, error) {
	sq, err := sqlstore.Open(path, sqlstore.OpenReadWrite|sqlstore.OpenCreate)
	if err != nil {
		return nil, err
	}
	s := &Store{sql: sq}
	if err := s.ensureSchema(); err != nil {
		sq.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	version, err := s.sql.SchemaVersion()
	if err != nil {
		return err
	}
	if version != 0 {
		return nil
	}
	if err := s.sql.Transaction(func(db *sql.DB) error {
		if _, err := db.Exec(schemaSQL); err != nil {
			return fmt.Errorf("secretstore: create schema: %w", err)
		}
		return nil
	}); err != nil {
		return err
	}
	return s.sql.SetSchemaVersion(schemaUserVersion)
}

// Close releases the database handle.
func (s *Store) Close() error { return s.sql.Close() }

// IsOpen reports whether the store has an open handle.
func (s *Store) IsOpen() bool { return s.sql.IsOpen() }

// Clear deletes all rows from all tables in one transaction.
func (s *Store) Clear() error {
	return s.sql.Transaction(func(db *sql.DB) error {
		if _, err := db.Exec("DELETE FROM STORE"); err != nil {
			return fmt.Errorf("secretstore: clear STORE: %w", err)
		}
		if _, err := db.Exec("DELETE FROM CREDENTIALS"); err != nil {
			return fmt.Errorf("secretstore: clear CREDENTIALS: %w", err)
		}
		return nil
	})
}

// LoadCredentials reads the (username, password) pair for id.
func (s *Store) LoadCredentials(id uint32) (Credentials, error) {
	var username, password string
	err := s.sql.DB().QueryRow("SELECT username, password FROM CREDENTIALS WHERE id = ?", id).
		Scan(&username, &password)
	if errors.Is(err, sql.ErrNoRows) {
		return Credentials{}, errs.ErrNotFound
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("secretstore: load credentials: %w", err)
	}
	return Credentials{ID: id, Username: username, Password: password}, nil
}

// UpdateCredentials upserts the (username, password) pair for id.
func (s *Store) UpdateCredentials(c Credentials) error {
	_, err := s.sql.Exec(`
		INSERT INTO CREDENTIALS (id, username, password) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET username = excluded.username, password = excluded.password
	`, c.ID, c.Username, c.Password)
	if err != nil {
		return fmt.Errorf("secretstore: update credentials: %w", err)
	}
	return nil
}

// RemoveCredentials deletes the credentials row for id; the cascade
// trigger removes its STORE rows.
func (s *Store) RemoveCredentials(id uint32) error {
	res, err := s.sql.Exec("DELETE FROM CREDENTIALS WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("secretstore: remove credentials: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// LoadMethodData reads every (key -> value blob) pair stored for
// (id, methodID).
func (s *Store) LoadMethodData(id uint32, methodID int64) (map[string][]byte, error) {
	rows, err := s.sql.DB().Query(
		"SELECT key, value FROM STORE WHERE identity_id = ? AND method_id = ?", id, methodID)
	if err != nil {
		return nil, fmt.Errorf("secretstore: load method data: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("secretstore: scan method data: %w", err)
		}
		out[key] = value
	}
	return out, rows.Err()
}

// UpdateMethodData replaces every key/value pair for (id, methodID) with
// data, atomically.
func (s *Store) UpdateMethodData(id uint32, methodID int64, data map[string][]byte) error {
	return s.sql.Transaction(func(db *sql.DB) error {
		if _, err := db.Exec("DELETE FROM STORE WHERE identity_id = ? AND method_id = ?", id, methodID); err != nil {
			return fmt.Errorf("secretstore: clear method data: %w", err)
		}
		for key, value := range data {
			if _, err := db.Exec(
				"INSERT INTO STORE (identity_id, method_id, key, value) VALUES (?, ?, ?, ?)",
				id, methodID, key, value); err != nil {
				return fmt.Errorf("secretstore: write method data: %w", err)
			}
		}
		return nil
	})
}

// RemoveMethodData deletes every key/value pair for (id, methodID).
func (s *Store) RemoveMethodData(id uint32, methodID int64) error {
	if _, err := s.sql.Exec("DELETE FROM STORE WHERE identity_id = ? AND method_id = ?", id, methodID); err != nil {
		return fmt.Errorf("secretstore: remove method data: %w", err)
	}
	return nil
}

// CheckSecret reports whether the given username/password pair matches
// the stored credentials for id. Used by the credentials façade when the
// identity's username_is_secret flag is set.
func (s *Store) CheckSecret(id uint32, username, password string) (bool, error) {
	c, err := s.LoadCredentials(id)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	L_trace("secretstore: checking secret", "id", id)
	return c.Username == username && c.Password == password, nil
}
