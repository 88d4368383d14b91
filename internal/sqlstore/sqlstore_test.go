package sqlstore

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/roelfdiedericks/ssod/internal/errs"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := Open(path, OpenReadWrite|OpenCreate)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesFileWithOwnerOnlyPerms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.db")
	s, err := Open(path, OpenReadWrite|OpenCreate)
	require.NoError(t, err)
	defer s.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestOpenWithoutCreateFailsOnMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.db")
	_, err := Open(path, OpenReadWrite)
	require.Error(t, err)
}

func TestExecAndQueryString(t *testing.T) {
	s := openTemp(t)
	_, err := s.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)
	_, err = s.Exec("INSERT INTO t (id, name) VALUES (1, 'hello')")
	require.NoError(t, err)

	name, err := s.QueryString("SELECT name FROM t WHERE id = 1")
	require.NoError(t, err)
	require.Equal(t, "hello", name)
}

func TestQueryStringNotFound(t *testing.T) {
	s := openTemp(t)
	_, err := s.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)

	_, err = s.QueryString("SELECT name FROM t WHERE id = 1")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestTransactionCommitsOnSuccess(t *testing.T) {
	s := openTemp(t)
	_, err := s.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)

	err = s.Transaction(func(db *sql.DB) error {
		_, err := db.Exec("INSERT INTO t (id) VALUES (1)")
		return err
	})
	require.NoError(t, err)

	ids, err := s.QueryInts("SELECT id FROM t")
	require.NoError(t, err)
	require.Equal(t, []int64{1}, ids)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	s := openTemp(t)
	_, err := s.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)

	err = s.Transaction(func(db *sql.DB) error {
		if _, err := db.Exec("INSERT INTO t (id) VALUES (1)"); err != nil {
			return err
		}
		return sql.ErrNoRows
	})
	require.Error(t, err)

	ids, err := s.QueryInts("SELECT id FROM t")
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestSchemaVersionRoundTrip(t *testing.T) {
	s := openTemp(t)
	v, err := s.SchemaVersion()
	require.NoError(t, err)
	require.Equal(t, 0, v)

	require.NoError(t, s.SetSchemaVersion(3))
	v, err = s.SchemaVersion()
	require.NoError(t, err)
	require.Equal(t, 3, v)
}

func TestCloseIsIdempotent(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.False(t, s.IsOpen())
}

func TestOperationsFailAfterClose(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.Close())
	_, err := s.Exec("SELECT 1")
	require.Error(t, err)
}
