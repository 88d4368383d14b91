package secretstore

import (
	"path/filepath"
	"testing"

	"github.com/roelfdiedericks/ssod/internal/errs"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "secret.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCredentialsRoundTrip(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.UpdateCredentials(Credentials{ID: 1, Username: "alice", Password: "p@ss"}))

	c, err := s.LoadCredentials(1)
	require.NoError(t, err)
	require.Equal(t, Credentials{ID: 1, Username: "alice", Password: "p@ss"}, c)
}

func TestLoadCredentialsNotFound(t *testing.T) {
	s := openTemp(t)
	_, err := s.LoadCredentials(99)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestUpdateCredentialsUpsert(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.UpdateCredentials(Credentials{ID: 1, Username: "alice", Password: "old"}))
	require.NoError(t, s.UpdateCredentials(Credentials{ID: 1, Username: "alice", Password: "new"}))

	c, err := s.LoadCredentials(1)
	require.NoError(t, err)
	require.Equal(t, "new", c.Password)
}

func TestRemoveCredentials(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.UpdateCredentials(Credentials{ID: 1, Password: "p"}))
	require.NoError(t, s.RemoveCredentials(1))

	_, err := s.LoadCredentials(1)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRemoveCredentialsTwiceReturnsNotFound(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.UpdateCredentials(Credentials{ID: 1, Password: "p"}))
	require.NoError(t, s.RemoveCredentials(1))
	require.ErrorIs(t, s.RemoveCredentials(1), errs.ErrNotFound)
}

func TestMethodDataRoundTrip(t *testing.T) {
	s := openTemp(t)
	data := map[string][]byte{"k1": []byte("v1"), "k2": []byte("v2")}
	require.NoError(t, s.UpdateMethodData(1, 7, data))

	loaded, err := s.LoadMethodData(1, 7)
	require.NoError(t, err)
	require.Equal(t, data, loaded)
}

func TestMethodDataReplaceIsAtomic(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.UpdateMethodData(1, 7, map[string][]byte{"k1": []byte("v1")}))
	require.NoError(t, s.UpdateMethodData(1, 7, map[string][]byte{"k2": []byte("v2")}))

	loaded, err := s.LoadMethodData(1, 7)
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{"k2": []byte("v2")}, loaded)
}

func TestCheckSecret(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.UpdateCredentials(Credentials{ID: 1, Username: "alice", Password: "p@ss"}))

	ok, err := s.CheckSecret(1, "alice", "p@ss")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.CheckSecret(1, "alice", "wrong")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckSecretUnknownIdentity(t *testing.T) {
	s := openTemp(t)
	ok, err := s.CheckSecret(42, "alice", "p@ss")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClearWipesAllTables(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.UpdateCredentials(Credentials{ID: 1, Password: "p"}))
	require.NoError(t, s.UpdateMethodData(1, 1, map[string][]byte{"k": []byte("v")}))

	require.NoError(t, s.Clear())

	_, err := s.LoadCredentials(1)
	require.ErrorIs(t, err, errs.ErrNotFound)
	data, err := s.LoadMethodData(1, 1)
	require.NoError(t, err)
	require.Empty(t, data)
}
