package metadatastore

import (
	"path/filepath"
	"testing"

	"github.com/roelfdiedericks/ssod/internal/errs"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSecurityContextMatchesWildcard(t *testing.T) {
	cases := []struct {
		name string
		a, b SecurityContext
		want bool
	}{
		{"exact match", SecurityContext{"sysA", "appA"}, SecurityContext{"sysA", "appA"}, true},
		{"mismatch", SecurityContext{"sysA", "appA"}, SecurityContext{"sysB", "appA"}, false},
		{"wildcard system", SecurityContext{"*", "appA"}, SecurityContext{"sysB", "appA"}, true},
		{"wildcard app", SecurityContext{"sysA", "*"}, SecurityContext{"sysA", "appZ"}, true},
		{"wildcard both", SecurityContext{"*", "*"}, SecurityContext{"anything", "anything"}, true},
		{"wildcard is symmetric", SecurityContext{"sysB", "appA"}, SecurityContext{"*", "appA"}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, c.a.Matches(c.b))
		})
	}
}

func TestIdentityCRUD(t *testing.T) {
	s := openTemp(t)

	id, err := s.InsertIdentity(IdentityRow{Caption: "cap", Username: "alice", Flags: FlagValidated, Type: 1})
	require.NoError(t, err)
	require.Greater(t, id, uint32(0))

	row, err := s.LoadIdentity(id)
	require.NoError(t, err)
	require.Equal(t, "cap", row.Caption)
	require.Equal(t, "alice", row.Username)
	require.Equal(t, uint32(FlagValidated), row.Flags)

	row.Caption = "cap2"
	require.NoError(t, s.UpdateIdentity(row))

	reloaded, err := s.LoadIdentity(id)
	require.NoError(t, err)
	require.Equal(t, "cap2", reloaded.Caption)

	require.NoError(t, s.RemoveIdentity(id))
	_, err = s.LoadIdentity(id)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRemoveIdentityTwiceIsNotFound(t *testing.T) {
	s := openTemp(t)
	id, err := s.InsertIdentity(IdentityRow{Caption: "c"})
	require.NoError(t, err)

	require.NoError(t, s.RemoveIdentity(id))
	require.ErrorIs(t, s.RemoveIdentity(id), errs.ErrNotFound)
}

func TestListIdentitiesFilter(t *testing.T) {
	s := openTemp(t)
	ownerA := SecurityContext{SystemCtx: "sysA", AppCtx: "appA"}
	ownerB := SecurityContext{SystemCtx: "sysB", AppCtx: "appB"}

	id1, err := s.InsertIdentity(IdentityRow{Caption: "alpha", Type: 1})
	require.NoError(t, err)
	require.NoError(t, s.SetOwner(id1, ownerA))

	id2, err := s.InsertIdentity(IdentityRow{Caption: "beta", Type: 2})
	require.NoError(t, err)
	require.NoError(t, s.SetOwner(id2, ownerB))

	byType := uint32(1)
	rows, err := s.ListIdentities(Filter{Type: &byType})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, id1, rows[0].ID)

	rows, err = s.ListIdentities(Filter{Caption: "eta"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, id2, rows[0].ID)

	rows, err = s.ListIdentities(Filter{Owner: &ownerA})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, id1, rows[0].ID)
}

func TestMethodIDCreateIfMissing(t *testing.T) {
	s := openTemp(t)

	_, err := s.MethodID("password", false)
	require.ErrorIs(t, err, errs.ErrNotFound)

	id, err := s.MethodID("password", true)
	require.NoError(t, err)
	require.Greater(t, id, int64(0))

	again, err := s.MethodID("password", true)
	require.NoError(t, err)
	require.Equal(t, id, again)

	name, err := s.MethodName(id)
	require.NoError(t, err)
	require.Equal(t, "password", name)
}

func TestSecCtxUpsert(t *testing.T) {
	s := openTemp(t)
	ctx := SecurityContext{SystemCtx: "sys", AppCtx: "app"}

	id1, err := s.SecCtxID(ctx)
	require.NoError(t, err)
	id2, err := s.SecCtxID(ctx)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	reloaded, err := s.SecCtx(id1)
	require.NoError(t, err)
	require.Equal(t, ctx, reloaded)
}

func TestRealmsRoundTrip(t *testing.T) {
	s := openTemp(t)
	id, err := s.InsertIdentity(IdentityRow{Caption: "c"})
	require.NoError(t, err)

	require.NoError(t, s.SetRealms(id, []string{"realm1", "realm2"}))
	realms, err := s.Realms(id)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"realm1", "realm2"}, realms)
}

func TestPeerACLRoundTrip(t *testing.T) {
	s := openTemp(t)
	id, err := s.InsertIdentity(IdentityRow{Caption: "c"})
	require.NoError(t, err)

	acl := []SecurityContext{{SystemCtx: "*", AppCtx: "*"}, {SystemCtx: "sysB", AppCtx: "appB"}}
	require.NoError(t, s.SetPeerACL(id, acl))

	reloaded, err := s.PeerACL(id)
	require.NoError(t, err)
	require.ElementsMatch(t, acl, reloaded)
}

func TestMethodMechanismsRoundTrip(t *testing.T) {
	s := openTemp(t)
	id, err := s.InsertIdentity(IdentityRow{Caption: "c"})
	require.NoError(t, err)

	grants := map[string][]string{
		"password": {"password"},
		"oauth2":   {"*"},
	}
	require.NoError(t, s.SetMethodMechanisms(id, grants))

	reloaded, err := s.MethodMechanisms(id)
	require.NoError(t, err)
	require.Equal(t, grants, reloaded)
}

func TestOwnerRoundTrip(t *testing.T) {
	s := openTemp(t)
	id, err := s.InsertIdentity(IdentityRow{Caption: "c"})
	require.NoError(t, err)

	owner := SecurityContext{SystemCtx: "sysA", AppCtx: "appA"}
	require.NoError(t, s.SetOwner(id, owner))

	reloaded, err := s.Owner(id)
	require.NoError(t, err)
	require.Equal(t, owner, reloaded)
}

func TestReferencesInsertIsIdempotent(t *testing.T) {
	s := openTemp(t)
	id, err := s.InsertIdentity(IdentityRow{Caption: "c"})
	require.NoError(t, err)
	owner := SecurityContext{SystemCtx: "sysA", AppCtx: "appA"}

	require.NoError(t, s.InsertReference(id, owner, "ref1"))
	require.NoError(t, s.InsertReference(id, owner, "ref1"))

	refs, err := s.References(id, owner)
	require.NoError(t, err)
	require.Equal(t, []string{"ref1"}, refs)
}

func TestReferencesRemove(t *testing.T) {
	s := openTemp(t)
	id, err := s.InsertIdentity(IdentityRow{Caption: "c"})
	require.NoError(t, err)
	owner := SecurityContext{SystemCtx: "sysA", AppCtx: "appA"}

	require.NoError(t, s.InsertReference(id, owner, "ref1"))
	require.NoError(t, s.RemoveReference(id, owner, "ref1"))

	refs, err := s.References(id, owner)
	require.NoError(t, err)
	require.Empty(t, refs)
}

func TestClearWipesEverything(t *testing.T) {
	s := openTemp(t)
	id, err := s.InsertIdentity(IdentityRow{Caption: "c"})
	require.NoError(t, err)
	require.NoError(t, s.SetRealms(id, []string{"r1"}))

	require.NoError(t, s.Clear())

	_, err = s.LoadIdentity(id)
	require.ErrorIs(t, err, errs.ErrNotFound)
}
