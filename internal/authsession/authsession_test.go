package authsession

import (
	"os/exec"
	"testing"
	"time"

	"github.com/roelfdiedericks/ssod/internal/errs"
	"github.com/roelfdiedericks/ssod/internal/eventloop"
	"github.com/roelfdiedericks/ssod/internal/pluginhost"
	"github.com/roelfdiedericks/ssod/internal/variant"
	"github.com/stretchr/testify/require"
)

type fakeIdentity struct {
	id       uint32
	owner    SecurityContext
	acl      []SecurityContext
	username string
	haveUser bool
	granted  map[string][]string
}

func (f *fakeIdentity) ID() uint32                 { return f.id }
func (f *fakeIdentity) Owner() SecurityContext     { return f.owner }
func (f *fakeIdentity) ACL() []SecurityContext      { return f.acl }
func (f *fakeIdentity) NonSecretUsername() (string, bool) { return f.username, f.haveUser }
func (f *fakeIdentity) GrantedMechanisms(method string) []string {
	return f.granted[method]
}

// fakeManager matches peers by plain equality, so tests can use distinct
// SecurityContext values for owner/ACL/stranger without relying on the
// wildcard semantics exercised elsewhere.
type fakeManager struct{}

func (fakeManager) PeerIsInACL(peerCtx SecurityContext, acl []SecurityContext) bool {
	for _, e := range acl {
		if e == peerCtx {
			return true
		}
	}
	return false
}

func (fakeManager) PeerIsOwner(peerCtx, ownerCtx SecurityContext) bool {
	return peerCtx == ownerCtx
}

// newTestProxy builds a real pluginhost.Proxy that, if ever dispatched
// to, spawns the "true" binary: a trivial real process that exits
// immediately, enough to exercise Submit's full code path without
// emulating the worker wire protocol.
func newTestProxy(t *testing.T, mechanisms []string) *pluginhost.Proxy {
	t.Helper()
	bin, err := exec.LookPath("true")
	if err != nil {
		t.Skip("no \"true\" binary on PATH")
	}
	loop := eventloop.New(8)
	t.Cleanup(loop.Stop)
	return pluginhost.NewProxy("password", mechanisms, pluginhost.WorkerConfig{Binary: bin}, 0, loop)
}

func TestNewAllowsEverythingForUnpersistedIdentity(t *testing.T) {
	proxy := newTestProxy(t, []string{"password", "oauth2"})
	id := &fakeIdentity{id: 0, granted: map[string][]string{}}

	s := New(id, "password", fakeManager{}, proxy, 0, nil)
	t.Cleanup(s.Dispose)

	out, err := s.QueryAvailableMechanisms([]string{"password", "oauth2"}, SecurityContext{})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"password", "oauth2"}, out)
}

func TestNewWildcardGrantAllowsEverything(t *testing.T) {
	proxy := newTestProxy(t, []string{"password", "oauth2"})
	id := &fakeIdentity{id: 1, granted: map[string][]string{"password": {"*"}}}

	s := New(id, "password", fakeManager{}, proxy, 0, nil)
	t.Cleanup(s.Dispose)

	out, err := s.QueryAvailableMechanisms([]string{"password", "oauth2"}, SecurityContext{})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"password", "oauth2"}, out)
}

func TestNewIntersectsGrantedWithAdvertised(t *testing.T) {
	proxy := newTestProxy(t, []string{"password", "oauth2"})
	id := &fakeIdentity{id: 1, granted: map[string][]string{"password": {"password"}}}

	s := New(id, "password", fakeManager{}, proxy, 0, nil)
	t.Cleanup(s.Dispose)

	out, err := s.QueryAvailableMechanisms([]string{"password", "oauth2"}, SecurityContext{})
	require.NoError(t, err)
	require.Equal(t, []string{"password"}, out)
}

func TestQueryAvailableMechanismsRejectsPeerOutsideACL(t *testing.T) {
	proxy := newTestProxy(t, []string{"password"})
	owner := SecurityContext{SystemCtx: "owner"}
	id := &fakeIdentity{id: 1, owner: owner, granted: map[string][]string{"password": {"password"}}}

	s := New(id, "password", fakeManager{}, proxy, 0, nil)
	t.Cleanup(s.Dispose)

	stranger := SecurityContext{SystemCtx: "stranger"}
	_, err := s.QueryAvailableMechanisms([]string{"password"}, stranger)
	require.ErrorIs(t, err, errs.ErrPermissionDenied)
}

func TestQueryAvailableMechanismsAllowsACLMember(t *testing.T) {
	proxy := newTestProxy(t, []string{"password"})
	owner := SecurityContext{SystemCtx: "owner"}
	peer := SecurityContext{SystemCtx: "peer"}
	id := &fakeIdentity{id: 1, owner: owner, acl: []SecurityContext{peer}, granted: map[string][]string{"password": {"password"}}}

	s := New(id, "password", fakeManager{}, proxy, 0, nil)
	t.Cleanup(s.Dispose)

	out, err := s.QueryAvailableMechanisms([]string{"password"}, peer)
	require.NoError(t, err)
	require.Equal(t, []string{"password"}, out)
}

func TestProcessRejectsMechanismNotAllowed(t *testing.T) {
	proxy := newTestProxy(t, []string{"password", "oauth2"})
	owner := SecurityContext{SystemCtx: "owner"}
	id := &fakeIdentity{id: 1, owner: owner, granted: map[string][]string{"password": {"password"}}}

	s := New(id, "password", fakeManager{}, proxy, 0, nil)
	t.Cleanup(s.Dispose)

	err := s.Process(variant.Dict{}, "oauth2", owner, func(variant.Dict, error) {}, func(string, string) {})
	require.ErrorIs(t, err, errs.ErrMechanismNotAvailable)
}

func TestProcessRejectsPeerNotOwnerOrACL(t *testing.T) {
	proxy := newTestProxy(t, []string{"password"})
	owner := SecurityContext{SystemCtx: "owner"}
	id := &fakeIdentity{id: 1, owner: owner, granted: map[string][]string{"password": {"password"}}}

	s := New(id, "password", fakeManager{}, proxy, 0, nil)
	t.Cleanup(s.Dispose)

	stranger := SecurityContext{SystemCtx: "stranger"}
	err := s.Process(variant.Dict{}, "password", stranger, func(variant.Dict, error) {}, func(string, string) {})
	require.ErrorIs(t, err, errs.ErrPermissionDenied)
}

func TestProcessInjectsNonSecretUsernameWhenAbsent(t *testing.T) {
	proxy := newTestProxy(t, []string{"password"})
	owner := SecurityContext{SystemCtx: "owner"}
	id := &fakeIdentity{
		id: 1, owner: owner, username: "alice", haveUser: true,
		granted: map[string][]string{"password": {"password"}},
	}

	s := New(id, "password", fakeManager{}, proxy, 0, nil)
	t.Cleanup(s.Dispose)

	data := variant.Dict{}
	err := s.Process(data, "password", owner, func(variant.Dict, error) {}, func(string, string) {})
	require.NoError(t, err)

	username, ok := data["username"]
	require.True(t, ok, "Process should inject the identity's non-secret username into the shared data map")
	v, ok := username.String()
	require.True(t, ok)
	require.Equal(t, "alice", v)
}

func TestProcessDoesNotOverrideProvidedUsername(t *testing.T) {
	proxy := newTestProxy(t, []string{"password"})
	owner := SecurityContext{SystemCtx: "owner"}
	id := &fakeIdentity{
		id: 1, owner: owner, username: "alice", haveUser: true,
		granted: map[string][]string{"password": {"password"}},
	}

	s := New(id, "password", fakeManager{}, proxy, 0, nil)
	t.Cleanup(s.Dispose)

	data := variant.Dict{"username": variant.String("bob")}
	require.NoError(t, s.Process(data, "password", owner, func(variant.Dict, error) {}, func(string, string) {}))

	v, ok := data["username"].String()
	require.True(t, ok)
	require.Equal(t, "bob", v)
}

func TestCancelRejectsPeerOutsideACL(t *testing.T) {
	proxy := newTestProxy(t, []string{"password"})
	owner := SecurityContext{SystemCtx: "owner"}
	id := &fakeIdentity{id: 1, owner: owner}

	s := New(id, "password", fakeManager{}, proxy, 0, nil)
	t.Cleanup(s.Dispose)

	err := s.Cancel(SecurityContext{SystemCtx: "stranger"})
	require.ErrorIs(t, err, errs.ErrPermissionDenied)
}

func TestAcquireReleaseDriveDisposable(t *testing.T) {
	proxy := newTestProxy(t, []string{"password"})
	id := &fakeIdentity{id: 1}
	idleCh := make(chan struct{})

	s := New(id, "password", fakeManager{}, proxy, 10*time.Millisecond, func(*Session) { close(idleCh) })
	s.Acquire()
	s.Release()

	select {
	case <-idleCh:
	case <-time.After(2 * time.Second):
		t.Fatal("onIdle callback never fired")
	}
}
