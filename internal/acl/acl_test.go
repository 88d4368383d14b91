package acl

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolvePeerReadsOwnExecutablePath(t *testing.T) {
	m := New(SecurityContext{})
	ctx := m.ResolvePeer(PeerCredentials{PID: os.Getpid(), AppID: "myapp"})

	self, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", os.Getpid()))
	require.NoError(t, err)
	require.Equal(t, self, ctx.SystemCtx)
	require.Equal(t, "myapp", ctx.AppCtx)
}

func TestResolvePeerUnresolvablePidYieldsEmptySystemCtx(t *testing.T) {
	m := New(SecurityContext{})
	// PID 0 is never a valid process id, so resolution is skipped entirely.
	ctx := m.ResolvePeer(PeerCredentials{PID: 0, AppID: "myapp"})
	require.Empty(t, ctx.SystemCtx)
	require.Equal(t, "myapp", ctx.AppCtx)
}

func TestPeerIsInACLWildcard(t *testing.T) {
	m := New(SecurityContext{})
	acl := []SecurityContext{
		{SystemCtx: "/usr/bin/a", AppCtx: "appA"},
		{SystemCtx: "*", AppCtx: "appB"},
	}

	require.True(t, m.PeerIsInACL(SecurityContext{SystemCtx: "/usr/bin/a", AppCtx: "appA"}, acl))
	require.True(t, m.PeerIsInACL(SecurityContext{SystemCtx: "/anything", AppCtx: "appB"}, acl))
	require.False(t, m.PeerIsInACL(SecurityContext{SystemCtx: "/usr/bin/z", AppCtx: "appZ"}, acl))
}

func TestPeerIsOwner(t *testing.T) {
	m := New(SecurityContext{})
	owner := SecurityContext{SystemCtx: "*", AppCtx: "appA"}

	require.True(t, m.PeerIsOwner(SecurityContext{SystemCtx: "/usr/bin/x", AppCtx: "appA"}, owner))
	require.False(t, m.PeerIsOwner(SecurityContext{SystemCtx: "/usr/bin/x", AppCtx: "appB"}, owner))
}

func TestACLIsValidDefaultsTrue(t *testing.T) {
	m := New(SecurityContext{})
	require.True(t, m.ACLIsValid(SecurityContext{}, nil))
}

func TestKeychainContextAndIsKeychain(t *testing.T) {
	keychain := SecurityContext{SystemCtx: "system", AppCtx: "*"}
	m := New(keychain)

	require.Equal(t, keychain, m.KeychainContext())
	require.True(t, m.IsKeychain(SecurityContext{SystemCtx: "system", AppCtx: "anything"}))
	require.False(t, m.IsKeychain(SecurityContext{SystemCtx: "other", AppCtx: "anything"}))
}

func TestBuildDefaultBackend(t *testing.T) {
	keychain := SecurityContext{SystemCtx: "system"}
	m, err := Build("default", keychain)
	require.NoError(t, err)
	require.Equal(t, keychain, m.KeychainContext())
}

func TestBuildUnknownBackend(t *testing.T) {
	_, err := Build("nonexistent", SecurityContext{})
	require.Error(t, err)
}

func TestRegisterCustomBackend(t *testing.T) {
	called := false
	Register("test-custom", func(keychain SecurityContext) (*Manager, error) {
		called = true
		return New(keychain), nil
	})
	t.Cleanup(func() { delete(registry, "test-custom") })

	_, err := Build("test-custom", SecurityContext{})
	require.NoError(t, err)
	require.True(t, called)
}
