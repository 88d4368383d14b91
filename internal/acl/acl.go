// Package acl is AccessControlManager: peer resolution from an IPC
// endpoint, the ACL/ownership predicates every identity and session
// operation checks against, and a small named-backend registry so the
// General/Extension config key can swap in an alternate implementation
// without a plugin-loading mechanism.
package acl

import (
	"fmt"
	"os"
	"path/filepath"

	. "github.com/roelfdiedericks/ssod/internal/logging"
	"github.com/roelfdiedericks/ssod/internal/metadatastore"
)

// SecurityContext re-exports metadatastore's SecurityContext.
type SecurityContext = metadatastore.SecurityContext

// PeerCredentials is whatever the transport layer could determine
// about the connecting process. PID is 0 if unknown (e.g. a named-bus
// transport that only hands back a bus service name already resolved
// upstream).
type PeerCredentials struct {
	PID   int
	AppID string
}

// Manager is the default AccessControlManager: resolves peers by PID's
// executable path and answers the wildcard-aware ACL/ownership
// predicates every identity check is built from.
type Manager struct {
	keychain SecurityContext
}

// New builds a Manager whose keychain_context is keychain.
func New(keychain SecurityContext) *Manager {
	return &Manager{keychain: keychain}
}

// ResolvePeer turns PeerCredentials into a SecurityContext: system_ctx
// is the peer's resolved executable path (empty if resolution failed),
// app_ctx is carried through verbatim.
func (m *Manager) ResolvePeer(creds PeerCredentials) SecurityContext {
	sysCtx := ""
	if creds.PID > 0 {
		if exe, err := resolveExecutablePath(creds.PID); err != nil {
			L_warn("acl: could not resolve peer executable", "pid", creds.PID, "err", err)
		} else {
			sysCtx = exe
		}
	}
	return SecurityContext{SystemCtx: sysCtx, AppCtx: creds.AppID}
}

func resolveExecutablePath(pid int) (string, error) {
	path, err := os.Readlink(filepath.Join("/proc", fmt.Sprint(pid), "exe"))
	if err != nil {
		return "", err
	}
	return path, nil
}

// PeerIsInACL reports whether peerCtx matches any entry of acl under
// the wildcard-aware equality of SecurityContext.Matches.
func (m *Manager) PeerIsInACL(peerCtx SecurityContext, acl []SecurityContext) bool {
	for _, entry := range acl {
		if entry.Matches(peerCtx) {
			return true
		}
	}
	return false
}

// PeerIsOwner reports whether peerCtx matches ownerCtx.
func (m *Manager) PeerIsOwner(peerCtx, ownerCtx SecurityContext) bool {
	return ownerCtx.Matches(peerCtx)
}

// ACLIsValid is the extension point called before a client's proposed
// ACL is persisted, to reject self-granted escalations. The default
// backend accepts any ACL; a registered alternate backend may be
// stricter.
func (m *Manager) ACLIsValid(peerCtx SecurityContext, acl []SecurityContext) bool {
	return true
}

// KeychainContext returns the distinguished SecurityContext allowed to
// perform bulk operations.
func (m *Manager) KeychainContext() SecurityContext {
	return m.keychain
}

// IsKeychain reports whether peerCtx matches the keychain context.
func (m *Manager) IsKeychain(peerCtx SecurityContext) bool {
	return m.keychain.Matches(peerCtx)
}

// Factory builds a Manager for a named backend, given the configured
// keychain context. Registered backends are looked up by the
// General/Extension config key.
type Factory func(keychain SecurityContext) (*Manager, error)

var registry = map[string]Factory{
	"default": func(keychain SecurityContext) (*Manager, error) {
		return New(keychain), nil
	},
}

// Register adds a named backend factory. Re-registering a name
// replaces the previous factory; used by tests and by any future
// extension package's init().
func Register(name string, factory Factory) {
	registry[name] = factory
}

// Build constructs the Manager for the named backend.
func Build(name string, keychain SecurityContext) (*Manager, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("acl: unknown extension %q", name)
	}
	return factory(keychain)
}
