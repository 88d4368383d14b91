// Package identity is Identity: one open identity object per client,
// holding a reference-counted IdentityInfo and the AuthSession children
// spawned from it, enforcing per-operation ACL/owner checks, and
// emitting change notifications over internal/bus.
package identity

import (
	"fmt"
	"sync"
	"time"

	"github.com/roelfdiedericks/ssod/internal/acl"
	"github.com/roelfdiedericks/ssod/internal/authsession"
	"github.com/roelfdiedericks/ssod/internal/bus"
	"github.com/roelfdiedericks/ssod/internal/credentials"
	"github.com/roelfdiedericks/ssod/internal/disposable"
	"github.com/roelfdiedericks/ssod/internal/errs"
	. "github.com/roelfdiedericks/ssod/internal/logging"
	"github.com/roelfdiedericks/ssod/internal/pluginhost"
)

// SecurityContext re-exports acl's.
type SecurityContext = acl.SecurityContext

// ChangeKind classifies an info-updated signal.
type ChangeKind string

const (
	ChangeData      ChangeKind = "Data"
	ChangeAcl       ChangeKind = "Acl"
	ChangeOwner     ChangeKind = "Owner"
	ChangeRemoved   ChangeKind = "Removed"
	ChangeSignedOut ChangeKind = "SignedOut"
)

// Topics published on internal/bus, with Identity.ID() as Event.Data's
// identity id field.
const (
	TopicInfoUpdated = "identity.info-updated"
	TopicRemoved     = "identity.removed"
	TopicSignedOut   = "identity.signed-out"
)

// InfoUpdatedEvent is the payload of TopicInfoUpdated.
type InfoUpdatedEvent struct {
	ID     uint32
	Change ChangeKind
}

// Host supplies proxies for methods, used by GetAuthSession.
type Host interface {
	GetProxy(method string) (*pluginhost.Proxy, error)
}

// Manager answers ACL predicates.
type Manager interface {
	PeerIsInACL(peerCtx SecurityContext, acl []SecurityContext) bool
	PeerIsOwner(peerCtx, ownerCtx SecurityContext) bool
	ACLIsValid(peerCtx SecurityContext, acl []SecurityContext) bool
}

// Identity is one open identity object.
type Identity struct {
	mu   sync.Mutex
	info credentials.IdentityInfo

	db      *credentials.DB
	manager Manager
	host    Host

	sessionIdleTimeout time.Duration
	sessions           map[string]*authsession.Session

	disposable *disposable.Disposable
	onIdle     func(*Identity)
}

// New wraps info (which may be a blank, unpersisted record with id=0)
// in an Identity bound to db for persistence and manager for ACL checks.
func New(info credentials.IdentityInfo, db *credentials.DB, manager Manager, host Host, identityIdleTimeout, sessionIdleTimeout time.Duration, onIdle func(*Identity)) *Identity {
	i := &Identity{
		info:               info,
		db:                 db,
		manager:            manager,
		host:               host,
		sessionIdleTimeout: sessionIdleTimeout,
		sessions:           make(map[string]*authsession.Session),
		onIdle:             onIdle,
	}
	i.disposable = disposable.New(identityIdleTimeout, func() {
		if i.onIdle != nil {
			i.onIdle(i)
		}
	})
	return i
}

// ID returns the identity's persisted id, or 0 if not yet stored.
func (i *Identity) ID() uint32 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.info.ID
}

// Owner implements authsession.Identity.
func (i *Identity) Owner() SecurityContext {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.info.Owner
}

// ACL implements authsession.Identity.
func (i *Identity) ACL() []SecurityContext {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]SecurityContext, len(i.info.ACL))
	copy(out, i.info.ACL)
	return out
}

// NonSecretUsername implements authsession.Identity.
func (i *Identity) NonSecretUsername() (string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.info.UsernameIsSecret {
		return "", false
	}
	return i.info.Username, true
}

// GrantedMechanisms implements authsession.Identity.
func (i *Identity) GrantedMechanisms(method string) []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.info.Methods[method]
}

// Acquire/Release track external handles for auto-dispose.
func (i *Identity) Acquire() { i.disposable.Acquire() }
func (i *Identity) Release() { i.disposable.Release() }

func (i *Identity) checkPeer(peerCtx SecurityContext) error {
	i.mu.Lock()
	owner := i.info.Owner
	acl := i.info.ACL
	i.mu.Unlock()
	if i.manager.PeerIsOwner(peerCtx, owner) {
		return nil
	}
	if i.manager.PeerIsInACL(peerCtx, acl) {
		return nil
	}
	return errs.ErrPermissionDenied
}

func (i *Identity) checkOwner(peerCtx SecurityContext) error {
	i.mu.Lock()
	owner := i.info.Owner
	i.mu.Unlock()
	if !i.manager.PeerIsOwner(peerCtx, owner) {
		return errs.ErrPermissionDenied
	}
	return nil
}

// GetInfo returns the identity's descriptive record, ACL-checked
// against peerCtx.
func (i *Identity) GetInfo(peerCtx SecurityContext) (credentials.IdentityInfo, error) {
	if err := i.checkPeer(peerCtx); err != nil {
		return credentials.IdentityInfo{}, err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.info, nil
}

// RequestCredentialsUpdate returns the current info with the secret
// fields populated, for a client that intends to mutate and re-store it.
func (i *Identity) RequestCredentialsUpdate(peerCtx SecurityContext) (credentials.IdentityInfo, error) {
	if err := i.checkOwner(peerCtx); err != nil {
		return credentials.IdentityInfo{}, err
	}
	i.mu.Lock()
	id := i.info.ID
	i.mu.Unlock()
	if id == 0 {
		return i.GetInfo(peerCtx)
	}
	info, err := i.db.LoadIdentity(id, true)
	if err != nil {
		return credentials.IdentityInfo{}, err
	}
	i.mu.Lock()
	i.info = info
	i.mu.Unlock()
	return info, nil
}

// Store persists info (inserting if info.ID == 0, else updating),
// updates the in-memory record, and emits the appropriate info-updated
// change kind.
func (i *Identity) Store(info credentials.IdentityInfo, storeSecret bool, peerCtx SecurityContext) (uint32, error) {
	i.mu.Lock()
	prev := i.info
	i.mu.Unlock()

	if prev.ID != 0 {
		if err := i.checkOwner(peerCtx); err != nil {
			return 0, err
		}
		if info.ACL != nil && !i.manager.ACLIsValid(peerCtx, info.ACL) {
			return 0, fmt.Errorf("identity: %w", errs.ErrInvalidArgument)
		}
	}

	wasNew := prev.ID == 0
	id, err := i.db.UpdateIdentity(info, storeSecret)
	if err != nil && id == 0 {
		return 0, err
	}
	info.ID = id

	i.mu.Lock()
	i.info = info
	i.mu.Unlock()

	change := ChangeData
	switch {
	case wasNew:
		change = ChangeData
	case !sameACL(prev.ACL, info.ACL):
		change = ChangeAcl
	case prev.Owner != info.Owner:
		change = ChangeOwner
	}
	bus.PublishEventWithSource(TopicInfoUpdated, InfoUpdatedEvent{ID: id, Change: change}, "identity")

	if err != nil {
		L_warn("identity: stored metadata but secret write failed", "id", id, "err", err)
		return id, err
	}
	return id, nil
}

// Remove deletes the identity from storage and destroys its session
// children.
func (i *Identity) Remove(peerCtx SecurityContext) error {
	if err := i.checkOwner(peerCtx); err != nil {
		return err
	}
	i.mu.Lock()
	id := i.info.ID
	i.mu.Unlock()
	if id == 0 {
		return errs.ErrNotFound
	}
	if err := i.db.RemoveIdentity(id); err != nil {
		return err
	}
	i.destroySessions()
	bus.PublishEventWithSource(TopicRemoved, InfoUpdatedEvent{ID: id, Change: ChangeRemoved}, "identity")
	return nil
}

// SignOut clears the identity's cached secret and destroys its session
// children, without removing it from storage.
func (i *Identity) SignOut(peerCtx SecurityContext) error {
	if err := i.checkOwner(peerCtx); err != nil {
		return err
	}
	i.mu.Lock()
	id := i.info.ID
	i.info.Secret = ""
	i.mu.Unlock()
	i.destroySessions()
	bus.PublishEventWithSource(TopicSignedOut, InfoUpdatedEvent{ID: id, Change: ChangeSignedOut}, "identity")
	return nil
}

func (i *Identity) destroySessions() {
	i.mu.Lock()
	sessions := i.sessions
	i.sessions = make(map[string]*authsession.Session)
	i.mu.Unlock()
	for _, s := range sessions {
		s.Dispose()
	}
}

// VerifyUser obtains an AuthSession bound to method for an interactive,
// plugin-driven verification of the user; the caller drives it with
// Process exactly as any other session.
func (i *Identity) VerifyUser(method string, peerCtx SecurityContext) (*authsession.Session, error) {
	return i.GetAuthSession(method, peerCtx)
}

// VerifySecret checks (username, password) against the stored secret.
func (i *Identity) VerifySecret(username, password string, peerCtx SecurityContext) (bool, error) {
	if err := i.checkPeer(peerCtx); err != nil {
		return false, err
	}
	i.mu.Lock()
	id := i.info.ID
	i.mu.Unlock()
	if id == 0 {
		return false, errs.ErrNotFound
	}
	return i.db.CheckSecret(id, username, password)
}

// AddReference pins name to the identity, scoped to peerCtx.
func (i *Identity) AddReference(name string, peerCtx SecurityContext) error {
	if err := i.checkPeer(peerCtx); err != nil {
		return err
	}
	i.mu.Lock()
	id := i.info.ID
	i.mu.Unlock()
	return i.db.InsertReference(id, peerCtx, name)
}

// RemoveReference unpins name from the identity, scoped to peerCtx.
func (i *Identity) RemoveReference(name string, peerCtx SecurityContext) error {
	if err := i.checkPeer(peerCtx); err != nil {
		return err
	}
	i.mu.Lock()
	id := i.info.ID
	i.mu.Unlock()
	return i.db.RemoveReference(id, peerCtx, name)
}

// GetAuthSession returns a new AuthSession for method, ACL-checked
// against peerCtx.
func (i *Identity) GetAuthSession(method string, peerCtx SecurityContext) (*authsession.Session, error) {
	if err := i.checkPeer(peerCtx); err != nil {
		return nil, err
	}
	proxy, err := i.host.GetProxy(method)
	if err != nil {
		return nil, err
	}
	session := authsession.New(i, method, i.manager, proxy, i.sessionIdleTimeout, i.onSessionIdle)
	i.mu.Lock()
	i.sessions[session.ID()] = session
	i.mu.Unlock()
	return session, nil
}

func (i *Identity) onSessionIdle(s *authsession.Session) {
	i.mu.Lock()
	delete(i.sessions, s.ID())
	i.mu.Unlock()
	s.Dispose()
}

func sameACL(a, b []SecurityContext) bool {
	if len(a) != len(b) {
		return false
	}
	for idx := range a {
		if a[idx] != b[idx] {
			return false
		}
	}
	return true
}
