// Package authsession is AuthSession: one client-requested session
// against an identity+method, mediating process/cancel/refresh/
// user_action_finished calls to a PluginProxy and auto-disposing when
// idle.
package authsession

import (
	"time"

	"github.com/google/uuid"
	"github.com/roelfdiedericks/ssod/internal/acl"
	"github.com/roelfdiedericks/ssod/internal/disposable"
	"github.com/roelfdiedericks/ssod/internal/errs"
	. "github.com/roelfdiedericks/ssod/internal/logging"
	"github.com/roelfdiedericks/ssod/internal/pluginhost"
	"github.com/roelfdiedericks/ssod/internal/variant"
)

// SecurityContext re-exports acl's.
type SecurityContext = acl.SecurityContext

// Identity is the subset of identity.Identity an AuthSession needs:
// its info, owner/ACL, username injection, and its method/mechanism
// grants as seen by a given peer.
type Identity interface {
	ID() uint32
	Owner() SecurityContext
	ACL() []SecurityContext
	NonSecretUsername() (username string, ok bool)
	GrantedMechanisms(method string) []string
}

// Manager answers the ACL predicates a session must check on every call.
type Manager interface {
	PeerIsInACL(peerCtx SecurityContext, acl []SecurityContext) bool
	PeerIsOwner(peerCtx, ownerCtx SecurityContext) bool
}

// Session is one AuthSession: an identity+method pairing, bound to a
// PluginProxy, with the allowed-mechanism set computed at construction.
type Session struct {
	id       string
	identity Identity
	method   string
	manager  Manager
	proxy    *pluginhost.Proxy
	allowed  map[string]bool

	disposable *disposable.Disposable
	onIdle     func(s *Session)
}

// New builds a Session for identity+method, bound to proxy. The
// allowed-mechanism set is the intersection of proxy's advertised
// mechanisms and the identity's method grant for method; a grant
// containing "*", or an identity that has never been persisted,
// widens the allowed set to everything the proxy advertises.
func New(identity Identity, method string, manager Manager, proxy *pluginhost.Proxy, idleTimeout time.Duration, onIdle func(*Session)) *Session {
	granted := identity.GrantedMechanisms(method)
	advertised := proxy.Mechanisms()

	allowed := make(map[string]bool, len(advertised))
	wildcard := identity.ID() == 0
	for _, g := range granted {
		if g == "*" {
			wildcard = true
		}
	}
	for _, m := range advertised {
		if wildcard {
			allowed[m] = true
			continue
		}
		for _, g := range granted {
			if g == m {
				allowed[m] = true
				break
			}
		}
	}

	s := &Session{
		id:       uuid.NewString(),
		identity: identity,
		method:   method,
		manager:  manager,
		proxy:    proxy,
		allowed:  allowed,
		onIdle:   onIdle,
	}
	s.disposable = disposable.New(idleTimeout, func() {
		if s.onIdle != nil {
			s.onIdle(s)
		}
	})
	proxy.AddRef()
	return s
}

// ID returns the session's generated identifier, used as the proxy's
// per-session key and the worker protocol's sessionId field.
func (s *Session) ID() string { return s.id }

// Acquire/Release track external handles on the session for auto-dispose.
func (s *Session) Acquire() { s.disposable.Acquire() }
func (s *Session) Release() { s.disposable.Release() }

// Dispose releases the underlying proxy reference and disarms the idle
// timer. Called once, when the session is actually torn down.
func (s *Session) Dispose() {
	s.disposable.Cancel()
	s.proxy.Release()
}

func (s *Session) checkPeer(peerCtx SecurityContext) error {
	owner := s.identity.Owner()
	if s.manager.PeerIsOwner(peerCtx, owner) {
		return nil
	}
	if s.manager.PeerIsInACL(peerCtx, s.identity.ACL()) {
		return nil
	}
	return errs.ErrPermissionDenied
}

// QueryAvailableMechanisms returns wanted ∩ allowed, after an ACL check
// on peerCtx.
func (s *Session) QueryAvailableMechanisms(wanted []string, peerCtx SecurityContext) ([]string, error) {
	if err := s.checkPeer(peerCtx); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(wanted))
	for _, m := range wanted {
		if s.allowed[m] {
			out = append(out, m)
		}
	}
	return out, nil
}

// Process starts (or continues) an authentication exchange. ready is
// called once with the terminal result or error; state is called on
// every intermediate state transition.
func (s *Session) Process(data variant.Dict, mechanism string, peerCtx SecurityContext, ready pluginhost.ReadyFunc, state pluginhost.StateFunc) error {
	if err := s.checkPeer(peerCtx); err != nil {
		return err
	}
	if !s.allowed[mechanism] {
		return errs.ErrMechanismNotAvailable
	}

	if _, hasUsername := data["username"]; !hasUsername {
		if username, ok := s.identity.NonSecretUsername(); ok && username != "" {
			if data == nil {
				data = variant.Dict{}
			}
			data["username"] = variant.String(username)
		}
	}

	L_trace("authsession: process", "session", s.id, "method", s.method, "mechanism", mechanism)
	s.proxy.Submit(s.id, mechanism, data, ready, state)
	return nil
}

// Cancel cancels the in-flight request, if any. Always safe to call.
func (s *Session) Cancel(peerCtx SecurityContext) error {
	if err := s.checkPeer(peerCtx); err != nil {
		return err
	}
	s.proxy.Cancel(s.id)
	return nil
}

// Refresh forwards ui_data to the plugin for the session's active request.
func (s *Session) Refresh(uiData variant.Dict, peerCtx SecurityContext) error {
	if err := s.checkPeer(peerCtx); err != nil {
		return err
	}
	return s.proxy.Refresh(s.id, uiData)
}

// UserActionFinished forwards ui_data to the plugin, resuming a request
// parked in AWAITING_USER.
func (s *Session) UserActionFinished(uiData variant.Dict, peerCtx SecurityContext) error {
	if err := s.checkPeer(peerCtx); err != nil {
		return err
	}
	return s.proxy.UserActionFinished(s.id, uiData)
}
