// Package authservice wires CredentialsDatabase, AccessControlManager,
// and PluginHost into the three dispatchable object kinds the IPC
// surface exposes (AuthService, Identity, AuthSession), and builds the
// ipcserver.Handler that routes inbound envelopes to them.
package authservice

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/roelfdiedericks/ssod/internal/acl"
	"github.com/roelfdiedericks/ssod/internal/authsession"
	"github.com/roelfdiedericks/ssod/internal/credentials"
	"github.com/roelfdiedericks/ssod/internal/errs"
	"github.com/roelfdiedericks/ssod/internal/eventloop"
	"github.com/roelfdiedericks/ssod/internal/identity"
	"github.com/roelfdiedericks/ssod/internal/ipcserver"
	. "github.com/roelfdiedericks/ssod/internal/logging"
	"github.com/roelfdiedericks/ssod/internal/pluginhost"
	"github.com/roelfdiedericks/ssod/internal/variant"
)

// SecurityContext re-exports acl's.
type SecurityContext = acl.SecurityContext

// Service is the process-wide AuthService singleton: the registry of
// live Identity and AuthSession objects, keyed by the object id handed
// out to clients over IPC.
type Service struct {
	db      *credentials.DB
	manager *acl.Manager
	host    *pluginhost.Host
	loop    *eventloop.Loop

	identityIdleTimeout time.Duration
	sessionIdleTimeout  time.Duration

	mu         sync.Mutex
	identities map[string]*identity.Identity
	sessions   map[string]*authsession.Session
}

// New builds a Service over db/manager/host. Every dispatched request
// runs as one job on loop, the same cooperative loop host's proxies use
// for worker-signal and crash handling — so a dispatched request never
// executes concurrently with another request or a proxy signal handler.
// The idle-eviction sweep runs on its own cron goroutine, not on loop.
// identityIdleTimeout and sessionIdleTimeout are the Identity/AuthSession
// auto-dispose windows; 0 disables auto-dispose for that object kind.
func New(db *credentials.DB, manager *acl.Manager, host *pluginhost.Host, loop *eventloop.Loop, identityIdleTimeout, sessionIdleTimeout time.Duration) *Service {
	return &Service{
		db:                  db,
		manager:             manager,
		host:                host,
		loop:                loop,
		identityIdleTimeout: identityIdleTimeout,
		sessionIdleTimeout:  sessionIdleTimeout,
		identities:          make(map[string]*identity.Identity),
		sessions:            make(map[string]*authsession.Session),
	}
}

// Handler returns the ipcserver.Handler dispatching AuthService/
// Identity/AuthSession requests to this Service's object graph.
func (s *Service) Handler() ipcserver.Handler {
	return s.dispatch
}

func (s *Service) resolvePeer(conn *ipcserver.Conn) SecurityContext {
	p := conn.Peer()
	return s.manager.ResolvePeer(acl.PeerCredentials{PID: p.PID, AppID: p.AppID})
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("authservice: decode args: %w", err)
	}
	return nil
}

// dispatch runs the request as a single job on the shared event loop,
// so it never interleaves with another request's (or a proxy signal's)
// read-modify-write of the same Identity/AuthSession.
func (s *Service) dispatch(conn *ipcserver.Conn, req ipcserver.Request) (any, error) {
	return s.loop.Submit(context.Background(), func() (any, error) {
		switch req.Object {
		case "AuthService":
			return s.dispatchService(conn, req)
		case "Identity":
			return s.dispatchIdentity(conn, req)
		case "AuthSession":
			return s.dispatchSession(conn, req)
		default:
			return nil, fmt.Errorf("authservice: unknown object kind %q: %w", req.Object, errs.ErrInvalidArgument)
		}
	})
}

// --- AuthService --------------------------------------------------

func (s *Service) dispatchService(conn *ipcserver.Conn, req ipcserver.Request) (any, error) {
	peerCtx := s.resolvePeer(conn)

	switch req.Method {
	case "RegisterNewIdentity":
		id := s.newIdentity(credentials.IdentityInfo{}, peerCtx)
		return map[string]string{"identityId": id}, nil

	case "GetIdentity":
		var args struct {
			ID uint32 `json:"id"`
		}
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}
		info, err := s.db.LoadIdentity(args.ID, false)
		if err != nil {
			return nil, err
		}
		id := s.newIdentity(info, peerCtx)
		return map[string]string{"identityId": id}, nil

	case "QueryIdentities":
		var args struct {
			Caption string           `json:"caption"`
			Owner   *SecurityContext `json:"owner"`
			Type    *uint32          `json:"type"`
		}
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}
		return s.db.LoadIdentities(credentials.Filter{Caption: args.Caption, Owner: args.Owner, Type: args.Type})

	case "Clear":
		if !s.manager.IsKeychain(peerCtx) {
			L_warn("authservice: clear denied", "peer", peerCtx)
			return nil, errs.ErrPermissionDenied
		}
		return nil, s.db.ClearAll(peerCtx, s.manager.KeychainContext())

	default:
		return nil, fmt.Errorf("authservice: AuthService has no method %q: %w", req.Method, errs.ErrInvalidArgument)
	}
}

func (s *Service) newIdentity(info credentials.IdentityInfo, peerCtx SecurityContext) string {
	id := uuid.NewString()
	identObj := identity.New(info, s.db, s.manager, s.host, s.identityIdleTimeout, s.sessionIdleTimeout, s.onIdentityIdle(id))
	identObj.Acquire()

	s.mu.Lock()
	s.identities[id] = identObj
	s.mu.Unlock()

	L_trace("authservice: identity opened", "objectId", id, "peer", peerCtx)
	return id
}

func (s *Service) onIdentityIdle(id string) func(*identity.Identity) {
	return func(*identity.Identity) {
		s.mu.Lock()
		delete(s.identities, id)
		s.mu.Unlock()
		L_trace("authservice: identity disposed", "objectId", id)
	}
}

// --- Identity -------------------------------------------------------

func (s *Service) lookupIdentity(objectID string) (*identity.Identity, error) {
	s.mu.Lock()
	obj, ok := s.identities[objectID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("authservice: no such identity object %q: %w", objectID, errs.ErrNotFound)
	}
	return obj, nil
}

func (s *Service) dispatchIdentity(conn *ipcserver.Conn, req ipcserver.Request) (any, error) {
	obj, err := s.lookupIdentity(req.ObjectID)
	if err != nil {
		return nil, err
	}
	peerCtx := s.resolvePeer(conn)

	switch req.Method {
	case "GetInfo":
		return obj.GetInfo(peerCtx)

	case "RequestCredentialsUpdate":
		return obj.RequestCredentialsUpdate(peerCtx)

	case "Store":
		var args struct {
			Info        credentials.IdentityInfo `json:"info"`
			StoreSecret bool                     `json:"storeSecret"`
		}
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}
		return obj.Store(args.Info, args.StoreSecret, peerCtx)

	case "Remove":
		return nil, obj.Remove(peerCtx)

	case "SignOut":
		return nil, obj.SignOut(peerCtx)

	case "VerifyUser":
		var args struct {
			Method string `json:"method"`
		}
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}
		session, err := obj.VerifyUser(args.Method, peerCtx)
		if err != nil {
			return nil, err
		}
		return map[string]string{"sessionId": s.registerSession(session)}, nil

	case "VerifySecret":
		var args struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}
		ok, err := obj.VerifySecret(args.Username, args.Password, peerCtx)
		return map[string]bool{"ok": ok}, err

	case "AddReference":
		var args struct {
			Name string `json:"name"`
		}
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}
		return nil, obj.AddReference(args.Name, peerCtx)

	case "RemoveReference":
		var args struct {
			Name string `json:"name"`
		}
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}
		return nil, obj.RemoveReference(args.Name, peerCtx)

	case "GetAuthSession":
		var args struct {
			Method string `json:"method"`
		}
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}
		session, err := obj.GetAuthSession(args.Method, peerCtx)
		if err != nil {
			return nil, err
		}
		return map[string]string{"sessionId": s.registerSession(session)}, nil

	case "Release":
		obj.Release()
		return nil, nil

	default:
		return nil, fmt.Errorf("authservice: Identity has no method %q: %w", req.Method, errs.ErrInvalidArgument)
	}
}

// --- AuthSession ------------------------------------------------------

func (s *Service) registerSession(session *authsession.Session) string {
	id := session.ID()
	session.Acquire()

	s.mu.Lock()
	s.sessions[id] = session
	s.mu.Unlock()
	return id
}

func (s *Service) lookupSession(objectID string) (*authsession.Session, error) {
	s.mu.Lock()
	obj, ok := s.sessions[objectID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("authservice: no such session object %q: %w", objectID, errs.ErrNotFound)
	}
	return obj, nil
}

func (s *Service) dispatchSession(conn *ipcserver.Conn, req ipcserver.Request) (any, error) {
	obj, err := s.lookupSession(req.ObjectID)
	if err != nil {
		return nil, err
	}
	peerCtx := s.resolvePeer(conn)

	switch req.Method {
	case "QueryAvailableMechanisms":
		var args struct {
			Wanted []string `json:"wanted"`
		}
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}
		return obj.QueryAvailableMechanisms(args.Wanted, peerCtx)

	case "Process":
		var args struct {
			Data      variant.Dict `json:"data"`
			Mechanism string       `json:"mechanism"`
		}
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}
		objectID := req.ObjectID
		err := obj.Process(args.Data, args.Mechanism, peerCtx,
			func(result variant.Dict, err error) {
				frame := ipcserver.SignalFrame{ObjectID: objectID, Signal: "Ready", Args: map[string]any{"result": result}}
				if err != nil {
					frame.Args = map[string]any{"error": err.Error(), "kind": errs.Kind(err)}
				}
				conn.Push(frame)
			},
			func(state, message string) {
				conn.Push(ipcserver.SignalFrame{
					ObjectID: objectID,
					Signal:   "StateChanged",
					Args:     map[string]string{"state": state, "message": message},
				})
			},
		)
		return nil, err

	case "Cancel":
		return nil, obj.Cancel(peerCtx)

	case "Refresh":
		var args struct {
			UiData variant.Dict `json:"uiData"`
		}
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}
		return nil, obj.Refresh(args.UiData, peerCtx)

	case "UserActionFinished":
		var args struct {
			UiData variant.Dict `json:"uiData"`
		}
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}
		return nil, obj.UserActionFinished(args.UiData, peerCtx)

	case "Release":
		obj.Release()
		return nil, nil

	default:
		return nil, fmt.Errorf("authservice: AuthSession has no method %q: %w", req.Method, errs.ErrInvalidArgument)
	}
}
