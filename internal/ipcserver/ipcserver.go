// Package ipcserver is the concrete realization of the abstract IPC
// surface: one gorilla/websocket connection per client
// process, carrying a JSON envelope request/response protocol plus
// server-pushed signal frames. It is the transport the core's
// AuthService, Identity, and AuthSession objects are dispatched
// behind; the wire format itself is a binding choice, not part of the
// core's contract.
package ipcserver

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/roelfdiedericks/ssod/internal/logging"
)

// Request is one inbound envelope.
type Request struct {
	ID       uint64          `json:"id"`
	Object   string          `json:"object"` // "AuthService" | "Identity" | "AuthSession"
	ObjectID string          `json:"objectId"`
	Method   string          `json:"method"`
	Args     json.RawMessage `json:"args,omitempty"`
}

// Response is one outbound reply to a Request.
type Response struct {
	ID     uint64 `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// SignalFrame is an outbound, unsolicited push to one connection.
type SignalFrame struct {
	ObjectID string `json:"objectId"`
	Signal   string `json:"signal"`
	Args     any    `json:"args,omitempty"`
}

// Peer identifies the connected client for ACL purposes.
type Peer struct {
	PID   int    // 0 if unresolved (non-unix-socket transport)
	AppID string // bearer-token-derived identifier, or "" if unix-socket transport supplies PID instead
}

// Handler processes one dispatched Request arriving on conn and returns
// the result to marshal back, or an error. conn is passed (rather than
// just its Peer) so a handler driving a long-lived AuthSession can push
// SignalFrame updates (ready/state callbacks) back to the same client
// asynchronously, outside the request/response cycle.
type Handler func(conn *Conn, req Request) (any, error)

// Conn is one connected client: its websocket, resolved peer identity,
// and an outbound signal channel so other goroutines (proxy signal
// dispatch) can push frames without touching the socket directly.
type Conn struct {
	ws     *websocket.Conn
	peer   Peer
	outbox chan any
	done   chan struct{}
}

// Push enqueues an outbound frame (Response or SignalFrame) for delivery.
// Never blocks: a connection whose outbox is full is considered stalled
// and is dropped.
func (c *Conn) Push(frame any) {
	select {
	case c.outbox <- frame:
	default:
		L_warn("ipcserver: outbox full, dropping connection", "peer", c.peer)
		close(c.done)
	}
}

// Peer returns the resolved peer for this connection.
func (c *Conn) Peer() Peer { return c.peer }

// Server accepts websocket connections and dispatches each envelope to
// Handler.
type Server struct {
	upgrader websocket.Upgrader
	handler  Handler
	bearer   func(r *http.Request) string // resolves Peer.AppID from a request when not unix-domain

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// New builds a Server that dispatches every request to handler. bearer,
// if non-nil, derives an app_ctx token from the HTTP upgrade request for
// transports that aren't a unix-domain socket (where SO_PEERCRED instead
// supplies the peer's pid).
func New(handler Handler, bearer func(r *http.Request) string) *Server {
	return &Server{
		handler: handler,
		bearer:  bearer,
		conns:   make(map[*Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and runs its read/write pumps until
// it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		L_warn("ipcserver: upgrade failed", "err", err)
		return
	}

	peer := s.resolvePeer(ws, r)
	conn := &Conn{ws: ws, peer: peer, outbox: make(chan any, 64), done: make(chan struct{})}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	L_info("ipcserver: client connected", "peer", peer)

	go s.writePump(conn)
	s.readPump(conn)

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	close(conn.done)
	ws.Close()
	L_info("ipcserver: client disconnected", "peer", peer)
}

// resolvePeer prefers SO_PEERCRED over a unix-domain listener; falls
// back to the bearer-token resolver otherwise.
func (s *Server) resolvePeer(ws *websocket.Conn, r *http.Request) Peer {
	if uc, ok := ws.UnderlyingConn().(*net.UnixConn); ok {
		if pid, err := peerPIDFromUnixConn(uc); err == nil {
			return Peer{PID: pid}
		}
	}
	if s.bearer != nil {
		return Peer{AppID: s.bearer(r)}
	}
	return Peer{}
}

func (s *Server) readPump(conn *Conn) {
	conn.ws.SetReadLimit(1 << 20)
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			conn.Push(Response{Error: fmt.Sprintf("ipcserver: malformed request: %v", err)})
			continue
		}
		go s.dispatch(conn, req)
	}
}

func (s *Server) dispatch(conn *Conn, req Request) {
	result, err := s.handler(conn, req)
	resp := Response{ID: req.ID}
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Result = result
	}
	conn.Push(resp)
}

func (s *Server) writePump(conn *Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-conn.done:
			return
		case frame := <-conn.outbox:
			conn.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.ws.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Broadcast pushes a signal frame to every connected client whose peer
// satisfies filter. Nothing in the daemon calls it; internal/bus events
// are not relayed through it.
func (s *Server) Broadcast(frame SignalFrame, filter func(Peer) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		if filter == nil || filter(conn.peer) {
			conn.Push(frame)
		}
	}
}
