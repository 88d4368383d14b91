// Package pluginhost manages plugin worker subprocesses and the
// per-method request scheduler in front of them (PluginHost and
// PluginProxy).
package pluginhost

import (
	"fmt"
	"sync"
	"time"

	"github.com/roelfdiedericks/ssod/internal/errs"
	"github.com/roelfdiedericks/ssod/internal/eventloop"
	. "github.com/roelfdiedericks/ssod/internal/logging"
	"github.com/roelfdiedericks/ssod/internal/variant"
)

// ReadyFunc is called at most once per request with its terminal result.
// When a continuation Submit takes over an active request, only the
// continuation's ReadyFunc is called.
type ReadyFunc func(result variant.Dict, err error)

// StateFunc is called on every state transition the session observes.
type StateFunc func(state, message string)

type sessionState int

const (
	stateQueued sessionState = iota
	stateActive
	stateAwaitingUser
	stateAwaitingRefresh
	stateDone
	stateCanceled
)

func (s sessionState) String() string {
	switch s {
	case stateQueued:
		return "QUEUED"
	case stateActive:
		return "ACTIVE"
	case stateAwaitingUser:
		return "AWAITING_USER"
	case stateAwaitingRefresh:
		return "AWAITING_REFRESH"
	case stateDone:
		return "DONE"
	case stateCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

// pending is one session's request as tracked by the proxy.
type pending struct {
	sessionID string
	mechanism string
	data      variant.Dict
	ready     ReadyFunc
	state     StateFunc
	status    sessionState
}

func (p *pending) setStatus(s sessionState, message string) {
	p.status = s
	if p.state != nil {
		p.state(s.String(), message)
	}
}

// Proxy is the per-method-name scheduler: a FIFO of pending requests, the
// currently active one, and the worker subprocess it drives.
type Proxy struct {
	method      string
	mechanisms  []string
	spawnConfig WorkerConfig
	idleTimeout time.Duration
	loop        *eventloop.Loop

	mu         sync.Mutex
	worker     *worker
	queue      []*pending
	active     *pending
	lastIdleAt time.Time
	dead       bool
	refCount   int
}

// NewProxy builds a Proxy for method, advertising mechanisms, spawning
// workers per spawnConfig, idle-evicting its worker after idleTimeout of
// true inactivity (0 disables eviction). Inbound worker signals are
// dispatched through loop, per the single-threaded execution model.
func NewProxy(method string, mechanisms []string, spawnConfig WorkerConfig, idleTimeout time.Duration, loop *eventloop.Loop) *Proxy {
	return &Proxy{
		method:      method,
		mechanisms:  mechanisms,
		spawnConfig: spawnConfig,
		idleTimeout: idleTimeout,
		loop:        loop,
		lastIdleAt:  time.Time{},
	}
}

// Mechanisms returns the method's advertised mechanism set.
func (p *Proxy) Mechanisms() []string { return p.mechanisms }

// AddRef/Release track external holders (AuthSessions) of this proxy,
// used by PluginHost to decide when the proxy itself becomes idle.
func (p *Proxy) AddRef() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refCount++
}

func (p *Proxy) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refCount > 0 {
		p.refCount--
	}
}

// Submit enqueues a process request for sessionID. If the proxy is
// otherwise idle, the request is dispatched immediately; if sessionID is
// already the active session (the continuation fast-path), it is sent
// straight to the worker without re-queuing, and ready/state replace the
// active request's callbacks.
func (p *Proxy) Submit(sessionID, mechanism string, data variant.Dict, ready ReadyFunc, state StateFunc) {
	p.mu.Lock()
	if p.dead {
		p.mu.Unlock()
		ready(nil, fmt.Errorf("pluginhost: proxy for %q: %w", p.method, errs.ErrPluginCrashed))
		return
	}
	p.lastIdleAt = time.Time{}

	req := &pending{sessionID: sessionID, mechanism: mechanism, data: data, ready: ready, state: state}

	if p.active != nil && p.active.sessionID == sessionID {
		active := p.active
		active.mechanism, active.data = mechanism, data
		active.ready, active.state = ready, state
		p.mu.Unlock()
		p.sendToWorker(active, ReqProcess)
		return
	}

	req.setStatus(stateQueued, "")
	p.queue = append(p.queue, req)
	p.dispatchNextLocked()
	p.mu.Unlock()
}

// dispatchNextLocked starts the next queued request if nothing is
// currently active. Caller holds p.mu.
func (p *Proxy) dispatchNextLocked() {
	if p.active != nil || len(p.queue) == 0 {
		return
	}
	next := p.queue[0]
	p.queue = p.queue[1:]
	p.active = next

	if p.worker == nil {
		w, err := startWorker(p.spawnConfig)
		if err != nil {
			p.active = nil
			next.ready(nil, fmt.Errorf("pluginhost: spawn worker for %q: %w", p.method, err))
			p.dispatchNextLocked()
			return
		}
		p.worker = w
		go p.readLoop(w)
		go p.watchCrash(w)
	}

	next.setStatus(stateActive, "")
	go p.awaitReadyThenSend(p.worker, next, ReqInitial)
}

// awaitReadyThenSend blocks, off the proxy's mutex, until w has written
// its ready byte before issuing req — per the worker-startup protocol,
// the proxy must not send anything until then. If w exits first,
// watchCrash's handleCrash is responsible for failing req; there is
// nothing left for this goroutine to send.
func (p *Proxy) awaitReadyThenSend(w *worker, req *pending, kind string) {
	select {
	case <-w.ready:
		p.sendToWorker(req, kind)
	case <-w.Done():
	}
}

func (p *Proxy) sendToWorker(req *pending, kind string) {
	p.mu.Lock()
	w := p.worker
	p.mu.Unlock()
	if w == nil {
		return
	}
	msg := Request{Kind: kind, SessionID: req.sessionID, Mechanism: req.mechanism, Data: req.data}
	if err := w.send(msg); err != nil {
		L_error("pluginhost: write to worker failed", "method", p.method, "err", err)
	}
}

// Cancel cancels sessionID's request. A queued request is removed
// synchronously and synthesizes SessionCanceled; an active request's
// cancel is forwarded to the worker, whose error reply completes it.
func (p *Proxy) Cancel(sessionID string) {
	p.mu.Lock()
	if p.active != nil && p.active.sessionID == sessionID && p.active.status != stateDone {
		active := p.active
		p.mu.Unlock()
		active.setStatus(stateCanceled, "")
		p.sendToWorker(active, ReqCancel)
		return
	}
	for i, req := range p.queue {
		if req.sessionID == sessionID {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			p.mu.Unlock()
			req.setStatus(stateCanceled, "")
			req.ready(nil, fmt.Errorf("pluginhost: %w", errs.ErrSessionCanceled))
			return
		}
	}
	p.mu.Unlock()
}

// Refresh forwards ui_data to the worker for sessionID's active request.
func (p *Proxy) Refresh(sessionID string, uiData variant.Dict) error {
	p.mu.Lock()
	if p.active == nil || p.active.sessionID != sessionID {
		p.mu.Unlock()
		return errs.ErrWrongState
	}
	req := p.active
	req.data = uiData
	p.mu.Unlock()
	p.sendToWorker(req, ReqRefresh)
	return nil
}

// UserActionFinished forwards ui_data to the worker for sessionID's
// active request, moving it from AWAITING_USER back to ACTIVE.
func (p *Proxy) UserActionFinished(sessionID string, uiData variant.Dict) error {
	p.mu.Lock()
	if p.active == nil || p.active.sessionID != sessionID || p.active.status != stateAwaitingUser {
		p.mu.Unlock()
		return errs.ErrWrongState
	}
	req := p.active
	req.data = uiData
	req.setStatus(stateActive, "")
	p.mu.Unlock()
	p.sendToWorker(req, ReqUserActionFinished)
	return nil
}

// readLoop pulls signals off the worker's stdout and dispatches each
// onto the event loop, per the single-threaded execution model.
func (p *Proxy) readLoop(w *worker) {
	for {
		var sig Signal
		if err := w.recv(&sig); err != nil {
			return
		}
		s := sig
		p.loop.SubmitAsync(func() (any, error) {
			p.handleSignal(w, s)
			return nil, nil
		})
	}
}

func (p *Proxy) handleSignal(w *worker, sig Signal) {
	p.mu.Lock()
	if p.worker != w {
		p.mu.Unlock()
		return
	}
	req := p.active
	if req == nil || req.sessionID != sig.SessionID {
		p.mu.Unlock()
		return
	}

	switch sig.Kind {
	case SigResponse:
		p.mu.Unlock()
		req.setStatus(stateActive, sig.Message)

	case SigResponseFinal:
		p.active = nil
		p.dispatchNextLocked()
		p.mu.Unlock()
		req.setStatus(stateDone, "")
		req.ready(sig.Data, nil)

	case SigUserActionRequired:
		p.mu.Unlock()
		req.setStatus(stateAwaitingUser, sig.Message)

	case SigRefreshed:
		p.mu.Unlock()
		req.setStatus(stateAwaitingRefresh, sig.Message)

	case SigStatusChanged:
		p.mu.Unlock()
		req.setStatus(req.status, sig.Message)

	case SigStore:
		// Store-kind signals are dropped here: their data is neither
		// passed to the session nor written to the credentials database.
		p.mu.Unlock()

	case SigError:
		p.active = nil
		p.dispatchNextLocked()
		p.mu.Unlock()
		req.setStatus(stateDone, sig.ErrorMessage)
		req.ready(nil, fmt.Errorf("pluginhost: %s: %s", sig.ErrorKind, sig.ErrorMessage))

	default:
		p.mu.Unlock()
		L_warn("pluginhost: unknown signal kind", "method", p.method, "kind", sig.Kind)
	}
}

// watchCrash waits for the worker to exit; if it does while a session is
// active, the proxy fails that session and drains the queue with
// PluginCrashed, then marks itself dead. It never auto-restarts.
func (p *Proxy) watchCrash(w *worker) {
	<-w.Done()
	p.loop.SubmitAsync(func() (any, error) {
		p.handleCrash(w)
		return nil, nil
	})
}

func (p *Proxy) handleCrash(w *worker) {
	p.mu.Lock()
	if p.worker != w {
		p.mu.Unlock()
		return
	}
	L_warn("pluginhost: worker crashed", "method", p.method, "err", w.ExitErr())
	p.dead = true
	active := p.active
	queued := p.queue
	p.active = nil
	p.queue = nil
	p.worker = nil
	p.mu.Unlock()

	crashErr := fmt.Errorf("pluginhost: worker for %q: %w", p.method, errs.ErrPluginCrashed)
	if active != nil {
		active.setStatus(stateDone, "plugin crashed")
		active.ready(nil, crashErr)
	}
	for _, req := range queued {
		req.setStatus(stateDone, "plugin crashed")
		req.ready(nil, crashErr)
	}
}

// IsDead reports whether the worker has crashed; a dead proxy must be
// discarded by PluginHost and never reused.
func (p *Proxy) IsDead() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dead
}

// IdleSince reports, if the proxy is currently idle (no active request,
// nothing holding a reference), how long it has been so; ok is false
// if the proxy is in use.
func (p *Proxy) IdleSince() (since time.Time, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active != nil || p.refCount > 0 || p.dead {
		return time.Time{}, false
	}
	if p.lastIdleAt.IsZero() {
		p.lastIdleAt = time.Now()
	}
	return p.lastIdleAt, true
}

// Evict terminates the worker (if any) and marks the proxy dead, for
// idle eviction. A fresh Proxy must be created for the next request.
func (p *Proxy) Evict() {
	p.mu.Lock()
	w := p.worker
	p.worker = nil
	p.dead = true
	p.mu.Unlock()
	if w != nil {
		w.kill()
	}
}
