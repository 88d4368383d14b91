// Package eventloop is the daemon's single cooperative execution thread.
// Every mutation of an Identity, AuthSession or PluginProxy is submitted
// here as a job and runs strictly one at a time, in submission order, on
// one goroutine. Store I/O and worker I/O happen on their own goroutines
// and report back by submitting a follow-up job, the same shape a
// request/response command bus uses a result channel to hand a response
// back to its caller.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"sync"

	. "github.com/roelfdiedericks/ssod/internal/logging"
)

// ErrClosed is returned by Submit once the loop has been stopped.
var ErrClosed = errors.New("eventloop: closed")

// ErrPanic wraps a job panic so callers can distinguish it from a
// returned error.
type ErrPanic struct {
	Value any
}

func (e *ErrPanic) Error() string {
	return fmt.Sprintf("eventloop: job panicked: %v", e.Value)
}

// Job is a unit of work run on the loop goroutine. It may read and
// mutate any daemon state reachable from its closure without additional
// locking, because the loop guarantees no two jobs ever run concurrently.
type Job func() (any, error)

type job struct {
	fn     Job
	result chan<- jobResult
}

type jobResult struct {
	value any
	err   error
}

// Loop serializes job execution onto a single goroutine.
type Loop struct {
	jobs     chan job
	done     chan struct{}
	closeMu  sync.Mutex
	closed   bool
	wg       sync.WaitGroup
}

// New creates a Loop with the given job queue depth and starts its
// dispatcher goroutine.
func New(queueDepth int) *Loop {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	l := &Loop{
		jobs: make(chan job, queueDepth),
		done: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *Loop) run() {
	defer l.wg.Done()
	for {
		select {
		case j, ok := <-l.jobs:
			if !ok {
				return
			}
			l.execute(j)
		case <-l.done:
			// Drain any jobs already queued before honoring shutdown, so a
			// caller blocked in Submit never hangs forever.
			for {
				select {
				case j := <-l.jobs:
					l.execute(j)
				default:
					return
				}
			}
		}
	}
}

func (l *Loop) execute(j job) {
	var res jobResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				L_error("eventloop: job panic", "panic", r)
				res = jobResult{err: &ErrPanic{Value: r}}
			}
		}()
		res.value, res.err = j.fn()
	}()
	if j.result != nil {
		j.result <- res
	} else if res.err != nil {
		L_warn("eventloop: async job failed", "err", res.err)
	}
}

// Submit enqueues fn and blocks until it has run on the loop goroutine,
// or ctx is canceled, or the loop is closed. A canceled context does not
// stop fn if it already started executing - it only stops the caller
// from waiting on it further.
func (l *Loop) Submit(ctx context.Context, fn Job) (any, error) {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		return nil, ErrClosed
	}
	l.closeMu.Unlock()

	result := make(chan jobResult, 1)
	select {
	case l.jobs <- job{fn: fn, result: result}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, ErrClosed
	}

	select {
	case r := <-result:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SubmitAsync enqueues fn without waiting for it to run. Errors are
// logged rather than returned, since no caller is left waiting for them
// (PluginProxy's worker-signal and crash handling use it).
func (l *Loop) SubmitAsync(fn Job) {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		L_warn("eventloop: dropped async job, loop closed")
		return
	}
	l.closeMu.Unlock()

	select {
	case l.jobs <- job{fn: fn}:
	default:
		L_warn("eventloop: dropped async job, queue full")
	}
}

// Stop signals the loop to drain its queue and exit, then waits for the
// dispatcher goroutine to finish. Safe to call more than once.
func (l *Loop) Stop() {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		return
	}
	l.closed = true
	close(l.done)
	l.closeMu.Unlock()

	l.wg.Wait()
}
