// Package engine implements the async operation engine: every non-trivial
// request runs on its own goroutine, moving through states
// pending -> running -> {completed, error, cancelled}. One goroutine per
// operation keeps cancellation hooks simple and matches drivers that
// forbid cross-goroutine connection use; the Operation abstraction is
// factored so a future pool is a local change.
//
// Total concurrency is bounded with golang.org/x/sync/semaphore.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Kind enumerates the operation kinds the dispatcher switches on.
type Kind string

const (
	KindListTables     Kind = "LIST_TABLES"
	KindGetSchema      Kind = "GET_SCHEMA"
	KindCountRows      Kind = "COUNT_ROWS"
	KindCountRowsWhere Kind = "COUNT_ROWS_WHERE"
	KindQueryPage      Kind = "QUERY_PAGE"
	KindQueryPageWhere Kind = "QUERY_PAGE_WHERE"
	KindExecSQL        Kind = "EXEC_SQL"
	KindUpdateCell     Kind = "UPDATE_CELL"
	KindDeleteRow      Kind = "DELETE_ROW"
	KindInsertRow      Kind = "INSERT_ROW"
)

// State is one point in an Operation's lifecycle.
type State int

const (
	StatePending State = iota
	StateRunning
	StateCompleted
	StateError
	StateCancelled
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError || s == StateCancelled
}

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Work is the function a worker goroutine runs. It must check ctx.Done()
// (wired to the operation's cancellation flag) at row-batch boundaries and
// return ctx.Err() promptly once observed.
type Work func(ctx context.Context) (interface{}, error)

// Operation is the concurrency unit: one client request running on one
// goroutine, with its own cancellation flag and result slot. State
// transitions are protected by mu and published by closing done.
type Operation struct {
	ID     int64
	Kind   Kind
	ConnID int64

	mu     sync.Mutex
	state  State
	result interface{}
	errMsg string

	cancel context.CancelFunc
	done   chan struct{}
}

func newOperation(id, connID int64, kind Kind, cancel context.CancelFunc) *Operation {
	return &Operation{
		ID:     id,
		Kind:   kind,
		ConnID: connID,
		state:  StatePending,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Poll returns the current state without blocking; it is the
// non-blocking counterpart of Wait.
func (op *Operation) Poll() State {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state
}

// Wait blocks until the operation reaches a terminal state or timeout
// elapses, returning whichever state is current when it returns,
// used when the client-visible RPC should block on a result.
func (op *Operation) Wait(timeout time.Duration) State {
	deadline := time.Now().Add(timeout)
	op.mu.Lock()
	defer op.mu.Unlock()
	for !op.state.Terminal() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return op.state
		}
		waited := make(chan struct{})
		go func() {
			select {
			case <-op.done:
			case <-time.After(remaining):
			}
			close(waited)
		}()
		op.mu.Unlock()
		<-waited
		op.mu.Lock()
	}
	return op.state
}

// Cancel sets the cancellation flag. It does not itself wait for the
// operation to reach a terminal state; callers that need that call Wait.
func (op *Operation) Cancel() {
	op.mu.Lock()
	alreadyTerminal := op.state.Terminal()
	op.mu.Unlock()
	if alreadyTerminal {
		return
	}
	op.cancel()
}

// Result returns the populated result slot and error message. The result
// is either populated (the worker won the race to complete) or nil
// (cancellation won), never a stale value: callers check state first.
func (op *Operation) Result() (result interface{}, errMsg string, state State) {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.result, op.errMsg, op.state
}

func (op *Operation) transition(s State, result interface{}, errMsg string) {
	op.mu.Lock()
	op.state = s
	op.result = result
	op.errMsg = errMsg
	op.mu.Unlock()
	close(op.done)
}

// Engine launches and tracks operations. It enforces per-connection
// serialization (only one operation runs on a given connection at a time)
// against a caller-supplied mutex, the registry entry's ConnMutex, kept
// distinct from the registry's own lock. Lock order is always registry
// lock -> per-connection mutex -> per-operation mutex.
type Engine struct {
	sem           *semaphore.Weighted
	maxConcurrent int64
	nextID        atomic.Int64
	wg            sync.WaitGroup
	shutdown      chan struct{}
	once          sync.Once

	activeMu sync.Mutex
	active   map[int64]*Operation
}

// New creates an Engine bounding total concurrent operations to maxConcurrent.
func New(maxConcurrent int64) *Engine {
	if maxConcurrent <= 0 {
		maxConcurrent = 64
	}
	return &Engine{
		sem:           semaphore.NewWeighted(maxConcurrent),
		maxConcurrent: maxConcurrent,
		shutdown:      make(chan struct{}),
		active:        make(map[int64]*Operation),
	}
}

// MaxConcurrent reports the configured concurrency bound, surfaced over RPC
// by the supplemental server_info method.
func (e *Engine) MaxConcurrent() int64 { return e.maxConcurrent }

// Submit starts a new operation of the given kind against connID, running
// work on its own goroutine. connMutex is the target connection's
// serialization mutex: work does not begin executing until it is
// acquired, and it is released once work returns, enforcing "only one
// operation may run on a given connection at a time".
func (e *Engine) Submit(parent context.Context, connID int64, kind Kind, connMutex *sync.Mutex, work Work) *Operation {
	ctx, cancel := context.WithCancel(parent)
	id := e.nextID.Add(1)
	op := newOperation(id, connID, kind, cancel)

	e.activeMu.Lock()
	e.active[id] = op
	e.activeMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		defer func() {
			e.activeMu.Lock()
			delete(e.active, id)
			e.activeMu.Unlock()
		}()

		if err := e.sem.Acquire(ctx, 1); err != nil {
			op.transition(StateCancelled, nil, "cancelled before starting")
			return
		}
		defer e.sem.Release(1)

		connMutex.Lock()
		defer connMutex.Unlock()

		select {
		case <-ctx.Done():
			op.transition(StateCancelled, nil, "cancelled before starting")
			return
		default:
		}

		op.mu.Lock()
		op.state = StateRunning
		op.mu.Unlock()

		result, err := work(ctx)

		switch {
		case ctx.Err() != nil:
			op.transition(StateCancelled, nil, "operation cancelled")
		case err != nil:
			op.transition(StateError, nil, err.Error())
		default:
			op.transition(StateCompleted, result, "")
		}
	}()

	return op
}

// Shutdown cancels every outstanding operation started through this
// engine and waits (bounded by timeout) for their goroutines to exit.
// It is idempotent.
func (e *Engine) Shutdown(timeout time.Duration) {
	e.once.Do(func() { close(e.shutdown) })

	e.activeMu.Lock()
	outstanding := make([]*Operation, 0, len(e.active))
	for _, op := range e.active {
		outstanding = append(outstanding, op)
	}
	e.activeMu.Unlock()
	for _, op := range outstanding {
		op.Cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
	}
}
