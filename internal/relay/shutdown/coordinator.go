// Package shutdown is the process-wide circuit breaker for teardown.
//
// The host begins tearing down long before the world is actually gone, so
// "shutting down" and "world operations blocked" are two separate, monotonic
// steps: the first is a flag other components may consult, the second
// permanently rejects new world-touching work. Neither ever reverses.
package shutdown

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	// ErrBlocked is returned once world operations are blocked; callers may
	// retry, drop, or log, but the operation was never started.
	ErrBlocked = errors.New("world operations blocked")

	// ErrRejected is returned when the world scheduler refused the
	// operation (typically because the host's scheduler is draining).
	ErrRejected = errors.New("world scheduler rejected operation")
)

// WorldScheduler marshals work onto the externally owned world-execution
// context. Schedule either runs op (possibly later, on another goroutine)
// or returns an error; never both.
type WorldScheduler interface {
	Schedule(op func()) error
}

// Coordinator gates world-touching work during teardown and tracks how many
// accepted operations are still in flight. One instance per process,
// constructed in cmd and passed by reference to everything that needs it.
type Coordinator struct {
	log   *zap.Logger
	sched WorldScheduler

	shuttingDown atomic.Bool
	blocked      atomic.Bool
	pending      atomic.Int64

	mu        sync.Mutex
	tornDown  bool
	nextID    uint64
	listeners map[uint64]func()
}

func NewCoordinator(sched WorldScheduler, log *zap.Logger) *Coordinator {
	return &Coordinator{
		log:       log,
		sched:     sched,
		listeners: make(map[uint64]func()),
	}
}

// MarkShuttingDown records that teardown has started without blocking
// world-touching work yet. Host-side cleanup (persistence flushes and the
// like) still runs in the window between this and BlockWorldOperations.
func (c *Coordinator) MarkShuttingDown() {
	c.shuttingDown.Store(true)
}

func (c *Coordinator) IsShuttingDown() bool {
	return c.shuttingDown.Load()
}

// BlockWorldOperations is one-way: after it, TryRunWorldOperation rejects
// forever.
func (c *Coordinator) BlockWorldOperations() {
	c.shuttingDown.Store(true)
	c.blocked.Store(true)
}

func (c *Coordinator) WorldOperationsBlocked() bool {
	return c.blocked.Load()
}

// PendingWorldOps reports how many accepted operations have not yet
// finished.
func (c *Coordinator) PendingWorldOps() int64 {
	return c.pending.Load()
}

// TryRunWorldOperation admits op onto the world scheduler unless blocked.
// The pending counter is incremented on admission and decremented exactly
// once no matter how op exits: normal return, panic, or scheduler
// rejection. Panics inside op are logged and swallowed.
func (c *Coordinator) TryRunWorldOperation(op func()) error {
	if c.blocked.Load() {
		return ErrBlocked
	}
	c.pending.Add(1)

	wrapped := func() {
		defer c.pending.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("world operation panicked", zap.Any("panic", r))
			}
		}()
		op()
	}

	if err := c.sched.Schedule(wrapped); err != nil {
		c.pending.Add(-1)
		return errors.Join(ErrRejected, err)
	}
	return nil
}

// RegisterTeardownListener registers fn to run during BeginTeardown and
// returns an unregister func. If teardown already happened, fn runs
// synchronously right now instead of being stored, so a late registrant is
// never silently skipped.
func (c *Coordinator) RegisterTeardownListener(fn func()) (unregister func()) {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		c.invoke(fn)
		return func() {}
	}
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// BeginTeardown trips the breaker: blocks world operations, then runs every
// registered listener synchronously, in registration order. Idempotent; the
// second and later calls are no-ops, so listeners fire exactly once in
// total.
func (c *Coordinator) BeginTeardown() {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return
	}
	c.tornDown = true
	ids := make([]uint64, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.listeners[id])
	}
	c.listeners = make(map[uint64]func())
	c.mu.Unlock()

	c.BlockWorldOperations()

	for _, fn := range fns {
		c.invoke(fn)
	}
}

// invoke runs a listener so one listener's panic cannot stop the others.
func (c *Coordinator) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("teardown listener panicked", zap.Any("panic", r))
		}
	}()
	fn()
}
