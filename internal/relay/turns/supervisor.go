// Package turns serializes conversational turns per entity: one in-flight
// backend turn per NPC, FIFO for everything behind it, a timeout supervisor
// for turns the backend never answers, and whole-queue abort when the
// backend reports an entity-scoped failure.
package turns

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"npcwire/internal/world"
)

const shardCount = 16

// Request is one queued conversational turn. Immutable once enqueued.
type Request struct {
	RequesterID   string
	RequesterName string
	Text          string
	Context       map[string]string
}

// DispatchFunc hands one turn to the backend. It must not block; delivery
// outcomes come back through OnTurnCompleted, Abort, or the timeout.
type DispatchFunc func(id world.EntityID, req Request)

// Notifier receives requester-visible outcomes and the idle signal that
// hides the entity's "working" indicator. Implementations must tolerate
// calls from arbitrary goroutines.
type Notifier interface {
	TurnTimedOut(id world.EntityID, req Request)
	TurnAborted(id world.EntityID, req Request, reason string)
	EntityIdle(id world.EntityID)
}

// Observer receives turn lifecycle transitions for transcript/index
// recording. All hooks are best-effort and must not block for long.
type Observer interface {
	TurnEnqueued(id world.EntityID, req Request)
	TurnDispatched(id world.EntityID, req Request)
	TurnCompleted(id world.EntityID, req Request)
	TurnTimedOut(id world.EntityID, req Request, dropped int)
	TurnAborted(id world.EntityID, req Request, reason string, dropped int)
}

type Config struct {
	Timeout time.Duration // per-turn supervision window, default 60s
}

type Stats struct {
	Enqueued   uint64
	Dispatched uint64
	Completed  uint64
	TimedOut   uint64
	Aborted    uint64
}

// Supervisor owns one FIFO queue per entity. Entity state is sharded so
// operations on different entities never contend on one lock.
type Supervisor struct {
	cfg      Config
	log      *zap.Logger
	dispatch DispatchFunc
	notify   Notifier
	obs      Observer

	shards [shardCount]shard

	enqueued   atomic.Uint64
	dispatched atomic.Uint64
	completed  atomic.Uint64
	timedOut   atomic.Uint64
	aborted    atomic.Uint64
}

type shard struct {
	mu       sync.Mutex
	entities map[world.EntityID]*entityQueue
}

// entityQueue is one entity's state machine. Lazily created on first
// enqueue, never destroyed while the process runs.
type entityQueue struct {
	pending    []Request
	inDispatch bool
	current    Request
	timer      *time.Timer
	seq        uint64 // dispatch generation; shields against late timers
}

func NewSupervisor(cfg Config, dispatch DispatchFunc, notify Notifier, obs Observer, log *zap.Logger) *Supervisor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	s := &Supervisor{
		cfg:      cfg,
		log:      log,
		dispatch: dispatch,
		notify:   notify,
		obs:      obs,
	}
	for i := range s.shards {
		s.shards[i].entities = make(map[world.EntityID]*entityQueue)
	}
	return s
}

func (s *Supervisor) shardFor(id world.EntityID) *shard {
	return &s.shards[fnv32(string(id))%shardCount]
}

func fnv32(k string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(k); i++ {
		h ^= uint32(k[i])
		h *= 16777619
	}
	return h
}

// Enqueue appends a turn to the entity's queue and dispatches it if the
// entity is idle. Always succeeds; there is no in-core back-pressure.
func (s *Supervisor) Enqueue(id world.EntityID, req Request) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	q := sh.entities[id]
	if q == nil {
		q = &entityQueue{}
		sh.entities[id] = q
	}
	q.pending = append(q.pending, req)
	start := s.tryDispatchLocked(id, q)
	sh.mu.Unlock()

	s.enqueued.Add(1)
	if s.obs != nil {
		s.obs.TurnEnqueued(id, req)
	}
	if start != nil {
		start()
	}
}

// tryDispatchLocked is the serialization point: a no-op while a turn is in
// dispatch. Otherwise it pops the head, arms the timeout, and returns the
// closure that hands the turn to the backend, to be run after the shard
// lock is released.
func (s *Supervisor) tryDispatchLocked(id world.EntityID, q *entityQueue) func() {
	if q.inDispatch || len(q.pending) == 0 {
		return nil
	}
	req := q.pending[0]
	q.pending = q.pending[1:]
	q.current = req
	q.inDispatch = true
	q.seq++
	seq := q.seq

	// Cancel-before-reschedule: never two outstanding timers per entity.
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(s.cfg.Timeout, func() { s.onTimeout(id, seq) })

	return func() {
		s.dispatched.Add(1)
		if s.obs != nil {
			s.obs.TurnDispatched(id, req)
		}
		s.dispatch(id, req)
	}
}

// OnTurnCompleted is called on any sign of backend completion for the
// entity. Safe to call when nothing is in dispatch (late status frames,
// duplicate completions): the in-dispatch check makes it idempotent.
func (s *Supervisor) OnTurnCompleted(id world.EntityID) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	q := sh.entities[id]
	if q == nil || !q.inDispatch {
		sh.mu.Unlock()
		return
	}
	cur := q.current
	s.stopTimerLocked(q)
	q.inDispatch = false
	start := s.tryDispatchLocked(id, q)
	idle := !q.inDispatch && len(q.pending) == 0
	sh.mu.Unlock()

	s.completed.Add(1)
	if s.obs != nil {
		s.obs.TurnCompleted(id, cur)
	}
	if idle && s.notify != nil {
		s.notify.EntityIdle(id)
	}
	if start != nil {
		start()
	}
}

// onTimeout fires when no backend activity arrived inside the window.
// Behaves as Abort plus a timeout notice to the original requester. The
// seq check discards a timer that lost the race with completion and a
// subsequent redispatch.
func (s *Supervisor) onTimeout(id world.EntityID, seq uint64) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	q := sh.entities[id]
	if q == nil || !q.inDispatch || q.seq != seq {
		sh.mu.Unlock()
		return
	}
	cur := q.current
	dropped := len(q.pending)
	q.pending = nil
	q.inDispatch = false
	q.timer = nil
	sh.mu.Unlock()

	s.timedOut.Add(1)
	s.log.Warn("turn timed out",
		zap.String("entity", string(id)),
		zap.String("requester", cur.RequesterID),
		zap.Int("dropped", dropped))
	if s.obs != nil {
		s.obs.TurnTimedOut(id, cur, dropped)
	}
	if s.notify != nil {
		s.notify.TurnTimedOut(id, cur)
		s.notify.EntityIdle(id)
	}
}

// Abort drops the in-flight turn and everything queued behind it. A hard
// backend error is treated as invalidating the entity's whole pending
// conversation, since the failure may correlate with the entity instance
// rather than one message. Only the in-flight requester is notified;
// queued requesters are dropped silently.
func (s *Supervisor) Abort(id world.EntityID, reason string) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	q := sh.entities[id]
	if q == nil {
		sh.mu.Unlock()
		return
	}
	s.stopTimerLocked(q)
	hadInFlight := q.inDispatch
	cur := q.current
	dropped := len(q.pending)
	q.pending = nil
	q.inDispatch = false
	sh.mu.Unlock()

	if !hadInFlight && dropped == 0 {
		return
	}
	s.aborted.Add(1)
	s.log.Warn("entity queue aborted",
		zap.String("entity", string(id)),
		zap.String("reason", reason),
		zap.Int("dropped", dropped))
	if hadInFlight {
		if s.obs != nil {
			s.obs.TurnAborted(id, cur, reason, dropped)
		}
		if s.notify != nil {
			s.notify.TurnAborted(id, cur, reason)
		}
	}
	if s.notify != nil {
		s.notify.EntityIdle(id)
	}
}

// AbortAll aborts every entity with in-flight or queued turns. Used when
// the connection drops: nothing in flight can complete anymore.
func (s *Supervisor) AbortAll(reason string) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		ids := make([]world.EntityID, 0, len(sh.entities))
		for id, q := range sh.entities {
			if q.inDispatch || len(q.pending) > 0 {
				ids = append(ids, id)
			}
		}
		sh.mu.Unlock()
		for _, id := range ids {
			s.Abort(id, reason)
		}
	}
}

// Close cancels all outstanding timers. Safety net for process shutdown;
// an already-fired timer is handled by the in-dispatch/seq checks.
func (s *Supervisor) Close() {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, q := range sh.entities {
			s.stopTimerLocked(q)
		}
		sh.mu.Unlock()
	}
}

func (s *Supervisor) stopTimerLocked(q *entityQueue) {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

// InDispatch reports whether the entity currently has an in-flight turn.
func (s *Supervisor) InDispatch(id world.EntityID) bool {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	q := sh.entities[id]
	return q != nil && q.inDispatch
}

// QueueLen reports how many turns are waiting behind the in-flight one.
func (s *Supervisor) QueueLen(id world.EntityID) int {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	q := sh.entities[id]
	if q == nil {
		return 0
	}
	return len(q.pending)
}

func (s *Supervisor) Stats() Stats {
	return Stats{
		Enqueued:   s.enqueued.Load(),
		Dispatched: s.dispatched.Load(),
		Completed:  s.completed.Load(),
		TimedOut:   s.timedOut.Load(),
		Aborted:    s.aborted.Load(),
	}
}
