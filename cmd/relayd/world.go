package main

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"npcwire/internal/registry"
	"npcwire/internal/world"
)

// consoleWorld is the dev-mode world adapter: entities are whatever the
// backend has synced into the registry, requesters are the operator's
// console, effects become log lines. Its op loop is the relay's
// world-execution context.
type consoleWorld struct {
	log *zap.Logger
	reg *registry.Registry

	mu      sync.Mutex
	stopped bool
	ops     chan func()
	done    chan struct{}
}

func newConsoleWorld(reg *registry.Registry, log *zap.Logger) *consoleWorld {
	return &consoleWorld{
		log:  log,
		reg:  reg,
		ops:  make(chan func(), 1024),
		done: make(chan struct{}),
	}
}

// Run drains the op queue until Stop. Call in its own goroutine.
func (w *consoleWorld) Run() {
	defer close(w.done)
	for op := range w.ops {
		op()
	}
}

func (w *consoleWorld) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	close(w.ops)
	w.mu.Unlock()
	<-w.done
}

func (w *consoleWorld) Schedule(op func()) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return fmt.Errorf("world loop stopped")
	}
	select {
	case w.ops <- op:
		return nil
	default:
		return fmt.Errorf("world op queue full")
	}
}

type regRef struct {
	id   world.EntityID
	name string
}

func (r regRef) ID() world.EntityID { return r.id }
func (r regRef) Name() string       { return r.name }

func (w *consoleWorld) Entity(id world.EntityID) (world.EntityRef, bool) {
	rec, ok := w.reg.Get(string(id))
	if !ok {
		return nil, false
	}
	return regRef{id: id, name: rec.Name}, true
}

func (w *consoleWorld) Entities() []world.EntityRef {
	recs := w.reg.Snapshot()
	out := make([]world.EntityRef, 0, len(recs))
	for _, rec := range recs {
		out = append(out, regRef{id: world.EntityID(rec.ID), name: rec.Name})
	}
	return out
}

func (w *consoleWorld) Valid(ref world.EntityRef) bool {
	if ref == nil {
		return false
	}
	_, ok := w.reg.Get(string(ref.ID()))
	return ok
}

func (w *consoleWorld) RequesterByID(id string) (world.Requester, bool) {
	return world.Requester{ID: id, Name: id}, true
}

func (w *consoleWorld) RequesterByName(name string) (world.Requester, bool) {
	return world.Requester{ID: name, Name: name}, true
}

func (w *consoleWorld) SendMessage(requesterID, text string) {
	w.log.Info("message to requester",
		zap.String("requester", requesterID), zap.String("text", text))
}

func (w *consoleWorld) SendError(requesterID, text string) {
	w.log.Warn("error to requester",
		zap.String("requester", requesterID), zap.String("text", text))
}

func (w *consoleWorld) TriggerEffect(id world.EntityID, effect string, params []byte) error {
	w.log.Info("effect",
		zap.String("entity", string(id)),
		zap.String("effect", effect),
		zap.ByteString("params", params))
	return nil
}

// consoleIndicator logs working-marker transitions.
type consoleIndicator struct{ log *zap.Logger }

func (i consoleIndicator) ShowWorking(id world.EntityID, phase string) {
	i.log.Info("working", zap.String("entity", string(id)), zap.String("phase", phase))
}

func (i consoleIndicator) HideWorking(id world.EntityID) {
	i.log.Info("idle", zap.String("entity", string(id)))
}
