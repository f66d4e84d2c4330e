// Package dispatch turns decoded backend instructions into world effects.
// It is deliberately thin: the action registry doubles as the capability
// catalog advertised to the backend, and every execution goes through the
// shutdown coordinator so nothing touches the world during teardown.
package dispatch

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"npcwire/internal/protocol"
	"npcwire/internal/relay/shutdown"
	"npcwire/internal/relay/turns"
	"npcwire/internal/world"
)

// Action is one instruction the host can execute. Run is invoked on the
// world-execution context with a still-valid entity reference.
type Action struct {
	Name        string
	Description string
	Params      map[string]string
	Run         func(w world.Adapter, ref world.EntityRef, params json.RawMessage) error
}

type Dispatcher struct {
	log   *zap.Logger
	wa    world.Adapter
	guard *shutdown.Coordinator
	sup   *turns.Supervisor

	mu      sync.RWMutex
	actions map[string]Action
	order   []string
}

func New(wa world.Adapter, guard *shutdown.Coordinator, sup *turns.Supervisor, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		log:     log,
		wa:      wa,
		guard:   guard,
		sup:     sup,
		actions: make(map[string]Action),
	}
}

// Register adds an action. Registration order is preserved in the catalog.
// Register everything before the channel connects; the capability report
// is computed once.
func (d *Dispatcher) Register(a Action) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.actions[a.Name]; !dup {
		d.order = append(d.order, a.Name)
	}
	d.actions[a.Name] = a
}

// Catalog lists registered actions as wire capabilities.
func (d *Dispatcher) Catalog() []protocol.Capability {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]protocol.Capability, 0, len(d.order))
	for _, name := range d.order {
		a := d.actions[name]
		out = append(out, protocol.Capability{
			Name:        a.Name,
			Description: a.Description,
			Params:      a.Params,
		})
	}
	return out
}

// HandleInstruction executes one backend instruction. ack (when non-nil)
// is answered exactly once on every path; instruction failures are
// reported there and logged, never propagated.
func (d *Dispatcher) HandleInstruction(msg protocol.InstructionMsg, ack func(protocol.AckResult)) {
	if ack == nil {
		ack = func(protocol.AckResult) {}
	}

	d.mu.RLock()
	a, ok := d.actions[msg.Name]
	d.mu.RUnlock()
	if !ok {
		d.log.Warn("unknown instruction", zap.String("name", msg.Name))
		ack(protocol.AckResult{Error: fmt.Sprintf("unknown instruction: %s", msg.Name)})
		return
	}

	id := world.EntityID(msg.EntityID)
	ref, ok := d.wa.Entity(id)
	if !ok {
		ack(protocol.AckResult{Error: fmt.Sprintf("entity not found: %s", msg.EntityID)})
		return
	}

	err := d.guard.TryRunWorldOperation(func() {
		// The entity may have despawned between admission and execution.
		if !d.wa.Valid(ref) {
			ack(protocol.AckResult{Error: fmt.Sprintf("entity gone: %s", msg.EntityID)})
			return
		}
		if err := a.Run(d.wa, ref, msg.Params); err != nil {
			d.log.Warn("instruction failed",
				zap.String("name", msg.Name),
				zap.String("entity", msg.EntityID),
				zap.Error(err))
			ack(protocol.AckResult{Error: err.Error()})
		} else {
			ack(protocol.AckResult{OK: true})
		}
		// Any executed instruction counts as backend activity for the turn.
		d.sup.OnTurnCompleted(id)
	})
	if err != nil {
		d.log.Debug("instruction rejected",
			zap.String("name", msg.Name),
			zap.String("entity", msg.EntityID),
			zap.Error(err))
		ack(protocol.AckResult{Error: "world operations unavailable"})
	}
}
