// Package relay wires the channel, turn supervisor, action dispatcher, and
// shutdown coordinator into the running client: inbound event routing,
// requester notifications, indicator signals, and teardown ordering all
// live here.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"npcwire/internal/protocol"
	"npcwire/internal/registry"
	"npcwire/internal/relay/channel"
	"npcwire/internal/relay/dispatch"
	"npcwire/internal/relay/shutdown"
	"npcwire/internal/relay/turns"
	"npcwire/internal/world"
)

// Indicator shows and hides the per-entity "working" marker. Rendering is
// the host's problem; the relay only delivers the signals.
type Indicator interface {
	ShowWorking(id world.EntityID, phase string)
	HideWorking(id world.EntityID)
}

type Config struct {
	TurnTimeout time.Duration // default 60s
}

type Stats struct {
	Turns           turns.Stats
	Reconnects      uint64
	Connected       bool
	PendingWorldOps int64
	DroppedIndexRow uint64
}

// Relay owns the wiring between components. Construct one per process via
// New, start it with Start, and tear it down through the coordinator's
// BeginTeardown.
type Relay struct {
	log   *zap.Logger
	ch    *channel.Channel
	sup   *turns.Supervisor
	disp  *dispatch.Dispatcher
	guard *shutdown.Coordinator
	reg   *registry.Registry
	wa    world.Adapter
	ind   Indicator
	rec   *Recorder
}

func New(cfg Config, ch *channel.Channel, guard *shutdown.Coordinator, wa world.Adapter,
	reg *registry.Registry, ind Indicator, rec *Recorder, log *zap.Logger) *Relay {

	r := &Relay{
		log:   log,
		ch:    ch,
		guard: guard,
		reg:   reg,
		wa:    wa,
		ind:   ind,
		rec:   rec,
	}

	var obs turns.Observer
	if rec != nil {
		obs = rec
	}
	r.sup = turns.NewSupervisor(
		turns.Config{Timeout: cfg.TurnTimeout},
		r.dispatchTurn,
		notifier{r},
		obs,
		log.Named("turns"),
	)
	r.disp = dispatch.New(wa, guard, r.sup, log.Named("dispatch"))

	ch.SetCapabilityProvider(r.disp.Catalog)
	ch.Handle(protocol.EventInstruction, r.handleInstruction)
	ch.Handle(protocol.EventEntitySync, r.handleEntitySync)
	ch.Handle(protocol.EventError, r.handleError)
	ch.Handle(protocol.EventStatusUpdate, r.handleStatus)

	// A lost connection strands every in-flight turn; abort them now
	// instead of waiting out each 60s timeout.
	ch.OnDisconnect(func(err error) {
		if err == nil {
			return // intentional disconnect; teardown handles cleanup
		}
		r.sup.AbortAll("connection to backend lost")
	})

	guard.RegisterTeardownListener(func() {
		ch.Disconnect()
		r.sup.Close()
		if rec != nil {
			rec.Close()
		}
	})

	return r
}

// Dispatcher exposes the action registry so the host can register its
// actions before Start.
func (r *Relay) Dispatcher() *dispatch.Dispatcher { return r.disp }

// Supervisor exposes enqueue/abort/completion for the host.
func (r *Relay) Supervisor() *turns.Supervisor { return r.sup }

func (r *Relay) Registry() *registry.Registry { return r.reg }

// Start opens the channel. Call after all actions are registered: the
// capability catalog is computed once on first connect.
func (r *Relay) Start() { r.ch.Connect() }

// Enqueue admits one conversational turn for the entity.
func (r *Relay) Enqueue(id world.EntityID, req turns.Request) {
	r.sup.Enqueue(id, req)
}

func (r *Relay) Stats() Stats {
	s := Stats{
		Turns:           r.sup.Stats(),
		Reconnects:      r.ch.Reconnects(),
		Connected:       r.ch.IsConnected(),
		PendingWorldOps: r.guard.PendingWorldOps(),
	}
	if r.rec != nil && r.rec.index != nil {
		s.DroppedIndexRow = r.rec.index.DroppedRows()
	}
	return s
}

func (r *Relay) dispatchTurn(id world.EntityID, req turns.Request) {
	r.ch.Emit(protocol.EventTurnRequest, protocol.TurnRequestMsg{
		EntityID:      string(id),
		RequesterID:   req.RequesterID,
		RequesterName: req.RequesterName,
		Text:          req.Text,
		Context:       req.Context,
	}, nil)
}

func (r *Relay) handleInstruction(data json.RawMessage, ack channel.AckFunc) {
	var msg protocol.InstructionMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		r.log.Warn("bad instruction payload", zap.Error(err))
		if ack != nil {
			ack(protocol.AckResult{Error: "bad instruction payload"})
		}
		return
	}
	if r.rec != nil {
		r.rec.Instruction(msg.EntityID, msg.RequesterID, msg.Name)
	}
	r.disp.HandleInstruction(msg, ack)
}

func (r *Relay) handleEntitySync(data json.RawMessage, _ channel.AckFunc) {
	var msg protocol.EntitySyncMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		r.log.Warn("bad entity_sync payload", zap.Error(err))
		return
	}
	if err := r.reg.Apply(msg); err != nil {
		r.log.Warn("entity_sync rejected", zap.String("op", msg.Op), zap.Error(err))
		return
	}
	r.log.Debug("entity_sync applied", zap.String("op", msg.Op), zap.Int("registry", r.reg.Len()))
}

func (r *Relay) handleError(data json.RawMessage, _ channel.AckFunc) {
	var msg protocol.ErrorMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		r.log.Warn("bad error payload", zap.Error(err))
		return
	}
	if !protocol.IsKnownCode(msg.Code) {
		r.log.Warn("backend error with unknown code",
			zap.String("code", msg.Code), zap.String("message", msg.Message))
		return
	}
	switch msg.Code {
	case protocol.ErrAuthInvalid:
		// Fatal to the connection: the credential is wrong, retrying
		// cannot help. Needs an operator.
		r.log.Error("backend rejected credential; not reconnecting",
			zap.String("message", msg.Message))
		r.ch.Disconnect()
	case protocol.ErrBackendError:
		if msg.EntityID != "" {
			r.sup.Abort(world.EntityID(msg.EntityID), msg.Message)
			return
		}
		r.log.Warn("backend error", zap.String("message", msg.Message))
	default:
		r.log.Warn("backend error",
			zap.String("code", msg.Code), zap.String("message", msg.Message))
	}
}

func (r *Relay) handleStatus(data json.RawMessage, _ channel.AckFunc) {
	var msg protocol.StatusUpdateMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		r.log.Warn("bad status_update payload", zap.Error(err))
		return
	}
	id := world.EntityID(msg.EntityID)
	if msg.Phase == protocol.PhaseCompleted {
		r.hideIndicator(id)
		r.sup.OnTurnCompleted(id)
		return
	}
	r.showIndicator(id, msg.Phase)
}

func (r *Relay) showIndicator(id world.EntityID, phase string) {
	if r.ind == nil {
		return
	}
	err := r.guard.TryRunWorldOperation(func() { r.ind.ShowWorking(id, phase) })
	if err != nil && !errors.Is(err, shutdown.ErrBlocked) {
		r.log.Debug("indicator show rejected", zap.Error(err))
	}
}

func (r *Relay) hideIndicator(id world.EntityID) {
	if r.ind == nil {
		return
	}
	err := r.guard.TryRunWorldOperation(func() { r.ind.HideWorking(id) })
	if err != nil && !errors.Is(err, shutdown.ErrBlocked) {
		r.log.Debug("indicator hide rejected", zap.Error(err))
	}
}

// notifier delivers requester-visible outcomes through the world adapter,
// gated by the shutdown coordinator like any other world-touching work.
type notifier struct{ r *Relay }

func (n notifier) TurnTimedOut(id world.EntityID, req turns.Request) {
	name := n.r.entityName(id)
	n.r.notifyRequester(req.RequesterID,
		fmt.Sprintf("%s is not responding right now. Try again in a moment.", name))
}

func (n notifier) TurnAborted(id world.EntityID, req turns.Request, reason string) {
	// The backend's message reaches the requester verbatim.
	n.r.notifyRequester(req.RequesterID, reason)
}

func (n notifier) EntityIdle(id world.EntityID) {
	n.r.hideIndicator(id)
}

func (r *Relay) entityName(id world.EntityID) string {
	if ref, ok := r.wa.Entity(id); ok {
		return ref.Name()
	}
	if rec, ok := r.reg.Get(string(id)); ok {
		return rec.Name
	}
	return string(id)
}

func (r *Relay) notifyRequester(requesterID, text string) {
	if requesterID == "" {
		return
	}
	err := r.guard.TryRunWorldOperation(func() {
		r.wa.SendError(requesterID, text)
	})
	if err != nil {
		r.log.Debug("requester notification dropped",
			zap.String("requester", requesterID), zap.Error(err))
	}
}
