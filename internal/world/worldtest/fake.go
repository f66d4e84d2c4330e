// Package worldtest provides an in-memory world.Adapter for tests.
package worldtest

import (
	"sync"

	"npcwire/internal/world"
)

type SentMessage struct {
	RequesterID string
	Text        string
}

type TriggeredEffect struct {
	EntityID world.EntityID
	Effect   string
	Params   []byte
}

type fakeEntity struct {
	id   world.EntityID
	name string
}

func (e *fakeEntity) ID() world.EntityID { return e.id }
func (e *fakeEntity) Name() string       { return e.name }

// Fake is a concurrency-safe world.Adapter. Schedule runs ops inline by
// default so tests stay deterministic; set ScheduleErr to simulate a
// draining host scheduler.
type Fake struct {
	mu         sync.Mutex
	entities   map[world.EntityID]*fakeEntity
	requesters map[string]world.Requester

	Messages []SentMessage
	Errors   []SentMessage
	Effects  []TriggeredEffect

	ScheduleErr error
}

func NewFake() *Fake {
	return &Fake{
		entities:   make(map[world.EntityID]*fakeEntity),
		requesters: make(map[string]world.Requester),
	}
}

func (f *Fake) AddEntity(id world.EntityID, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities[id] = &fakeEntity{id: id, name: name}
}

func (f *Fake) RemoveEntity(id world.EntityID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entities, id)
}

func (f *Fake) AddRequester(id, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requesters[id] = world.Requester{ID: id, Name: name}
}

func (f *Fake) RequesterByID(id string) (world.Requester, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requesters[id]
	return r, ok
}

func (f *Fake) RequesterByName(name string) (world.Requester, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.requesters {
		if r.Name == name {
			return r, true
		}
	}
	return world.Requester{}, false
}

func (f *Fake) Entity(id world.EntityID) (world.EntityRef, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[id]
	if !ok {
		return nil, false
	}
	return e, true
}

func (f *Fake) Entities() []world.EntityRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]world.EntityRef, 0, len(f.entities))
	for _, e := range f.entities {
		out = append(out, e)
	}
	return out
}

func (f *Fake) Valid(ref world.EntityRef) bool {
	if ref == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.entities[ref.ID()]
	return ok && cur == ref
}

func (f *Fake) SendMessage(requesterID, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Messages = append(f.Messages, SentMessage{RequesterID: requesterID, Text: text})
}

func (f *Fake) SendError(requesterID, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errors = append(f.Errors, SentMessage{RequesterID: requesterID, Text: text})
}

func (f *Fake) TriggerEffect(id world.EntityID, effect string, params []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Effects = append(f.Effects, TriggeredEffect{EntityID: id, Effect: effect, Params: append([]byte(nil), params...)})
	return nil
}

func (f *Fake) Schedule(op func()) error {
	f.mu.Lock()
	err := f.ScheduleErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	op()
	return nil
}

// MessageCount is a race-safe length check for tests polling delivery.
func (f *Fake) MessageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Messages)
}

// ErrorCount mirrors MessageCount for error deliveries.
func (f *Fake) ErrorCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Errors)
}
