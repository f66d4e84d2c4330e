// Package world declares the capability surface the relay needs from the
// host game world. The core only ever calls this interface; the host
// implements it.
package world

// EntityID identifies one spawned NPC instance. Identity, not value: two
// spawns of the same template get different IDs.
type EntityID string

// Requester is a player (or other actor) addressing an entity.
type Requester struct {
	ID   string
	Name string
}

// EntityRef is a handle to a live entity instance. Holders must re-check
// Valid before touching world state through it; the instance may despawn
// at any time.
type EntityRef interface {
	ID() EntityID
	Name() string
}

// Adapter is implemented by the host. All methods may be called from
// arbitrary goroutines; world-mutating work must additionally go through
// Schedule so it runs on the world-execution context.
type Adapter interface {
	// RequesterByID resolves a requester currently present in the world.
	RequesterByID(id string) (Requester, bool)
	RequesterByName(name string) (Requester, bool)

	// Entity resolves a live entity instance by ID.
	Entity(id EntityID) (EntityRef, bool)
	// Entities snapshots the currently live entity instances.
	Entities() []EntityRef
	// Valid reports whether ref still points at a live instance.
	Valid(ref EntityRef) bool

	// SendMessage / SendError deliver text to a requester. Best effort;
	// the requester may already be gone.
	SendMessage(requesterID, text string)
	SendError(requesterID, text string)

	// TriggerEffect performs a world-visible action for an entity. Must be
	// called from the world-execution context.
	TriggerEffect(id EntityID, effect string, params []byte) error

	// Schedule marshals op onto the world-execution context. Either runs
	// op or returns an error; never both.
	Schedule(op func()) error
}
