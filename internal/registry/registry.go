// Package registry mirrors backend-side entity records pushed over
// entity_sync. In-memory only; the backend is the source of truth and
// re-syncs after every reconnect.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"npcwire/internal/protocol"
)

type Registry struct {
	log *zap.Logger

	mu      sync.RWMutex
	records map[string]protocol.EntityRecord
}

func New(log *zap.Logger) *Registry {
	return &Registry{
		log:     log,
		records: make(map[string]protocol.EntityRecord),
	}
}

// Apply executes one sync operation. Unknown ops and malformed payloads
// are reported as errors; the caller logs and drops them.
func (r *Registry) Apply(msg protocol.EntitySyncMsg) error {
	switch msg.Op {
	case protocol.SyncCreate, protocol.SyncUpdate:
		if msg.Entity == nil || msg.Entity.ID == "" {
			return fmt.Errorf("entity_sync %s: missing entity", msg.Op)
		}
		r.mu.Lock()
		r.records[msg.Entity.ID] = *msg.Entity
		r.mu.Unlock()
	case protocol.SyncDelete:
		if msg.Entity == nil || msg.Entity.ID == "" {
			return fmt.Errorf("entity_sync delete: missing entity")
		}
		r.mu.Lock()
		delete(r.records, msg.Entity.ID)
		r.mu.Unlock()
	case protocol.SyncBulkCreate:
		r.mu.Lock()
		for _, e := range msg.Entities {
			if e.ID == "" {
				continue
			}
			r.records[e.ID] = e
		}
		r.mu.Unlock()
	default:
		return fmt.Errorf("entity_sync: unknown op %q", msg.Op)
	}
	return nil
}

func (r *Registry) Get(id string) (protocol.EntityRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Snapshot returns all records ordered by id, for diagnostics.
func (r *Registry) Snapshot() []protocol.EntityRecord {
	r.mu.RLock()
	out := make([]protocol.EntityRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
