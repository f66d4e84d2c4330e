package protocol

import "encoding/json"

// HandshakeMsg authenticates the relay once per successful (re)connect.
type HandshakeMsg struct {
	ProtocolVersion string          `json:"protocol_version"`
	Token           string          `json:"token"`
	Self            SelfDescription `json:"self"`
}

// SelfDescription tells the backend what kind of host is connecting.
type SelfDescription struct {
	Name        string `json:"name"`
	Platform    string `json:"platform"`
	HostVersion string `json:"host_version,omitempty"`
}

// TurnRequestMsg carries one dispatched conversational turn.
type TurnRequestMsg struct {
	EntityID      string            `json:"entity_id"`
	RequesterID   string            `json:"requester_id"`
	RequesterName string            `json:"requester_name"`
	Text          string            `json:"text"`
	Context       map[string]string `json:"context,omitempty"`
}

// CapabilityReportMsg advertises the actions the host can execute.
// Computed once and re-sent on every (re)connect because the backend
// forgets it across disconnects.
type CapabilityReportMsg struct {
	Catalog []Capability `json:"catalog"`
}

type Capability struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
}

// InstructionMsg is a backend directive for one entity.
type InstructionMsg struct {
	EntityID    string          `json:"entity_id"`
	RequesterID string          `json:"requester_id,omitempty"`
	Name        string          `json:"name"`
	Params      json.RawMessage `json:"params,omitempty"`
}

// AckResult is the payload of an ack frame answering a correlated request.
type AckResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Entity sync operations.
const (
	SyncCreate     = "create"
	SyncUpdate     = "update"
	SyncDelete     = "delete"
	SyncBulkCreate = "bulk_create"
)

// EntitySyncMsg mirrors backend-side entity records into the host registry.
// Entity is set for create/update/delete, Entities for bulk_create.
type EntitySyncMsg struct {
	Op       string         `json:"op"`
	Entity   *EntityRecord  `json:"entity,omitempty"`
	Entities []EntityRecord `json:"entities,omitempty"`
}

type EntityRecord struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Kind    string            `json:"kind,omitempty"`
	Persona string            `json:"persona,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// ErrorMsg is a backend-reported failure. EntityID/RequesterID are set when
// the failure is scoped to one conversation rather than the connection.
type ErrorMsg struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	EntityID    string `json:"entity_id,omitempty"`
	RequesterID string `json:"requester_id,omitempty"`
}

// Status update phases. PhaseCompleted doubles as the turn-completion
// signal for the entity's queue.
const (
	PhaseQueued    = "queued"
	PhaseThinking  = "thinking"
	PhaseActing    = "acting"
	PhaseCompleted = "completed"
)

type StatusUpdateMsg struct {
	Phase    string `json:"phase"`
	EntityID string `json:"entity_id"`
	Message  string `json:"message,omitempty"`
}
