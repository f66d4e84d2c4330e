package protocol

import "encoding/json"

const Version = "1.2"

// Event names carried in the frame envelope.
const (
	// Outbound (relay -> backend).
	EventHandshake        = "handshake"
	EventTurnRequest      = "turn_request"
	EventCapabilityReport = "capability_report"

	// Inbound (backend -> relay).
	EventInstruction  = "instruction"
	EventEntitySync   = "entity_sync"
	EventError        = "error"
	EventStatusUpdate = "status_update"

	// Both directions: correlated reply to a frame that carried an id.
	EventAck = "ack"
)

// Frame is the wire envelope. ID is set only when the sender expects (or
// supplies) an ack for this frame.
type Frame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(b, &f)
	return f, err
}

func EncodeFrame(event, id string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, ID: id, Data: raw})
}
