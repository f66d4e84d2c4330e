package protocol

import (
	"encoding/json"
	"testing"
)

func TestFrame_EncodeDecode(t *testing.T) {
	b, err := EncodeFrame(EventTurnRequest, "req-1", TurnRequestMsg{
		EntityID:    "npc1",
		RequesterID: "p1",
		Text:        "hello",
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	f, err := DecodeFrame(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Event != EventTurnRequest || f.ID != "req-1" {
		t.Fatalf("envelope = %+v", f)
	}
	var msg TurnRequestMsg
	if err := json.Unmarshal(f.Data, &msg); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if msg.EntityID != "npc1" || msg.Text != "hello" {
		t.Fatalf("payload = %+v", msg)
	}
}

func TestFrame_IDOmittedWhenEmpty(t *testing.T) {
	b, err := EncodeFrame(EventStatusUpdate, "", StatusUpdateMsg{Phase: PhaseThinking, EntityID: "npc1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if _, present := raw["id"]; present {
		t.Fatalf("empty id serialized: %s", b)
	}
}

func TestDecodeFrame_Garbage(t *testing.T) {
	if _, err := DecodeFrame([]byte("not json")); err == nil {
		t.Fatalf("garbage decoded")
	}
}

func TestIsKnownCode(t *testing.T) {
	for _, code := range []string{ErrAuthInvalid, ErrBackendError, ErrRateLimit, ErrBadRequest, ErrUnknownType, ""} {
		if !IsKnownCode(code) {
			t.Fatalf("%q reported unknown", code)
		}
	}
	if IsKnownCode("TEAPOT") {
		t.Fatalf("novel code reported known")
	}
}
