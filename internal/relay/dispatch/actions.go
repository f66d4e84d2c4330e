package dispatch

import (
	"encoding/json"
	"fmt"

	"npcwire/internal/world"
)

// EffectAction builds an action that forwards its params to the world as a
// named effect. Covers the common case where the host's effect system does
// the real work.
func EffectAction(name, description string, params map[string]string) Action {
	return Action{
		Name:        name,
		Description: description,
		Params:      params,
		Run: func(w world.Adapter, ref world.EntityRef, raw json.RawMessage) error {
			return w.TriggerEffect(ref.ID(), name, raw)
		},
	}
}

// sayParams is the one instruction the dispatcher interprets itself:
// speech goes to a requester (when addressed) as well as to the world.
type sayParams struct {
	Text string `json:"text"`
	To   string `json:"to,omitempty"` // requester id, optional
}

// SayAction speaks as the entity, optionally addressing one requester
// directly.
func SayAction() Action {
	return Action{
		Name:        "say",
		Description: "speak a line as the entity",
		Params:      map[string]string{"text": "string", "to": "requester id (optional)"},
		Run: func(w world.Adapter, ref world.EntityRef, raw json.RawMessage) error {
			var p sayParams
			if err := json.Unmarshal(raw, &p); err != nil {
				return fmt.Errorf("say params: %w", err)
			}
			if p.Text == "" {
				return fmt.Errorf("say: empty text")
			}
			if p.To != "" {
				w.SendMessage(p.To, fmt.Sprintf("%s: %s", ref.Name(), p.Text))
			}
			return w.TriggerEffect(ref.ID(), "say", raw)
		},
	}
}

// DefaultActions is the baseline catalog: speech plus the stock visual
// effects every host build supports.
func DefaultActions() []Action {
	return []Action{
		SayAction(),
		EffectAction("emote", "play an emote animation", map[string]string{"emote": "string"}),
		EffectAction("look_at", "turn to face a target", map[string]string{"target_id": "string"}),
		EffectAction("move_to", "walk to a position", map[string]string{"x": "number", "y": "number", "z": "number"}),
	}
}
