package messages

import "encoding/json"

// Client message types
const (
	TypeCamera      = "camera"
	TypePointer     = "pointer"
	TypeInstruction = "instruction"
	TypeControl     = "control"
	TypePreset      = "preset"
)

// Pointer phases
const (
	PhaseDown = "down"
	PhaseMove = "move"
	PhaseUp   = "up"
)

// Control actions
const (
	ActionStart          = "start"
	ActionStop           = "stop"
	ActionKeyframe       = "keyframe"
	ActionClearKeyframes = "clear_keyframes"
	ActionPing           = "ping"
)

// ClientMessage represents a message from the operator's browser
type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// CameraPayload carries the column-major 4x4 camera matrix
type CameraPayload struct {
	Elements []float64 `json:"elements"`
}

// PointerPayload carries a pointer event in canvas pixels. Down and move
// require a position; up may omit it.
type PointerPayload struct {
	Phase string   `json:"phase"`
	X     *float64 `json:"x,omitempty"`
	Y     *float64 `json:"y,omitempty"`
}

// Position returns the event coordinates if both are present
func (p PointerPayload) Position() (x, y float64, ok bool) {
	if p.X == nil || p.Y == nil {
		return 0, 0, false
	}
	return *p.X, *p.Y, true
}

// InstructionPayload carries the free-text prompt
type InstructionPayload struct {
	Text string `json:"text"`
}

// ControlPayload contains control commands
type ControlPayload struct {
	Action string `json:"action"`
}

// PresetPayload selects a trajectory preset
type PresetPayload struct {
	Name    string `json:"name"`
	Reverse bool   `json:"reverse"`
}
