package messages

import (
	"encoding/base64"

	"github.com/open-teleop/motionctrl/pkg/pose"
)

// Error codes
const (
	ErrCodeInvalidMessage = "INVALID_MESSAGE"
	ErrCodeUnknownType    = "UNKNOWN_TYPE"
	ErrCodePresetError    = "PRESET_ERROR"
	ErrCodeSessionFailed  = "SESSION_FAILED"
)

// Message types
const (
	TypeStatus    = "status"
	TypeFrame     = "frame"
	TypeKeyframes = "keyframes"
	TypeError     = "error"
)

// Status values
const (
	StatusConnected = "connected"
	StatusStarted   = "started"
	StatusStopped   = "stopped"
	StatusPong      = "pong"
	StatusPreset    = "preset_loaded"
)

// ServerMessage represents a message sent to the operator's browser
type ServerMessage struct {
	Type      string      `json:"type"` // "status", "frame", "keyframes", "error"
	SessionID string      `json:"sessionId,omitempty"`
	Payload   interface{} `json:"payload"`
}

// StatusPayload contains status updates
type StatusPayload struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// FramePayload carries a rendered frame
type FramePayload struct {
	B64Img string `json:"b64img"`
}

// KeyframesPayload lists the captured keyframe poses
type KeyframesPayload struct {
	Poses []pose.Pose `json:"poses"`
}

// ErrorPayload contains error information
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewStatusMessage creates a status message
func NewStatusMessage(sessionID, status, message string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeStatus,
		SessionID: sessionID,
		Payload: StatusPayload{
			Status:  status,
			Message: message,
		},
	}
}

// NewFrameMessage creates a frame message from encoded image bytes
func NewFrameMessage(sessionID string, frame []byte) *ServerMessage {
	return &ServerMessage{
		Type:      TypeFrame,
		SessionID: sessionID,
		Payload: FramePayload{
			B64Img: base64.StdEncoding.EncodeToString(frame),
		},
	}
}

// NewKeyframesMessage creates a keyframes message
func NewKeyframesMessage(sessionID string, poses []pose.Pose) *ServerMessage {
	if poses == nil {
		poses = []pose.Pose{}
	}
	return &ServerMessage{
		Type:      TypeKeyframes,
		SessionID: sessionID,
		Payload:   KeyframesPayload{Poses: poses},
	}
}

// NewErrorMessage creates an error message
func NewErrorMessage(sessionID, code, message string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeError,
		SessionID: sessionID,
		Payload: ErrorPayload{
			Code:    code,
			Message: message,
		},
	}
}
