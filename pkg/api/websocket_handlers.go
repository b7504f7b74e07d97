package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"syscall"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	customlog "github.com/open-teleop/motionctrl/pkg/log"
	"github.com/open-teleop/motionctrl/pkg/messages"
	"github.com/open-teleop/motionctrl/pkg/pipeline"
	"github.com/open-teleop/motionctrl/pkg/preset"
	"github.com/open-teleop/motionctrl/pkg/session"
)

// SessionHandler serves the operator websocket. Each connection is one session.
type SessionHandler struct {
	sessions *session.Manager
	configs  session.ConfigProvider
	presets  *preset.Store
	logger   customlog.Logger
}

// NewSessionHandler creates the websocket handler. presets may be nil.
func NewSessionHandler(sessions *session.Manager, configs session.ConfigProvider, presets *preset.Store, logger customlog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		configs:  configs,
		presets:  presets,
		logger:   logger,
	}
}

// RegisterSessionRoutes mounts the operator websocket on /ws/session
func RegisterSessionRoutes(app *fiber.App, h *SessionHandler) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/session", websocket.New(h.Serve))
}

// trackTrajectory reads ?trajectory=, falling back to the configured default
func (h *SessionHandler) trackTrajectory(raw string) bool {
	track := h.configs.GetCurrentConfig().Pipeline.TrackTrajectory
	if raw == "" {
		return track
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		h.logger.Warnf("Ignoring invalid trajectory flag %q", raw)
		return track
	}
	return v
}

// Serve runs one operator connection until the client goes away
func (h *SessionHandler) Serve(conn *websocket.Conn) {
	opts := session.Options{TrackTrajectory: h.trackTrajectory(conn.Query("trajectory"))}

	s, err := h.sessions.CreateSession(context.Background(), conn, opts)
	if err != nil {
		h.logger.Warnf("Failed to create session for %s: %v", conn.RemoteAddr(), err)
		_ = conn.WriteJSON(messages.NewErrorMessage("", messages.ErrCodeSessionFailed, err.Error()))
		conn.Close()
		return
	}
	h.logger.Infof("Operator websocket connected: %s (session %s)", conn.RemoteAddr(), s.ID)

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Errorf("Session %s read error: %v", s.ID, err)
			} else if !errors.Is(err, syscall.EPIPE) && !errors.Is(err, syscall.ECONNRESET) {
				h.logger.Infof("Session %s connection closed: %v", s.ID, err)
			}
			break
		}
		if s.IsClosed() {
			break
		}
		if mt != websocket.TextMessage {
			h.logger.Debugf("Ignoring non-text message type %d from session %s", mt, s.ID)
			continue
		}
		h.HandleMessage(s, msg)
	}

	h.sessions.RemoveSession(context.Background(), s.ID)
	h.logger.Infof("Operator websocket disconnected: %s (session %s)", conn.RemoteAddr(), s.ID)
}

// HandleMessage applies one client message to s. Problems are reported to the client.
func (h *SessionHandler) HandleMessage(s *session.Session, data []byte) {
	s.Touch()

	var msg messages.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.SendError(messages.ErrCodeInvalidMessage, "Invalid JSON")
		return
	}

	var err error
	switch msg.Type {
	case messages.TypeCamera:
		err = h.handleCamera(s, msg.Payload)
	case messages.TypePointer:
		err = h.handlePointer(s, msg.Payload)
	case messages.TypeInstruction:
		err = h.handleInstruction(s, msg.Payload)
	case messages.TypeControl:
		err = h.handleControl(s, msg.Payload)
	case messages.TypePreset:
		h.handlePreset(s, msg.Payload)
	default:
		s.SendError(messages.ErrCodeUnknownType, fmt.Sprintf("Unknown message type: %s", msg.Type))
		return
	}

	if err != nil {
		s.SendError(messages.ErrCodeInvalidMessage, err.Error())
	}
}

func (h *SessionHandler) handleCamera(s *session.Session, raw json.RawMessage) error {
	var payload messages.CameraPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("invalid camera payload: %w", err)
	}
	if len(payload.Elements) != 16 {
		return fmt.Errorf("camera matrix must have 16 elements, got %d", len(payload.Elements))
	}

	var elements [16]float64
	copy(elements[:], payload.Elements)
	s.UpdateCamera(elements)
	return nil
}

func (h *SessionHandler) handlePointer(s *session.Session, raw json.RawMessage) error {
	var payload messages.PointerPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("invalid pointer payload: %w", err)
	}

	x, y, hasPosition := payload.Position()
	switch payload.Phase {
	case messages.PhaseDown, messages.PhaseMove:
		if !hasPosition {
			return fmt.Errorf("pointer %s requires x and y", payload.Phase)
		}
		if payload.Phase == messages.PhaseDown {
			return s.PointerDown(x, y)
		}
		return s.PointerMove(x, y)
	case messages.PhaseUp:
		if !hasPosition {
			s.EndStroke()
			return nil
		}
		return s.PointerUp(x, y)
	default:
		return fmt.Errorf("unknown pointer phase: %q", payload.Phase)
	}
}

func (h *SessionHandler) handleInstruction(s *session.Session, raw json.RawMessage) error {
	var payload messages.InstructionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("invalid instruction payload: %w", err)
	}
	s.SetInstruction(payload.Text)
	return nil
}

func (h *SessionHandler) handleControl(s *session.Session, raw json.RawMessage) error {
	var payload messages.ControlPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("invalid control payload: %w", err)
	}

	switch payload.Action {
	case messages.ActionStart:
		if err := s.StartPipeline(); err != nil && !errors.Is(err, pipeline.ErrAlreadyRunning) {
			return err
		}
		s.Send(messages.NewStatusMessage(s.ID, messages.StatusStarted, ""))
	case messages.ActionStop:
		s.StopPipeline()
		s.Send(messages.NewStatusMessage(s.ID, messages.StatusStopped, ""))
	case messages.ActionKeyframe:
		poses, err := s.CaptureKeyframe()
		if err != nil {
			return err
		}
		s.Send(messages.NewKeyframesMessage(s.ID, poses))
	case messages.ActionClearKeyframes:
		s.ClearKeyframes()
		s.Send(messages.NewKeyframesMessage(s.ID, nil))
	case messages.ActionPing:
		s.Send(messages.NewStatusMessage(s.ID, messages.StatusPong, ""))
	default:
		return fmt.Errorf("unknown control action: %q", payload.Action)
	}
	return nil
}

func (h *SessionHandler) handlePreset(s *session.Session, raw json.RawMessage) {
	var payload messages.PresetPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		s.SendError(messages.ErrCodeInvalidMessage, fmt.Sprintf("invalid preset payload: %v", err))
		return
	}
	if h.presets == nil {
		s.SendError(messages.ErrCodePresetError, "presets are not configured")
		return
	}

	frames := h.configs.GetCurrentConfig().Pipeline.FrameLength
	points, err := h.presets.LoadTrajectory(payload.Name, frames, payload.Reverse)
	if err != nil {
		s.SendError(messages.ErrCodePresetError, err.Error())
		return
	}
	if err := s.LoadTrajectoryPreset(points); err != nil {
		s.SendError(messages.ErrCodePresetError, err.Error())
		return
	}

	h.logger.Infof("Session %s loaded preset %s (%d points)", s.ID, payload.Name, len(points))
	s.Send(messages.NewStatusMessage(s.ID, messages.StatusPreset, payload.Name))
}
