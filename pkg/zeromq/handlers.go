package zeromq

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/open-teleop/motionctrl/pkg/envelope"
	customlog "github.com/open-teleop/motionctrl/pkg/log"
)

// SessionLister reports the ids of the active sessions
type SessionLister interface {
	ListSessionIDs() []string
}

// ConfigHandler handles CONFIG_REQUEST messages
type ConfigHandler struct {
	configs ConfigProvider
	logger  customlog.Logger
}

// NewConfigHandler creates a new handler for configuration requests
func NewConfigHandler(configs ConfigProvider, logger customlog.Logger) *ConfigHandler {
	return &ConfigHandler{
		configs: configs,
		logger:  logger,
	}
}

// HandleMessage processes a CONFIG_REQUEST message and returns a CONFIG_RESPONSE
func (h *ConfigHandler) HandleMessage(data []byte) ([]byte, error) {
	var msg ZeroMQMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.Type != MsgTypeConfigRequest {
		return nil, fmt.Errorf("unexpected message type: %s", msg.Type)
	}

	cfg := h.configs.GetCurrentConfig()
	h.logger.Debugf("Processing configuration request (config %s)", cfg.ConfigID)
	return newResponse(MsgTypeConfigResponse, cfg)
}

// SessionsHandler handles SESSIONS_REQUEST messages
type SessionsHandler struct {
	sessions SessionLister
	logger   customlog.Logger
}

// NewSessionsHandler creates a new handler for session listing requests
func NewSessionsHandler(sessions SessionLister, logger customlog.Logger) *SessionsHandler {
	return &SessionsHandler{
		sessions: sessions,
		logger:   logger,
	}
}

// HandleMessage answers with the active session ids
func (h *SessionsHandler) HandleMessage(data []byte) ([]byte, error) {
	ids := h.sessions.ListSessionIDs()
	if ids == nil {
		ids = []string{}
	}
	h.logger.Debugf("Reporting %d active sessions", len(ids))
	return newResponse(MsgTypeSessionsResponse, map[string]interface{}{
		"sessions": ids,
		"count":    len(ids),
	})
}

// RenderedFrameData is the data of a RENDERED_FRAME message
type RenderedFrameData struct {
	RoomID string `json:"roomid"`
	B64Img string `json:"b64img"`
}

type renderedFrameMessage struct {
	Type      string            `json:"type"`
	Timestamp float64           `json:"timestamp"`
	Data      RenderedFrameData `json:"data"`
}

// RenderedFrameHandler handles RENDERED_FRAME messages carrying a base64 image
type RenderedFrameHandler struct {
	sink   ReplySink
	logger customlog.Logger
}

// NewRenderedFrameHandler creates a new handler for base64 frame replies
func NewRenderedFrameHandler(sink ReplySink, logger customlog.Logger) *RenderedFrameHandler {
	return &RenderedFrameHandler{
		sink:   sink,
		logger: logger,
	}
}

// HandleMessage decodes the frame and hands it to the reply sink
func (h *RenderedFrameHandler) HandleMessage(data []byte) ([]byte, error) {
	var msg renderedFrameMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.Data.RoomID == "" {
		return nil, fmt.Errorf("%w: missing roomid", ErrInvalidMessage)
	}

	image, err := envelope.DecodeBase64Image(msg.Data.B64Img)
	if err != nil {
		return nil, fmt.Errorf("%w: frame for session %s: %v", ErrInvalidMessage, msg.Data.RoomID, err)
	}

	h.logger.Debugf("Rendered frame for session %s (%d bytes)", msg.Data.RoomID, len(image))
	if err := h.sink.HandleReply(msg.Data.RoomID, image, time.Now().UnixNano()); err != nil {
		return nil, err
	}

	return newAck(msg.Data.RoomID, "frame received")
}

// RegisterReplyHandlers wires the session-facing request handlers and the raw frame path
func RegisterReplyHandlers(service *ZeroMQService, sink ReplySink, sessions SessionLister, logger customlog.Logger) {
	service.RegisterHandler(MsgTypeSessionsRequest, NewSessionsHandler(sessions, logger))
	service.RegisterHandler(MsgTypeRenderedFrame, NewRenderedFrameHandler(sink, logger))
	service.SetReplySink(sink)

	logger.Infof("Registered session and frame reply handlers")
}
