package zeromq

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/open-teleop/motionctrl/pkg/config"
	"github.com/open-teleop/motionctrl/pkg/envelope"
	customlog "github.com/open-teleop/motionctrl/pkg/log"
	"github.com/open-teleop/motionctrl/pkg/pipeline"
	"github.com/pebbe/zmq4"
)

// Common errors
var (
	ErrServiceClosed      = errors.New("zeromq service is closed")
	ErrInvalidMessage     = errors.New("invalid message format")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrNoReplySink        = errors.New("no reply sink registered")
)

// Message types
const (
	MsgTypeConfigRequest    = "CONFIG_REQUEST"
	MsgTypeConfigResponse   = "CONFIG_RESPONSE"
	MsgTypeSessionsRequest  = "SESSIONS_REQUEST"
	MsgTypeSessionsResponse = "SESSIONS_RESPONSE"
	MsgTypeRenderedFrame    = "RENDERED_FRAME"
	MsgTypeConfigUpdated    = "CONFIG_UPDATED"
	MsgTypeAck              = "ACK"
	MsgTypeError            = "ERROR"
)

const (
	pollTimeout   = 500 * time.Millisecond
	socketTimeout = 1 * time.Second
)

// ZeroMQMessage represents a generic message structure for ZeroMQ communication
type ZeroMQMessage struct {
	Type      string      `json:"type"`
	Timestamp float64     `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// ErrorResponse represents an error response message
type ErrorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// ConfigProvider returns the operational config currently in force.
type ConfigProvider interface {
	GetCurrentConfig() *config.Config
}

// ReplySink accepts rendered frames returned by the backend.
type ReplySink interface {
	HandleReply(sessionID string, image []byte, receivedAt int64) error
}

// MessageHandler defines the interface for handlers that process specific message types
type MessageHandler interface {
	HandleMessage(data []byte) ([]byte, error)
}

// HandlerFunc is a function type that implements MessageHandler
type HandlerFunc func(data []byte) ([]byte, error)

// HandleMessage calls the function
func (f HandlerFunc) HandleMessage(data []byte) ([]byte, error) {
	return f(data)
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func newResponse(messageType string, data interface{}) ([]byte, error) {
	responseData, err := json.Marshal(ZeroMQMessage{
		Type:      messageType,
		Timestamp: nowSeconds(),
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s response: %w", messageType, err)
	}
	return responseData, nil
}

func newAck(topic, message string) ([]byte, error) {
	return newResponse(MsgTypeAck, map[string]interface{}{
		"status":  "OK",
		"topic":   topic,
		"message": message,
	})
}

// MessageReceiver handles requests arriving on the REP socket
type MessageReceiver struct {
	socket     *zmq4.Socket
	dispatcher *MessageDispatcher
	poller     *zmq4.Poller
	logger     customlog.Logger
	running    atomic.Bool
	wg         *sync.WaitGroup
}

// newMessageReceiver creates a new MessageReceiver
func newMessageReceiver(ctx *zmq4.Context, address string, dispatcher *MessageDispatcher, logger customlog.Logger, wg *sync.WaitGroup) (*MessageReceiver, error) {
	socket, err := ctx.NewSocket(zmq4.REP)
	if err != nil {
		return nil, fmt.Errorf("failed to create REP socket: %w", err)
	}

	if err := socket.SetLinger(0); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to set linger option: %w", err)
	}

	// Timeouts keep a half-finished exchange from blocking shutdown
	if err := socket.SetRcvtimeo(socketTimeout); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to set receive timeout: %w", err)
	}
	if err := socket.SetSndtimeo(socketTimeout); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to set send timeout: %w", err)
	}

	if err := socket.Bind(address); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to bind to %s: %w", address, err)
	}

	poller := zmq4.NewPoller()
	poller.Add(socket, zmq4.POLLIN)

	logger.Infof("MessageReceiver initialized on %s", address)

	return &MessageReceiver{
		socket:     socket,
		dispatcher: dispatcher,
		poller:     poller,
		logger:     logger,
		wg:         wg,
	}, nil
}

// Start begins the message receiving loop
func (r *MessageReceiver) Start() {
	if !r.running.CompareAndSwap(false, true) {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.logger.Infof("MessageReceiver started")

		for r.running.Load() {
			sockets, err := r.poller.Poll(pollTimeout)
			if err != nil {
				if r.running.Load() {
					r.logger.Warnf("Error polling socket: %v", err)
				}
				continue
			}
			if len(sockets) == 0 {
				continue
			}

			msg, err := r.socket.RecvBytes(0)
			if err != nil {
				if r.running.Load() {
					r.logger.Warnf("Error receiving message: %v", err)
				}
				continue
			}

			r.logger.Debugf("Received message (%d bytes)", len(msg))
			r.reply(r.handle(msg))
		}

		r.logger.Infof("MessageReceiver stopped")
	}()
}

// handle dispatches msg and always produces a reply, since a REP socket must answer
func (r *MessageReceiver) handle(msg []byte) []byte {
	response, err := r.dispatcher.Dispatch(msg)
	if err == nil {
		return response
	}

	r.logger.Warnf("Error dispatching message: %v", err)
	code := 500
	if errors.Is(err, ErrInvalidMessage) || errors.Is(err, ErrUnknownMessageType) {
		code = 400
	}
	errData, _ := json.Marshal(ZeroMQMessage{
		Type:      MsgTypeError,
		Timestamp: nowSeconds(),
		Data: ErrorResponse{
			Message: err.Error(),
			Code:    code,
		},
	})
	return errData
}

func (r *MessageReceiver) reply(response []byte) {
	if _, err := r.socket.SendBytes(response, 0); err != nil && r.running.Load() {
		r.logger.Errorf("Error sending response: %v", err)
	}
}

// Stop asks the receiving loop to exit. The loop notices within one poll interval.
func (r *MessageReceiver) Stop() {
	r.running.Store(false)
}

// Close releases the socket. Call only after the loop has exited.
func (r *MessageReceiver) Close() {
	if r.socket != nil {
		r.socket.Close()
		r.socket = nil
	}
}

// MessageSender publishes topic-framed messages on the PUB socket
type MessageSender struct {
	socket  *zmq4.Socket
	logger  customlog.Logger
	running bool
	mu      sync.Mutex
}

// newMessageSender creates a new MessageSender
func newMessageSender(ctx *zmq4.Context, address string, highWaterMark int, logger customlog.Logger) (*MessageSender, error) {
	socket, err := ctx.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create PUB socket: %w", err)
	}

	if err := socket.SetLinger(0); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to set linger option: %w", err)
	}
	if highWaterMark > 0 {
		if err := socket.SetSndhwm(highWaterMark); err != nil {
			socket.Close()
			return nil, fmt.Errorf("failed to set send high water mark: %w", err)
		}
	}

	if err := socket.Bind(address); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to bind to %s: %w", address, err)
	}

	logger.Infof("MessageSender initialized on %s", address)

	return &MessageSender{
		socket:  socket,
		logger:  logger,
		running: true,
	}, nil
}

// PublishMessage sends a message with the given topic
func (s *MessageSender) PublishMessage(topic string, message []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrServiceClosed
	}

	if _, err := s.socket.Send(topic, zmq4.SNDMORE); err != nil {
		return fmt.Errorf("failed to send topic: %w", err)
	}
	if _, err := s.socket.SendBytes(message, 0); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	return nil
}

// Close cleans up resources
func (s *MessageSender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = false
	if s.socket != nil {
		s.socket.Close()
		s.socket = nil
	}
}

// MessageDispatcher routes requests to the appropriate handlers
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	configs  ConfigProvider
	replies  ReplySink
	logger   customlog.Logger
	mu       sync.RWMutex
}

// NewMessageDispatcher creates a new message dispatcher
func NewMessageDispatcher(configs ConfigProvider, logger customlog.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		configs:  configs,
		logger:   logger,
	}
}

// RegisterHandler adds a handler for a specific message type
func (d *MessageDispatcher) RegisterHandler(messageType string, handler MessageHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers[messageType] = handler
	d.logger.Debugf("Registered handler for message type: %s", messageType)
}

// SetReplySink sets where raw frame envelopes are delivered
func (d *MessageDispatcher) SetReplySink(sink ReplySink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replies = sink
}

// Dispatch processes a message and routes it to the appropriate handler.
// JSON messages are routed by type; anything else must be an Envelope.
func (d *MessageDispatcher) Dispatch(data []byte) ([]byte, error) {
	var msg ZeroMQMessage
	if err := json.Unmarshal(data, &msg); err == nil {
		d.logger.Debugf("Dispatching JSON message of type: %s", msg.Type)
		d.mu.RLock()
		handler, exists := d.handlers[msg.Type]
		d.mu.RUnlock()

		if !exists {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, msg.Type)
		}
		return handler.HandleMessage(data)
	}

	return d.handleRawEnvelope(data)
}

// handleRawEnvelope accepts ENCODED_IMAGE envelopes published on a session's frame topic
func (d *MessageDispatcher) handleRawEnvelope(data []byte) ([]byte, error) {
	msg, err := envelope.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	d.logger.Debugf("Parsed envelope: topic='%s', type=%s, payload=%d bytes, seq=%d, ts=%d",
		msg.Topic, msg.ContentType, len(msg.Payload), msg.Sequence, msg.TimestampNs)

	if msg.ContentType != envelope.ContentTypeEncodedImage {
		return nil, fmt.Errorf("%w: unsupported content type %s on topic %s", ErrInvalidMessage, msg.ContentType, msg.Topic)
	}

	sessionID, ok := d.configs.GetCurrentConfig().SessionFromFrameTopic(msg.Topic)
	if !ok {
		return nil, fmt.Errorf("%w: '%s' is not a frame topic", ErrInvalidMessage, msg.Topic)
	}

	d.mu.RLock()
	sink := d.replies
	d.mu.RUnlock()
	if sink == nil {
		return nil, ErrNoReplySink
	}

	// Replies are ordered by local receipt time; the envelope timestamp is
	// the backend's clock and only logged.
	if err := sink.HandleReply(sessionID, msg.Payload, time.Now().UnixNano()); err != nil {
		return nil, err
	}

	return newAck(msg.Topic, "frame received")
}

// ZeroMQService coordinates ZeroMQ communications for the controller
type ZeroMQService struct {
	configs    ConfigProvider
	ctx        *zmq4.Context
	receiver   *MessageReceiver
	sender     *MessageSender
	dispatcher *MessageDispatcher
	logger     customlog.Logger
	running    atomic.Bool
	wg         *sync.WaitGroup
}

// NewZeroMQService creates a new ZeroMQ service bound to the bootstrap addresses
func NewZeroMQService(boot config.ZeroMQBootstrap, configs ConfigProvider, logger customlog.Logger) (*ZeroMQService, error) {
	logger = logger.WithField("component", "zeromq")

	ctx, err := zmq4.NewContext()
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ context: %w", err)
	}

	dispatcher := NewMessageDispatcher(configs, logger)
	wg := &sync.WaitGroup{}

	receiver, err := newMessageReceiver(ctx, boot.RequestBindAddress, dispatcher, logger, wg)
	if err != nil {
		ctx.Term()
		return nil, err
	}

	sender, err := newMessageSender(ctx, boot.PublishBindAddress, boot.SendHighWaterMark, logger)
	if err != nil {
		receiver.Close()
		ctx.Term()
		return nil, err
	}

	return &ZeroMQService{
		configs:    configs,
		ctx:        ctx,
		receiver:   receiver,
		sender:     sender,
		dispatcher: dispatcher,
		logger:     logger,
		wg:         wg,
	}, nil
}

// RegisterHandler adds a handler for a specific message type
func (s *ZeroMQService) RegisterHandler(messageType string, handler MessageHandler) {
	s.dispatcher.RegisterHandler(messageType, handler)
}

// RegisterHandlerFunc adds a handler function for a specific message type
func (s *ZeroMQService) RegisterHandlerFunc(messageType string, handler func([]byte) ([]byte, error)) {
	s.dispatcher.RegisterHandler(messageType, HandlerFunc(handler))
}

// SetReplySink sets where raw frame envelopes are delivered
func (s *ZeroMQService) SetReplySink(sink ReplySink) {
	s.dispatcher.SetReplySink(sink)
}

// Start begins the ZeroMQ service
func (s *ZeroMQService) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}

	s.logger.Infof("Starting ZeroMQ service")
	s.receiver.Start()
	return nil
}

// Stop halts the ZeroMQ service
func (s *ZeroMQService) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	s.logger.Infof("Stopping ZeroMQ service")

	s.receiver.Stop()
	s.wg.Wait()
	s.receiver.Close()
	s.sender.Close()

	if s.ctx != nil {
		s.ctx.Term()
		s.ctx = nil
	}

	s.logger.Infof("ZeroMQ service stopped")
}

// PublishMessage sends a message with the given topic
func (s *ZeroMQService) PublishMessage(topic string, message []byte) error {
	if !s.running.Load() {
		return ErrServiceClosed
	}
	return s.sender.PublishMessage(topic, message)
}

// PublishJSON publishes a JSON-serializable message with the given topic
func (s *ZeroMQService) PublishJSON(topic string, messageType string, data interface{}) error {
	msgData, err := json.Marshal(ZeroMQMessage{
		Type:      messageType,
		Timestamp: nowSeconds(),
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return s.PublishMessage(topic, msgData)
}

// SessionTopics returns the configured batch and frame topics for sessionID
func (s *ZeroMQService) SessionTopics(sessionID string) (string, string) {
	cfg := s.configs.GetCurrentConfig()
	return cfg.BatchTopic(sessionID), cfg.FrameTopic(sessionID)
}

// PublishBatch sends a batch on topic wrapped in a JSON_BATCH envelope
func (s *ZeroMQService) PublishBatch(topic string, batch *pipeline.Batch) error {
	frame, err := envelope.EncodeBatch(topic, batch)
	if err != nil {
		return err
	}
	return s.PublishMessage(topic, frame)
}

// PublishSessionEvent announces a session lifecycle event on the session events topic
func (s *ZeroMQService) PublishSessionEvent(sessionID, event string) error {
	topic := s.configs.GetCurrentConfig().Topics.SessionEvents
	return s.PublishJSON(topic, event, map[string]string{"roomid": sessionID})
}
