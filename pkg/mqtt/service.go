// Package mqtt carries batches, session events and frame replies over an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/open-teleop/motionctrl/pkg/config"
	"github.com/open-teleop/motionctrl/pkg/envelope"
	customlog "github.com/open-teleop/motionctrl/pkg/log"
	"github.com/open-teleop/motionctrl/pkg/pipeline"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

var ErrNotConnected = errors.New("mqtt not connected")

// ReplySink accepts rendered frames returned by the backend.
type ReplySink interface {
	HandleReply(sessionID string, image []byte, receivedAt int64) error
}

// Event is the JSON body published on a session's events topic.
type Event struct {
	Type      string  `json:"type"`
	RoomID    string  `json:"roomid"`
	Timestamp float64 `json:"timestamp"`
}

// Notification is the JSON body published on the config topic.
type Notification struct {
	Type      string                 `json:"type"`
	Timestamp float64                `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

type framePayload struct {
	B64Img string `json:"b64img"`
}

// Stats contains publisher statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Received  uint64            `json:"received"`
	Errors    uint64            `json:"errors"`
}

// Service publishes to and subscribes from an MQTT broker
type Service struct {
	boot   config.MQTTBootstrap
	client paho.Client
	logger customlog.Logger

	// serializes publishes so a session's batches reach the broker in order
	publishMu sync.Mutex

	mu        sync.RWMutex
	replies   ReplySink
	published map[string]uint64
	received  uint64
	errors    uint64
	connected bool
}

// NewService creates an MQTT service. Call Connect before publishing.
func NewService(boot config.MQTTBootstrap, logger customlog.Logger) *Service {
	return &Service{
		boot:      boot,
		logger:    logger.WithField("component", "mqtt"),
		published: make(map[string]uint64),
	}
}

// BatchTopic returns the topic batches for sessionID are published on.
func (s *Service) BatchTopic(sessionID string) string {
	return s.boot.TopicPrefix + "/" + sessionID + "/batch"
}

// FrameTopic returns the topic rendered frames for sessionID arrive on.
func (s *Service) FrameTopic(sessionID string) string {
	return s.boot.TopicPrefix + "/" + sessionID + "/frame"
}

// SessionTopics returns the batch and frame topics for sessionID.
func (s *Service) SessionTopics(sessionID string) (string, string) {
	return s.BatchTopic(sessionID), s.FrameTopic(sessionID)
}

// EventsTopic returns the topic session events for sessionID are published on.
func (s *Service) EventsTopic(sessionID string) string {
	return s.boot.TopicPrefix + "/" + sessionID + "/events"
}

// ConfigTopic returns the topic config notifications are published on.
func (s *Service) ConfigTopic() string {
	return s.boot.TopicPrefix + "/config"
}

// FrameSubscription returns the wildcard subscription for frame replies.
func (s *Service) FrameSubscription() string {
	return s.boot.TopicPrefix + "/+/frame"
}

// SessionFromFrameTopic extracts the session id from "<prefix>/<id>/frame".
func (s *Service) SessionFromFrameTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, s.boot.TopicPrefix+"/")
	if !ok {
		return "", false
	}
	sessionID, ok := strings.CutSuffix(rest, "/frame")
	if !ok || sessionID == "" || strings.Contains(sessionID, "/") {
		return "", false
	}
	return sessionID, true
}

// SetReplySink sets where frame replies are delivered
func (s *Service) SetReplySink(sink ReplySink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = sink
}

// Connect establishes the broker connection and subscribes to frame replies.
// Reconnects re-subscribe through the OnConnect handler.
func (s *Service) Connect(ctx context.Context) error {
	opts := paho.NewClientOptions()
	opts.AddBroker(s.boot.Broker)
	opts.SetClientID(s.boot.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOrderMatters(true)

	opts.OnConnect = func(c paho.Client) {
		s.setConnected(true)
		s.logger.Infof("MQTT connection established to %s as %s", s.boot.Broker, s.boot.ClientID)
		s.subscribe(c)
	}
	opts.OnConnectionLost = func(c paho.Client, err error) {
		s.setConnected(false)
		s.logger.Warnf("MQTT connection lost, will auto-reconnect: %v", err)
	}

	s.client = paho.NewClient(opts)
	s.logger.Infof("Connecting to MQTT broker %s", s.boot.Broker)

	token := s.client.Connect()
	if err := wait(ctx, token, connectTimeout); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	return nil
}

func (s *Service) subscribe(c paho.Client) {
	topic := s.FrameSubscription()
	token := c.Subscribe(topic, s.qos(), s.handleFrame)
	go func() {
		if err := wait(context.Background(), token, connectTimeout); err != nil {
			s.logger.Errorf("Failed to subscribe to %s: %v", topic, err)
			return
		}
		s.logger.Infof("Subscribed to %s", topic)
	}()
}

// handleFrame accepts a raw encoded image or a JSON {"b64img": ...} body
func (s *Service) handleFrame(_ paho.Client, msg paho.Message) {
	receivedAt := time.Now().UnixNano()

	sessionID, ok := s.SessionFromFrameTopic(msg.Topic())
	if !ok {
		s.logger.Warnf("Ignoring message on unexpected topic %s", msg.Topic())
		return
	}

	image, err := decodeFrame(msg.Payload())
	if err != nil {
		s.countError()
		s.logger.Warnf("Dropping frame for session %s: %v", sessionID, err)
		return
	}

	s.mu.Lock()
	s.received++
	sink := s.replies
	s.mu.Unlock()

	if sink == nil {
		s.logger.Warnf("No reply sink registered, dropping frame for session %s", sessionID)
		return
	}
	if err := sink.HandleReply(sessionID, image, receivedAt); err != nil {
		s.logger.Warnf("Frame for session %s rejected: %v", sessionID, err)
	}
}

func decodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if payload[0] != '{' {
		return payload, nil
	}

	var body framePayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("invalid frame json: %w", err)
	}
	return envelope.DecodeBase64Image(body.B64Img)
}

// PublishBatch publishes a JSON_BATCH envelope on topic
func (s *Service) PublishBatch(topic string, batch *pipeline.Batch) error {
	payload, err := envelope.EncodeBatch(topic, batch)
	if err != nil {
		s.countError()
		return err
	}
	return s.publish(topic, payload)
}

// PublishSessionEvent publishes a lifecycle event on the session's events topic
func (s *Service) PublishSessionEvent(sessionID, event string) error {
	payload, err := json.Marshal(Event{
		Type:      event,
		RoomID:    sessionID,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return s.publish(s.EventsTopic(sessionID), payload)
}

// PublishConfigUpdatedNotification announces a new operational config
func (s *Service) PublishConfigUpdatedNotification(cfg *config.Config) error {
	payload, err := json.Marshal(Notification{
		Type:      "CONFIG_UPDATED",
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		Data: map[string]interface{}{
			"config_id":    cfg.ConfigID,
			"version":      cfg.Version,
			"last_updated": cfg.LastUpdated,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	return s.publish(s.ConfigTopic(), payload)
}

func (s *Service) publish(topic string, payload []byte) error {
	if s.client == nil || !s.isConnected() {
		s.countError()
		return ErrNotConnected
	}

	s.publishMu.Lock()
	token := s.client.Publish(topic, s.qos(), false, payload)
	err := wait(context.Background(), token, publishTimeout)
	s.publishMu.Unlock()

	if err != nil {
		s.countError()
		return fmt.Errorf("publish to %s failed: %w", topic, err)
	}

	s.mu.Lock()
	s.published[topic]++
	s.mu.Unlock()

	s.logger.Debugf("Published %d bytes to %s", len(payload), topic)
	return nil
}

// Disconnect closes the MQTT connection
func (s *Service) Disconnect() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
		s.logger.Infof("MQTT disconnected")
	}
	s.setConnected(false)
}

// Stats returns publisher statistics
func (s *Service) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	published := make(map[string]uint64, len(s.published))
	for k, v := range s.published {
		published[k] = v
	}
	return Stats{
		Connected: s.connected,
		Published: published,
		Received:  s.received,
		Errors:    s.errors,
	}
}

func (s *Service) qos() byte {
	if s.boot.QoS < 0 || s.boot.QoS > 2 {
		return 1
	}
	return byte(s.boot.QoS)
}

func (s *Service) setConnected(connected bool) {
	s.mu.Lock()
	s.connected = connected
	s.mu.Unlock()
}

func (s *Service) isConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *Service) countError() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}

func wait(ctx context.Context, token paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
