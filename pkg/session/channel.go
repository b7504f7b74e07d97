package session

import (
	"time"

	"github.com/open-teleop/motionctrl/pkg/pipeline"
	"github.com/open-teleop/motionctrl/pkg/processing"
)

// Session lifecycle events published on the transport
const (
	EventSessionStarted = "SESSION_STARTED"
	EventSessionEnded   = "SESSION_ENDED"
)

// Transport carries batches and lifecycle events to the rendering backend.
// SessionTopics names the topics a session's batches go out on and its
// frames come back on.
type Transport interface {
	SessionTopics(sessionID string) (batchTopic, frameTopic string)
	PublishBatch(topic string, batch *pipeline.Batch) error
	PublishSessionEvent(sessionID, event string) error
}

// Channel is a session's outbound link. It emits batches through the
// transport and records per-topic traffic.
type Channel struct {
	sessionID string
	topic     string
	transport Transport
	topics    *processing.TopicRegistry
}

// NewChannel creates the channel for sessionID publishing on topic
func NewChannel(sessionID, topic string, transport Transport, topics *processing.TopicRegistry) *Channel {
	if topics != nil {
		topics.Register(topic, sessionID, processing.DirectionOutbound)
	}
	return &Channel{
		sessionID: sessionID,
		topic:     topic,
		transport: transport,
		topics:    topics,
	}
}

// Topic returns the topic batches are published on
func (c *Channel) Topic() string {
	return c.topic
}

// Emit publishes batch on the channel topic. Failed batches are not counted.
func (c *Channel) Emit(batch *pipeline.Batch) error {
	if err := c.transport.PublishBatch(c.topic, batch); err != nil {
		return err
	}
	if c.topics != nil {
		c.topics.UpdateTopicStats(c.topic, time.Now().UnixNano(), len(batch.Poses)+len(batch.Trajectory))
	}
	return nil
}
