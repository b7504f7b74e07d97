package processing

import (
	"sort"
	"sync"

	"github.com/open-teleop/motionctrl/pkg/config"
	customlog "github.com/open-teleop/motionctrl/pkg/log"
)

// Topic directions
const (
	DirectionOutbound = "OUTBOUND"
	DirectionInbound  = "INBOUND"
)

// TopicInfo holds traffic statistics for a topic. Size accumulates bytes
// for inbound frames and poses plus points for outbound batches.
type TopicInfo struct {
	Topic     string
	SessionID string
	Direction string
	StatCount int64
	Size      int64
	LastSeen  int64
}

// TopicRegistry tracks traffic per backend topic
type TopicRegistry struct {
	logger customlog.Logger
	topics map[string]*TopicInfo
	mu     sync.RWMutex
}

// NewTopicRegistry creates a new topic registry
func NewTopicRegistry(logger customlog.Logger) *TopicRegistry {
	return &TopicRegistry{
		logger: logger,
		topics: make(map[string]*TopicInfo),
	}
}

// LoadFromConfig registers the session-independent topics named in the config
func (r *TopicRegistry) LoadFromConfig(cfg *config.Config) {
	r.Register(cfg.Topics.SessionEvents, "", DirectionOutbound)
	r.Register(cfg.Topics.ConfigNotification, "", DirectionOutbound)

	r.logger.Infof("Registered static topics %s, %s", cfg.Topics.SessionEvents, cfg.Topics.ConfigNotification)
}

// Register adds a topic if it is not known yet
func (r *TopicRegistry) Register(topic, sessionID, direction string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.topics[topic]; exists {
		return
	}
	r.topics[topic] = &TopicInfo{
		Topic:     topic,
		SessionID: sessionID,
		Direction: direction,
	}
}

// UpdateTopicStats records one message of the given size on topic
func (r *TopicRegistry) UpdateTopicStats(topic string, timestamp int64, size int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, exists := r.topics[topic]
	if !exists {
		info = &TopicInfo{Topic: topic}
		r.topics[topic] = info
	}

	info.StatCount++
	info.Size += int64(size)
	info.LastSeen = timestamp
}

// GetTopicInfo gets information for a topic
func (r *TopicRegistry) GetTopicInfo(topic string) (*TopicInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, exists := r.topics[topic]
	if !exists {
		return nil, false
	}

	infoCopy := *info
	return &infoCopy, true
}

// RemoveSession forgets every topic belonging to sessionID
func (r *TopicRegistry) RemoveSession(sessionID string) {
	if sessionID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for topic, info := range r.topics {
		if info.SessionID == sessionID {
			delete(r.topics, topic)
		}
	}
}

// GetAllTopics returns a sorted list of all registered topics
func (r *TopicRegistry) GetAllTopics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := make([]string, 0, len(r.topics))
	for topic := range r.topics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// GetTopicStats returns a map of topic statistics
func (r *TopicRegistry) GetTopicStats() map[string]map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]map[string]interface{})

	for topic, info := range r.topics {
		stats[topic] = map[string]interface{}{
			"count":     info.StatCount,
			"size":      info.Size,
			"last_seen": info.LastSeen,
			"session":   info.SessionID,
			"direction": info.Direction,
		}
	}

	return stats
}
