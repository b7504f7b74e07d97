package diagnostic

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/open-teleop/motionctrl/pkg/processing"
	"github.com/open-teleop/motionctrl/pkg/session"
)

// SessionSource reports the live sessions
type SessionSource interface {
	Stats() []session.SessionStats
}

// FramePool reports frame worker metrics
type FramePool interface {
	GetMetrics() processing.PoolMetrics
	GetQueueLength() int
	GetQueueCapacity() int
}

// TopicSource reports per-topic traffic
type TopicSource interface {
	GetTopicStats() map[string]map[string]interface{}
}

// FramePoolStats is the diagnostic view of the frame worker pool
type FramePoolStats struct {
	Processed       int64 `json:"processed"`
	Errors          int64 `json:"errors"`
	Queued          int64 `json:"queued"`
	Dropped         int64 `json:"dropped"`
	ProcessingAvgUs int64 `json:"processing_avg_us"`
	ProcessingMaxUs int64 `json:"processing_max_us"`
	QueueLength     int   `json:"queue_length"`
	QueueCapacity   int   `json:"queue_capacity"`
}

// SystemMetrics is one diagnostics snapshot
type SystemMetrics struct {
	Timestamp  time.Time                         `json:"timestamp"`
	Uptime     string                            `json:"uptime"`
	Transport  string                            `json:"transport"`
	Sessions   []session.SessionStats            `json:"sessions"`
	FramePool  *FramePoolStats                   `json:"frame_pool,omitempty"`
	Topics     map[string]map[string]interface{} `json:"topics"`
	Connection interface{}                       `json:"connection,omitempty"`
}

// DiagnosticService assembles diagnostics from the running components
type DiagnosticService struct {
	startedAt time.Time
	transport string

	mu         sync.RWMutex
	sessions   SessionSource
	pool       FramePool
	topics     TopicSource
	connection func() interface{}
}

// NewDiagnosticService creates a new diagnostic service instance
func NewDiagnosticService(transport string, sessions SessionSource, pool FramePool, topics TopicSource) *DiagnosticService {
	return &DiagnosticService{
		startedAt: time.Now(),
		transport: transport,
		sessions:  sessions,
		pool:      pool,
		topics:    topics,
	}
}

// SetConnectionStats adds transport link statistics to the snapshot
func (s *DiagnosticService) SetConnectionStats(fn func() interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connection = fn
}

// GetMetricsHandler handles API requests for system metrics
func (s *DiagnosticService) GetMetricsHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "success",
		"metrics": s.GetMetrics(),
	})
}

// GetMetrics returns the current system metrics
func (s *DiagnosticService) GetMetrics() SystemMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	metrics := SystemMetrics{
		Timestamp: now,
		Uptime:    now.Sub(s.startedAt).Round(time.Second).String(),
		Transport: s.transport,
		Sessions:  []session.SessionStats{},
		Topics:    map[string]map[string]interface{}{},
	}

	if s.sessions != nil {
		metrics.Sessions = s.sessions.Stats()
	}
	if s.topics != nil {
		metrics.Topics = s.topics.GetTopicStats()
	}
	if s.pool != nil {
		m := s.pool.GetMetrics()
		metrics.FramePool = &FramePoolStats{
			Processed:       m.ProcessedCount,
			Errors:          m.ErrorCount,
			Queued:          m.QueuedCount,
			Dropped:         m.DroppedCount,
			ProcessingAvgUs: m.ProcessingTimeAvg,
			ProcessingMaxUs: m.ProcessingTimeMax,
			QueueLength:     s.pool.GetQueueLength(),
			QueueCapacity:   s.pool.GetQueueCapacity(),
		}
	}
	if s.connection != nil {
		metrics.Connection = s.connection()
	}
	return metrics
}
