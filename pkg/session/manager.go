package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/open-teleop/motionctrl/pkg/config"
	customlog "github.com/open-teleop/motionctrl/pkg/log"
	"github.com/open-teleop/motionctrl/pkg/pipeline"
	"github.com/open-teleop/motionctrl/pkg/processing"
	"github.com/open-teleop/motionctrl/pkg/trajectory"
)

const (
	cleanupInterval  = 1 * time.Minute
	redisSessionKey  = "session:"
	redisActiveSet   = "active_sessions"
	redisCallTimeout = 2 * time.Second
)

var (
	ErrMaxSessions     = errors.New("maximum sessions reached")
	ErrSessionNotFound = errors.New("session not found")
	ErrFrameDropped    = errors.New("frame queue full")
)

// ConfigProvider returns the operational config currently in force.
type ConfigProvider interface {
	GetCurrentConfig() *config.Config
}

// FrameQueue accepts rendered frames for processing without blocking.
type FrameQueue interface {
	ProcessMessage(job *processing.FrameJob) bool
}

// ManagerOptions are the collaborators of a Manager. Topics, Frames and Redis are optional.
type ManagerOptions struct {
	Configs    ConfigProvider
	Transport  Transport
	Topics     *processing.TopicRegistry
	Frames     FrameQueue
	Redis      *redis.Client
	SessionTTL time.Duration
	Logger     customlog.Logger
}

// SessionStats is the diagnostic view of one session
type SessionStats struct {
	ID              string         `json:"id"`
	CreatedAt       time.Time      `json:"created_at"`
	LastActivity    time.Time      `json:"last_activity"`
	TrackTrajectory bool           `json:"track_trajectory"`
	Keyframes       int            `json:"keyframes"`
	Pipeline        pipeline.Stats `json:"pipeline"`
}

// Manager manages all operator sessions
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	configs    ConfigProvider
	transport  Transport
	topics     *processing.TopicRegistry
	frames     FrameQueue
	redis      *redis.Client
	sessionTTL time.Duration
	logger     customlog.Logger
}

// NewManager creates a session manager
func NewManager(opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = customlog.NewNopLogger()
	}
	return &Manager{
		sessions:   make(map[string]*Session),
		configs:    opts.Configs,
		transport:  opts.Transport,
		topics:     opts.Topics,
		frames:     opts.Frames,
		redis:      opts.Redis,
		sessionTTL: opts.SessionTTL,
		logger:     logger.WithField("component", "sessions"),
	}
}

// SetFrameQueue sets where frame replies are queued for processing
func (m *Manager) SetFrameQueue(frames FrameQueue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = frames
}

// NewRedisClient connects to Redis. It returns nil when no address is configured
// or the server does not answer, and sessions are then kept in memory only.
func NewRedisClient(ctx context.Context, cfg config.RedisBootstrap, logger customlog.Logger) *redis.Client {
	if cfg.Address == "" {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warnf("Redis at %s unavailable, continuing without session registry: %v", cfg.Address, err)
		client.Close()
		return nil
	}

	logger.Infof("Connected to Redis at %s", cfg.Address)
	return client
}

// CreateSession creates, registers and starts a new session on conn
func (m *Manager) CreateSession(ctx context.Context, conn ClientConn, opts Options) (*Session, error) {
	cfg := m.configs.GetCurrentConfig()

	m.mu.Lock()
	if len(m.sessions) >= cfg.Sessions.MaxSessions {
		m.mu.Unlock()
		return nil, ErrMaxSessions
	}

	sessionID := uuid.New().String()
	logger := m.logger.WithField("session", sessionID)
	batchTopic, frameTopic := m.transport.SessionTopics(sessionID)
	channel := NewChannel(sessionID, batchTopic, m.transport, m.topics)
	s := newSession(sessionID, conn, cfg, opts, channel, logger)
	s.frameTopic = frameTopic
	m.sessions[sessionID] = s
	m.mu.Unlock()

	if m.topics != nil {
		m.topics.Register(frameTopic, sessionID, processing.DirectionInbound)
	}

	s.start()
	m.storeSession(ctx, s)

	if err := m.transport.PublishSessionEvent(sessionID, EventSessionStarted); err != nil {
		logger.Warnf("Failed to publish %s: %v", EventSessionStarted, err)
	}

	logger.Infof("Session created (trajectory=%v)", opts.TrackTrajectory)
	return s, nil
}

// storeSession records the session in Redis
func (m *Manager) storeSession(ctx context.Context, s *Session) {
	if m.redis == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, redisCallTimeout)
	defer cancel()

	key := redisSessionKey + s.ID
	pipe := m.redis.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"created_at":       s.CreatedAt.Format(time.RFC3339),
		"last_activity":    s.LastActivity().Format(time.RFC3339),
		"status":           "active",
		"track_trajectory": s.TrackTrajectory(),
	})
	pipe.SAdd(ctx, redisActiveSet, s.ID)
	if m.sessionTTL > 0 {
		pipe.Expire(ctx, key, m.sessionTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warnf("Failed to record session %s in Redis: %v", s.ID, err)
	}
}

func (m *Manager) forgetSession(ctx context.Context, sessionID string) {
	if m.redis == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, redisCallTimeout)
	defer cancel()

	pipe := m.redis.TxPipeline()
	pipe.Del(ctx, redisSessionKey+sessionID)
	pipe.SRem(ctx, redisActiveSet, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warnf("Failed to remove session %s from Redis: %v", sessionID, err)
	}
}

// GetSession retrieves a session by ID
func (m *Manager) GetSession(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, exists := m.sessions[sessionID]
	return s, exists
}

// RemoveSession closes a session and announces its end
func (m *Manager) RemoveSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s, exists := m.sessions[sessionID]
	if !exists {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	m.closeSession(ctx, s)
	return nil
}

func (m *Manager) closeSession(ctx context.Context, s *Session) {
	if err := s.Close(); err != nil {
		m.logger.Debugf("Closing connection for session %s: %v", s.ID, err)
	}
	if m.topics != nil {
		m.topics.RemoveSession(s.ID)
	}
	m.forgetSession(ctx, s.ID)

	if err := m.transport.PublishSessionEvent(s.ID, EventSessionEnded); err != nil {
		m.logger.Warnf("Failed to publish %s for %s: %v", EventSessionEnded, s.ID, err)
	}
	m.logger.Infof("Session %s removed", s.ID)
}

// ListSessionIDs returns the sorted ids of the active sessions
func (m *Manager) ListSessionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetActiveSessionCount returns current session count
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stats returns the diagnostic view of every session, ordered by id
func (m *Manager) Stats() []SessionStats {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })

	stats := make([]SessionStats, 0, len(sessions))
	for _, s := range sessions {
		stats = append(stats, SessionStats{
			ID:              s.ID,
			CreatedAt:       s.CreatedAt,
			LastActivity:    s.LastActivity(),
			TrackTrajectory: s.TrackTrajectory(),
			Keyframes:       len(s.Keyframes()),
			Pipeline:        s.Pipeline().Stats(),
		})
	}
	return stats
}

// HandleReply queues a rendered frame returned by the backend for sessionID
func (m *Manager) HandleReply(sessionID string, image []byte, receivedAt int64) error {
	s, ok := m.GetSession(sessionID)
	if !ok {
		m.logger.Warnf("Dropping frame for unknown session %s", sessionID)
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	topic := s.FrameTopic()
	if m.topics != nil {
		m.topics.UpdateTopicStats(topic, receivedAt, len(image))
	}

	m.mu.RLock()
	frames := m.frames
	m.mu.RUnlock()

	job := &processing.FrameJob{
		SessionID:  sessionID,
		Topic:      topic,
		Image:      image,
		ReceivedAt: receivedAt,
	}
	if frames == nil {
		// no processing pool; deliver as is
		return m.DeliverFrame(sessionID, image, receivedAt)
	}
	if !frames.ProcessMessage(job) {
		return ErrFrameDropped
	}
	return nil
}

// DeliverFrame hands a processed frame to its session
func (m *Manager) DeliverFrame(sessionID string, frame []byte, timestamp int64) error {
	s, ok := m.GetSession(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s.DeliverFrame(frame, timestamp)
}

// MarkerPoints returns the points to draw on sessionID's next frame
func (m *Manager) MarkerPoints(sessionID string) ([]trajectory.Point, bool) {
	s, ok := m.GetSession(sessionID)
	if !ok {
		return nil, false
	}
	return s.MarkerPoints()
}

// CleanupInactiveSessions removes sessions idle for longer than the configured timeout
func (m *Manager) CleanupInactiveSessions(ctx context.Context) int {
	timeout := m.configs.GetCurrentConfig().IdleTimeout()
	if timeout <= 0 {
		return 0
	}

	now := time.Now()
	m.mu.Lock()
	var idle []*Session
	for id, s := range m.sessions {
		if now.Sub(s.LastActivity()) > timeout {
			idle = append(idle, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		m.logger.Infof("Session %s idle for more than %s", s.ID, timeout)
		m.closeSession(ctx, s)
	}
	return len(idle)
}

// StartCleanupRoutine starts periodic cleanup of inactive sessions
func (m *Manager) StartCleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupInactiveSessions(ctx)
		}
	}
}

// Shutdown closes all sessions
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		m.closeSession(ctx, s)
	}

	if m.redis != nil {
		m.redis.Close()
	}
}
