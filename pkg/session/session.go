package session

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/open-teleop/motionctrl/pkg/config"
	customlog "github.com/open-teleop/motionctrl/pkg/log"
	"github.com/open-teleop/motionctrl/pkg/messages"
	"github.com/open-teleop/motionctrl/pkg/pipeline"
	"github.com/open-teleop/motionctrl/pkg/pose"
	"github.com/open-teleop/motionctrl/pkg/trajectory"
)

const (
	writeBufferSize = 256
	writeTimeout    = 10 * time.Second
)

var (
	ErrSessionClosed      = errors.New("session closed")
	ErrTrajectoryDisabled = errors.New("trajectory tracking is disabled for this session")
	ErrNoCamera           = errors.New("camera transform not available yet")
	ErrStaleFrame         = errors.New("frame is older than the last delivered frame")
)

// ClientConn is the operator connection a session writes to.
// *websocket.Conn satisfies it.
type ClientConn interface {
	WriteJSON(v interface{}) error
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Options configure a new session.
type Options struct {
	TrackTrajectory bool
}

// Session is one operator's motion-capture session
type Session struct {
	ID        string
	CreatedAt time.Time

	conn       ClientConn
	cfg        *config.Config
	camera     *pose.Camera
	recorder   *trajectory.Recorder
	pipeline   *pipeline.Pipeline
	frameTopic string
	logger     customlog.Logger

	writeChan chan interface{}
	closeChan chan struct{}
	pumpDone  chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc

	mu           sync.RWMutex
	instruction  string
	pointerDown  bool
	keyframes    []pose.Pose
	lastActivity time.Time
	lastFrameAt  int64
	started      bool
	closed       bool
}

// newSession builds a session around cfg. The pipeline is created but not started.
func newSession(id string, conn ClientConn, cfg *config.Config, opts Options, emitter pipeline.Emitter, logger customlog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()

	s := &Session{
		ID:           id,
		CreatedAt:    now,
		conn:         conn,
		cfg:          cfg,
		camera:       &pose.Camera{},
		logger:       logger,
		writeChan:    make(chan interface{}, writeBufferSize),
		closeChan:    make(chan struct{}),
		pumpDone:     make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		lastActivity: now,
	}

	if opts.TrackTrajectory {
		s.recorder = trajectory.NewRecorder(cfg.Canvas.Width, cfg.Canvas.Height, cfg.Canvas.Scale)
	}

	s.pipeline = pipeline.New(pipeline.Options{
		SessionID:       id,
		Interval:        cfg.TickInterval(),
		HighWaterMark:   cfg.Pipeline.HighWaterMark,
		TrackTrajectory: opts.TrackTrajectory,
		Instruction:     s.Instruction,
	}, s.camera, s.recorder, emitter, logger)

	return s
}

// start launches the write pump and greets the client
func (s *Session) start() {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	go s.writePump()
	s.queueMessage(messages.NewStatusMessage(s.ID, messages.StatusConnected, "Session established"))
}

// writePump handles all outgoing messages in a single goroutine
func (s *Session) writePump() {
	defer close(s.pumpDone)
	defer func() {
		s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}()

	for {
		select {
		case <-s.closeChan:
			return
		case msg, ok := <-s.writeChan:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteJSON(msg); err != nil {
				s.logger.Warnf("Write to client failed: %v", err)
				return
			}
		}
	}
}

// queueMessage adds a message to the write queue. It never blocks; a full queue drops the message.
func (s *Session) queueMessage(msg interface{}) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}
	select {
	case s.writeChan <- msg:
		return true
	default:
		s.logger.Warnf("Client write queue full, dropping message")
		return false
	}
}

// Send queues a message for the client
func (s *Session) Send(msg *messages.ServerMessage) bool {
	return s.queueMessage(msg)
}

// SendError queues an error message for the client
func (s *Session) SendError(code, message string) {
	s.queueMessage(messages.NewErrorMessage(s.ID, code, message))
}

// Touch records client activity
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns when the client last sent anything
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// TrackTrajectory reports whether the session records a trajectory
func (s *Session) TrackTrajectory() bool {
	return s.recorder != nil
}

// Pipeline returns the session's pipeline
func (s *Session) Pipeline() *pipeline.Pipeline {
	return s.pipeline
}

// UpdateCamera stores the latest camera matrix. The next tick samples it.
func (s *Session) UpdateCamera(elements [16]float64) {
	s.camera.Set(elements)
	s.Touch()
}

// canvasPoint clamps a pointer position to the canvas and floors it to whole pixels
func (s *Session) canvasPoint(x, y float64) (int, int) {
	clamp := func(v float64, size int) int {
		if math.IsNaN(v) || v < 0 {
			return 0
		}
		if limit := float64(size - 1); v > limit {
			v = limit
		}
		return int(math.Floor(v))
	}
	return clamp(x, s.cfg.Canvas.Width), clamp(y, s.cfg.Canvas.Height)
}

// PointerDown starts a stroke at (x, y) in canvas pixels
func (s *Session) PointerDown(x, y float64) error {
	if s.recorder == nil {
		return ErrTrajectoryDisabled
	}
	s.mu.Lock()
	s.pointerDown = true
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.pipeline.Record(s.canvasPoint(x, y))
	return nil
}

// PointerMove records (x, y) while a stroke is in progress
func (s *Session) PointerMove(x, y float64) error {
	if s.recorder == nil {
		return ErrTrajectoryDisabled
	}
	s.mu.Lock()
	down := s.pointerDown
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if down {
		s.pipeline.Record(s.canvasPoint(x, y))
	}
	return nil
}

// PointerUp records the release position (x, y) and ends the current stroke
func (s *Session) PointerUp(x, y float64) error {
	if s.recorder == nil {
		return ErrTrajectoryDisabled
	}
	s.mu.Lock()
	down := s.pointerDown
	s.pointerDown = false
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if down {
		s.pipeline.Record(s.canvasPoint(x, y))
	}
	return nil
}

// EndStroke ends the current stroke without recording a position
func (s *Session) EndStroke() {
	s.mu.Lock()
	s.pointerDown = false
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// SetInstruction replaces the instruction sent with the next batch
func (s *Session) SetInstruction(text string) {
	s.mu.Lock()
	s.instruction = text
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Instruction returns the current instruction text
func (s *Session) Instruction() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instruction
}

// StartPipeline starts periodic sampling and emission
func (s *Session) StartPipeline() error {
	s.Touch()
	return s.pipeline.Start()
}

// StopPipeline stops periodic sampling. Queued poses are kept for the next start.
func (s *Session) StopPipeline() {
	s.Touch()
	s.pipeline.Stop()
}

// CaptureKeyframe appends the current camera pose to the keyframe list
func (s *Session) CaptureKeyframe() ([]pose.Pose, error) {
	elements, ok := s.camera.Transform()
	if !ok {
		return nil, ErrNoCamera
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.keyframes = append(s.keyframes, pose.FromMatrix(elements))
	s.lastActivity = time.Now()
	return append([]pose.Pose(nil), s.keyframes...), nil
}

// ClearKeyframes forgets all captured keyframes
func (s *Session) ClearKeyframes() {
	s.mu.Lock()
	s.keyframes = nil
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Keyframes returns a copy of the captured keyframes
func (s *Session) Keyframes() []pose.Pose {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]pose.Pose(nil), s.keyframes...)
}

// LoadTrajectoryPreset replaces the recorded trajectory with internal-resolution points
func (s *Session) LoadTrajectoryPreset(points []trajectory.Point) error {
	if s.recorder == nil {
		return ErrTrajectoryDisabled
	}
	s.recorder.Replace(points)
	s.Touch()
	return nil
}

// MarkerPoints returns the points to draw on the next frame
func (s *Session) MarkerPoints() ([]trajectory.Point, bool) {
	if s.recorder == nil {
		return nil, false
	}
	if s.cfg.Marker.MarkAll {
		return s.recorder.Points(), true
	}
	last, ok := s.recorder.Last()
	if !ok {
		return nil, true
	}
	return []trajectory.Point{last}, true
}

// DeliverFrame sends a rendered frame to the client unless a newer one was already sent
func (s *Session) DeliverFrame(frame []byte, timestamp int64) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if timestamp < s.lastFrameAt {
		s.mu.Unlock()
		return ErrStaleFrame
	}
	s.lastFrameAt = timestamp
	s.mu.Unlock()

	s.queueMessage(messages.NewFrameMessage(s.ID, frame))
	return nil
}

// FrameTopic returns the topic rendered frames for this session arrive on
func (s *Session) FrameTopic() string {
	return s.frameTopic
}

// Done is closed when the session closes
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// IsClosed reports whether Close has been called
func (s *Session) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close stops the pipeline and the write pump and closes the connection
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	close(s.closeChan)
	s.mu.Unlock()

	s.cancel()
	s.pipeline.Stop()

	if started {
		select {
		case <-s.pumpDone:
		case <-time.After(writeTimeout):
			s.logger.Warnf("Write pump did not exit in time")
		}
	}

	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
