package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/open-teleop/motionctrl/pkg/config"
	customlog "github.com/open-teleop/motionctrl/pkg/log"
	"github.com/open-teleop/motionctrl/pkg/messages"
	"github.com/open-teleop/motionctrl/pkg/pipeline"
	"github.com/open-teleop/motionctrl/pkg/processing"
	"github.com/open-teleop/motionctrl/pkg/trajectory"
)

type fakeConn struct {
	mu       sync.Mutex
	written  []*messages.ServerMessage
	received chan *messages.ServerMessage
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{received: make(chan *messages.ServerMessage, 32)}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	msg := v.(*messages.ServerMessage)
	c.mu.Lock()
	c.written = append(c.written, msg)
	c.mu.Unlock()
	c.received <- msg
	return nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error { return nil }

func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) next(t *testing.T) *messages.ServerMessage {
	t.Helper()
	select {
	case msg := <-c.received:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for a client message")
		return nil
	}
}

type fakeTransport struct {
	mu          sync.Mutex
	batches     []*pipeline.Batch
	topics      []string
	events      []string
	err         error
	topicPrefix string
}

// SessionTopics mirrors the configured defaults unless topicPrefix is set,
// in which case it names topics the way the MQTT transport does.
func (f *fakeTransport) SessionTopics(sessionID string) (string, string) {
	if f.topicPrefix != "" {
		return f.topicPrefix + "/" + sessionID + "/batch", f.topicPrefix + "/" + sessionID + "/frame"
	}
	return "render.batch." + sessionID, "render.frame." + sessionID
}

func (f *fakeTransport) PublishBatch(topic string, batch *pipeline.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, batch)
	f.topics = append(f.topics, topic)
	return nil
}

func (f *fakeTransport) PublishSessionEvent(sessionID, event string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event+":"+sessionID)
	return nil
}

type staticConfig struct {
	cfg *config.Config
}

func (s staticConfig) GetCurrentConfig() *config.Config { return s.cfg }

type fakeFrames struct {
	jobs   []*processing.FrameJob
	accept bool
}

func (f *fakeFrames) ProcessMessage(job *processing.FrameJob) bool {
	if !f.accept {
		return false
	}
	f.jobs = append(f.jobs, job)
	return true
}

func newTestManager(cfg *config.Config) (*Manager, *fakeTransport, *processing.TopicRegistry) {
	transport := &fakeTransport{}
	topics := processing.NewTopicRegistry(customlog.NewNopLogger())
	m := NewManager(ManagerOptions{
		Configs:   staticConfig{cfg},
		Transport: transport,
		Topics:    topics,
		Logger:    customlog.NewNopLogger(),
	})
	return m, transport, topics
}

func identityAt(x float64) [16]float64 {
	return [16]float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, x, 0, 0, 1}
}

func TestSessionLifecycle(t *testing.T) {
	m, transport, topics := newTestManager(config.Default())
	conn := newFakeConn()

	s, err := m.CreateSession(context.Background(), conn, Options{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	greeting := conn.next(t)
	if greeting.Type != messages.TypeStatus || greeting.SessionID != s.ID {
		t.Errorf("Expected connected status, got %+v", greeting)
	}
	if ids := m.ListSessionIDs(); len(ids) != 1 || ids[0] != s.ID {
		t.Errorf("Expected [%s], got %v", s.ID, ids)
	}
	if _, ok := topics.GetTopicInfo("render.frame." + s.ID); !ok {
		t.Errorf("Expected frame topic to be registered")
	}

	if err := m.RemoveSession(context.Background(), s.ID); err != nil {
		t.Fatalf("RemoveSession failed: %v", err)
	}
	if !conn.isClosed() {
		t.Errorf("Expected connection to be closed")
	}
	if !s.IsClosed() {
		t.Errorf("Expected session to be closed")
	}
	if m.GetActiveSessionCount() != 0 {
		t.Errorf("Expected 0 sessions, got %d", m.GetActiveSessionCount())
	}
	if _, ok := topics.GetTopicInfo("render.batch." + s.ID); ok {
		t.Errorf("Expected session topics to be removed")
	}

	want := []string{EventSessionStarted + ":" + s.ID, EventSessionEnded + ":" + s.ID}
	if len(transport.events) != 2 || transport.events[0] != want[0] || transport.events[1] != want[1] {
		t.Errorf("Expected events %v, got %v", want, transport.events)
	}

	// removing twice is harmless
	if err := m.RemoveSession(context.Background(), s.ID); err != nil {
		t.Errorf("Expected no error on second remove, got %v", err)
	}
}

func TestMaxSessions(t *testing.T) {
	cfg := config.Default()
	cfg.Sessions.MaxSessions = 1
	m, _, _ := newTestManager(cfg)
	defer m.Shutdown(context.Background())

	if _, err := m.CreateSession(context.Background(), newFakeConn(), Options{}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := m.CreateSession(context.Background(), newFakeConn(), Options{}); !errors.Is(err, ErrMaxSessions) {
		t.Errorf("Expected ErrMaxSessions, got %v", err)
	}
}

func TestPointerRecording(t *testing.T) {
	m, _, _ := newTestManager(config.Default())
	defer m.Shutdown(context.Background())

	s, _ := m.CreateSession(context.Background(), newFakeConn(), Options{TrackTrajectory: true})

	if err := s.PointerMove(5, 5); err != nil {
		t.Fatalf("PointerMove failed: %v", err)
	}
	s.PointerDown(10.7, -3)
	s.PointerMove(10.2, 0.4)
	s.PointerMove(300, 20)
	s.PointerUp(300, 20)
	s.PointerMove(50, 50)
	s.PointerUp(60, 60)

	points := s.Pipeline().Recorder().Points()
	want := []trajectory.Point{{X: 40, Y: 0}, {X: 1020, Y: 80}}
	if len(points) != len(want) {
		t.Fatalf("Expected %v, got %v", want, points)
	}
	for i := range want {
		if points[i] != want[i] {
			t.Errorf("Point %d: expected %v, got %v", i, want[i], points[i])
		}
	}

	s.PointerDown(10, 10)
	s.PointerUp(20, 20)
	s.PointerMove(30, 30)
	points = s.Pipeline().Recorder().Points()
	if n := len(points); n != 4 || points[n-2] != (trajectory.Point{X: 40, Y: 40}) || points[n-1] != (trajectory.Point{X: 80, Y: 80}) {
		t.Errorf("Expected stroke to end at the release point, got %v", points)
	}

	s.PointerDown(5, 5)
	s.EndStroke()
	s.PointerMove(6, 6)
	if n := len(s.Pipeline().Recorder().Points()); n != 5 {
		t.Errorf("Expected EndStroke to record nothing, got %d points", n)
	}

	plain, _ := m.CreateSession(context.Background(), newFakeConn(), Options{})
	if err := plain.PointerDown(1, 1); !errors.Is(err, ErrTrajectoryDisabled) {
		t.Errorf("Expected ErrTrajectoryDisabled, got %v", err)
	}
	if err := plain.LoadTrajectoryPreset([]trajectory.Point{{X: 1, Y: 1}}); !errors.Is(err, ErrTrajectoryDisabled) {
		t.Errorf("Expected ErrTrajectoryDisabled, got %v", err)
	}
}

func TestLoadTrajectoryPresetReplacesPoints(t *testing.T) {
	m, _, _ := newTestManager(config.Default())
	defer m.Shutdown(context.Background())

	s, _ := m.CreateSession(context.Background(), newFakeConn(), Options{TrackTrajectory: true})
	s.PointerDown(1, 1)

	preset := []trajectory.Point{{X: 100, Y: 100}, {X: 104, Y: 100}, {X: 104, Y: 100}}
	if err := s.LoadTrajectoryPreset(preset); err != nil {
		t.Fatalf("LoadTrajectoryPreset failed: %v", err)
	}
	points := s.Pipeline().Recorder().Points()
	if len(points) != 2 || points[0] != preset[0] || points[1] != preset[1] {
		t.Errorf("Expected deduplicated preset, got %v", points)
	}
}

func TestKeyframes(t *testing.T) {
	m, _, _ := newTestManager(config.Default())
	defer m.Shutdown(context.Background())

	s, _ := m.CreateSession(context.Background(), newFakeConn(), Options{})

	if _, err := s.CaptureKeyframe(); !errors.Is(err, ErrNoCamera) {
		t.Errorf("Expected ErrNoCamera, got %v", err)
	}

	s.UpdateCamera(identityAt(1))
	s.CaptureKeyframe()
	s.UpdateCamera(identityAt(2))
	frames, err := s.CaptureKeyframe()
	if err != nil {
		t.Fatalf("CaptureKeyframe failed: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("Expected 2 keyframes, got %d", len(frames))
	}
	if frames[1].Translation()[0] != 2 {
		t.Errorf("Expected second keyframe at x=2, got %v", frames[1].Translation())
	}

	s.ClearKeyframes()
	if len(s.Keyframes()) != 0 {
		t.Errorf("Expected keyframes to be cleared")
	}
}

func TestPipelineEmitsThroughTransport(t *testing.T) {
	m, transport, topics := newTestManager(config.Default())
	defer m.Shutdown(context.Background())

	s, _ := m.CreateSession(context.Background(), newFakeConn(), Options{})
	s.SetInstruction("orbit left")

	s.UpdateCamera(identityAt(1))
	s.Pipeline().Tick()
	s.UpdateCamera(identityAt(2))
	s.Pipeline().Tick()
	batch := s.Pipeline().Tick()

	if batch == nil {
		t.Fatalf("Expected a batch once the camera settled")
	}
	if len(transport.batches) != 1 {
		t.Fatalf("Expected 1 published batch, got %d", len(transport.batches))
	}
	got := transport.batches[0]
	if got.SessionID != s.ID || got.Sequence != 1 || len(got.Poses) != 2 || got.Instruction != "orbit left" {
		t.Errorf("Unexpected batch %+v", got)
	}

	info, ok := topics.GetTopicInfo("render.batch." + s.ID)
	if !ok || info.StatCount != 1 || info.Size != 2 {
		t.Errorf("Expected batch topic stats (1, 2), got %+v", info)
	}
}

func TestTransportNamesSessionTopics(t *testing.T) {
	transport := &fakeTransport{topicPrefix: "motionctrl"}
	topics := processing.NewTopicRegistry(customlog.NewNopLogger())
	m := NewManager(ManagerOptions{
		Configs:   staticConfig{config.Default()},
		Transport: transport,
		Topics:    topics,
		Logger:    customlog.NewNopLogger(),
	})
	defer m.Shutdown(context.Background())

	s, _ := m.CreateSession(context.Background(), newFakeConn(), Options{})
	batchTopic := "motionctrl/" + s.ID + "/batch"
	frameTopic := "motionctrl/" + s.ID + "/frame"

	if s.FrameTopic() != frameTopic {
		t.Errorf("Expected frame topic %s, got %s", frameTopic, s.FrameTopic())
	}

	s.UpdateCamera(identityAt(1))
	s.Pipeline().Tick()
	s.Pipeline().Tick()
	if len(transport.topics) != 1 || transport.topics[0] != batchTopic {
		t.Fatalf("Expected one batch on %s, got %v", batchTopic, transport.topics)
	}

	if err := m.HandleReply(s.ID, []byte("img"), 5); err != nil {
		t.Fatalf("HandleReply failed: %v", err)
	}

	stats := topics.GetTopicStats()
	for _, topic := range []string{batchTopic, frameTopic} {
		if _, ok := stats[topic]; !ok {
			t.Errorf("Expected stats under %s, got %v", topic, stats)
		}
	}
	for _, topic := range []string{"render.batch." + s.ID, "render.frame." + s.ID} {
		if _, ok := stats[topic]; ok {
			t.Errorf("Expected no stats under unused topic %s", topic)
		}
	}
}

func TestChannelSkipsStatsOnError(t *testing.T) {
	topics := processing.NewTopicRegistry(customlog.NewNopLogger())
	transport := &fakeTransport{err: errors.New("down")}
	channel := NewChannel("abc", "render.batch.abc", transport, topics)

	if err := channel.Emit(&pipeline.Batch{SessionID: "abc"}); err == nil {
		t.Errorf("Expected emit error")
	}
	info, _ := topics.GetTopicInfo("render.batch.abc")
	if info.StatCount != 0 {
		t.Errorf("Expected no stats for a failed emit, got %d", info.StatCount)
	}
}

func TestDeliverFrame(t *testing.T) {
	m, _, _ := newTestManager(config.Default())
	defer m.Shutdown(context.Background())

	conn := newFakeConn()
	s, _ := m.CreateSession(context.Background(), conn, Options{})
	conn.next(t) // greeting

	if err := m.DeliverFrame(s.ID, []byte("new"), 200); err != nil {
		t.Fatalf("DeliverFrame failed: %v", err)
	}
	if err := m.DeliverFrame(s.ID, []byte("old"), 100); !errors.Is(err, ErrStaleFrame) {
		t.Errorf("Expected ErrStaleFrame, got %v", err)
	}
	if err := m.DeliverFrame("nobody", []byte("x"), 300); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}

	msg := conn.next(t)
	payload, ok := msg.Payload.(messages.FramePayload)
	if msg.Type != messages.TypeFrame || !ok || payload.B64Img != "bmV3" {
		t.Errorf("Expected frame message with base64 'new', got %+v", msg)
	}
}

func TestHandleReply(t *testing.T) {
	m, _, topics := newTestManager(config.Default())
	defer m.Shutdown(context.Background())

	conn := newFakeConn()
	s, _ := m.CreateSession(context.Background(), conn, Options{})
	conn.next(t)

	if err := m.HandleReply("nobody", []byte("x"), 1); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}

	// without a frame queue replies go straight to the client
	if err := m.HandleReply(s.ID, []byte("raw"), 10); err != nil {
		t.Fatalf("HandleReply failed: %v", err)
	}
	if msg := conn.next(t); msg.Type != messages.TypeFrame {
		t.Errorf("Expected frame, got %s", msg.Type)
	}

	frames := &fakeFrames{accept: true}
	m.SetFrameQueue(frames)
	if err := m.HandleReply(s.ID, []byte("queued"), 20); err != nil {
		t.Fatalf("HandleReply failed: %v", err)
	}
	if len(frames.jobs) != 1 || frames.jobs[0].Topic != "render.frame."+s.ID || frames.jobs[0].ReceivedAt != 20 {
		t.Errorf("Unexpected queued jobs %+v", frames.jobs)
	}

	frames.accept = false
	if err := m.HandleReply(s.ID, []byte("full"), 30); !errors.Is(err, ErrFrameDropped) {
		t.Errorf("Expected ErrFrameDropped, got %v", err)
	}

	info, _ := topics.GetTopicInfo("render.frame." + s.ID)
	if info.StatCount != 3 || info.Size != int64(len("raw")+len("queued")+len("full")) {
		t.Errorf("Unexpected frame topic stats %+v", info)
	}
}

func TestMarkerPoints(t *testing.T) {
	cfg := config.Default()
	m, _, _ := newTestManager(cfg)
	defer m.Shutdown(context.Background())

	plain, _ := m.CreateSession(context.Background(), newFakeConn(), Options{})
	if _, ok := m.MarkerPoints(plain.ID); ok {
		t.Errorf("Expected no markers for a session without trajectory")
	}
	if _, ok := m.MarkerPoints("nobody"); ok {
		t.Errorf("Expected no markers for an unknown session")
	}

	s, _ := m.CreateSession(context.Background(), newFakeConn(), Options{TrackTrajectory: true})
	if points, ok := m.MarkerPoints(s.ID); !ok || len(points) != 0 {
		t.Errorf("Expected empty markers before drawing, got %v (%v)", points, ok)
	}

	s.PointerDown(1, 1)
	s.PointerMove(2, 2)
	points, _ := m.MarkerPoints(s.ID)
	if len(points) != 1 || points[0] != (trajectory.Point{X: 8, Y: 8}) {
		t.Errorf("Expected last point only, got %v", points)
	}

	cfg.Marker.MarkAll = true
	points, _ = m.MarkerPoints(s.ID)
	if len(points) != 2 {
		t.Errorf("Expected all points, got %v", points)
	}
}

func TestCleanupInactiveSessions(t *testing.T) {
	cfg := config.Default()
	cfg.Sessions.IdleTimeoutS = 60
	m, transport, _ := newTestManager(cfg)

	idle, _ := m.CreateSession(context.Background(), newFakeConn(), Options{})
	active, _ := m.CreateSession(context.Background(), newFakeConn(), Options{})

	idle.mu.Lock()
	idle.lastActivity = time.Now().Add(-2 * time.Minute)
	idle.mu.Unlock()

	if removed := m.CleanupInactiveSessions(context.Background()); removed != 1 {
		t.Errorf("Expected 1 removed session, got %d", removed)
	}
	if _, ok := m.GetSession(idle.ID); ok {
		t.Errorf("Expected idle session to be removed")
	}
	if _, ok := m.GetSession(active.ID); !ok {
		t.Errorf("Expected active session to remain")
	}

	m.Shutdown(context.Background())
	if m.GetActiveSessionCount() != 0 {
		t.Errorf("Expected no sessions after shutdown")
	}
	if len(transport.events) != 4 {
		t.Errorf("Expected 4 lifecycle events, got %v", transport.events)
	}
}

func TestStats(t *testing.T) {
	m, _, _ := newTestManager(config.Default())
	defer m.Shutdown(context.Background())

	s, _ := m.CreateSession(context.Background(), newFakeConn(), Options{TrackTrajectory: true})
	s.UpdateCamera(identityAt(0))
	s.CaptureKeyframe()

	stats := m.Stats()
	if len(stats) != 1 {
		t.Fatalf("Expected 1 session, got %d", len(stats))
	}
	if stats[0].ID != s.ID || !stats[0].TrackTrajectory || stats[0].Keyframes != 1 || stats[0].Pipeline.Running {
		t.Errorf("Unexpected stats %+v", stats[0])
	}
}
