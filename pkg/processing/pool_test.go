package processing

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/open-teleop/motionctrl/pkg/config"
	customlog "github.com/open-teleop/motionctrl/pkg/log"
	"github.com/open-teleop/motionctrl/pkg/trajectory"
)

type fakeMarkers struct {
	points map[string][]trajectory.Point
}

func (f *fakeMarkers) MarkerPoints(sessionID string) ([]trajectory.Point, bool) {
	p, ok := f.points[sessionID]
	return p, ok
}

type fakeAnnotator struct {
	calls int
}

func (f *fakeAnnotator) Annotate(frame []byte, points []trajectory.Point) ([]byte, error) {
	f.calls++
	if string(frame) == "broken" {
		return nil, errors.New("cannot decode")
	}
	return append([]byte("marked:"), frame...), nil
}

type fakeSink struct {
	mu     sync.Mutex
	frames map[string][]byte
	done   chan struct{}
}

func (s *fakeSink) DeliverFrame(sessionID string, frame []byte, timestamp int64) error {
	s.mu.Lock()
	s.frames[sessionID] = frame
	s.mu.Unlock()
	s.done <- struct{}{}
	return nil
}

func TestFrameProcessor(t *testing.T) {
	annotator := &fakeAnnotator{}
	markers := &fakeMarkers{points: map[string][]trajectory.Point{"traj": {{X: 1, Y: 2}}}}
	p := NewFrameProcessor(customlog.NewNopLogger(), markers, annotator)

	out, err := p.ProcessMessage(&FrameJob{SessionID: "traj", Image: []byte("jpeg")})
	if err != nil || string(out) != "marked:jpeg" {
		t.Errorf("Expected annotated frame, got %q (%v)", out, err)
	}

	out, err = p.ProcessMessage(&FrameJob{SessionID: "poses-only", Image: []byte("jpeg")})
	if err != nil || string(out) != "jpeg" {
		t.Errorf("Expected passthrough frame, got %q (%v)", out, err)
	}
	if annotator.calls != 1 {
		t.Errorf("Expected 1 annotation, got %d", annotator.calls)
	}

	if _, err := p.ProcessMessage(&FrameJob{SessionID: "traj"}); err == nil {
		t.Errorf("Expected error for an empty frame")
	}
	if _, err := p.ProcessMessage(&FrameJob{SessionID: "traj", Image: []byte("broken")}); err == nil {
		t.Errorf("Expected annotation error to propagate")
	}
}

func TestProcessingPoolDeliversFrames(t *testing.T) {
	logger := customlog.NewNopLogger()
	sink := &fakeSink{frames: make(map[string][]byte), done: make(chan struct{}, 4)}
	markers := &fakeMarkers{points: map[string][]trajectory.Point{"a": {{X: 1, Y: 1}}}}

	pool := NewProcessingPool("frames", 2, 4, logger)
	pool.SetProcessor(NewFrameProcessor(logger, markers, &fakeAnnotator{}).ProcessMessage)
	pool.SetResultHandler(NewDeliveryResultHandler(logger, sink).CreateHandlerFunc())

	if pool.ProcessMessage(&FrameJob{SessionID: "a", Image: []byte("x")}) {
		t.Errorf("Expected frames to be rejected before Start")
	}

	pool.Start()
	pool.ProcessMessage(&FrameJob{SessionID: "a", Image: []byte("one")})
	pool.ProcessMessage(&FrameJob{SessionID: "b", Image: []byte("two")})

	for i := 0; i < 2; i++ {
		select {
		case <-sink.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out waiting for frame delivery")
		}
	}
	pool.Stop()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if string(sink.frames["a"]) != "marked:one" {
		t.Errorf("Expected marked frame for session a, got %q", sink.frames["a"])
	}
	if string(sink.frames["b"]) != "two" {
		t.Errorf("Expected raw frame for session b, got %q", sink.frames["b"])
	}

	metrics := pool.GetMetrics()
	if metrics.ProcessedCount != 2 || metrics.QueuedCount != 2 {
		t.Errorf("Expected 2 queued and processed, got queued=%d processed=%d", metrics.QueuedCount, metrics.ProcessedCount)
	}
	if pool.ProcessMessage(&FrameJob{SessionID: "a", Image: []byte("late")}) {
		t.Errorf("Expected frames to be rejected after Stop")
	}
}

func TestProcessingPoolDropsWhenFull(t *testing.T) {
	pool := NewProcessingPool("frames", 1, 1, customlog.NewNopLogger())
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	pool.SetProcessor(func(job *FrameJob) ([]byte, error) {
		started <- struct{}{}
		<-block
		return job.Image, nil
	})
	pool.Start()

	pool.ProcessMessage(&FrameJob{SessionID: "a", Image: []byte("1")})
	<-started
	if !pool.ProcessMessage(&FrameJob{SessionID: "a", Image: []byte("2")}) {
		t.Errorf("Expected second frame to fit in the queue")
	}
	if pool.ProcessMessage(&FrameJob{SessionID: "a", Image: []byte("3")}) {
		t.Errorf("Expected third frame to be dropped")
	}

	close(block)
	pool.Stop()

	if got := pool.GetMetrics().DroppedCount; got != 1 {
		t.Errorf("Expected 1 dropped frame, got %d", got)
	}
}

func TestTopicRegistry(t *testing.T) {
	r := NewTopicRegistry(customlog.NewNopLogger())
	r.LoadFromConfig(config.Default())

	r.Register("render.batch.s1", "s1", DirectionOutbound)
	r.UpdateTopicStats("render.batch.s1", 10, 100)
	r.UpdateTopicStats("render.batch.s1", 20, 50)
	r.UpdateTopicStats("render.frame.s1", 30, 7)

	info, ok := r.GetTopicInfo("render.batch.s1")
	if !ok {
		t.Fatalf("Expected topic render.batch.s1 to be registered")
	}
	if info.StatCount != 2 || info.Size != 150 || info.LastSeen != 20 {
		t.Errorf("Expected count 2, size 150, last 20, got %+v", info)
	}

	topics := r.GetAllTopics()
	if len(topics) != 4 {
		t.Errorf("Expected 4 topics, got %v", topics)
	}

	r.RemoveSession("s1")
	if _, ok := r.GetTopicInfo("render.batch.s1"); ok {
		t.Errorf("Expected session topic to be removed")
	}
	// unregistered topics have no owning session and stay
	if _, ok := r.GetTopicInfo("render.frame.s1"); !ok {
		t.Errorf("Expected topic without owner to remain")
	}
	if _, ok := r.GetTopicStats()["session.events"]; !ok {
		t.Errorf("Expected static session.events topic in stats")
	}
}
