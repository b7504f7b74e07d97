// Package pipeline batches camera poses and trajectory points and decides,
// once per tick, when a batch goes out to the rendering backend.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	customlog "github.com/open-teleop/motionctrl/pkg/log"
	"github.com/open-teleop/motionctrl/pkg/pose"
	"github.com/open-teleop/motionctrl/pkg/trajectory"
)

// Defaults used when Options leave a field zero.
const (
	DefaultInterval      = 100 * time.Millisecond
	DefaultHighWaterMark = 16
)

// ErrAlreadyRunning is returned by Start when the loop is active.
var ErrAlreadyRunning = errors.New("pipeline already running")

// Batch is one emission to the rendering backend.
type Batch struct {
	SessionID   string             `json:"roomid"`
	Sequence    uint64             `json:"seq"`
	Poses       []pose.Pose        `json:"camera_poses"`
	Trajectory  []trajectory.Point `json:"trajectory"`
	Instruction string             `json:"prompt,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Emitter delivers batches. Emit is called from the tick loop in order.
type Emitter interface {
	Emit(b *Batch) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(b *Batch) error

// Emit calls f(b).
func (f EmitterFunc) Emit(b *Batch) error {
	return f(b)
}

// Options configure a Pipeline.
type Options struct {
	SessionID       string
	Interval        time.Duration
	HighWaterMark   int
	TrackTrajectory bool
	// Instruction is read at flush time. May be nil.
	Instruction func() string
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Ticks           uint64 `json:"ticks"`
	SkippedTicks    uint64 `json:"skipped_ticks"`
	Batches         uint64 `json:"batches"`
	PosesEmitted    uint64 `json:"poses_emitted"`
	PointsEmitted   uint64 `json:"points_emitted"`
	EmitErrors      uint64 `json:"emit_errors"`
	QueueLength     int    `json:"queue_length"`
	TrajectoryLen   int    `json:"trajectory_length"`
	TrackTrajectory bool   `json:"track_trajectory"`
	Running         bool   `json:"running"`
}

// Pipeline owns the pose queue of one session and runs the emission gate.
type Pipeline struct {
	opts     Options
	sampler  *pose.Sampler
	recorder *trajectory.Recorder
	emitter  Emitter
	logger   customlog.Logger

	mu     sync.Mutex
	queue  []pose.Pose
	seeded bool // queue[0] is the continuity pose carried over from the last flush
	seq    uint64
	stats  Stats

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a pipeline sampling camera and flushing through emitter.
// recorder may be nil when trajectory tracking is off.
func New(opts Options, camera pose.CameraSource, recorder *trajectory.Recorder, emitter Emitter, logger customlog.Logger) *Pipeline {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.HighWaterMark <= 0 {
		opts.HighWaterMark = DefaultHighWaterMark
	}
	if opts.TrackTrajectory && recorder == nil {
		recorder = trajectory.NewRecorder(256, 256, 4)
	}
	if logger == nil {
		logger = customlog.NewNopLogger()
	}

	return &Pipeline{
		opts:     opts,
		sampler:  pose.NewSampler(camera),
		recorder: recorder,
		emitter:  emitter,
		logger:   logger,
	}
}

// TrackTrajectory reports whether trajectory points are part of the batches.
func (p *Pipeline) TrackTrajectory() bool {
	return p.opts.TrackTrajectory
}

// Recorder returns the trajectory recorder, or nil when tracking is off.
func (p *Pipeline) Recorder() *trajectory.Recorder {
	return p.recorder
}

// Tick runs one sampling step. It returns the batch emitted on this tick, if any.
func (p *Pipeline) Tick() *Batch {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.Ticks++

	current, changed, ok := p.sampler.Sample()
	if !ok {
		p.stats.SkippedTicks++
		return nil
	}

	var batch *Batch
	switch {
	case changed:
		if p.trajectoryFull() {
			batch = p.flushLocked()
			p.queue = []pose.Pose{current}
			p.seeded = false
		} else {
			p.queue = append(p.queue, current)
		}

	case len(p.queue) > 0:
		if !p.opts.TrackTrajectory {
			batch = p.flushLocked()
			p.queue = nil
			p.seeded = false
			break
		}
		if p.pendingChanges() > 1 || p.trajectoryFull() {
			batch = p.flushLocked()
		}
		// Either way the settled pose becomes the continuity seed; a single
		// stray change without a flush is dropped.
		p.queue = []pose.Pose{current}
		p.seeded = true
	}

	if batch != nil {
		p.emitLocked(batch)
	}
	return batch
}

// Record forwards a canvas coordinate to the trajectory recorder. It never flushes.
func (p *Pipeline) Record(x, y int) bool {
	if p.recorder == nil {
		return false
	}
	return p.recorder.Record(x, y)
}

func (p *Pipeline) trajectoryFull() bool {
	return p.opts.TrackTrajectory && p.recorder.Len() >= p.opts.HighWaterMark
}

func (p *Pipeline) pendingChanges() int {
	if p.seeded {
		return len(p.queue) - 1
	}
	return len(p.queue)
}

// flushLocked builds a batch from the current buffers. The caller resets the queue.
func (p *Pipeline) flushLocked() *Batch {
	p.seq++

	poses := make([]pose.Pose, len(p.queue))
	copy(poses, p.queue)

	points := []trajectory.Point{}
	if p.opts.TrackTrajectory {
		points = p.recorder.FlushMax(p.opts.HighWaterMark)
	}

	instruction := ""
	if p.opts.Instruction != nil {
		instruction = p.opts.Instruction()
	}

	return &Batch{
		SessionID:   p.opts.SessionID,
		Sequence:    p.seq,
		Poses:       poses,
		Trajectory:  points,
		Instruction: instruction,
		CreatedAt:   time.Now(),
	}
}

func (p *Pipeline) emitLocked(b *Batch) {
	p.stats.Batches++
	p.stats.PosesEmitted += uint64(len(b.Poses))
	p.stats.PointsEmitted += uint64(len(b.Trajectory))

	if p.emitter == nil {
		return
	}
	if err := p.emitter.Emit(b); err != nil {
		p.stats.EmitErrors++
		p.logger.Warnf("Batch %d dropped (%d poses, %d points): %v", b.Sequence, len(b.Poses), len(b.Trajectory), err)
		return
	}
	p.logger.Debugf("Batch %d emitted (%d poses, %d points)", b.Sequence, len(b.Poses), len(b.Trajectory))
}

// QueueLength returns the number of queued poses.
func (p *Pipeline) QueueLength() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	s := p.stats
	s.QueueLength = len(p.queue)
	p.mu.Unlock()

	if p.recorder != nil {
		s.TrajectoryLen = p.recorder.Len()
	}
	s.TrackTrajectory = p.opts.TrackTrajectory
	s.Running = p.Running()
	return s
}

// Run ticks at the configured interval until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick()
		}
	}
}

// Start runs the tick loop in a goroutine.
func (p *Pipeline) Start() error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if p.cancel != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done

	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	p.logger.Infof("Pipeline started (interval=%v, trajectory=%v)", p.opts.Interval, p.opts.TrackTrajectory)
	return nil
}

// Stop cancels the tick loop and waits for it to exit. Safe to call when stopped.
func (p *Pipeline) Stop() {
	p.runMu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.logger.Infof("Pipeline stopped")
}

// Running reports whether the tick loop is active.
func (p *Pipeline) Running() bool {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	return p.cancel != nil
}
