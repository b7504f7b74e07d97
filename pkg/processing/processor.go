package processing

import (
	"fmt"

	customlog "github.com/open-teleop/motionctrl/pkg/log"
	"github.com/open-teleop/motionctrl/pkg/trajectory"
)

// MarkerSource returns the points to mark on a session's next frame.
// ok is false when the session does not track trajectories or is unknown.
type MarkerSource interface {
	MarkerPoints(sessionID string) (points []trajectory.Point, ok bool)
}

// FrameAnnotator draws markers onto an encoded frame.
type FrameAnnotator interface {
	Annotate(frame []byte, points []trajectory.Point) ([]byte, error)
}

// FrameProcessor marks trajectory points on frames for sessions that track them.
type FrameProcessor struct {
	logger    customlog.Logger
	markers   MarkerSource
	annotator FrameAnnotator
}

// NewFrameProcessor creates a new frame processor
func NewFrameProcessor(logger customlog.Logger, markers MarkerSource, annotator FrameAnnotator) *FrameProcessor {
	return &FrameProcessor{
		logger:    logger,
		markers:   markers,
		annotator: annotator,
	}
}

// ProcessMessage returns the frame to display. Frames for sessions without
// trajectory tracking pass through unchanged.
func (p *FrameProcessor) ProcessMessage(job *FrameJob) ([]byte, error) {
	if len(job.Image) == 0 {
		return nil, fmt.Errorf("empty frame for session '%s'", job.SessionID)
	}

	points, ok := p.markers.MarkerPoints(job.SessionID)
	if !ok || len(points) == 0 {
		return job.Image, nil
	}

	annotated, err := p.annotator.Annotate(job.Image, points)
	if err != nil {
		return nil, fmt.Errorf("failed to annotate frame for session '%s': %w", job.SessionID, err)
	}

	p.logger.Debugf("Annotated frame for session %s with %d markers (%d -> %d bytes)",
		job.SessionID, len(points), len(job.Image), len(annotated))
	return annotated, nil
}
