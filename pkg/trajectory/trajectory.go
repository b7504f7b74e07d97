// Package trajectory records freehand pointer strokes at the internal
// resolution used by the rendering backend.
package trajectory

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Point is a pixel in internal (scaled) coordinates. It encodes as [x, y].
type Point struct {
	X int
	Y int
}

// MarshalJSON encodes the point as a two element array.
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{p.X, p.Y})
}

// UnmarshalJSON decodes a two element array.
func (p *Point) UnmarshalJSON(data []byte) error {
	var xy []int
	if err := json.Unmarshal(data, &xy); err != nil {
		return err
	}
	if len(xy) != 2 {
		return fmt.Errorf("trajectory point must have 2 coordinates, got %d", len(xy))
	}
	p.X, p.Y = xy[0], xy[1]
	return nil
}

// Recorder accumulates points without adjacent duplicates. Appends and
// flushes may come from different goroutines.
type Recorder struct {
	mu     sync.Mutex
	points []Point
	scale  int
	center Point
}

// NewRecorder creates a recorder for a canvas of the given size. Canvas
// coordinates are multiplied by scale.
func NewRecorder(canvasWidth, canvasHeight, scale int) *Recorder {
	return &Recorder{
		scale:  scale,
		center: Point{X: canvasWidth * scale / 2, Y: canvasHeight * scale / 2},
	}
}

// Record scales a canvas coordinate and appends it. It returns false when
// the point repeats the last one.
func (r *Recorder) Record(x, y int) bool {
	return r.RecordInternal(Point{X: x * r.scale, Y: y * r.scale})
}

// RecordInternal appends a point that is already in internal coordinates.
func (r *Recorder) RecordInternal(p Point) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.points); n > 0 && r.points[n-1] == p {
		return false
	}
	r.points = append(r.points, p)
	return true
}

// Len returns the number of buffered points.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.points)
}

// Last returns the most recent point.
func (r *Recorder) Last() (Point, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.points) == 0 {
		return Point{}, false
	}
	return r.points[len(r.points)-1], true
}

// Points returns a copy of the buffer.
func (r *Recorder) Points() []Point {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Point, len(r.points))
	copy(out, r.points)
	return out
}

// Flush hands out the buffered points and keeps only the last one, so the
// next batch starts where this one ended. An empty buffer yields the canvas
// center as a single anchor.
func (r *Recorder) Flush() []Point {
	return r.FlushMax(0)
}

// FlushMax is Flush with at most limit points per call. Points past the limit
// stay buffered behind the last handed-out point. A limit below 2 means no cap.
func (r *Recorder) FlushMax(limit int) []Point {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.points) == 0 {
		r.points = []Point{r.center}
	}

	out := r.points
	if limit >= 2 && len(out) > limit {
		out = append([]Point(nil), r.points[:limit]...)
		r.points = append([]Point(nil), r.points[limit-1:]...)
		return out
	}
	r.points = []Point{out[len(out)-1]}
	return out
}

// Replace swaps the buffer for points in one step, dropping adjacent
// duplicates the same way Record does.
func (r *Recorder) Replace(points []Point) {
	buf := make([]Point, 0, len(points))
	for _, p := range points {
		if n := len(buf); n > 0 && buf[n-1] == p {
			continue
		}
		buf = append(buf, p)
	}

	r.mu.Lock()
	r.points = buf
	r.mu.Unlock()
}

// Reset drops every point, including the continuity point.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.points = nil
	r.mu.Unlock()
}

// Center returns the anchor used for empty flushes.
func (r *Recorder) Center() Point {
	return r.center
}
