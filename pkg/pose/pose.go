// Package pose reduces live camera transforms to fixed-size records and
// detects when the camera moved between two samples.
package pose

import (
	"math"
	"sync"
)

// Size is the number of elements in a Pose.
const Size = 12

// Pose is the upper 3x4 block of a column-major 4x4 camera matrix, with the
// fourth element of each of the first three columns replaced by the
// translation. The rendering backend reshapes it row-major into 3x4.
type Pose [Size]float64

// FromMatrix extracts a Pose from the 16 column-major elements of a 4x4 transform.
func FromMatrix(elements [16]float64) Pose {
	var p Pose
	copy(p[:], elements[:Size])
	p[3] = elements[12]
	p[7] = elements[13]
	p[11] = elements[14]
	return p
}

// Equal reports whether every element matches bit for bit. There is no
// tolerance, so sub-ulp drift still counts as movement.
func (p Pose) Equal(o Pose) bool {
	for i := range p {
		if math.Float64bits(p[i]) != math.Float64bits(o[i]) {
			return false
		}
	}
	return true
}

// Rows returns the pose the way the backend reads it: three rows of four.
func (p Pose) Rows() [3][4]float64 {
	var rows [3][4]float64
	for r := 0; r < 3; r++ {
		copy(rows[r][:], p[r*4:r*4+4])
	}
	return rows
}

// Translation returns the camera position carried in the record.
func (p Pose) Translation() [3]float64 {
	return [3]float64{p[3], p[7], p[11]}
}

// CameraSource exposes the live camera transform. ok is false while no camera
// is available.
type CameraSource interface {
	Transform() (elements [16]float64, ok bool)
}

// Sampler reads a CameraSource and reports changes relative to the last
// observed sample.
type Sampler struct {
	source  CameraSource
	last    Pose
	hasLast bool
}

// NewSampler creates a Sampler reading from source.
func NewSampler(source CameraSource) *Sampler {
	return &Sampler{source: source}
}

// Sample reads the current pose. changed compares against the previous
// observed sample, which is then replaced. The first sample is always a
// change. When the source is unavailable ok is false and nothing is recorded.
func (s *Sampler) Sample() (p Pose, changed bool, ok bool) {
	elements, ok := s.source.Transform()
	if !ok {
		return Pose{}, false, false
	}

	p = FromMatrix(elements)
	changed = !s.hasLast || !p.Equal(s.last)
	s.last = p
	s.hasLast = true
	return p, changed, true
}

// Last returns the most recently observed pose.
func (s *Sampler) Last() (Pose, bool) {
	return s.last, s.hasLast
}

// Camera is a CameraSource holding the latest transform pushed by a client.
// It is safe for concurrent use.
type Camera struct {
	mu       sync.RWMutex
	elements [16]float64
	set      bool
}

// Set replaces the current transform.
func (c *Camera) Set(elements [16]float64) {
	c.mu.Lock()
	c.elements = elements
	c.set = true
	c.mu.Unlock()
}

// Transform implements CameraSource.
func (c *Camera) Transform() ([16]float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.elements, c.set
}
