package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	"golang.org/x/image/vector"

	"github.com/open-teleop/motionctrl/pkg/config"
	"github.com/open-teleop/motionctrl/pkg/trajectory"
)

// ErrEmptyFrame is returned for zero-length frames.
var ErrEmptyFrame = errors.New("empty frame")

var (
	currentMarkerColor = color.RGBA{R: 255, A: 255}
	pastMarkerColor    = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// circleKappa approximates a quarter circle with one cubic Bezier segment.
const circleKappa = 0.5523

// Annotator draws trajectory markers on rendered frames.
type Annotator struct {
	// InternalWidth and InternalHeight are the trajectory coordinate space.
	InternalWidth  int
	InternalHeight int
	// Radius of a marker in frame pixels.
	Radius int
	// Quality of the re-encoded JPEG.
	Quality int
	// When ResizeToCanvas is set, frames are rescaled to CanvasWidth x CanvasHeight first.
	ResizeToCanvas bool
	CanvasWidth    int
	CanvasHeight   int
}

// NewAnnotator creates an annotator for the given internal resolution.
func NewAnnotator(internalWidth, internalHeight, radius int) *Annotator {
	return &Annotator{
		InternalWidth:  internalWidth,
		InternalHeight: internalHeight,
		Radius:         radius,
		Quality:        90,
	}
}

// NewAnnotatorFromConfig sizes an annotator from the operational config
func NewAnnotatorFromConfig(cfg *config.Config) *Annotator {
	internalW, internalH := cfg.InternalSize()
	a := NewAnnotator(internalW, internalH, cfg.Marker.Radius)
	a.ResizeToCanvas = cfg.Marker.ResizeToCanvas
	a.CanvasWidth = cfg.Canvas.Width
	a.CanvasHeight = cfg.Canvas.Height
	return a
}

// Annotate decodes frame, marks points on it and returns a JPEG. The last
// point is drawn red, earlier ones white.
func (a *Annotator) Annotate(frame []byte, points []trajectory.Point) ([]byte, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}

	src, format, err := image.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	dst := a.canvasFor(src)
	w, h := dst.Bounds().Dx(), dst.Bounds().Dy()

	for i, p := range points {
		c := pastMarkerColor
		if i == len(points)-1 {
			c = currentMarkerColor
		}
		x := float32(p.X) * float32(w) / float32(a.InternalWidth)
		y := float32(p.Y) * float32(h) / float32(a.InternalHeight)
		a.drawMarker(dst, x, y, c)
	}

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: a.Quality}); err != nil {
		return nil, fmt.Errorf("failed to encode %s frame as jpeg: %w", format, err)
	}
	return out.Bytes(), nil
}

func (a *Annotator) canvasFor(src image.Image) *image.RGBA {
	sb := src.Bounds()
	if a.ResizeToCanvas && a.CanvasWidth > 0 && a.CanvasHeight > 0 &&
		(sb.Dx() != a.CanvasWidth || sb.Dy() != a.CanvasHeight) {
		dst := image.NewRGBA(image.Rect(0, 0, a.CanvasWidth, a.CanvasHeight))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, sb, draw.Src, nil)
		return dst
	}

	dst := image.NewRGBA(image.Rect(0, 0, sb.Dx(), sb.Dy()))
	draw.Draw(dst, dst.Bounds(), src, sb.Min, draw.Src)
	return dst
}

func (a *Annotator) drawMarker(dst *image.RGBA, cx, cy float32, c color.Color) {
	b := dst.Bounds()
	r := float32(a.Radius)
	k := r * circleKappa

	z := vector.NewRasterizer(b.Dx(), b.Dy())
	z.DrawOp = draw.Over
	z.MoveTo(cx+r, cy)
	z.CubeTo(cx+r, cy+k, cx+k, cy+r, cx, cy+r)
	z.CubeTo(cx-k, cy+r, cx-r, cy+k, cx-r, cy)
	z.CubeTo(cx-r, cy-k, cx-k, cy-r, cx, cy-r)
	z.CubeTo(cx+k, cy-r, cx+r, cy-k, cx+r, cy)
	z.ClosePath()
	z.Draw(dst, b, image.NewUniform(c), image.Point{})
}
