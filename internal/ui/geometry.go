package ui

import (
	"image/color"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"

	"LocalBoard/internal/state"
)

// curveSteps is how many line segments approximate one quadratic piece.
const curveSteps = 8

// sampleInterval is the minimum spacing between captured points.
const sampleInterval = 16 * time.Millisecond

var background = color.NRGBA{R: 255, G: 255, B: 255, A: 255}

// strokePath returns the polyline drawn for points. One point stays a single
// vertex (drawn as a dot) and two points a straight line. Longer strokes are
// smoothed with quadratic curves through the midpoints of consecutive
// samples, each point acting as the control of its curve.
func strokePath(points []state.Point) []fyne.Position {
	switch len(points) {
	case 0:
		return nil
	case 1, 2:
		out := make([]fyne.Position, len(points))
		for i, p := range points {
			out[i] = pos(p)
		}
		return out
	}

	out := []fyne.Position{pos(points[0])}
	from := pos(points[0])
	for i := 1; i < len(points)-1; i++ {
		ctrl := pos(points[i])
		to := midpoint(ctrl, pos(points[i+1]))
		for step := 1; step <= curveSteps; step++ {
			out = append(out, quad(from, ctrl, to, float32(step)/curveSteps))
		}
		from = to
	}
	return append(out, pos(points[len(points)-1]))
}

func pos(p state.Point) fyne.Position {
	return fyne.NewPos(float32(p.X), float32(p.Y))
}

func midpoint(a, b fyne.Position) fyne.Position {
	return fyne.NewPos((a.X+b.X)/2, (a.Y+b.Y)/2)
}

func quad(from, ctrl, to fyne.Position, t float32) fyne.Position {
	u := 1 - t
	return fyne.NewPos(
		u*u*from.X+2*u*t*ctrl.X+t*t*to.X,
		u*u*from.Y+2*u*t*ctrl.Y+t*t*to.Y,
	)
}

// strokeColor is the paint for s. Eraser strokes paint the background.
func strokeColor(s state.Stroke) color.Color {
	if s.Tool == state.ToolEraser {
		return background
	}
	r, g, b, _ := state.ParseColor(s.Color)
	return color.NRGBA{R: r, G: g, B: b, A: 255}
}

// strokeObjects builds the canvas objects for s, offset by origin.
func strokeObjects(s state.Stroke, origin fyne.Position) []fyne.CanvasObject {
	path := strokePath(s.Points)
	if len(path) == 0 {
		return nil
	}
	c := strokeColor(s)
	width := float32(s.Width)

	if len(path) == 1 {
		dot := canvas.NewCircle(c)
		dot.Resize(fyne.NewSize(width, width))
		dot.Move(path[0].Add(origin).SubtractXY(width/2, width/2))
		return []fyne.CanvasObject{dot}
	}

	objects := make([]fyne.CanvasObject, 0, len(path)-1)
	for i := 1; i < len(path); i++ {
		segment := canvas.NewLine(c)
		segment.StrokeWidth = width
		segment.Position1 = path[i-1].Add(origin)
		segment.Position2 = path[i].Add(origin)
		objects = append(objects, segment)
	}
	return objects
}

// sampler drops captured points closer in time than interval to the
// last accepted one.
type sampler struct {
	interval time.Duration
	last     time.Time
}

func (s *sampler) reset() {
	s.last = time.Time{}
}

func (s *sampler) accept(at time.Time) bool {
	if !s.last.IsZero() && at.Sub(s.last) < s.interval {
		return false
	}
	s.last = at
	return true
}
