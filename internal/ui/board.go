package ui

import (
	"sync"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/driver/desktop"
	"fyne.io/fyne/v2/widget"

	"LocalBoard/internal/state"
)

// Pen is the styling applied to the next captured stroke.
type Pen struct {
	Color string
	Width int
	Tool  state.Tool
}

var defaultPen = Pen{Color: "#000000", Width: 3, Tool: state.ToolPen}

// Board is the drawing surface. It captures pointer input into strokes and
// paints whatever view the replica hands it; it implements state.Renderer.
// Right-button drags pan the view.
type Board struct {
	widget.BaseWidget

	// OnStroke receives every finished capture, in board coordinates.
	OnStroke func(s state.Stroke)

	mu       sync.Mutex
	view     []state.Stroke
	pen      Pen
	current  []state.Point
	drawing  bool
	panning  bool
	pan      fyne.Position
	samples  sampler
	clientID string
	now      func() time.Time
}

var (
	_ fyne.Widget       = (*Board)(nil)
	_ fyne.Draggable    = (*Board)(nil)
	_ desktop.Mouseable = (*Board)(nil)
	_ state.Renderer    = (*Board)(nil)
)

func NewBoard() *Board {
	b := &Board{
		pen:     defaultPen,
		samples: sampler{interval: sampleInterval},
		now:     time.Now,
	}
	b.ExtendBaseWidget(b)
	return b
}

// SetClientID sets the author recorded on captured strokes.
func (b *Board) SetClientID(id string) {
	b.mu.Lock()
	b.clientID = id
	b.mu.Unlock()
}

func (b *Board) SetPen(p Pen) {
	b.mu.Lock()
	b.pen = p
	b.mu.Unlock()
}

func (b *Board) Pen() Pen {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pen
}

// DrawStroke adds s on top of the current view.
func (b *Board) DrawStroke(s state.Stroke) {
	b.mu.Lock()
	b.view = append(b.view, s)
	b.mu.Unlock()
	fyne.Do(b.Refresh)
}

// Redraw replaces the current view.
func (b *Board) Redraw(view []state.Stroke) {
	b.mu.Lock()
	b.view = append([]state.Stroke(nil), view...)
	b.mu.Unlock()
	fyne.Do(b.Refresh)
}

// ResetView scrolls back to the origin.
func (b *Board) ResetView() {
	b.mu.Lock()
	b.pan = fyne.Position{}
	b.mu.Unlock()
	b.Refresh()
}

func (b *Board) MouseDown(e *desktop.MouseEvent) {
	switch e.Button {
	case desktop.MouseButtonPrimary:
		b.mu.Lock()
		b.drawing = true
		b.samples.reset()
		b.current = nil
		b.capture(e.Position)
		b.mu.Unlock()
		b.Refresh()
	case desktop.MouseButtonSecondary:
		b.mu.Lock()
		b.panning = true
		b.mu.Unlock()
	}
}

func (b *Board) MouseUp(e *desktop.MouseEvent) {
	switch e.Button {
	case desktop.MouseButtonPrimary:
		b.finish()
	case desktop.MouseButtonSecondary:
		b.mu.Lock()
		b.panning = false
		b.mu.Unlock()
	}
}

func (b *Board) Dragged(e *fyne.DragEvent) {
	b.mu.Lock()
	switch {
	case b.drawing:
		b.capture(e.Position)
	case b.panning:
		b.pan = b.pan.AddXY(e.Dragged.DX, e.Dragged.DY)
	default:
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.Refresh()
}

func (b *Board) DragEnd() {
	b.finish()
}

func (b *Board) MouseIn(*desktop.MouseEvent)    {}
func (b *Board) MouseOut()                      {}
func (b *Board) MouseMoved(*desktop.MouseEvent) {}

func (b *Board) Scrolled(e *fyne.ScrollEvent) {
	b.mu.Lock()
	b.pan = b.pan.AddXY(e.Scrolled.DX, e.Scrolled.DY)
	b.mu.Unlock()
	b.Refresh()
}

// capture records a sample at the given widget position. Caller holds mu.
func (b *Board) capture(at fyne.Position) {
	now := b.now()
	if !b.samples.accept(now) {
		return
	}
	p := at.Subtract(b.pan)
	b.current = append(b.current, state.Point{X: float64(p.X), Y: float64(p.Y), T: now.UnixMilli()})
}

// finish ends the capture in progress and hands it to OnStroke.
func (b *Board) finish() {
	b.mu.Lock()
	if !b.drawing {
		b.mu.Unlock()
		return
	}
	b.drawing = false
	points := b.current
	b.current = nil
	pen, clientID := b.pen, b.clientID
	b.mu.Unlock()
	b.Refresh()

	if len(points) == 0 || b.OnStroke == nil {
		return
	}
	b.OnStroke(state.NewStroke(clientID, pen.Color, pen.Width, pen.Tool, points))
}

func (b *Board) CreateRenderer() fyne.WidgetRenderer {
	r := &boardRenderer{board: b}
	r.background = canvas.NewRectangle(background)
	return r
}

type boardRenderer struct {
	board      *Board
	background *canvas.Rectangle
}

func (r *boardRenderer) Objects() []fyne.CanvasObject {
	b := r.board
	b.mu.Lock()
	view := b.view
	pan := b.pan
	var preview *state.Stroke
	if b.drawing && len(b.current) > 0 {
		s := state.Stroke{Color: b.pen.Color, Width: b.pen.Width, Tool: b.pen.Tool, Points: b.current}
		preview = &s
	}
	b.mu.Unlock()

	objects := []fyne.CanvasObject{r.background}
	for _, s := range view {
		objects = append(objects, strokeObjects(s, pan)...)
	}
	if preview != nil {
		objects = append(objects, strokeObjects(*preview, pan)...)
	}
	return objects
}

func (r *boardRenderer) Refresh() {
	canvas.Refresh(r.board)
}

func (r *boardRenderer) Layout(size fyne.Size) {
	r.background.Resize(size)
}

func (r *boardRenderer) MinSize() fyne.Size {
	return fyne.NewSize(300, 300)
}

func (r *boardRenderer) Destroy() {}
