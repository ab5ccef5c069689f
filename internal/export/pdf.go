// Package export renders a stroke list to PDF.
package export

import (
	"fmt"
	"io"
	"math"

	"github.com/jung-kurt/gofpdf"

	"LocalBoard/internal/state"
)

const (
	pageMargin = 10.0 // mm
	// padding around the drawing, in canvas pixels
	boundsPadding = 10.0
)

// Bounds is the axis-aligned box covering a set of strokes, including
// half of each stroke's width.
type Bounds struct {
	MinX, MinY, MaxX, MaxY float64
}

func (b Bounds) Width() float64  { return b.MaxX - b.MinX }
func (b Bounds) Height() float64 { return b.MaxY - b.MinY }

// StrokeBounds returns the box covering strokes. ok is false when there
// are no points at all.
func StrokeBounds(strokes []state.Stroke) (b Bounds, ok bool) {
	b = Bounds{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
	for _, s := range strokes {
		half := float64(s.Width) / 2
		for _, p := range s.Points {
			b.MinX = math.Min(b.MinX, p.X-half)
			b.MinY = math.Min(b.MinY, p.Y-half)
			b.MaxX = math.Max(b.MaxX, p.X+half)
			b.MaxY = math.Max(b.MaxY, p.Y+half)
			ok = true
		}
	}
	if !ok {
		return Bounds{}, false
	}
	b.MinX -= boundsPadding
	b.MinY -= boundsPadding
	b.MaxX += boundsPadding
	b.MaxY += boundsPadding
	return b, true
}

// WritePDF draws strokes in order on one landscape A4 page scaled to fit.
// Eraser strokes are painted white.
func WritePDF(w io.Writer, strokes []state.Stroke) error {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetTitle("LocalBoard", true)
	pdf.AddPage()
	pdf.SetLineCapStyle("round")
	pdf.SetLineJoinStyle("round")

	pageW, pageH := pdf.GetPageSize()
	if b, ok := StrokeBounds(strokes); ok {
		scale := math.Min((pageW-2*pageMargin)/b.Width(), (pageH-2*pageMargin)/b.Height())
		tx := func(x float64) float64 { return pageMargin + (x-b.MinX)*scale }
		ty := func(y float64) float64 { return pageMargin + (y-b.MinY)*scale }
		for _, s := range strokes {
			drawStroke(pdf, s, scale, tx, ty)
		}
	}
	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("failed to write pdf: %w", err)
	}
	return nil
}

func drawStroke(pdf *gofpdf.Fpdf, s state.Stroke, scale float64, tx, ty func(float64) float64) {
	r, g, b := 255, 255, 255
	if s.Tool != state.ToolEraser {
		cr, cg, cb, _ := state.ParseColor(s.Color)
		r, g, b = int(cr), int(cg), int(cb)
	}
	pdf.SetDrawColor(r, g, b)
	pdf.SetFillColor(r, g, b)
	pdf.SetLineWidth(float64(s.Width) * scale)

	pts := s.Points
	switch len(pts) {
	case 0:
		return
	case 1:
		pdf.Circle(tx(pts[0].X), ty(pts[0].Y), float64(s.Width)*scale/2, "F")
		return
	case 2:
		pdf.Line(tx(pts[0].X), ty(pts[0].Y), tx(pts[1].X), ty(pts[1].Y))
		return
	}
	// Same midpoint smoothing as the on-screen renderer.
	pdf.MoveTo(tx(pts[0].X), ty(pts[0].Y))
	for i := 1; i < len(pts)-1; i++ {
		mx, my := (pts[i].X+pts[i+1].X)/2, (pts[i].Y+pts[i+1].Y)/2
		pdf.CurveTo(tx(pts[i].X), ty(pts[i].Y), tx(mx), ty(my))
	}
	last, prev := pts[len(pts)-1], pts[len(pts)-2]
	pdf.CurveTo(tx(prev.X), ty(prev.Y), tx(last.X), ty(last.Y))
	pdf.DrawPath("D")
}
