package ui

import (
	"image/color"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/layout"
	"fyne.io/fyne/v2/theme"
	"fyne.io/fyne/v2/widget"

	"LocalBoard/internal/state"
)

// palette is the set of colors offered by the toolbar.
var palette = []string{"#000000", "#FF0000", "#00A000", "#0000FF", "#FFD700", "#8B4513"}

type colorSwatch struct {
	widget.BaseWidget
	Hex      string
	OnTapped func(hex string)
}

func newColorSwatch(hex string, tapped func(string)) *colorSwatch {
	s := &colorSwatch{Hex: hex, OnTapped: tapped}
	s.ExtendBaseWidget(s)
	return s
}

func (s *colorSwatch) CreateRenderer() fyne.WidgetRenderer {
	r, g, b, _ := state.ParseColor(s.Hex)
	rect := canvas.NewRectangle(color.NRGBA{R: r, G: g, B: b, A: 255})
	rect.SetMinSize(fyne.NewSize(28, 28))

	border := canvas.NewRectangle(color.Transparent)
	border.StrokeColor = color.Gray{Y: 150}
	border.StrokeWidth = 1

	return widget.NewSimpleRenderer(container.NewStack(rect, border))
}

func (s *colorSwatch) Tapped(_ *fyne.PointEvent) {
	if s.OnTapped != nil {
		s.OnTapped(s.Hex)
	}
}

// Actions are the board operations the toolbar triggers.
type Actions struct {
	Undo      func()
	Redo      func()
	ClearMine func()
	ClearAll  func()
	ExportPDF func()
}

// Toolbar holds the tool, color and width pickers and the history buttons.
type Toolbar struct {
	Content fyne.CanvasObject

	undo      *widget.Button
	redo      *widget.Button
	clearMine *widget.Button
}

// NewToolbar builds a toolbar driving board's pen and the given actions.
func NewToolbar(board *Board, actions Actions) *Toolbar {
	tools := widget.NewToolbar(
		widget.NewToolbarAction(theme.DocumentCreateIcon(), func() {
			p := board.Pen()
			p.Tool = state.ToolPen
			board.SetPen(p)
		}),
		widget.NewToolbarAction(theme.ContentClearIcon(), func() {
			p := board.Pen()
			p.Tool = state.ToolEraser
			board.SetPen(p)
		}),
	)

	onColorTapped := func(hex string) {
		p := board.Pen()
		p.Color = hex
		p.Tool = state.ToolPen
		board.SetPen(p)
	}
	colorBox := container.NewHBox()
	for _, hex := range palette {
		colorBox.Add(newColorSwatch(hex, onColorTapped))
	}

	widthSlider := widget.NewSlider(state.MinWidth, state.MaxWidth)
	widthSlider.Step = 1
	widthSlider.SetValue(float64(board.Pen().Width))
	widthSlider.OnChanged = func(val float64) {
		p := board.Pen()
		p.Width = int(val)
		board.SetPen(p)
	}
	sliderContainer := container.New(layout.NewGridWrapLayout(fyne.NewSize(150, 35)), widthSlider)

	t := &Toolbar{
		undo:      widget.NewButtonWithIcon("", theme.ContentUndoIcon(), actions.Undo),
		redo:      widget.NewButtonWithIcon("", theme.ContentRedoIcon(), actions.Redo),
		clearMine: widget.NewButton("Clear mine", actions.ClearMine),
	}
	clearAll := widget.NewButtonWithIcon("Clear all", theme.DeleteIcon(), actions.ClearAll)
	exportPDF := widget.NewButtonWithIcon("PDF", theme.DocumentSaveIcon(), actions.ExportPDF)
	t.SetState(state.UndoRedoState{})

	t.Content = container.NewHBox(
		widget.NewLabel("Tool:"),
		tools,
		widget.NewSeparator(),
		widget.NewLabel("Color:"),
		colorBox,
		widget.NewSeparator(),
		widget.NewLabel("Size:"),
		sliderContainer,
		widget.NewSeparator(),
		t.undo,
		t.redo,
		t.clearMine,
		clearAll,
		layout.NewSpacer(),
		exportPDF,
	)
	return t
}

// SetState enables the history buttons. It must run on the UI goroutine.
func (t *Toolbar) SetState(st state.UndoRedoState) {
	setEnabled(t.undo, st.CanUndo)
	setEnabled(t.redo, st.CanRedo)
	setEnabled(t.clearMine, st.HasMine)
}

func setEnabled(b *widget.Button, on bool) {
	if on {
		b.Enable()
	} else {
		b.Disable()
	}
}
