// Package ui is the fyne desktop client: a drawing board bound to a
// state.Replica, with a toolbar and a status line.
package ui

import (
	"errors"
	"fmt"
	"log/slog"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/driver/desktop"
	"fyne.io/fyne/v2/widget"

	"LocalBoard/internal/export"
	"LocalBoard/internal/state"
)

// Window is one client window. Board doubles as the replica's renderer, so
// create the window first, build the replica against it, then Bind.
type Window struct {
	Board *Board

	app     fyne.App
	win     fyne.Window
	toolbar *Toolbar
	status  *widget.Label
	replica *state.Replica
	logger  *slog.Logger
}

func NewWindow(title string, logger *slog.Logger) *Window {
	if logger == nil {
		logger = slog.Default()
	}
	a := app.New()
	w := &Window{
		Board:  NewBoard(),
		app:    a,
		win:    a.NewWindow(title),
		status: widget.NewLabel("Connecting..."),
		logger: logger.With("component", "ui"),
	}
	w.win.Resize(fyne.NewSize(1024, 768))
	return w
}

// Bind connects the board and toolbar to r and lays out the window.
func (w *Window) Bind(r *state.Replica) {
	w.replica = r
	w.Board.SetClientID(r.ClientID())
	w.Board.OnStroke = func(s state.Stroke) {
		if _, err := r.CommitStroke(s); err != nil {
			w.logger.Warn("dropping invalid stroke", "err", err)
			w.SetStatus("Stroke rejected: " + err.Error())
		}
	}

	w.toolbar = NewToolbar(w.Board, Actions{
		Undo:      w.undo,
		Redo:      w.redo,
		ClearMine: func() { _ = r.ClearMine() },
		ClearAll: func() {
			dialog.ShowConfirm("Clear board", "Remove every stroke for everyone?", func(ok bool) {
				if ok {
					r.ClearAll()
				}
			}, w.win)
		},
		ExportPDF: w.exportPDF,
	})
	w.toolbar.SetState(r.State())

	w.win.Canvas().AddShortcut(&desktop.CustomShortcut{KeyName: fyne.KeyZ, Modifier: fyne.KeyModifierShortcutDefault}, func(fyne.Shortcut) {
		w.undo()
	})
	w.win.Canvas().AddShortcut(&desktop.CustomShortcut{KeyName: fyne.KeyZ, Modifier: fyne.KeyModifierShortcutDefault | fyne.KeyModifierShift}, func(fyne.Shortcut) {
		w.redo()
	})

	w.win.SetContent(container.NewBorder(w.toolbar.Content, w.status, nil, nil, w.Board))
}

// SetState updates the toolbar from any goroutine.
func (w *Window) SetState(st state.UndoRedoState) {
	fyne.Do(func() {
		if w.toolbar != nil {
			w.toolbar.SetState(st)
		}
	})
}

// SetStatus replaces the status line from any goroutine.
func (w *Window) SetStatus(text string) {
	fyne.Do(func() {
		w.status.SetText(text)
	})
}

// ShowAndRun blocks until the window is closed.
func (w *Window) ShowAndRun() {
	w.win.ShowAndRun()
}

// Close closes the window from any goroutine, ending ShowAndRun.
func (w *Window) Close() {
	fyne.Do(w.win.Close)
}

func (w *Window) undo() {
	if err := w.replica.Undo(); errors.Is(err, state.ErrNothingToUndo) {
		w.SetStatus("Nothing to undo")
	}
}

func (w *Window) redo() {
	if err := w.replica.Redo(); errors.Is(err, state.ErrNothingToRedo) {
		w.SetStatus("Nothing to redo")
	}
}

func (w *Window) exportPDF() {
	view := w.replica.View()
	dialog.ShowFileSave(func(writer fyne.URIWriteCloser, err error) {
		if err != nil {
			dialog.ShowError(err, w.win)
			return
		}
		if writer == nil {
			return
		}
		defer writer.Close()
		if err := export.WritePDF(writer, view); err != nil {
			w.logger.Error("export failed", "err", err)
			dialog.ShowError(err, w.win)
			return
		}
		w.SetStatus(fmt.Sprintf("Exported %d strokes to %s", len(view), writer.URI().Name()))
	}, w.win)
}
