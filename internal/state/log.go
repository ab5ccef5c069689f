package state

import (
	"errors"
	"sync"
)

var (
	ErrNothingToUndo   = errors.New("nothing to undo")
	ErrNothingToRedo   = errors.New("nothing to redo")
	ErrDuplicateStroke = errors.New("stroke already in log")
	ErrStrokeNotFound  = errors.New("stroke not found")
)

// Log is the authoritative, ordered stroke timeline with one global redo
// stack. It has no notion of authorship for undo: UndoLast undoes the most
// recent stroke whoever drew it. A stroke lives in at most one of the
// sequence and the redo stack.
//
// Log is safe for concurrent use; every mutation runs under one lock.
type Log struct {
	mu      sync.RWMutex
	strokes []Stroke
	redo    []Stroke
}

func NewLog() *Log {
	return &Log{}
}

// Append validates s and adds it to the end of the sequence, clearing the
// redo stack. Nothing is mutated when validation or the size check fails.
func (l *Log) Append(s Stroke) error {
	if err := Validate(s); err != nil {
		return err
	}
	if err := CheckSize(s); err != nil {
		return err
	}
	s = s.Clone()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.indexOf(s.ID) >= 0 {
		return ErrDuplicateStroke
	}
	l.strokes = append(l.strokes, s)
	l.redo = nil
	return nil
}

// UndoLast moves the tail of the sequence onto the redo stack.
func (l *Log) UndoLast() (Stroke, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.strokes)
	if n == 0 {
		return Stroke{}, ErrNothingToUndo
	}
	s := l.strokes[n-1]
	l.strokes = l.strokes[:n-1:n-1]
	l.redo = append(l.redo, s)
	return s.Clone(), nil
}

// RedoLast moves the top of the redo stack back onto the sequence tail.
func (l *Log) RedoLast() (Stroke, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.redo)
	if n == 0 {
		return Stroke{}, ErrNothingToRedo
	}
	s := l.redo[n-1]
	l.redo = l.redo[:n-1:n-1]
	l.strokes = append(l.strokes, s)
	return s.Clone(), nil
}

// ClearAll empties the sequence and the redo stack.
func (l *Log) ClearAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.strokes = nil
	l.redo = nil
}

// ClearByClient removes every stroke authored by clientID, keeping the
// relative order of the rest, and returns the removed strokes in order.
// The redo stack is left alone, so RedoLast can still bring back a stroke
// removed here.
func (l *Log) ClearByClient(clientID string) []Stroke {
	l.mu.Lock()
	defer l.mu.Unlock()
	var removed []Stroke
	kept := make([]Stroke, 0, len(l.strokes))
	for _, s := range l.strokes {
		if s.ClientID == clientID {
			removed = append(removed, s)
			continue
		}
		kept = append(kept, s)
	}
	l.strokes = kept
	return removed
}

// Withdraw removes the stroke with the given id from the sequence. Used by
// client-scoped undo; the global redo stack is not touched.
func (l *Log) Withdraw(id string) (Stroke, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.indexOf(id)
	if i < 0 {
		return Stroke{}, ErrStrokeNotFound
	}
	s := l.strokes[i]
	l.strokes = append(l.strokes[:i:i], l.strokes[i+1:]...)
	return s, nil
}

// Restore re-appends s for client-scoped redo. It is a no-op when s is
// already in the sequence, and s is taken off the redo stack if it sits
// there. Unlike Append it does not clear the redo stack.
func (l *Log) Restore(s Stroke) error {
	if err := Validate(s); err != nil {
		return err
	}
	if err := CheckSize(s); err != nil {
		return err
	}
	s = s.Clone()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.indexOf(s.ID) >= 0 {
		return nil
	}
	for i := range l.redo {
		if l.redo[i].ID == s.ID {
			l.redo = append(l.redo[:i:i], l.redo[i+1:]...)
			break
		}
	}
	l.strokes = append(l.strokes, s)
	return nil
}

// List returns a snapshot of the sequence.
func (l *Log) List() []Stroke {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Stroke, len(l.strokes))
	for i, s := range l.strokes {
		out[i] = s.Clone()
	}
	return out
}

func (l *Log) Contains(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.indexOf(id) >= 0
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.strokes)
}

// State reports undo and redo availability from one consistent snapshot.
func (l *Log) State() (canUndo, canRedo bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.strokes) > 0, len(l.redo) > 0
}

func (l *Log) CanUndo() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.strokes) > 0
}

func (l *Log) CanRedo() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.redo) > 0
}

func (l *Log) indexOf(id string) int {
	for i := range l.strokes {
		if l.strokes[i].ID == id {
			return i
		}
	}
	return -1
}
