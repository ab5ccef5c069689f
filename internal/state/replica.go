package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Status is where a stroke stands from one client's point of view. A
// stroke with no recorded status is Unknown.
type Status int

const (
	Unknown Status = iota
	Rendered
	Undone
	Removed
)

func (s Status) String() string {
	switch s {
	case Rendered:
		return "rendered"
	case Undone:
		return "undone"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Renderer turns strokes into pixels. The replica calls it with its lock
// held, so implementations must not call back into the replica.
type Renderer interface {
	// DrawStroke paints s on top of what is already visible.
	DrawStroke(s Stroke)
	// Redraw repaints the board from scratch with view in order.
	Redraw(view []Stroke)
}

// Remote is the server side of the protocol as a client sees it.
// Implementations report a rejected stroke with *ValidationError or
// *PayloadTooLargeError, a stroke the log already holds with
// ErrDuplicateStroke, and an id the log no longer holds with
// ErrStrokeNotFound.
type Remote interface {
	SubmitStroke(ctx context.Context, s Stroke) error
	UndoStroke(ctx context.Context, strokeID string) error
	RedoStroke(ctx context.Context, s Stroke) error
	ClearAll(ctx context.Context) error
	ClearByClient(ctx context.Context, clientID string) ([]string, error)
	ListStrokes(ctx context.Context) ([]Stroke, error)
}

// UndoRedoState is what a client needs to enable its undo/redo controls.
type UndoRedoState struct {
	CanUndo bool `json:"canUndo"`
	CanRedo bool `json:"canRedo"`
	// HasMine reports whether any visible stroke was drawn by this client.
	HasMine bool `json:"hasMine"`
}

// action is one entry on a local undo or redo stack: a single stroke, or
// the batch removed together by ClearMine.
type action struct {
	id      uint64
	batch   bool
	strokes []Stroke
}

func (a action) has(strokeID string) bool {
	for _, s := range a.strokes {
		if s.ID == strokeID {
			return true
		}
	}
	return false
}

type ReplicaConfig struct {
	// ClientID identifies this session's strokes. Generated when empty.
	ClientID string
	Remote   Remote
	Renderer Renderer
	Logger   *slog.Logger
	// OnStateChange, when set, is called with the replica lock held after
	// every change to the local stacks or the view.
	OnStateChange func(UndoRedoState)
}

// Replica is one client's view of the board. It merges strokes drawn
// locally, rendered before the server has seen them, with the event stream
// from the fan-out, and keeps an undo/redo history limited to this
// client's own strokes.
//
// Every event handler is idempotent and safe under reordering: a stroke is
// drawn at most once (the drawn-set is the set of Rendered ids), and an
// undo seen before its stroke leaves a tombstone so the late stroke is not
// drawn.
type Replica struct {
	clientID string
	remote   Remote
	renderer Renderer
	logger   *slog.Logger
	onChange func(UndoRedoState)

	ctx    context.Context
	cancel context.CancelFunc
	out    *outbox

	mu        sync.Mutex
	view      []Stroke
	status    map[string]Status
	confirmed map[string]bool // the server is known to hold or have held the stroke
	pending   map[string]bool // submitted, no answer yet
	undo      []action
	redo      []action
	nextID    uint64
	seq       seqTracker
	resync    bool
	resyncC   chan struct{}
}

func NewReplica(cfg ReplicaConfig) *Replica {
	if cfg.ClientID == "" {
		cfg.ClientID = NewClientID()
	}
	if cfg.Renderer == nil {
		cfg.Renderer = nopRenderer{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Replica{
		clientID:  cfg.ClientID,
		remote:    cfg.Remote,
		renderer:  cfg.Renderer,
		logger:    logger.With("component", "replica", "client", cfg.ClientID),
		onChange:  cfg.OnStateChange,
		ctx:       ctx,
		cancel:    cancel,
		out:       newOutbox(ctx),
		status:    make(map[string]Status),
		confirmed: make(map[string]bool),
		pending:   make(map[string]bool),
		resyncC:   make(chan struct{}, 1),
	}
}

func (r *Replica) ClientID() string { return r.clientID }

// Close abandons queued requests and waits for the outbox to drain.
func (r *Replica) Close() {
	r.cancel()
	r.out.close()
}

// Flush waits until every request queued so far has been answered.
func (r *Replica) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !r.out.push(func(context.Context) { close(done) }) {
		return errors.New("replica closed")
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// View returns the strokes currently visible, in drawing order.
func (r *Replica) View() []Stroke {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stroke, len(r.view))
	copy(out, r.view)
	return out
}

// Status reports where the stroke with the given id stands.
func (r *Replica) Status(strokeID string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status[strokeID]
}

// Drawn reports whether the stroke is in the drawn-set.
func (r *Replica) Drawn(strokeID string) bool {
	return r.Status(strokeID) == Rendered
}

func (r *Replica) State() UndoRedoState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked()
}

// NeedsResync reports whether the replica may have diverged from the log,
// after a sequence gap or a failed request. Bootstrap clears it.
func (r *Replica) NeedsResync() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resync
}

// ResyncNeeded delivers a value whenever the replica becomes marked for
// resync, so a caller can re-run Bootstrap without waiting for the next
// event to arrive.
func (r *Replica) ResyncNeeded() <-chan struct{} {
	return r.resyncC
}

// ResetSequence forgets the last event number seen. Call it when a new
// fan-out connection is opened.
func (r *Replica) ResetSequence() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq.reset()
}

// CommitStroke finishes a locally captured stroke: it is shaped for
// transport, drawn immediately, pushed on the local undo stack and queued
// for submission. If the server never accepts it, it is taken back off
// the board. The shaped stroke is returned.
func (r *Replica) CommitStroke(raw Stroke) (Stroke, error) {
	if raw.ClientID == "" {
		raw.ClientID = r.clientID
	}
	s := Shape(raw)
	if err := Validate(s); err != nil {
		return Stroke{}, err
	}

	r.mu.Lock()
	if r.status[s.ID] == Rendered {
		r.mu.Unlock()
		return s, nil
	}
	r.show(s)
	r.pending[s.ID] = true
	if s.ClientID == r.clientID {
		r.pushUndo(r.newAction(false, s))
		r.redo = nil
	}
	r.changed()
	r.mu.Unlock()

	r.enqueue(func(ctx context.Context) {
		r.submitted(s, r.remote.SubmitStroke(ctx, s))
	})
	return s, nil
}

func (r *Replica) submitted(s Stroke, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, s.ID)
	if err == nil || errors.Is(err, ErrDuplicateStroke) {
		r.confirmed[s.ID] = true
		return
	}
	if outcomeUnknown(err) {
		r.markResync()
	}
	if r.confirmed[s.ID] {
		r.logger.Warn("stroke submission failed after the server echoed it, keeping it", "stroke", s.ID, "err", err)
		return
	}
	r.logger.Warn("stroke submission failed, rolling back", "stroke", s.ID, "err", err)
	if r.status[s.ID] == Rendered {
		r.hide([]string{s.ID}, Unknown)
	}
	delete(r.status, s.ID)
	r.undo = dropStroke(r.undo, s.ID)
	r.redo = dropStroke(r.redo, s.ID)
	r.changed()
}

// Undo reverts this client's most recent action. A single stroke is taken
// off the board and withdrawn from the log; a ClearMine batch is drawn
// again and resubmitted stroke by stroke.
func (r *Replica) Undo() error {
	r.mu.Lock()
	if len(r.undo) == 0 {
		r.mu.Unlock()
		return ErrNothingToUndo
	}
	a := r.undo[len(r.undo)-1]
	r.undo = r.undo[:len(r.undo)-1]
	r.redo = append(r.redo, a)

	if !a.batch {
		s := a.strokes[0]
		r.hide([]string{s.ID}, Undone)
		r.changed()
		r.mu.Unlock()
		r.enqueue(func(ctx context.Context) {
			r.undoAnswered(a, r.remote.UndoStroke(ctx, s.ID))
		})
		return nil
	}

	for _, s := range a.strokes {
		if r.status[s.ID] != Rendered {
			r.show(s)
		}
	}
	r.changed()
	r.mu.Unlock()
	for _, s := range a.strokes {
		r.enqueue(func(ctx context.Context) {
			if err := r.remote.SubmitStroke(ctx, s); err != nil && !errors.Is(err, ErrDuplicateStroke) {
				r.requestFailed("restore stroke", err)
			}
		})
	}
	return nil
}

func (r *Replica) undoAnswered(a action, err error) {
	if err == nil || errors.Is(err, ErrStrokeNotFound) || errors.Is(err, ErrNothingToUndo) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.Warn("undo failed, restoring stroke", "stroke", a.strokes[0].ID, "err", err)
	if outcomeUnknown(err) {
		r.markResync()
	}
	s := a.strokes[0]
	if r.status[s.ID] == Undone {
		r.show(s)
	}
	r.redo = dropAction(r.redo, a.id)
	r.pushUndo(a)
	r.changed()
}

// Redo reapplies the action most recently undone by Undo.
func (r *Replica) Redo() error {
	r.mu.Lock()
	if len(r.redo) == 0 {
		r.mu.Unlock()
		return ErrNothingToRedo
	}
	a := r.redo[len(r.redo)-1]
	r.redo = r.redo[:len(r.redo)-1]
	r.undo = append(r.undo, a)

	if !a.batch {
		s := a.strokes[0]
		if r.status[s.ID] != Rendered {
			r.show(s)
		}
		r.changed()
		r.mu.Unlock()
		r.enqueue(func(ctx context.Context) {
			r.redoAnswered(a, r.remote.RedoStroke(ctx, s))
		})
		return nil
	}

	r.hide(actionIDs(a), Removed)
	r.changed()
	r.mu.Unlock()
	r.enqueue(func(ctx context.Context) {
		if _, err := r.remote.ClearByClient(ctx, r.clientID); err != nil {
			r.batchFailed(a, err, true)
		}
	})
	return nil
}

func (r *Replica) redoAnswered(a action, err error) {
	if err == nil || errors.Is(err, ErrDuplicateStroke) {
		r.mu.Lock()
		r.confirmed[a.strokes[0].ID] = true
		r.mu.Unlock()
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.Warn("redo failed, removing stroke again", "stroke", a.strokes[0].ID, "err", err)
	if outcomeUnknown(err) {
		r.markResync()
	}
	s := a.strokes[0]
	if r.status[s.ID] == Rendered {
		r.hide([]string{s.ID}, Undone)
	}
	r.undo = dropAction(r.undo, a.id)
	r.redo = append(r.redo, a)
	r.changed()
}

// ClearMine removes every visible stroke drawn by this client as one
// undoable action and asks the server to drop them from the log.
func (r *Replica) ClearMine() error {
	r.mu.Lock()
	var mine []Stroke
	for _, s := range r.view {
		if s.ClientID == r.clientID {
			mine = append(mine, s)
		}
	}
	if len(mine) == 0 {
		r.mu.Unlock()
		return nil
	}
	a := r.newAction(true, mine...)
	r.hide(actionIDs(a), Removed)
	r.pushUndo(a)
	r.redo = nil
	r.changed()
	r.mu.Unlock()

	r.enqueue(func(ctx context.Context) {
		if _, err := r.remote.ClearByClient(ctx, r.clientID); err != nil {
			r.batchFailed(a, err, false)
		}
	})
	return nil
}

// batchFailed puts back the strokes of a batch whose removal the server
// did not perform. When redone is false the batch came from ClearMine and
// is dropped from the undo stack; otherwise it returns to the redo stack.
func (r *Replica) batchFailed(a action, err error, redone bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.Warn("clear of own strokes failed, restoring them", "strokes", len(a.strokes), "err", err)
	if outcomeUnknown(err) {
		r.markResync()
	}
	for _, s := range a.strokes {
		if r.status[s.ID] == Removed {
			r.show(s)
		}
	}
	r.undo = dropAction(r.undo, a.id)
	if redone {
		r.redo = append(r.redo, a)
	}
	r.changed()
}

// ClearAll wipes the board for everyone.
func (r *Replica) ClearAll() {
	r.mu.Lock()
	r.reset()
	r.changed()
	r.mu.Unlock()
	r.enqueue(func(ctx context.Context) {
		if err := r.remote.ClearAll(ctx); err != nil {
			r.requestFailed("clear board", err)
		}
	})
}

func (r *Replica) requestFailed(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.Warn("request failed, board will be resynchronized", "op", op, "err", err)
	r.markResync()
}

// markResync flags the replica as diverged and wakes whoever waits on
// ResyncNeeded. Caller holds mu.
func (r *Replica) markResync() {
	r.resync = true
	select {
	case r.resyncC <- struct{}{}:
	default:
	}
}

// ApplyEnvelope applies one frame from the fan-out. A frame numbered at or
// below the last one seen is a redelivery and is dropped. A jump in the
// sequence number marks the replica for resync; the event is applied
// regardless.
func (r *Replica) ApplyEnvelope(env Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seq.seen(env.Seq) {
		r.logger.Debug("redelivered event dropped", "seq", env.Seq)
		return
	}
	if r.seq.observe(env.Seq) {
		r.logger.Info("event sequence gap", "seq", env.Seq)
		r.markResync()
	}
	r.apply(env.Event)
	r.changed()
}

// ApplyEvent applies one broadcast event.
func (r *Replica) ApplyEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apply(ev)
	r.changed()
}

func (r *Replica) apply(ev Event) {
	switch e := ev.(type) {
	case StrokeEvent:
		r.applyStroke(e.Stroke)
	case UndoEvent:
		r.applyUndo(e.StrokeID)
	case RedoEvent:
		r.applyRedo(e.Stroke)
	case ClearEvent:
		r.reset()
	case ClearClientEvent:
		r.applyClearClient(e.StrokeIDs)
	default:
		r.logger.Warn("ignoring unknown event", "type", fmt.Sprintf("%T", ev))
	}
}

func (r *Replica) applyStroke(s Stroke) {
	r.confirmed[s.ID] = true
	switch r.status[s.ID] {
	case Rendered:
		r.logger.Debug("duplicate stroke suppressed", "stroke", s.ID)
		return
	case Undone:
		// Late echo of a stroke undone since; a redo event brings it back.
		return
	}
	r.show(s)
	if s.ClientID == r.clientID && !tracked(r.undo, s.ID) && !tracked(r.redo, s.ID) {
		r.pushUndo(r.newAction(false, s))
		r.redo = nil
	}
}

func (r *Replica) applyUndo(strokeID string) {
	switch r.status[strokeID] {
	case Rendered:
		s, _ := r.find(strokeID)
		r.hide([]string{strokeID}, Undone)
		if s.ClientID == r.clientID {
			r.undo = dropSingle(r.undo, strokeID)
			if !tracked(r.redo, strokeID) {
				r.redo = append(r.redo, r.newAction(false, s))
			}
		}
	case Unknown:
		r.status[strokeID] = Undone
	}
}

func (r *Replica) applyRedo(s Stroke) {
	r.confirmed[s.ID] = true
	if r.status[s.ID] == Rendered {
		return
	}
	r.show(s)
	if s.ClientID == r.clientID {
		r.redo = dropSingle(r.redo, s.ID)
		if !tracked(r.undo, s.ID) {
			r.pushUndo(r.newAction(false, s))
		}
	}
}

func (r *Replica) applyClearClient(ids []string) {
	var gone []string
	for _, id := range ids {
		switch r.status[id] {
		case Rendered:
			gone = append(gone, id)
		case Unknown:
			r.status[id] = Removed
		}
	}
	if len(gone) > 0 {
		r.hide(gone, Removed)
	}
}

// Bootstrap fetches the authoritative stroke list and merges it with what
// is on the board. Strokes still waiting for the server stay; strokes the
// server is known to have held but no longer lists are dropped. The local
// undo stack is rebuilt from this client's strokes in log order, so only
// redo history can be lost.
func (r *Replica) Bootstrap(ctx context.Context) error {
	list, err := r.remote.ListStrokes(ctx)
	if err != nil {
		return fmt.Errorf("fetch strokes: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	listed := make(map[string]bool, len(list))
	view := make([]Stroke, 0, len(list))
	for _, s := range list {
		if listed[s.ID] {
			continue
		}
		listed[s.ID] = true
		view = append(view, s)
	}
	var local []Stroke
	for _, s := range r.view {
		if !listed[s.ID] && r.pending[s.ID] && !r.confirmed[s.ID] {
			local = append(local, s)
		}
	}
	view = append(view, local...)

	// Tombstones are only kept for our own strokes still in flight; the
	// list covers everything else.
	status := make(map[string]Status, len(view))
	for id, st := range r.status {
		if st == Undone && !listed[id] && r.pending[id] {
			status[id] = Undone
		}
	}
	for _, s := range view {
		status[s.ID] = Rendered
	}
	confirmed := make(map[string]bool, len(listed))
	for id := range listed {
		confirmed[id] = true
	}
	for id := range r.pending {
		if r.confirmed[id] {
			confirmed[id] = true
		}
	}

	var undo []action
	for _, s := range view {
		if s.ClientID == r.clientID {
			undo = append(undo, r.newAction(false, s))
		}
	}
	var redo []action
	for _, a := range r.redo {
		keep := true
		for _, s := range a.strokes {
			if status[s.ID] == Rendered {
				keep = false
				break
			}
		}
		if keep {
			redo = append(redo, a)
		}
	}

	r.view = view
	r.status = status
	r.confirmed = confirmed
	r.undo = undo
	r.redo = redo
	r.resync = false
	select {
	case <-r.resyncC:
	default:
	}
	r.renderer.Redraw(r.viewCopy())
	r.changed()
	r.logger.Info("bootstrapped", "strokes", len(list), "pending", len(local))
	return nil
}

func (r *Replica) enqueue(task func(context.Context)) {
	if !r.out.push(task) {
		r.logger.Warn("replica closed, dropping request")
	}
}

// show adds s to the view and draws it. Caller holds mu.
func (r *Replica) show(s Stroke) {
	r.view = append(r.view, s)
	r.status[s.ID] = Rendered
	r.renderer.DrawStroke(s)
}

// hide removes ids from the view with one redraw and records status for
// each. Unknown forgets the ids entirely. Caller holds mu.
func (r *Replica) hide(ids []string, status Status) {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
		if status == Unknown {
			delete(r.status, id)
		} else {
			r.status[id] = status
		}
	}
	kept := r.view[:0:0]
	for _, s := range r.view {
		if !drop[s.ID] {
			kept = append(kept, s)
		}
	}
	r.view = kept
	r.renderer.Redraw(r.viewCopy())
}

func (r *Replica) reset() {
	r.view = nil
	r.status = make(map[string]Status)
	r.confirmed = make(map[string]bool)
	r.undo = nil
	r.redo = nil
	r.renderer.Redraw(nil)
}

func (r *Replica) find(id string) (Stroke, bool) {
	for _, s := range r.view {
		if s.ID == id {
			return s, true
		}
	}
	return Stroke{}, false
}

func (r *Replica) viewCopy() []Stroke {
	out := make([]Stroke, len(r.view))
	copy(out, r.view)
	return out
}

func (r *Replica) newAction(batch bool, strokes ...Stroke) action {
	r.nextID++
	return action{id: r.nextID, batch: batch, strokes: strokes}
}

func (r *Replica) pushUndo(a action) {
	r.undo = append(r.undo, a)
}

func (r *Replica) stateLocked() UndoRedoState {
	st := UndoRedoState{CanUndo: len(r.undo) > 0, CanRedo: len(r.redo) > 0}
	for _, s := range r.view {
		if s.ClientID == r.clientID {
			st.HasMine = true
			break
		}
	}
	return st
}

func (r *Replica) changed() {
	if r.onChange != nil {
		r.onChange(r.stateLocked())
	}
}

func isRejection(err error) bool {
	var verr *ValidationError
	var perr *PayloadTooLargeError
	return errors.As(err, &verr) || errors.As(err, &perr)
}

// deliveryReporter is implemented by transport errors that know whether
// the server answered the request.
type deliveryReporter interface {
	Delivered() bool
}

// outcomeUnknown reports whether err leaves open what the server did with
// the request: no answer arrived, so the log may or may not have changed.
// A rejection or any other answered error means the log is untouched.
func outcomeUnknown(err error) bool {
	if isRejection(err) {
		return false
	}
	var d deliveryReporter
	if errors.As(err, &d) && d.Delivered() {
		return false
	}
	return true
}

func tracked(stack []action, strokeID string) bool {
	for _, a := range stack {
		if a.has(strokeID) {
			return true
		}
	}
	return false
}

// dropSingle removes single-stroke entries for strokeID.
func dropSingle(stack []action, strokeID string) []action {
	out := stack[:0:0]
	for _, a := range stack {
		if !a.batch && a.strokes[0].ID == strokeID {
			continue
		}
		out = append(out, a)
	}
	return out
}

// dropStroke removes strokeID from every entry, dropping entries left empty.
func dropStroke(stack []action, strokeID string) []action {
	out := stack[:0:0]
	for _, a := range stack {
		if a.has(strokeID) {
			rest := make([]Stroke, 0, len(a.strokes))
			for _, s := range a.strokes {
				if s.ID != strokeID {
					rest = append(rest, s)
				}
			}
			if len(rest) == 0 {
				continue
			}
			a.strokes = rest
		}
		out = append(out, a)
	}
	return out
}

func dropAction(stack []action, id uint64) []action {
	out := stack[:0:0]
	for _, a := range stack {
		if a.id != id {
			out = append(out, a)
		}
	}
	return out
}

func actionIDs(a action) []string {
	ids := make([]string, len(a.strokes))
	for i, s := range a.strokes {
		ids[i] = s.ID
	}
	return ids
}

type nopRenderer struct{}

func (nopRenderer) DrawStroke(Stroke) {}
func (nopRenderer) Redraw([]Stroke)   {}
