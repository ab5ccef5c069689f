package state

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"
)

type fakeRemote struct {
	mu    sync.Mutex
	calls []string

	submit        func(Stroke) error
	undoErr       error
	redoErr       error
	clearErr      error
	clearByClient error
	list          []Stroke
}

func (f *fakeRemote) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeRemote) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRemote) SubmitStroke(_ context.Context, s Stroke) error {
	f.record("submit " + s.ID)
	if f.submit != nil {
		return f.submit(s)
	}
	return nil
}

func (f *fakeRemote) UndoStroke(_ context.Context, id string) error {
	f.record("undo " + id)
	return f.undoErr
}

func (f *fakeRemote) RedoStroke(_ context.Context, s Stroke) error {
	f.record("redo " + s.ID)
	return f.redoErr
}

func (f *fakeRemote) ClearAll(context.Context) error {
	f.record("clear")
	return f.clearErr
}

func (f *fakeRemote) ClearByClient(_ context.Context, clientID string) ([]string, error) {
	f.record("clear-client " + clientID)
	return nil, f.clearByClient
}

func (f *fakeRemote) ListStrokes(context.Context) ([]Stroke, error) {
	f.record("list")
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Stroke(nil), f.list...), nil
}

// answeredError mimics a transport error that knows whether a response
// arrived.
type answeredError struct {
	status int
}

func (e *answeredError) Error() string   { return fmt.Sprintf("status %d", e.status) }
func (e *answeredError) Delivered() bool { return e.status != 0 }

type fakeRenderer struct {
	mu      sync.Mutex
	draws   int
	redraws int
	last    []Stroke
}

func (f *fakeRenderer) DrawStroke(Stroke) {
	f.mu.Lock()
	f.draws++
	f.mu.Unlock()
}

func (f *fakeRenderer) Redraw(view []Stroke) {
	f.mu.Lock()
	f.redraws++
	f.last = view
	f.mu.Unlock()
}

func (f *fakeRenderer) counts() (draws, redraws int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.draws, f.redraws
}

func newTestReplica(t *testing.T, remote *fakeRemote) (*Replica, *fakeRenderer) {
	t.Helper()
	renderer := &fakeRenderer{}
	r := NewReplica(ReplicaConfig{
		ClientID: testClientA,
		Remote:   remote,
		Renderer: renderer,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(r.Close)
	return r, renderer
}

func flush(t *testing.T, r *Replica) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func viewIDs(r *Replica) []string {
	return ids(r.View())
}

func TestReplicaCommitStroke(t *testing.T) {
	remote := &fakeRemote{}
	r, renderer := newTestReplica(t, remote)

	raw := strokeN(1, "")
	s, err := r.CommitStroke(raw)
	if err != nil {
		t.Fatalf("CommitStroke: %v", err)
	}
	if s.ClientID != testClientA {
		t.Errorf("Expected stroke stamped with the replica's client id, got %q", s.ClientID)
	}
	if !r.Drawn(s.ID) {
		t.Error("Expected stroke rendered before the server answers")
	}
	if draws, _ := renderer.counts(); draws != 1 {
		t.Errorf("Expected one draw, got %d", draws)
	}
	if st := r.State(); !st.CanUndo || st.CanRedo || !st.HasMine {
		t.Errorf("Unexpected state %+v", st)
	}

	flush(t, r)
	if got := remote.Calls(); !reflect.DeepEqual(got, []string{"submit " + s.ID}) {
		t.Errorf("Expected one submission, got %v", got)
	}
}

func TestReplicaCommitShapesStroke(t *testing.T) {
	r, _ := newTestReplica(t, &fakeRemote{})
	raw := strokeN(1, testClientA)
	raw.Points = linePoints(5000)
	s, err := r.CommitStroke(raw)
	if err != nil {
		t.Fatalf("CommitStroke: %v", err)
	}
	if len(s.Points) > MaxPoints || s.Size() > MaxPayloadBytes {
		t.Errorf("Expected shaped stroke, got %d points / %d bytes", len(s.Points), s.Size())
	}
}

func TestReplicaEchoIsSuppressed(t *testing.T) {
	remote := &fakeRemote{}
	r, renderer := newTestReplica(t, remote)

	s, _ := r.CommitStroke(strokeN(1, testClientA))
	r.ApplyEvent(StrokeEvent{Stroke: s})
	r.ApplyEvent(StrokeEvent{Stroke: s})

	if got := viewIDs(r); len(got) != 1 {
		t.Errorf("Expected stroke drawn once, got %v", got)
	}
	if draws, _ := renderer.counts(); draws != 1 {
		t.Errorf("Expected a single draw, got %d", draws)
	}
	if err := r.Undo(); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if err := r.Undo(); !errors.Is(err, ErrNothingToUndo) {
		t.Errorf("Expected echo not to be pushed on the undo stack twice, got %v", err)
	}
}

func TestReplicaForeignStrokeIdempotent(t *testing.T) {
	r, _ := newTestReplica(t, &fakeRemote{})
	s := strokeN(1, testClientB)

	r.ApplyEvent(StrokeEvent{Stroke: s})
	once := r.View()
	r.ApplyEvent(StrokeEvent{Stroke: s})
	if twice := r.View(); !reflect.DeepEqual(once, twice) {
		t.Errorf("Expected same view, got %v then %v", ids(once), ids(twice))
	}
	if r.State().CanUndo {
		t.Error("Expected foreign strokes not to be undoable locally")
	}
}

func TestReplicaOwnStrokeSeenFirstOverBroadcast(t *testing.T) {
	r, _ := newTestReplica(t, &fakeRemote{})
	// A stroke this client drew before a reconnect, announced by the server.
	s := strokeN(1, testClientA)
	r.ApplyEvent(StrokeEvent{Stroke: s})
	if st := r.State(); !st.CanUndo || !st.HasMine {
		t.Errorf("Expected own stroke to be undoable, got %+v", st)
	}
}

func TestReplicaUndoRedo(t *testing.T) {
	remote := &fakeRemote{}
	r, _ := newTestReplica(t, remote)

	s, _ := r.CommitStroke(strokeN(1, testClientA))
	if err := r.Undo(); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if r.Status(s.ID) != Undone || len(r.View()) != 0 {
		t.Errorf("Expected stroke undone, status %s view %v", r.Status(s.ID), viewIDs(r))
	}
	if st := r.State(); st.CanUndo || !st.CanRedo {
		t.Errorf("Unexpected state after undo %+v", st)
	}

	if err := r.Redo(); err != nil {
		t.Fatalf("Redo: %v", err)
	}
	if !r.Drawn(s.ID) {
		t.Error("Expected stroke back after redo")
	}
	if err := r.Redo(); !errors.Is(err, ErrNothingToRedo) {
		t.Errorf("Expected ErrNothingToRedo, got %v", err)
	}

	flush(t, r)
	want := []string{"submit " + s.ID, "undo " + s.ID, "redo " + s.ID}
	if got := remote.Calls(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected requests in submission order %v, got %v", want, got)
	}
}

func TestReplicaNewStrokeClearsRedo(t *testing.T) {
	r, _ := newTestReplica(t, &fakeRemote{})
	_, _ = r.CommitStroke(strokeN(1, testClientA))
	_ = r.Undo()
	_, _ = r.CommitStroke(strokeN(2, testClientA))
	if r.State().CanRedo {
		t.Error("Expected a new stroke to clear the local redo stack")
	}
}

func TestReplicaUndoEchoes(t *testing.T) {
	r, _ := newTestReplica(t, &fakeRemote{})
	s, _ := r.CommitStroke(strokeN(1, testClientA))
	_ = r.Undo()

	// Echo of our own undo, then a late echo of the original stroke.
	r.ApplyEvent(UndoEvent{StrokeID: s.ID})
	r.ApplyEvent(StrokeEvent{Stroke: s})
	if r.Drawn(s.ID) {
		t.Error("Expected a late stroke echo not to resurrect an undone stroke")
	}
	if st := r.State(); st.CanUndo || !st.CanRedo {
		t.Errorf("Expected single redo entry, got %+v", st)
	}

	r.ApplyEvent(RedoEvent{Stroke: s})
	if !r.Drawn(s.ID) {
		t.Error("Expected redo event to bring the stroke back")
	}
	if st := r.State(); !st.CanUndo || st.CanRedo {
		t.Errorf("Expected stroke back on the undo stack, got %+v", st)
	}
}

func TestReplicaUndoBeforeStrokeLeavesTombstone(t *testing.T) {
	r, _ := newTestReplica(t, &fakeRemote{})
	s := strokeN(1, testClientB)

	r.ApplyEvent(UndoEvent{StrokeID: s.ID})
	r.ApplyEvent(StrokeEvent{Stroke: s})
	if r.Drawn(s.ID) || r.Status(s.ID) != Undone {
		t.Errorf("Expected stroke to stay undone, got %s", r.Status(s.ID))
	}
	r.ApplyEvent(RedoEvent{Stroke: s})
	r.ApplyEvent(RedoEvent{Stroke: s})
	if got := viewIDs(r); !reflect.DeepEqual(got, []string{s.ID}) {
		t.Errorf("Expected stroke drawn once after redo, got %v", got)
	}
}

func TestReplicaRemoteUndoOfOwnStroke(t *testing.T) {
	r, _ := newTestReplica(t, &fakeRemote{})
	s, _ := r.CommitStroke(strokeN(1, testClientA))

	// Another participant used the global undo.
	r.ApplyEvent(UndoEvent{StrokeID: s.ID})
	if st := r.State(); st.CanUndo || !st.CanRedo {
		t.Errorf("Expected own stroke moved to the redo stack, got %+v", st)
	}
}

func TestReplicaRollsBackUndeliveredStroke(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantResync bool
	}{
		{name: "transport failure", err: errors.New("connection refused"), wantResync: true},
		{name: "rejected", err: &ValidationError{Issues: []Issue{{Field: "width"}}}, wantResync: false},
		{name: "too large", err: &PayloadTooLargeError{Size: 20000, Max: MaxPayloadBytes}, wantResync: false},
		{name: "server answered with an error", err: &answeredError{status: 500}, wantResync: false},
		{name: "no response", err: &answeredError{}, wantResync: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := &fakeRemote{submit: func(Stroke) error { return tt.err }}
			r, renderer := newTestReplica(t, remote)

			s, _ := r.CommitStroke(strokeN(1, testClientA))
			flush(t, r)

			if r.Status(s.ID) != Unknown || len(r.View()) != 0 {
				t.Errorf("Expected stroke rolled back, status %s", r.Status(s.ID))
			}
			if st := r.State(); st.CanUndo || st.HasMine {
				t.Errorf("Expected no undo entry after rollback, got %+v", st)
			}
			if _, redraws := renderer.counts(); redraws != 1 {
				t.Errorf("Expected one redraw, got %d", redraws)
			}
			if r.NeedsResync() != tt.wantResync {
				t.Errorf("Expected NeedsResync %v", tt.wantResync)
			}
		})
	}
}

func TestReplicaKeepsStrokeTheServerEchoed(t *testing.T) {
	remote := &fakeRemote{}
	r, _ := newTestReplica(t, remote)
	remote.submit = func(s Stroke) error {
		// The broadcast arrives, then the response is lost.
		r.ApplyEvent(StrokeEvent{Stroke: s})
		return errors.New("timeout awaiting response headers")
	}

	s, _ := r.CommitStroke(strokeN(1, testClientA))
	flush(t, r)
	if !r.Drawn(s.ID) {
		t.Error("Expected a stroke the server accepted never to be rolled back")
	}
	if !r.NeedsResync() {
		t.Error("Expected the failure to request a resync")
	}
}

func TestReplicaDuplicateSubmitIsSuccess(t *testing.T) {
	remote := &fakeRemote{submit: func(Stroke) error { return ErrDuplicateStroke }}
	r, _ := newTestReplica(t, remote)
	s, _ := r.CommitStroke(strokeN(1, testClientA))
	flush(t, r)
	if !r.Drawn(s.ID) || r.NeedsResync() {
		t.Error("Expected duplicate acknowledgement to be treated as success")
	}
}

func TestReplicaFailedUndoRestoresStroke(t *testing.T) {
	remote := &fakeRemote{undoErr: errors.New("connection reset")}
	r, _ := newTestReplica(t, remote)
	s, _ := r.CommitStroke(strokeN(1, testClientA))
	_ = r.Undo()
	flush(t, r)

	if !r.Drawn(s.ID) {
		t.Error("Expected stroke restored after failed undo")
	}
	if st := r.State(); !st.CanUndo || st.CanRedo {
		t.Errorf("Expected undo entry restored, got %+v", st)
	}
}

func TestReplicaClearMine(t *testing.T) {
	remote := &fakeRemote{}
	r, renderer := newTestReplica(t, remote)

	m1, _ := r.CommitStroke(strokeN(1, testClientA))
	f := strokeN(2, testClientB)
	r.ApplyEvent(StrokeEvent{Stroke: f})
	m2, _ := r.CommitStroke(strokeN(3, testClientA))
	_, redrawsBefore := renderer.counts()

	if err := r.ClearMine(); err != nil {
		t.Fatalf("ClearMine: %v", err)
	}
	if got := viewIDs(r); !reflect.DeepEqual(got, []string{f.ID}) {
		t.Errorf("Expected only the foreign stroke left, got %v", got)
	}
	if _, redraws := renderer.counts(); redraws != redrawsBefore+1 {
		t.Errorf("Expected one batched redraw, got %d", redraws-redrawsBefore)
	}
	if r.Status(m1.ID) != Removed || r.Status(m2.ID) != Removed {
		t.Error("Expected own strokes marked removed")
	}
	st := r.State()
	if !st.CanUndo || st.CanRedo || st.HasMine {
		t.Errorf("Unexpected state after clear mine %+v", st)
	}

	// The server's broadcast names the ids; it must not disturb the stacks.
	r.ApplyEvent(ClearClientEvent{ClientID: testClientA, StrokeIDs: []string{m1.ID, m2.ID}})
	if st := r.State(); !st.CanUndo {
		t.Error("Expected batch entry to survive the broadcast")
	}

	// Undo brings the whole batch back and resubmits each stroke.
	if err := r.Undo(); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if got := viewIDs(r); !reflect.DeepEqual(got, []string{f.ID, m1.ID, m2.ID}) {
		t.Errorf("Expected batch restored, got %v", got)
	}
	if err := r.Redo(); err != nil {
		t.Fatalf("Redo: %v", err)
	}
	if got := viewIDs(r); !reflect.DeepEqual(got, []string{f.ID}) {
		t.Errorf("Expected batch removed again, got %v", got)
	}

	flush(t, r)
	want := []string{
		"submit " + m1.ID,
		"submit " + m2.ID,
		"clear-client " + testClientA,
		"submit " + m1.ID,
		"submit " + m2.ID,
		"clear-client " + testClientA,
	}
	if got := remote.Calls(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestReplicaClearMineWithNothingMine(t *testing.T) {
	remote := &fakeRemote{}
	r, _ := newTestReplica(t, remote)
	r.ApplyEvent(StrokeEvent{Stroke: strokeN(1, testClientB)})
	if err := r.ClearMine(); err != nil {
		t.Fatal(err)
	}
	flush(t, r)
	if len(remote.Calls()) != 0 || r.State().CanUndo {
		t.Error("Expected no request and no undo entry")
	}
}

func TestReplicaFailedClearMineRestores(t *testing.T) {
	remote := &fakeRemote{clearByClient: errors.New("connection refused")}
	r, _ := newTestReplica(t, remote)
	m, _ := r.CommitStroke(strokeN(1, testClientA))
	_ = r.ClearMine()
	flush(t, r)

	if !r.Drawn(m.ID) {
		t.Error("Expected strokes restored when the server never removed them")
	}
	if !r.State().CanUndo {
		t.Error("Expected the original stroke entry to stay undoable")
	}
	if !r.NeedsResync() {
		t.Error("Expected resync after transport failure")
	}
}

func TestReplicaClearClientStrokesFromOthers(t *testing.T) {
	r, _ := newTestReplica(t, &fakeRemote{})
	mine, _ := r.CommitStroke(strokeN(1, testClientA))
	theirs := strokeN(2, testClientB)
	r.ApplyEvent(StrokeEvent{Stroke: theirs})

	r.ApplyEvent(ClearClientEvent{ClientID: testClientB, StrokeIDs: []string{theirs.ID, "ffffffff-ffff-4fff-8fff-ffffffffffff"}})
	if got := viewIDs(r); !reflect.DeepEqual(got, []string{mine.ID}) {
		t.Errorf("Expected only named ids removed, got %v", got)
	}
	if !r.State().CanUndo {
		t.Error("Expected local stacks untouched")
	}
}

func TestReplicaClearEventResets(t *testing.T) {
	r, renderer := newTestReplica(t, &fakeRemote{})
	_, _ = r.CommitStroke(strokeN(1, testClientA))
	_ = r.Undo()
	_, _ = r.CommitStroke(strokeN(2, testClientA))

	r.ApplyEvent(ClearEvent{})
	if len(r.View()) != 0 {
		t.Error("Expected empty view")
	}
	if st := r.State(); st.CanUndo || st.CanRedo || st.HasMine {
		t.Errorf("Expected empty stacks, got %+v", st)
	}
	renderer.mu.Lock()
	defer renderer.mu.Unlock()
	if len(renderer.last) != 0 {
		t.Error("Expected renderer cleared")
	}
}

func TestReplicaClearAll(t *testing.T) {
	remote := &fakeRemote{}
	r, _ := newTestReplica(t, remote)
	_, _ = r.CommitStroke(strokeN(1, testClientA))
	r.ClearAll()
	flush(t, r)
	if len(r.View()) != 0 || r.State().CanUndo {
		t.Error("Expected board wiped locally")
	}
	calls := remote.Calls()
	if calls[len(calls)-1] != "clear" {
		t.Errorf("Expected clear request, got %v", calls)
	}
}

func TestReplicaSequenceGapRequestsResync(t *testing.T) {
	remote := &fakeRemote{}
	r, _ := newTestReplica(t, remote)

	r.ApplyEnvelope(Envelope{Seq: 1, Event: StrokeEvent{Stroke: strokeN(1, testClientB)}})
	r.ApplyEnvelope(Envelope{Seq: 2, Event: StrokeEvent{Stroke: strokeN(2, testClientB)}})
	if r.NeedsResync() {
		t.Fatal("Expected no resync for consecutive frames")
	}
	r.ApplyEnvelope(Envelope{Seq: 4, Event: StrokeEvent{Stroke: strokeN(4, testClientB)}})
	if !r.NeedsResync() {
		t.Fatal("Expected resync after a gap")
	}
	if len(r.View()) != 3 {
		t.Error("Expected the frame after the gap applied anyway")
	}

	remote.list = []Stroke{strokeN(1, testClientB), strokeN(2, testClientB), strokeN(3, testClientB), strokeN(4, testClientB)}
	if err := r.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if r.NeedsResync() || len(r.View()) != 4 {
		t.Errorf("Expected resync cleared and view complete, got %v", viewIDs(r))
	}

	r.ResetSequence()
	r.ApplyEnvelope(Envelope{Seq: 40, Event: ClearEvent{}})
	if r.NeedsResync() {
		t.Error("Expected first frame on a new connection not to count as a gap")
	}
}

func TestReplicaBootstrapMerges(t *testing.T) {
	remote := &fakeRemote{}
	r, renderer := newTestReplica(t, remote)

	gone, _ := r.CommitStroke(strokeN(1, testClientA))
	flush(t, r) // confirmed by the server

	release := make(chan struct{})
	remote.submit = func(Stroke) error {
		<-release
		return nil
	}
	pending, _ := r.CommitStroke(strokeN(9, testClientA))

	theirs := strokeN(2, testClientB)
	missed := strokeN(3, testClientA) // drawn by us in an earlier session
	remote.mu.Lock()
	remote.list = []Stroke{theirs, missed, theirs}
	remote.mu.Unlock()

	if err := r.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	close(release)

	want := []string{theirs.ID, missed.ID, pending.ID}
	if got := viewIDs(r); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if r.Status(gone.ID) != Unknown {
		t.Errorf("Expected confirmed stroke missing from the list to be dropped, got %s", r.Status(gone.ID))
	}
	renderer.mu.Lock()
	if !reflect.DeepEqual(ids(renderer.last), want) {
		t.Errorf("Expected renderer to repaint %v, got %v", want, ids(renderer.last))
	}
	renderer.mu.Unlock()

	// The undo stack is rebuilt from our strokes in log order.
	_ = r.Undo()
	_ = r.Undo()
	if err := r.Undo(); !errors.Is(err, ErrNothingToUndo) {
		t.Errorf("Expected two undo entries, got %v", err)
	}
	if r.Drawn(missed.ID) || r.Drawn(pending.ID) || !r.Drawn(theirs.ID) {
		t.Errorf("Expected own strokes undone, view %v", viewIDs(r))
	}
}

func TestReplicaStateChangeCallback(t *testing.T) {
	var (
		mu   sync.Mutex
		last UndoRedoState
		n    int
	)
	r := NewReplica(ReplicaConfig{
		ClientID: testClientA,
		Remote:   &fakeRemote{},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnStateChange: func(st UndoRedoState) {
			mu.Lock()
			last, n = st, n+1
			mu.Unlock()
		},
	})
	defer r.Close()

	_, _ = r.CommitStroke(strokeN(1, testClientA))
	_ = r.Undo()

	mu.Lock()
	defer mu.Unlock()
	if n < 2 {
		t.Errorf("Expected a callback per change, got %d", n)
	}
	if last.CanUndo || !last.CanRedo || last.HasMine {
		t.Errorf("Unexpected last state %+v", last)
	}
}

func TestReplicaRejectsInvalidStroke(t *testing.T) {
	remote := &fakeRemote{}
	r, _ := newTestReplica(t, remote)
	bad := strokeN(1, testClientA)
	bad.Color = "blue"
	var verr *ValidationError
	if _, err := r.CommitStroke(bad); !errors.As(err, &verr) {
		t.Errorf("Expected *ValidationError, got %v", err)
	}
	flush(t, r)
	if len(remote.Calls()) != 0 || len(r.View()) != 0 {
		t.Error("Expected nothing rendered or sent")
	}
}

func TestReplicaDropsRedeliveredEvents(t *testing.T) {
	x := strokeN(1, testClientB)
	tests := []struct {
		name   string
		frames []Envelope
		want   Status
	}{
		{
			name: "stroke redelivered after clear-client",
			frames: []Envelope{
				{Seq: 1, Event: StrokeEvent{Stroke: x}},
				{Seq: 2, Event: ClearClientEvent{ClientID: testClientB, StrokeIDs: []string{x.ID}}},
				{Seq: 1, Event: StrokeEvent{Stroke: x}},
			},
			want: Removed,
		},
		{
			name: "clear-client overtakes its stroke",
			frames: []Envelope{
				{Seq: 2, Event: ClearClientEvent{ClientID: testClientB, StrokeIDs: []string{x.ID}}},
				{Seq: 1, Event: StrokeEvent{Stroke: x}},
			},
			want: Removed,
		},
		{
			name: "redo redelivered after a later undo",
			frames: []Envelope{
				{Seq: 1, Event: StrokeEvent{Stroke: x}},
				{Seq: 2, Event: UndoEvent{StrokeID: x.ID}},
				{Seq: 3, Event: RedoEvent{Stroke: x}},
				{Seq: 4, Event: UndoEvent{StrokeID: x.ID}},
				{Seq: 3, Event: RedoEvent{Stroke: x}},
			},
			want: Undone,
		},
		{
			name: "stroke restored after clear-client",
			frames: []Envelope{
				{Seq: 1, Event: StrokeEvent{Stroke: x}},
				{Seq: 2, Event: ClearClientEvent{ClientID: testClientB, StrokeIDs: []string{x.ID}}},
				{Seq: 3, Event: StrokeEvent{Stroke: x}},
			},
			want: Rendered,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestReplica(t, &fakeRemote{})
			for _, env := range tt.frames {
				r.ApplyEnvelope(env)
			}
			if got := r.Status(x.ID); got != tt.want {
				t.Errorf("Expected %s, got %s (view %v)", tt.want, got, viewIDs(r))
			}
			if drawn := len(r.View()) == 1; drawn != (tt.want == Rendered) {
				t.Errorf("Unexpected view %v", viewIDs(r))
			}
			if r.NeedsResync() {
				t.Error("Expected redeliveries not to count as gaps")
			}
		})
	}
}

func TestReplicaClearClientBeforeStrokeLeavesTombstone(t *testing.T) {
	r, renderer := newTestReplica(t, &fakeRemote{})
	s := strokeN(1, testClientB)
	r.ApplyEvent(ClearClientEvent{ClientID: testClientB, StrokeIDs: []string{s.ID}})
	if r.Status(s.ID) != Removed {
		t.Errorf("Expected a tombstone, got %s", r.Status(s.ID))
	}
	if _, redraws := renderer.counts(); redraws != 0 {
		t.Errorf("Expected no redraw for strokes never drawn, got %d", redraws)
	}
}

func TestReplicaSignalsResyncWhenIdle(t *testing.T) {
	remote := &fakeRemote{clearErr: errors.New("connection refused")}
	r, _ := newTestReplica(t, remote)

	r.ClearAll()
	select {
	case <-r.ResyncNeeded():
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a resync signal after the failed clear")
	}
	if !r.NeedsResync() {
		t.Error("Expected NeedsResync after the failed clear")
	}

	r.mu.Lock()
	r.markResync()
	r.mu.Unlock()
	if err := r.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	select {
	case <-r.ResyncNeeded():
		t.Error("Expected Bootstrap to consume a pending signal")
	default:
	}
}

func TestReplicaForgetsSettledStrokes(t *testing.T) {
	remote := &fakeRemote{}
	r, _ := newTestReplica(t, remote)
	sizes := func() (int, int) {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.status), len(r.confirmed)
	}

	_, _ = r.CommitStroke(strokeN(1, testClientA))
	flush(t, r)
	r.ApplyEvent(UndoEvent{StrokeID: strokeN(2, testClientB).ID})
	r.ApplyEvent(ClearEvent{})
	if st, conf := sizes(); st != 0 || conf != 0 {
		t.Errorf("Expected a clear to forget everything, got %d statuses and %d confirmed", st, conf)
	}

	_, _ = r.CommitStroke(strokeN(3, testClientA))
	flush(t, r)
	r.ApplyEvent(UndoEvent{StrokeID: strokeN(4, testClientB).ID})
	r.ApplyEvent(ClearClientEvent{ClientID: testClientB, StrokeIDs: []string{strokeN(5, testClientB).ID}})

	kept := strokeN(6, testClientB)
	remote.mu.Lock()
	remote.list = []Stroke{kept}
	remote.mu.Unlock()
	if err := r.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.status) != 1 || r.status[kept.ID] != Rendered {
		t.Errorf("Expected only the listed stroke tracked, got %v", r.status)
	}
	if len(r.confirmed) != 1 || !r.confirmed[kept.ID] {
		t.Errorf("Expected only the listed stroke confirmed, got %v", r.confirmed)
	}
}
