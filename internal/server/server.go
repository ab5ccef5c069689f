// Package server exposes the shared stroke log and the event fan-out over
// HTTP. Every mutation is published while the operation lock is held, so
// subscribers see events in the same order the log applied them.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"LocalBoard/internal/export"
	boardnet "LocalBoard/internal/net"
	"LocalBoard/internal/state"
)

// MaxBodyBytes caps every request body before it is decoded.
const MaxBodyBytes = 64 << 10

type Options struct {
	Log *state.Log
	Hub *boardnet.Hub
	// Publisher defaults to Hub. Set it to wrap the hub, e.g. with a journal.
	Publisher boardnet.Publisher
	Topic     string
	Logger    *slog.Logger

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type Server struct {
	log    *state.Log
	hub    *boardnet.Hub
	pub    boardnet.Publisher
	topic  string
	logger *slog.Logger
	opts   Options

	// mu couples each log mutation with its publish.
	mu sync.Mutex
}

func New(opts Options) *Server {
	if opts.Log == nil {
		opts.Log = state.NewLog()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Hub == nil {
		opts.Hub = boardnet.NewHub(256, opts.Logger)
	}
	if opts.Publisher == nil {
		opts.Publisher = opts.Hub
	}
	if opts.Topic == "" {
		opts.Topic = "room-global"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	return &Server{
		log:    opts.Log,
		hub:    opts.Hub,
		pub:    opts.Publisher,
		topic:  opts.Topic,
		logger: opts.Logger.With("component", "server"),
		opts:   opts,
	}
}

// Handler returns the routed API with access logging.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.logger.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.handleHealthz)
	api := r.PathPrefix("/api").Subrouter()
	api.Methods(http.MethodPost).Path("/broadcast").HandlerFunc(s.handleBroadcast)
	api.Methods(http.MethodPost).Path("/clear").HandlerFunc(s.handleClear)
	api.Methods(http.MethodPost).Path("/clear-client-strokes").HandlerFunc(s.handleClearClient)
	api.Methods(http.MethodPost).Path("/undo").HandlerFunc(s.handleUndo)
	api.Methods(http.MethodPost).Path("/redo").HandlerFunc(s.handleRedo)
	api.Methods(http.MethodGet).Path("/strokes").HandlerFunc(s.handleStrokes)
	api.Methods(http.MethodGet).Path("/undo-redo-state").HandlerFunc(s.handleUndoRedoState)
	api.Methods(http.MethodGet).Path("/events").HandlerFunc(s.handleEvents)
	api.Methods(http.MethodGet).Path("/export.pdf").HandlerFunc(s.handleExport)
	return r
}

// Serve runs the API on l until ctx is cancelled, then shuts down
// gracefully within the configured timeout.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	httpServer := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}

	errs := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "address", l.Addr().String(), "topic", s.topic)
		if err := httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownContext, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownContext); err != nil {
		_ = httpServer.Close()
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("server exited")
	return <-errs
}

// ListenAndServe listens on address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", address, err)
	}
	return s.Serve(ctx, l)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	stroke, err := state.ParseStroke(body)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.log.Append(stroke); err != nil {
		if errors.Is(err, state.ErrDuplicateStroke) {
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "duplicate": true})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "broadcast": s.publish(state.StrokeEvent{Stroke: stroke})})
}

func (s *Server) handleClear(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.ClearAll()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "broadcast": s.publish(state.ClearEvent{})})
}

func (s *Server) handleClearClient(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		ClientID string `json:"clientId"`
	}
	if err := decodeOptional(body, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.ClientID == "" {
		s.writeError(w, &state.MissingFieldError{Field: "clientId"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.log.ClearByClient(req.ClientID)
	ids := make([]string, len(removed))
	for i, stroke := range removed {
		ids[i] = stroke.ID
	}
	published := s.publish(state.ClearClientEvent{ClientID: req.ClientID, StrokeIDs: ids})
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"removedCount": len(ids),
		"strokeIds":    ids,
		"broadcast":    published,
	})
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		StrokeID *string `json:"strokeId"`
	}
	if err := decodeOptional(body, &req); err != nil {
		s.writeError(w, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		stroke state.Stroke
		err    error
	)
	switch {
	case req.StrokeID == nil:
		stroke, err = s.log.UndoLast()
	case *req.StrokeID == "":
		err = &state.MissingFieldError{Field: "strokeId"}
	default:
		stroke, err = s.log.Withdraw(*req.StrokeID)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	published := s.publish(state.UndoEvent{StrokeID: stroke.ID})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stroke": stroke, "broadcast": published})
}

func (s *Server) handleRedo(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		Stroke json.RawMessage `json:"stroke"`
	}
	if err := decodeOptional(body, &req); err != nil {
		s.writeError(w, err)
		return
	}
	var target *state.Stroke
	if len(req.Stroke) > 0 && !bytes.Equal(req.Stroke, []byte("null")) {
		parsed, err := state.ParseStroke(req.Stroke)
		if err != nil {
			s.writeError(w, err)
			return
		}
		target = &parsed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		stroke state.Stroke
		err    error
	)
	if target == nil {
		stroke, err = s.log.RedoLast()
	} else {
		stroke, err = *target, s.log.Restore(*target)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	published := s.publish(state.RedoEvent{Stroke: stroke})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stroke": stroke, "broadcast": published})
}

func (s *Server) handleStrokes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"strokes": s.log.List()})
}

func (s *Server) handleUndoRedoState(w http.ResponseWriter, _ *http.Request) {
	canUndo, canRedo := s.log.State()
	writeJSON(w, http.StatusOK, state.UndoRedoState{CanUndo: canUndo, CanRedo: canRedo})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r, s.topic)
}

func (s *Server) handleExport(w http.ResponseWriter, _ *http.Request) {
	var buf bytes.Buffer
	if err := export.WritePDF(&buf, s.log.List()); err != nil {
		s.writeError(w, fmt.Errorf("render pdf: %w", err))
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="whiteboard.pdf"`)
	_, _ = w.Write(buf.Bytes())
}

// publish sends ev to the topic. A failure is logged and reported to the
// caller; the log mutation that preceded it stands. Caller holds mu.
func (s *Server) publish(ev state.Event) bool {
	seq, err := s.pub.Publish(s.topic, ev)
	if err != nil {
		s.logger.Error("failed to broadcast", "event", ev.Kind(), "err", err)
		return false
	}
	s.logger.Debug("broadcast", "event", ev.Kind(), "seq", seq)
	return true
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, &state.PayloadTooLargeError{Size: int(maxErr.Limit) + 1, Max: int(maxErr.Limit)})
			return nil, false
		}
		s.writeError(w, fmt.Errorf("read body: %w", err))
		return nil, false
	}
	return body, true
}

// decodeOptional decodes a JSON object into v. An empty body leaves v as is.
func decodeOptional(body []byte, v any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &state.ValidationError{Issues: []state.Issue{{Message: "malformed JSON: " + err.Error()}}}
	}
	return nil
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, body := errorResponse(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
	}
	writeJSON(w, status, body)
}

// errorResponse maps state errors onto a status and an API error body.
func errorResponse(err error) (int, boardnet.ErrorBody) {
	var (
		verr    *state.ValidationError
		missing *state.MissingFieldError
		tooBig  *state.PayloadTooLargeError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, boardnet.ErrorBody{Error: "Invalid stroke data", Code: boardnet.CodeValidation, Details: verr.Issues}
	case errors.As(err, &missing):
		return http.StatusBadRequest, boardnet.ErrorBody{Error: missing.Error(), Code: boardnet.CodeMissingField, Field: missing.Field}
	case errors.As(err, &tooBig):
		return http.StatusRequestEntityTooLarge, boardnet.ErrorBody{Error: "Payload too large", Code: boardnet.CodePayloadTooLarge, Size: tooBig.Size, Max: tooBig.Max}
	case errors.Is(err, state.ErrNothingToUndo):
		return http.StatusConflict, boardnet.ErrorBody{Error: "Nothing to undo", Code: boardnet.CodeNothingToUndo}
	case errors.Is(err, state.ErrNothingToRedo):
		return http.StatusConflict, boardnet.ErrorBody{Error: "Nothing to redo", Code: boardnet.CodeNothingToRedo}
	case errors.Is(err, state.ErrStrokeNotFound):
		return http.StatusNotFound, boardnet.ErrorBody{Error: "Stroke not found", Code: boardnet.CodeNotFound}
	default:
		return http.StatusInternalServerError, boardnet.ErrorBody{Error: "Internal server error", Code: boardnet.CodeInternal}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
