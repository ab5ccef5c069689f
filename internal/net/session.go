package net

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"LocalBoard/internal/state"
)

// Session keeps a replica attached to a server: it subscribes to the event
// stream, bootstraps from the stroke list on every (re)connect and whenever
// the replica reports it may have diverged, and reconnects with backoff.
type Session struct {
	Replica   *state.Replica
	EventsURL string
	Dialer    *websocket.Dialer
	Logger    *slog.Logger

	// MinBackoff and MaxBackoff bound the delay between reconnects.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// OnStatus, when set, receives human-readable connection updates.
	OnStatus func(string)
}

// Run blocks until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session", "url", s.EventsURL)
	minBackoff, maxBackoff := s.MinBackoff, s.MaxBackoff
	if minBackoff <= 0 {
		minBackoff = 500 * time.Millisecond
	}
	if maxBackoff < minBackoff {
		maxBackoff = 10 * time.Second
	}

	backoff := minBackoff
	for {
		connected, err := s.runOnce(ctx, logger)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = minBackoff
		}
		logger.Warn("event stream lost", "err", err, "retry_in", backoff)
		s.status(fmt.Sprintf("Disconnected, retrying in %s", backoff))

		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// runOnce connects, bootstraps and pumps events until the connection
// fails. It reports whether the connection got as far as bootstrapping.
func (s *Session) runOnce(ctx context.Context, logger *slog.Logger) (bool, error) {
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, s.EventsURL, nil)
	if err != nil {
		return false, fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	// The server subscribes us before the handshake completes, so fetching
	// only now misses nothing published in between.
	s.Replica.ResetSequence()
	if err := s.Replica.Bootstrap(ctx); err != nil {
		return false, err
	}
	logger.Info("connected")
	s.status("Connected as " + s.Replica.ClientID())

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			mt, frame, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if mt != websocket.TextMessage {
				continue
			}
			select {
			case frames <- frame:
			case <-done:
				return
			}
		}
	}()

	// A failed request can leave the board diverged while no events
	// arrive, so resync signals are served alongside frames.
	for {
		select {
		case err := <-readErr:
			return true, fmt.Errorf("failed to read message: %w", err)
		case frame := <-frames:
			env, err := state.UnmarshalEnvelope(frame)
			if err != nil {
				logger.Warn("dropping undecodable event", "err", err)
				continue
			}
			s.Replica.ApplyEnvelope(env)
		case <-s.Replica.ResyncNeeded():
		}
		if s.Replica.NeedsResync() {
			logger.Info("resynchronizing board")
			if err := s.Replica.Bootstrap(ctx); err != nil {
				return true, errors.Join(errors.New("resync failed"), err)
			}
		}
	}
}

func (s *Session) status(msg string) {
	if s.OnStatus != nil {
		s.OnStatus(msg)
	}
}
