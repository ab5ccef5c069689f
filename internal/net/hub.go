package net

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"LocalBoard/internal/state"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var ErrNoTopic = errors.New("topic is required")

// Publisher delivers events to every subscriber of a topic.
type Publisher interface {
	// Publish fans ev out and returns the sequence number stamped on it.
	Publish(topic string, ev state.Event) (uint64, error)
}

// Hub is an in-process fan-out. Every subscriber of a topic, including the
// client whose request caused the event, receives each published event in
// publish order. A subscriber whose queue is full is disconnected rather
// than allowed to stall publishers; its client reconnects and bootstraps.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topic
	buffer int
	logger *slog.Logger
}

type topic struct {
	seq  state.Sequence
	subs map[*Subscription]struct{}
}

// Subscription receives envelopes for one topic on C until it is closed
// or evicted, at which point C is closed.
type Subscription struct {
	C <-chan state.Envelope

	ch    chan state.Envelope
	hub   *Hub
	topic string
}

// NewHub creates a hub whose subscribers each queue up to buffer envelopes.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		topics: make(map[string]*topic),
		buffer: buffer,
		logger: logger.With("component", "hub"),
	}
}

func (h *Hub) topicLocked(name string) *topic {
	t, ok := h.topics[name]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		h.topics[name] = t
	}
	return t
}

// Subscribe registers a new subscriber on the named topic.
func (h *Hub) Subscribe(name string) *Subscription {
	ch := make(chan state.Envelope, h.buffer)
	sub := &Subscription{C: ch, ch: ch, hub: h, topic: name}

	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topicLocked(name)
	t.subs[sub] = struct{}{}
	h.logger.Info("subscriber added", "topic", name, "subscribers", len(t.subs))
	return sub
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s)
}

func (h *Hub) removeLocked(sub *Subscription) {
	t, ok := h.topics[sub.topic]
	if !ok {
		return
	}
	if _, ok := t.subs[sub]; !ok {
		return
	}
	delete(t.subs, sub)
	close(sub.ch)
	h.logger.Info("subscriber removed", "topic", sub.topic, "subscribers", len(t.subs))
}

// Publish stamps ev with the topic's next sequence number and queues it for
// every subscriber. It never blocks on a subscriber.
func (h *Hub) Publish(name string, ev state.Event) (uint64, error) {
	if name == "" {
		return 0, ErrNoTopic
	}
	if ev == nil {
		return 0, errors.New("nil event")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topicLocked(name)
	env := state.Envelope{Seq: t.seq.Next(), Event: ev}
	for sub := range t.subs {
		select {
		case sub.ch <- env:
		default:
			h.logger.Warn("subscriber queue full, disconnecting", "topic", name, "seq", env.Seq)
			h.removeLocked(sub)
		}
	}
	return env.Seq, nil
}

// Subscribers returns the number of live subscribers on a topic.
func (h *Hub) Subscribers(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[name]; ok {
		return len(t.subs)
	}
	return 0
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ServeWS upgrades the request to a websocket and streams the topic's
// envelopes to it as JSON text frames until either side goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, name string) {
	// Subscribe first: once the client sees the handshake succeed, every
	// later publish must reach it.
	sub := h.Subscribe(name)
	defer sub.Close()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	h.logger.Info("websocket connected", "remote", remote, "topic", name)

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer sub.Close()
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			// Clients do not send frames; reading surfaces close and pong.
			if _, _, err := conn.ReadMessage(); err != nil {
				h.logger.Info("websocket disconnected", "remote", remote, "err", err)
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for done := false; !done; {
		select {
		case env, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "unsubscribed"),
					time.Now().Add(writeWait))
				done = true
				break
			}
			frame, err := state.MarshalEnvelope(env)
			if err != nil {
				h.logger.Error("failed to encode event", "seq", env.Seq, "err", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Info("failed to send to subscriber", "remote", remote, "err", err)
				done = true
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				done = true
			}
		case <-r.Context().Done():
			done = true
		}
	}
	_ = conn.Close()
	wg.Wait()
}
