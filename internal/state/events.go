package state

import (
	"encoding/json"
	"fmt"
)

// EventKind names a broadcast event on the wire.
type EventKind string

const (
	KindStroke       EventKind = "stroke"
	KindClear        EventKind = "clear"
	KindUndo         EventKind = "undo"
	KindRedo         EventKind = "redo"
	KindClearStrokes EventKind = "clear-client-strokes"
)

// Event is one of StrokeEvent, ClearEvent, UndoEvent, RedoEvent or
// ClearClientEvent. The set is closed.
type Event interface {
	Kind() EventKind
	isEvent()
}

// StrokeEvent announces a stroke appended to the log.
type StrokeEvent struct {
	Stroke Stroke
}

// ClearEvent announces that the whole board was cleared.
type ClearEvent struct{}

// UndoEvent announces that a stroke was undone.
type UndoEvent struct {
	StrokeID string `json:"strokeId"`
}

// RedoEvent announces that an undone stroke came back.
type RedoEvent struct {
	Stroke Stroke `json:"stroke"`
}

// ClearClientEvent announces that every stroke by ClientID was removed.
type ClearClientEvent struct {
	ClientID  string   `json:"clientId"`
	StrokeIDs []string `json:"strokeIds"`
}

func (StrokeEvent) Kind() EventKind      { return KindStroke }
func (ClearEvent) Kind() EventKind       { return KindClear }
func (UndoEvent) Kind() EventKind        { return KindUndo }
func (RedoEvent) Kind() EventKind        { return KindRedo }
func (ClearClientEvent) Kind() EventKind { return KindClearStrokes }

func (StrokeEvent) isEvent()      {}
func (ClearEvent) isEvent()       {}
func (UndoEvent) isEvent()        {}
func (RedoEvent) isEvent()        {}
func (ClearClientEvent) isEvent() {}

// Envelope is the frame carried by the fan-out. Seq is assigned per topic
// by the publisher and increases by one for each published event.
type Envelope struct {
	Seq   uint64
	Event Event
}

type wireEnvelope struct {
	Seq   uint64          `json:"seq"`
	Event EventKind       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// MarshalEvent encodes the payload of ev as it appears in the "data" field.
func MarshalEvent(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case StrokeEvent:
		return json.Marshal(e.Stroke)
	case ClearEvent:
		return []byte("{}"), nil
	case UndoEvent:
		return json.Marshal(e)
	case RedoEvent:
		return json.Marshal(e)
	case ClearClientEvent:
		if e.StrokeIDs == nil {
			e.StrokeIDs = []string{}
		}
		return json.Marshal(e)
	default:
		return nil, fmt.Errorf("unknown event type %T", ev)
	}
}

// MarshalEnvelope encodes env for the wire.
func MarshalEnvelope(env Envelope) ([]byte, error) {
	data, err := MarshalEvent(env.Event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{Seq: env.Seq, Event: env.Event.Kind(), Data: data})
}

// UnmarshalEnvelope decodes a frame received from the fan-out. Strokes
// carried by stroke and redo events are validated like any other inbound
// stroke.
func UnmarshalEnvelope(frame []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(frame, &w); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	ev, err := DecodeEvent(w.Event, w.Data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Seq: w.Seq, Event: ev}, nil
}

// DecodeEvent decodes the payload of an event of the given kind.
func DecodeEvent(kind EventKind, data []byte) (Event, error) {
	switch kind {
	case KindStroke:
		s, err := ParseStroke(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s event: %w", kind, err)
		}
		return StrokeEvent{Stroke: s}, nil
	case KindClear:
		return ClearEvent{}, nil
	case KindUndo:
		var e UndoEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", kind, err)
		}
		if e.StrokeID == "" {
			return nil, fmt.Errorf("decode %s event: %w", kind, &MissingFieldError{Field: "strokeId"})
		}
		return e, nil
	case KindRedo:
		var raw struct {
			Stroke json.RawMessage `json:"stroke"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", kind, err)
		}
		if len(raw.Stroke) == 0 {
			return nil, fmt.Errorf("decode %s event: %w", kind, &MissingFieldError{Field: "stroke"})
		}
		s, err := ParseStroke(raw.Stroke)
		if err != nil {
			return nil, fmt.Errorf("decode %s event: %w", kind, err)
		}
		return RedoEvent{Stroke: s}, nil
	case KindClearStrokes:
		var e ClearClientEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", kind, err)
		}
		if e.ClientID == "" {
			return nil, fmt.Errorf("decode %s event: %w", kind, &MissingFieldError{Field: "clientId"})
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
}
