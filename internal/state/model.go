package state

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"

	"github.com/google/uuid"
)

const (
	// MaxPoints is the hard ceiling on points carried by one stroke.
	MaxPoints = 2000
	// MaxPayloadBytes bounds the serialized size of a stroke on the wire.
	MaxPayloadBytes = 10 * 1024
	MinWidth        = 1
	MaxWidth        = 48
)

var colorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// Point is a single pen/touch sample in canvas-local coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	T int64   `json:"t"` // capture time, unix ms
}

type Tool string

const (
	ToolPen    Tool = "pen"
	ToolEraser Tool = "eraser"
)

// Stroke is the unit exchanged between clients, the log and the fan-out.
// Points are in capture order. ID is assigned once by the authoring client.
type Stroke struct {
	ID       string  `json:"id"`
	Color    string  `json:"color"`
	Width    int     `json:"width"`
	Tool     Tool    `json:"tool"`
	Points   []Point `json:"points"`
	ClientID string  `json:"clientId,omitempty"`
}

// NewClientID returns a fresh id for one client session.
func NewClientID() string {
	return uuid.NewString()
}

// NewStroke builds a stroke authored by clientID with a fresh id.
func NewStroke(clientID, color string, width int, tool Tool, points []Point) Stroke {
	return Stroke{
		ID:       uuid.NewString(),
		Color:    color,
		Width:    width,
		Tool:     tool,
		Points:   points,
		ClientID: clientID,
	}
}

// Clone returns a copy that shares no point storage with s.
func (s Stroke) Clone() Stroke {
	c := s
	c.Points = append([]Point(nil), s.Points...)
	return c
}

// ParseColor decodes a "#rrggbb" color. ok is false, and the color black,
// for anything else.
func ParseColor(hex string) (r, g, b uint8, ok bool) {
	if !colorPattern.MatchString(hex) {
		return 0, 0, 0, false
	}
	v, err := strconv.ParseUint(hex[1:], 16, 32)
	if err != nil {
		return 0, 0, 0, false
	}
	return uint8(v >> 16), uint8(v >> 8), uint8(v), true
}

// Size is the byte length of the JSON serialization of s.
func (s Stroke) Size() int {
	data, err := json.Marshal(s)
	if err != nil {
		// Only non-finite coordinates fail to marshal; they can never fit.
		return math.MaxInt
	}
	return len(data)
}

// Issue is one structural problem found while validating a stroke.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports every schema issue found in a stroke.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "invalid stroke"
	}
	if len(e.Issues) == 1 {
		return fmt.Sprintf("invalid stroke: %s: %s", e.Issues[0].Field, e.Issues[0].Message)
	}
	return fmt.Sprintf("invalid stroke: %s: %s (and %d more)", e.Issues[0].Field, e.Issues[0].Message, len(e.Issues)-1)
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Issues = append(e.Issues, Issue{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) errOrNil() error {
	if len(e.Issues) == 0 {
		return nil
	}
	return e
}

// PayloadTooLargeError is returned when a stroke serializes above the budget.
type PayloadTooLargeError struct {
	Size int
	Max  int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("payload too large: %d bytes (max %d)", e.Size, e.Max)
}

// MissingFieldError reports a required request field that was absent.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return e.Field + " is required"
}

func isUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// Validate checks s against the wire schema.
func Validate(s Stroke) error {
	var verr ValidationError
	if !isUUID(s.ID) {
		verr.add("id", "must be a valid UUID")
	}
	if !colorPattern.MatchString(s.Color) {
		verr.add("color", "must be a valid hex color")
	}
	if s.Width < MinWidth || s.Width > MaxWidth {
		verr.add("width", "must be an integer between %d and %d", MinWidth, MaxWidth)
	}
	if s.Tool != ToolPen && s.Tool != ToolEraser {
		verr.add("tool", "must be one of pen, eraser")
	}
	switch {
	case len(s.Points) == 0:
		verr.add("points", "must contain at least 1 point")
	case len(s.Points) > MaxPoints:
		verr.add("points", "must contain at most %d points", MaxPoints)
	}
	for i, p := range s.Points {
		if math.IsNaN(p.X) || math.IsInf(p.X, 0) || math.IsNaN(p.Y) || math.IsInf(p.Y, 0) {
			verr.add(fmt.Sprintf("points.%d", i), "coordinates must be finite numbers")
		}
	}
	if s.ClientID != "" && !isUUID(s.ClientID) {
		verr.add("clientId", "must be a valid UUID")
	}
	return verr.errOrNil()
}

// CheckSize returns a PayloadTooLargeError when s exceeds MaxPayloadBytes.
// A stroke of one point cannot be reduced further and always passes.
func CheckSize(s Stroke) error {
	if len(s.Points) <= 1 {
		return nil
	}
	if size := s.Size(); size > MaxPayloadBytes {
		return &PayloadTooLargeError{Size: size, Max: MaxPayloadBytes}
	}
	return nil
}

type wirePoint struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	T *float64 `json:"t"`
}

type wireStroke struct {
	ID       *string      `json:"id"`
	Color    *string      `json:"color"`
	Width    *float64     `json:"width"`
	Tool     *string      `json:"tool"`
	Points   *[]wirePoint `json:"points"`
	ClientID *string      `json:"clientId"`
}

// ParseStroke decodes and validates a stroke received from outside the
// process. Shape problems are reported as a *ValidationError listing every
// issue; the size budget is not checked here.
func ParseStroke(data []byte) (Stroke, error) {
	var w wireStroke
	if err := json.Unmarshal(data, &w); err != nil {
		return Stroke{}, &ValidationError{Issues: []Issue{{Field: "", Message: "malformed JSON: " + err.Error()}}}
	}

	var (
		s    Stroke
		verr ValidationError
	)
	if w.ID == nil {
		verr.add("id", "required")
	} else {
		s.ID = *w.ID
	}
	if w.Color == nil {
		verr.add("color", "required")
	} else {
		s.Color = *w.Color
	}
	if w.Width == nil {
		verr.add("width", "required")
	} else if *w.Width != math.Trunc(*w.Width) {
		verr.add("width", "must be an integer")
	} else {
		s.Width = int(*w.Width)
	}
	if w.Tool == nil {
		verr.add("tool", "required")
	} else {
		s.Tool = Tool(*w.Tool)
	}
	if w.Points == nil {
		verr.add("points", "required")
	} else {
		s.Points = make([]Point, 0, len(*w.Points))
		for i, p := range *w.Points {
			field := fmt.Sprintf("points.%d", i)
			if p.X == nil || p.Y == nil || p.T == nil {
				verr.add(field, "x, y and t are required")
				continue
			}
			if *p.T != math.Trunc(*p.T) {
				verr.add(field+".t", "must be an integer millisecond timestamp")
				continue
			}
			s.Points = append(s.Points, Point{X: *p.X, Y: *p.Y, T: int64(*p.T)})
		}
	}
	if w.ClientID != nil {
		s.ClientID = *w.ClientID
		if s.ClientID == "" {
			verr.add("clientId", "must be a valid UUID")
		}
	}
	if len(verr.Issues) > 0 {
		return Stroke{}, &verr
	}
	if err := Validate(s); err != nil {
		return Stroke{}, err
	}
	return s, nil
}
