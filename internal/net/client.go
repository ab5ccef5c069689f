package net

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"LocalBoard/internal/state"
)

// Error codes carried in the "code" field of API error bodies.
const (
	CodeValidation      = "validation"
	CodeMissingField    = "missing_field"
	CodePayloadTooLarge = "payload_too_large"
	CodeNothingToUndo   = "nothing_to_undo"
	CodeNothingToRedo   = "nothing_to_redo"
	CodeNotFound        = "not_found"
	CodeInternal        = "internal"
)

// ErrorBody is the JSON body of every non-2xx API response.
type ErrorBody struct {
	Error   string        `json:"error"`
	Code    string        `json:"code"`
	Details []state.Issue `json:"details,omitempty"`
	Field   string        `json:"field,omitempty"`
	Size    int           `json:"size,omitempty"`
	Max     int           `json:"max,omitempty"`
}

// TransportError is a request that failed for reasons other than the
// server rejecting its content.
type TransportError struct {
	Op     string
	Status int // zero when no response arrived
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Delivered reports whether the server answered with a failure status. The
// replica resynchronizes only when it did not, since then the request may
// or may not have been applied. An undecodable 2xx body counts as not
// delivered.
func (e *TransportError) Delivered() bool {
	return e.Status != 0 && (e.Status < 200 || e.Status > 299)
}

// Client talks to a board server over HTTP. It implements state.Remote.
type Client struct {
	base *url.URL
	http *http.Client
}

var _ state.Remote = (*Client)(nil)

// NewClient returns a client for the server at baseURL, e.g.
// "http://192.168.1.4:8888". A nil httpClient gets a 10s timeout.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{base: u, http: httpClient}, nil
}

// EventsURL is the websocket address of the event stream.
func (c *Client) EventsURL() string {
	u := *c.base.JoinPath("api", "events")
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String()
}

// SubmitStroke posts s to the log. A stroke the log already holds is
// answered with 200 and duplicate set, which needs no handling here.
func (c *Client) SubmitStroke(ctx context.Context, s state.Stroke) error {
	return c.do(ctx, "submit stroke", http.MethodPost, "/api/broadcast", s, nil)
}

func (c *Client) UndoStroke(ctx context.Context, strokeID string) error {
	body := map[string]string{"strokeId": strokeID}
	return c.do(ctx, "undo stroke", http.MethodPost, "/api/undo", body, nil)
}

func (c *Client) RedoStroke(ctx context.Context, s state.Stroke) error {
	body := map[string]state.Stroke{"stroke": s}
	return c.do(ctx, "redo stroke", http.MethodPost, "/api/redo", body, nil)
}

func (c *Client) ClearAll(ctx context.Context) error {
	return c.do(ctx, "clear", http.MethodPost, "/api/clear", nil, nil)
}

func (c *Client) ClearByClient(ctx context.Context, clientID string) ([]string, error) {
	var resp struct {
		StrokeIDs []string `json:"strokeIds"`
	}
	body := map[string]string{"clientId": clientID}
	if err := c.do(ctx, "clear client strokes", http.MethodPost, "/api/clear-client-strokes", body, &resp); err != nil {
		return nil, err
	}
	return resp.StrokeIDs, nil
}

func (c *Client) ListStrokes(ctx context.Context) ([]state.Stroke, error) {
	var resp struct {
		Strokes []json.RawMessage `json:"strokes"`
	}
	if err := c.do(ctx, "list strokes", http.MethodGet, "/api/strokes", nil, &resp); err != nil {
		return nil, err
	}
	strokes := make([]state.Stroke, 0, len(resp.Strokes))
	for i, raw := range resp.Strokes {
		s, err := state.ParseStroke(raw)
		if err != nil {
			return nil, fmt.Errorf("stroke %d: %w", i, err)
		}
		strokes = append(strokes, s)
	}
	return strokes, nil
}

// UndoLast undoes the globally most recent stroke, whoever drew it.
func (c *Client) UndoLast(ctx context.Context) (state.Stroke, error) {
	var resp struct {
		Stroke state.Stroke `json:"stroke"`
	}
	err := c.do(ctx, "undo", http.MethodPost, "/api/undo", nil, &resp)
	return resp.Stroke, err
}

// RedoLast redoes the most recent global undo.
func (c *Client) RedoLast(ctx context.Context) (state.Stroke, error) {
	var resp struct {
		Stroke state.Stroke `json:"stroke"`
	}
	err := c.do(ctx, "redo", http.MethodPost, "/api/redo", nil, &resp)
	return resp.Stroke, err
}

// UndoRedoState queries the server's global undo/redo availability.
func (c *Client) UndoRedoState(ctx context.Context) (state.UndoRedoState, error) {
	var st state.UndoRedoState
	err := c.do(ctx, "undo-redo state", http.MethodGet, "/api/undo-redo-state", nil, &st)
	return st, err
}

// ExportPDF streams the server's PDF rendering of the board to w.
func (c *Client) ExportPDF(ctx context.Context, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.JoinPath("api", "export.pdf").String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: "export", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError("export", resp)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return &TransportError{Op: "export", Status: resp.StatusCode, Err: err}
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(op, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// decodeError maps an API error response back onto the state package's
// error types.
func decodeError(op string, resp *http.Response) error {
	var eb ErrorBody
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &eb); err != nil {
		return &TransportError{Op: op, Status: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(data)))}
	}
	switch eb.Code {
	case CodeValidation:
		return &state.ValidationError{Issues: eb.Details}
	case CodeMissingField:
		return &state.MissingFieldError{Field: eb.Field}
	case CodePayloadTooLarge:
		return &state.PayloadTooLargeError{Size: eb.Size, Max: eb.Max}
	case CodeNothingToUndo:
		return state.ErrNothingToUndo
	case CodeNothingToRedo:
		return state.ErrNothingToRedo
	case CodeNotFound:
		return state.ErrStrokeNotFound
	default:
		return &TransportError{Op: op, Status: resp.StatusCode, Err: errors.New(eb.Error)}
	}
}
