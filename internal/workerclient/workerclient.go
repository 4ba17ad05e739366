// Package workerclient is the thin HTTP+SSE client the Dispatcher uses to
// talk to the worker bound to a session (C3). It implements the exact wire
// contract the worker exposes: prepare/chat/cancel plus the workspace file
// proxy, and decodes the worker's framed SSE event stream.
package workerclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentplane/control/internal/driver"
)

const (
	prepareTimeout = 30 * time.Second
	cancelTimeout  = 5 * time.Second
)

// EventType enumerates the framed event kinds a worker emits (spec §6.1).
// Unknown types are tolerated: consumers persist and forward them verbatim.
type EventType string

const (
	EventText      EventType = "text"
	EventToolCall  EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventError     EventType = "error"
	EventDone      EventType = "done"
)

// Event is one decoded frame from the worker's event stream.
type Event struct {
	Type     EventType
	Content  string
	Metadata json.RawMessage
}

type eventPayload struct {
	Content  string          `json:"content"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Skill and BridgeConfig mirror the store's descriptors without importing
// the store package, so the worker wire contract can evolve independently
// of persistence's on-disk representation.
type Skill struct {
	Name  string            `json:"name"`
	Files map[string]string `json:"files"`
}

type BridgeConfig struct {
	Name   string         `json:"name"`
	Config map[string]any `json:"config,omitempty"`
}

// Client is a thin HTTP client bound to a specific worker Endpoint for the
// duration of one call. The Dispatcher constructs one per task using the
// endpoint returned by the Driver.
type Client struct {
	httpClient *http.Client
}

// New returns a Client using httpClient, or http.DefaultClient if nil.
func New(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{httpClient: httpClient}
}

// Prepare POSTs skills and bridge configs to the worker before a task with
// non-empty skills/bridge_configs runs (spec §4.5 step 3). Failure here is
// fatal to the task.
func (c *Client) Prepare(ctx context.Context, ep driver.Endpoint, taskID string, skills []Skill, bridges []BridgeConfig) error {
	ctx, cancel := context.WithTimeout(ctx, prepareTimeout)
	defer cancel()

	body := map[string]any{
		"task_id":      taskID,
		"skills":       nonNilSlice(skills),
		"mcp_servers":  bridgeConfigsToMCP(bridges),
	}
	resp, err := c.postJSON(ctx, ep, "/prepare", body)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("prepare: worker returned %d: %s", resp.StatusCode, readBodySnippet(resp.Body))
	}
	return nil
}

// bridgeConfigsToMCP folds the control plane's generic BridgeConfig list
// into the worker's mcp_servers map shape, keyed by bridge name.
func bridgeConfigsToMCP(bridges []BridgeConfig) map[string]any {
	out := map[string]any{}
	for _, b := range bridges {
		out[b.Name] = b.Config
	}
	return out
}

// Stream is a consumable handle over a worker's SSE response. It stays
// readable until the worker closes the underlying connection or the
// caller cancels the context used to create it.
type Stream struct {
	body   io.ReadCloser
	reader *bufio.Reader
}

// Close releases the underlying HTTP response body.
func (s *Stream) Close() error {
	return s.body.Close()
}

// ErrStreamClosed is returned by Next once the stream is exhausted.
var ErrStreamClosed = errors.New("workerclient: stream closed")

// Next blocks for the next framed event. It returns ErrStreamClosed (in
// place of io.EOF, which it does not wrap) when the worker closes the
// stream without an explicit terminal event, which the Dispatcher's
// stream-end fallback handles.
func (s *Stream) Next() (*Event, error) {
	var eventType string
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrStreamClosed
			}
			return nil, fmt.Errorf("read stream: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			// Blank line terminates a frame; if we never saw an event/data
			// pair (keep-alive comment lines etc.) keep reading.
			continue
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLine := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			var payload eventPayload
			if err := json.Unmarshal([]byte(dataLine), &payload); err != nil {
				return nil, fmt.Errorf("decode event data: %w", err)
			}
			return &Event{Type: EventType(eventType), Content: payload.Content, Metadata: payload.Metadata}, nil
		default:
			// Comment or unrecognized SSE field; ignore per SSE spec.
		}
	}
}

// Chat POSTs (session_id, message) to /chat and returns a Stream over the
// SSE response body. The caller MUST Close the returned Stream.
func (c *Client) Chat(ctx context.Context, ep driver.Endpoint, sessionID, message string) (*Stream, error) {
	body := map[string]any{"session_id": sessionID, "message": message}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url(ep, "/chat"), bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, fmt.Errorf("chat: worker returned %d: %s", resp.StatusCode, readBodySnippet(resp.Body))
	}
	return &Stream{body: resp.Body, reader: bufio.NewReader(resp.Body)}, nil
}

// Cancel best-effort interrupts the worker's current task for a session.
// A non-2xx response from the worker is ignored and returns nil; a
// transport failure is returned for the caller to log (spec §4.3).
func (c *Client) Cancel(ctx context.Context, ep driver.Endpoint, sessionID string) error {
	ctx, cancelFn := context.WithTimeout(ctx, cancelTimeout)
	defer cancelFn()

	resp, err := c.postJSON(ctx, ep, "/cancel", map[string]any{"session_id": sessionID})
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	defer resp.Body.Close()
	return nil
}

// WorkspaceGet reads a workspace file by its logical name or literal
// filename; the worker maps "soul"/"agents" to SOUL.md/AGENTS.md server
// side. A missing file is not an error: the worker returns 404 with empty
// content, which this method returns as ("", nil) to match.
func (c *Client) WorkspaceGet(ctx context.Context, ep driver.Endpoint, file string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url(ep, "/workspace/"+file), nil)
	if err != nil {
		return "", fmt.Errorf("build workspace get: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("workspace get: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if resp.StatusCode == http.StatusNotFound {
			return "", nil
		}
		return "", fmt.Errorf("decode workspace get: %w", err)
	}
	return out.Content, nil
}

// WorkspacePut writes a workspace file by logical name or literal filename.
func (c *Client) WorkspacePut(ctx context.Context, ep driver.Endpoint, file, content string) error {
	resp, err := c.postJSONMethod(ctx, http.MethodPut, ep, "/workspace/"+file, map[string]any{"content": content})
	if err != nil {
		return fmt.Errorf("workspace put: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("workspace put: worker returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, ep driver.Endpoint, path string, body any) (*http.Response, error) {
	return c.postJSONMethod(ctx, http.MethodPost, ep, path, body)
}

func (c *Client) postJSONMethod(ctx context.Context, method string, ep driver.Endpoint, path string, body any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url(ep, path), bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(req)
}

func url(ep driver.Endpoint, path string) string {
	return strings.TrimRight(ep.URL, "/") + path
}

func readBodySnippet(r io.Reader) string {
	buf := make([]byte, 512)
	n, _ := r.Read(buf)
	return string(buf[:n])
}

func nonNilSlice(s []Skill) []Skill {
	if s == nil {
		return []Skill{}
	}
	return s
}
