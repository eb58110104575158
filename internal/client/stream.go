package client

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Event types delivered by a Stream.
const (
	EventOutput            = "output"
	EventPermissionRequest = "permission_request"
	EventExited            = "exited"
	EventBranchChanged     = "branch_changed"
	EventError             = "error"
)

// Output is one agent output message with its replay sequence number.
type Output struct {
	Seq       uint64          `json:"seq"`
	Content   json.RawMessage `json:"content"`
	Timestamp time.Time       `json:"timestamp"`
}

// PermissionRequest is a tool-permission request awaiting an answer.
type PermissionRequest struct {
	RequestID   string          `json:"request_id"`
	ToolName    string          `json:"tool_name"`
	Input       json.RawMessage `json:"input"`
	RequestedAt time.Time       `json:"requested_at"`
}

// Event is one frame from the session stream. Exactly one of the payload
// fields matching Type is set.
type Event struct {
	Type       string
	Output     *Output
	Permission *PermissionRequest
	ExitCode   int
	Branch     string
	Message    string
}

// Stream is an attached session: live events inbound, input and decisions
// outbound. Not safe for concurrent Next calls.
type Stream struct {
	conn *websocket.Conn
}

// Attach connects to a session's event stream.
func (c *Client) Attach(id string) (*Stream, error) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/api/sessions/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("attach session: %w", err)
	}
	return &Stream{conn: conn}, nil
}

// Next blocks until the next event arrives or the stream closes.
func (s *Stream) Next() (*Event, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var msg struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}

	ev := &Event{Type: msg.Type}
	switch msg.Type {
	case EventOutput:
		ev.Output = &Output{}
		err = json.Unmarshal(msg.Data, ev.Output)
	case EventPermissionRequest:
		ev.Permission = &PermissionRequest{}
		err = json.Unmarshal(msg.Data, ev.Permission)
	case EventExited:
		var p struct {
			Code int `json:"code"`
		}
		err = json.Unmarshal(msg.Data, &p)
		ev.ExitCode = p.Code
	case EventBranchChanged:
		var p struct {
			Branch string `json:"branch"`
		}
		err = json.Unmarshal(msg.Data, &p)
		ev.Branch = p.Branch
	case EventError:
		var p struct {
			Message string `json:"message"`
		}
		err = json.Unmarshal(msg.Data, &p)
		ev.Message = p.Message
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s event: %w", msg.Type, err)
	}
	return ev, nil
}

func (s *Stream) send(msgType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}{Type: msgType, Data: data})
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// SendInput submits raw input content to the agent.
func (s *Stream) SendInput(content json.RawMessage) error {
	return s.send("input", map[string]json.RawMessage{"content": content})
}

// SendText submits a plain text prompt.
func (s *Stream) SendText(text string) error {
	content, err := json.Marshal(text)
	if err != nil {
		return err
	}
	return s.SendInput(content)
}

// Ack acknowledges outputs up to and including seq.
func (s *Stream) Ack(seq uint64) error {
	return s.send("ack", map[string]uint64{"seq": seq})
}

// RespondPermission answers a pending permission request.
func (s *Stream) RespondPermission(requestID string, allow bool, message string) error {
	return s.send("permission_response", map[string]any{
		"request_id": requestID,
		"allow":      allow,
		"message":    message,
	})
}

// Close detaches from the session. The session keeps running.
func (s *Stream) Close() error {
	return s.conn.Close()
}
