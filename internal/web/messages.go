package web

import (
	"encoding/json"
	"time"
)

// wsMessage is the envelope for every WebSocket frame in both directions.
type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Server to client message types.
const (
	wsMsgOutput            = "output"
	wsMsgPermissionRequest = "permission_request"
	wsMsgExited            = "exited"
	wsMsgBranchChanged     = "branch_changed"
	wsMsgError             = "error"
)

// Client to server message types.
const (
	wsMsgInput              = "input"
	wsMsgAck                = "ack"
	wsMsgPermissionResponse = "permission_response"
)

type outputPayload struct {
	Seq       uint64          `json:"seq"`
	Content   json.RawMessage `json:"content"`
	Timestamp time.Time       `json:"timestamp"`
}

type permissionRequestPayload struct {
	RequestID   string          `json:"request_id"`
	ToolName    string          `json:"tool_name"`
	Input       json.RawMessage `json:"input"`
	RequestedAt time.Time       `json:"requested_at"`
}

type exitedPayload struct {
	Code int `json:"code"`
}

type branchChangedPayload struct {
	Branch string `json:"branch"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type inputPayload struct {
	Content json.RawMessage `json:"content"`
}

type ackPayload struct {
	Seq uint64 `json:"seq"`
}

type permissionResponsePayload struct {
	RequestID    string          `json:"request_id"`
	Allow        bool            `json:"allow"`
	Message      string          `json:"message,omitempty"`
	UpdatedInput json.RawMessage `json:"updated_input,omitempty"`
	Remember     bool            `json:"remember,omitempty"`
}
