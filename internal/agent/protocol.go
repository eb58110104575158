// Package agent implements the client side of the Claude CLI stream-json
// protocol: newline-delimited JSON messages over the subprocess's standard
// streams. Each inbound line is exactly one protocol unit; each outbound
// write is exactly one input submission or one permission decision.
package agent

import (
	"encoding/json"
	"fmt"
	"time"
)

// InboundKind classifies one unit received from the subprocess.
type InboundKind int

const (
	// InboundOutput is an agent output message (assistant, system, result,
	// user echo, error). The payload is opaque to this layer.
	InboundOutput InboundKind = iota

	// InboundPermission is a tool-permission request (control_request with
	// subtype can_use_tool).
	InboundPermission

	// InboundExit reports subprocess termination. Always the final unit.
	InboundExit

	// InboundProtocolError reports a malformed or unexpected message.
	InboundProtocolError
)

// PermissionRequest is a decoded tool-permission request.
type PermissionRequest struct {
	RequestID string          `json:"request_id"`
	ToolName  string          `json:"tool_name"`
	Input     json.RawMessage `json:"input"`
}

// Inbound is one protocol unit from the subprocess.
type Inbound struct {
	Kind InboundKind

	// Content is the raw message payload (InboundOutput).
	Content json.RawMessage

	// Request is the decoded permission request (InboundPermission).
	Request *PermissionRequest

	// ExitCode is the subprocess exit status (InboundExit).
	ExitCode int

	// Err describes the problem (InboundProtocolError).
	Err error

	// Received is when the unit was read off the wire.
	Received time.Time
}

// Decision is an answer to a permission request, forwarded to the subprocess.
type Decision struct {
	// Allow grants or denies the tool use.
	Allow bool `json:"allow"`

	// UpdatedInput optionally replaces the tool input the agent proposed.
	UpdatedInput json.RawMessage `json:"updated_input,omitempty"`

	// Remember asks the agent to persist the decision for the rest of the
	// conversation.
	Remember bool `json:"remember,omitempty"`

	// Message is an optional explanation shown to the agent on deny.
	Message string `json:"message,omitempty"`
}

// envelope is the subset of the wire format needed for classification.
type envelope struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Request   *struct {
		Subtype  string          `json:"subtype"`
		ToolName string          `json:"tool_name"`
		Input    json.RawMessage `json:"input"`
	} `json:"request"`
}

// classify maps one wire line to exactly one Inbound unit. It never drops a
// line: anything unparseable or unexpected becomes InboundProtocolError.
func classify(line []byte) Inbound {
	now := time.Now()

	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Inbound{
			Kind:     InboundProtocolError,
			Err:      fmt.Errorf("malformed message from agent: %w", err),
			Received: now,
		}
	}

	switch env.Type {
	case "control_request":
		if env.Request == nil || env.Request.Subtype != "can_use_tool" {
			subtype := ""
			if env.Request != nil {
				subtype = env.Request.Subtype
			}
			return Inbound{
				Kind:     InboundProtocolError,
				Err:      fmt.Errorf("unsupported control request subtype %q", subtype),
				Received: now,
			}
		}
		if env.RequestID == "" {
			return Inbound{
				Kind:     InboundProtocolError,
				Err:      fmt.Errorf("permission request without request_id"),
				Received: now,
			}
		}
		return Inbound{
			Kind: InboundPermission,
			Request: &PermissionRequest{
				RequestID: env.RequestID,
				ToolName:  env.Request.ToolName,
				Input:     env.Request.Input,
			},
			Received: now,
		}

	case "":
		return Inbound{
			Kind:     InboundProtocolError,
			Err:      fmt.Errorf("message without type field"),
			Received: now,
		}

	default:
		// assistant, system, result, user, error, control_response: all
		// opaque output as far as the session is concerned.
		content := make(json.RawMessage, len(line))
		copy(content, line)
		return Inbound{Kind: InboundOutput, Content: content, Received: now}
	}
}

// userMessage is the outbound input-submission envelope.
type userMessage struct {
	Type    string          `json:"type"`
	Message userMessageBody `json:"message"`
}

type userMessageBody struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// controlResponse is the outbound permission-decision envelope.
type controlResponse struct {
	Type     string              `json:"type"`
	Response controlResponseBody `json:"response"`
}

type controlResponseBody struct {
	Subtype   string           `json:"subtype"`
	RequestID string           `json:"request_id"`
	Response  decisionResponse `json:"response"`
}

type decisionResponse struct {
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Remember     bool            `json:"remember,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// encodeInput frames one input submission.
func encodeInput(content json.RawMessage) ([]byte, error) {
	msg := userMessage{
		Type:    "user",
		Message: userMessageBody{Role: "user", Content: content},
	}
	return json.Marshal(msg)
}

// encodeDecision frames one permission decision.
func encodeDecision(requestID string, d Decision) ([]byte, error) {
	behavior := "deny"
	if d.Allow {
		behavior = "allow"
	}
	msg := controlResponse{
		Type: "control_response",
		Response: controlResponseBody{
			Subtype:   "success",
			RequestID: requestID,
			Response: decisionResponse{
				Behavior:     behavior,
				UpdatedInput: d.UpdatedInput,
				Remember:     d.Remember,
				Message:      d.Message,
			},
		},
	}
	return json.Marshal(msg)
}
