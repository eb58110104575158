package agent

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestClassifyOutput(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"assistant", `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}`},
		{"system", `{"type":"system","subtype":"init","cwd":"/work"}`},
		{"result", `{"type":"result","subtype":"success"}`},
		{"user echo", `{"type":"user","message":{"role":"user"}}`},
		{"error", `{"type":"error","message":"boom"}`},
		{"control_response", `{"type":"control_response","response":{"subtype":"success"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := classify([]byte(tt.line))
			if in.Kind != InboundOutput {
				t.Fatalf("Kind = %v, want InboundOutput", in.Kind)
			}
			if string(in.Content) != tt.line {
				t.Errorf("Content = %s, want original line", in.Content)
			}
			if in.Received.IsZero() {
				t.Error("Received timestamp not set")
			}
		})
	}
}

func TestClassifyPermissionRequest(t *testing.T) {
	line := `{"type":"control_request","request_id":"req-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"}}}`

	in := classify([]byte(line))
	if in.Kind != InboundPermission {
		t.Fatalf("Kind = %v, want InboundPermission", in.Kind)
	}
	if in.Request.RequestID != "req-1" {
		t.Errorf("RequestID = %q", in.Request.RequestID)
	}
	if in.Request.ToolName != "Bash" {
		t.Errorf("ToolName = %q", in.Request.ToolName)
	}
	var input map[string]string
	if err := json.Unmarshal(in.Request.Input, &input); err != nil {
		t.Fatalf("Input not preserved: %v", err)
	}
	if input["command"] != "ls" {
		t.Errorf("Input = %v", input)
	}
}

func TestClassifyProtocolErrors(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"not json", `{broken`},
		{"no type", `{"foo":"bar"}`},
		{"control request without id", `{"type":"control_request","request":{"subtype":"can_use_tool","tool_name":"Bash"}}`},
		{"unsupported control subtype", `{"type":"control_request","request_id":"r","request":{"subtype":"hook_callback"}}`},
		{"control request without body", `{"type":"control_request","request_id":"r"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := classify([]byte(tt.line))
			if in.Kind != InboundProtocolError {
				t.Fatalf("Kind = %v, want InboundProtocolError", in.Kind)
			}
			if in.Err == nil {
				t.Error("protocol error without Err")
			}
		})
	}
}

func TestEncodeInput(t *testing.T) {
	data, err := encodeInput(json.RawMessage(`[{"type":"text","text":"hello"}]`))
	if err != nil {
		t.Fatalf("encodeInput failed: %v", err)
	}

	var msg struct {
		Type    string `json:"type"`
		Message struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("encoded input is not valid JSON: %v", err)
	}
	if msg.Type != "user" || msg.Message.Role != "user" {
		t.Errorf("envelope = %+v", msg)
	}
	if !strings.Contains(string(msg.Message.Content), "hello") {
		t.Errorf("content lost: %s", msg.Message.Content)
	}
}

func TestEncodeDecision(t *testing.T) {
	tests := []struct {
		name         string
		decision     Decision
		wantBehavior string
	}{
		{"allow", Decision{Allow: true}, "allow"},
		{"deny", Decision{Allow: false, Message: "not today"}, "deny"},
		{"allow with updated input", Decision{Allow: true, UpdatedInput: json.RawMessage(`{"command":"ls -la"}`), Remember: true}, "allow"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := encodeDecision("req-9", tt.decision)
			if err != nil {
				t.Fatalf("encodeDecision failed: %v", err)
			}

			var msg struct {
				Type     string `json:"type"`
				Response struct {
					Subtype   string `json:"subtype"`
					RequestID string `json:"request_id"`
					Response  struct {
						Behavior string `json:"behavior"`
						Remember bool   `json:"remember"`
					} `json:"response"`
				} `json:"response"`
			}
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Fatalf("encoded decision is not valid JSON: %v", err)
			}
			if msg.Type != "control_response" {
				t.Errorf("Type = %q", msg.Type)
			}
			if msg.Response.RequestID != "req-9" {
				t.Errorf("RequestID = %q", msg.Response.RequestID)
			}
			if msg.Response.Response.Behavior != tt.wantBehavior {
				t.Errorf("Behavior = %q, want %q", msg.Response.Response.Behavior, tt.wantBehavior)
			}
			if msg.Response.Response.Remember != tt.decision.Remember {
				t.Errorf("Remember = %v", msg.Response.Response.Remember)
			}
		})
	}
}
