package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
)

// agentMessage is the subset of the CLI's stream-json envelope needed for
// terminal rendering.
type agentMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Result  string `json:"result,omitempty"`
	Message struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
	Name     string `json:"name,omitempty"`
}

// renderOutput formats one raw agent message for the terminal. Messages that
// carry no human-readable text render as a short tag instead of raw JSON.
func renderOutput(content json.RawMessage) string {
	var msg agentMessage
	if err := json.Unmarshal(content, &msg); err != nil {
		return string(content)
	}

	switch msg.Type {
	case "assistant":
		return renderBlocks(msg.Message.Content)
	case "result":
		if msg.Result != "" {
			return msg.Result
		}
		return fmt.Sprintf("[result: %s]", msg.Subtype)
	case "system":
		return fmt.Sprintf("[system: %s]", msg.Subtype)
	case "user":
		return ""
	default:
		return fmt.Sprintf("[%s]", msg.Type)
	}
}

func renderBlocks(raw json.RawMessage) string {
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		// Content may also be a bare string.
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
		return ""
	}

	var out strings.Builder
	for _, b := range blocks {
		switch b.Type {
		case "text":
			out.WriteString(b.Text)
		case "thinking":
			// Thinking is noise in an attach session; show a marker only.
			if b.Thinking != "" {
				out.WriteString("[thinking]")
			}
		case "tool_use":
			fmt.Fprintf(&out, "[tool: %s]", b.Name)
		}
	}
	return out.String()
}
