// Package companion implements the client side of the Companion server:
// session create/kill over HTTP and the browser WebSocket frame protocol.
package companion

import "encoding/json"

// Inbound frame types. The upstream shape is stable from our perspective.
const (
	FrameSessionInit       = "session_init"
	FrameCLIConnected      = "cli_connected"
	FrameCLIDisconnected   = "cli_disconnected"
	FrameAssistant         = "assistant"
	FrameStreamEvent       = "stream_event"
	FramePermissionRequest = "permission_request"
	FrameToolResult        = "tool_result"
	FrameResult            = "result"
)

// Frame is one message received on the browser WebSocket. Fields are
// populated depending on Type; unknown types are logged and skipped.
type Frame struct {
	Type string `json:"type"`

	// session_init
	Session *SessionInfo `json:"session,omitempty"`

	// assistant
	ParentToolUseID *string           `json:"parent_tool_use_id,omitempty"`
	Message         *AssistantMessage `json:"message,omitempty"`

	// stream_event
	Event *StreamEvent `json:"event,omitempty"`

	// permission_request
	RequestID string                 `json:"request_id,omitempty"`
	ToolName  string                 `json:"tool_name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`

	// tool_result
	IsError bool `json:"is_error,omitempty"`

	// result
	Data *ResultData `json:"data,omitempty"`
}

// SessionInfo carries session metadata from session_init.
type SessionInfo struct {
	Model string `json:"model,omitempty"`
}

// AssistantMessage is the agent's message payload inside an assistant frame.
type AssistantMessage struct {
	Content []ContentBlock `json:"content"`
	Usage   *Usage         `json:"usage,omitempty"`
	Model   string         `json:"model,omitempty"`
}

// ContentBlock is one typed block of assistant content.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Usage carries token counts.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StreamEvent is a low-level streaming hint from the agent.
type StreamEvent struct {
	Type         string        `json:"type"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
}

// ResultData is the payload of the terminal result frame.
type ResultData struct {
	IsError      bool     `json:"is_error"`
	Result       string   `json:"result,omitempty"`
	Errors       []string `json:"errors,omitempty"`
	TotalCostUSD float64  `json:"total_cost_usd"`
	NumTurns     int      `json:"num_turns"`
	Usage        *Usage   `json:"usage,omitempty"`
}

// Outbound frames.

// UserMessage builds the frame that sends a prompt to the agent.
func UserMessage(content string) interface{} {
	return map[string]interface{}{
		"type":    "user_message",
		"content": content,
	}
}

// PermissionResponse builds the immediate allow/deny reply to a
// permission_request decided by the policy engine.
func PermissionResponse(requestID, behavior string, updatedInput map[string]interface{}, message string) interface{} {
	frame := map[string]interface{}{
		"type":       "permission_response",
		"request_id": requestID,
		"behavior":   behavior,
	}
	if behavior == "allow" {
		frame["updated_input"] = updatedInput
	} else if message != "" {
		frame["message"] = message
	}
	return frame
}

// ControlResponse builds the structured reply used when the client decided a
// passthrough tool call.
func ControlResponse(requestID, behavior string, updatedInput map[string]interface{}, message string) interface{} {
	inner := map[string]interface{}{
		"behavior": behavior,
	}
	if behavior == "allow" {
		inner["updatedInput"] = updatedInput
	} else if message != "" {
		inner["message"] = message
	}
	return map[string]interface{}{
		"type": "control_response",
		"response": map[string]interface{}{
			"subtype":    "success",
			"request_id": requestID,
			"response":   inner,
		},
	}
}

// DecodeFrame parses one inbound WebSocket message.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
