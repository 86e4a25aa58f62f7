// Package server exposes the OpenAI-compatible HTTP surface and translates
// chat-completions requests into session operations.
package server

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/guibros/companion-bridge/internal/session"
)

// ChatMessage is one entry of the messages array. Content is kept raw
// because OpenAI clients send either a string or a list of typed blocks.
type ChatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// Text extracts the message content as a plain string: either the string
// itself or the concatenation of every block whose type is "text".
func (m *ChatMessage) Text() string {
	if len(m.Content) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return ""
	}
	var b strings.Builder
	for _, block := range blocks {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// ChatCompletionRequest is the accepted request body. tools and max_tokens
// are tolerated but not forwarded; the agent manages its own tools.
type ChatCompletionRequest struct {
	Model     string          `json:"model"`
	Messages  []ChatMessage   `json:"messages"`
	Stream    bool            `json:"stream"`
	Tools     json.RawMessage `json:"tools,omitempty"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

var validRoles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
	"tool":      true,
}

// Validate checks the structural rules of the request body.
func (r *ChatCompletionRequest) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages must be a non-empty array")
	}
	for i, m := range r.Messages {
		if !validRoles[m.Role] {
			return fmt.Errorf("messages[%d] has invalid role %q", i, m.Role)
		}
	}
	return nil
}

// LatestUserText returns the text of the last user-role message.
func (r *ChatCompletionRequest) LatestUserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Text()
		}
	}
	return ""
}

// ToolMessages returns every tool-role message carrying a tool_call_id.
func (r *ChatCompletionRequest) ToolMessages() []ChatMessage {
	var out []ChatMessage
	for _, m := range r.Messages {
		if m.Role == "tool" && m.ToolCallID != "" {
			out = append(out, m)
		}
	}
	return out
}

// Response shapes.

type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

type ResponseMessage struct {
	Role      string     `json:"role"`
	Content   *string    `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type UsageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Choice struct {
	Index        int              `json:"index"`
	Message      *ResponseMessage `json:"message,omitempty"`
	FinishReason *string          `json:"finish_reason"`
}

type ChatCompletionResponse struct {
	ID      string      `json:"id"`
	Object  string      `json:"object"`
	Created int64       `json:"created"`
	Model   string      `json:"model"`
	Choices []Choice    `json:"choices"`
	Usage   *UsageBlock `json:"usage,omitempty"`
}

// Streaming chunk shapes.

type Delta struct {
	Role      string     `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

const (
	finishStop      = "stop"
	finishToolCalls = "tool_calls"
)

func newCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:24]
}

func usageFrom(resp *session.Response) *UsageBlock {
	return &UsageBlock{
		PromptTokens:     resp.InputTokens,
		CompletionTokens: resp.OutputTokens,
		TotalTokens:      resp.InputTokens + resp.OutputTokens,
	}
}

// toolCallsFrom converts surfaced permissions into OpenAI function tool
// calls. Names carry a cc_ prefix so client-side tool registries do not
// collide with the agent's native tool names.
func toolCallsFrom(pending []session.PendingToolCall) []ToolCall {
	out := make([]ToolCall, 0, len(pending))
	for _, p := range pending {
		args, err := json.Marshal(p.Input)
		if err != nil {
			args = []byte("{}")
		}
		out = append(out, ToolCall{
			ID:   p.ToolCallID,
			Type: "function",
			Function: ToolCallFunction{
				Name:      "cc_" + strings.ToLower(p.Tool),
				Arguments: string(args),
			},
		})
	}
	return out
}

// completionFrom assembles the non-streaming response object.
func completionFrom(resp *session.Response, model string) *ChatCompletionResponse {
	finish := finishStop
	msg := &ResponseMessage{Role: "assistant"}

	if len(resp.PendingToolCalls) > 0 {
		finish = finishToolCalls
		msg.ToolCalls = toolCallsFrom(resp.PendingToolCalls)
		if resp.Text != "" {
			text := resp.Text
			msg.Content = &text
		}
	} else {
		text := resp.Text
		msg.Content = &text
	}

	if model == "" {
		model = resp.Model
	}
	return &ChatCompletionResponse{
		ID:      newCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{Index: 0, Message: msg, FinishReason: &finish}},
		Usage:   usageFrom(resp),
	}
}

// textCompletion builds a single-message completion, used by the command
// interceptor and error paths.
func textCompletion(text, model string) *ChatCompletionResponse {
	finish := finishStop
	return &ChatCompletionResponse{
		ID:      newCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{
			Index:        0,
			Message:      &ResponseMessage{Role: "assistant", Content: &text},
			FinishReason: &finish,
		}},
		Usage: &UsageBlock{},
	}
}
