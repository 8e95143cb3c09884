// Package providers translates between the gateway's internal
// Chat-Completions-shaped format and the wire formats of the supported
// upstream families: OpenAI-compatible chat, the OpenAI Responses API,
// Anthropic Messages, and Google Gemini.
//
// Wire shapes are permissive maps; only the internal format is typed.
// Nothing outside this package sees a provider-specific payload.
package providers

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message is one internal chat message. Content is either a string or an
// array of multimodal part objects.
type Message struct {
	Role       string      `json:"role"`
	Content    interface{} `json:"content,omitempty"`
	Name       string      `json:"name,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
}

// ToolCall is a function invocation requested by the model.
// CallID is the Responses-API alias; when both are set, CallID wins.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	CallID   string       `json:"call_id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// EffectiveID returns the id used to correlate the call with its output.
func (tc ToolCall) EffectiveID() string {
	if tc.CallID != "" {
		return tc.CallID
	}
	return tc.ID
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool is a function tool in the uniform internal shape.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// UnmarshalJSON accepts either the full object form or a bare string, which
// expands to a function tool with an empty schema.
func (t *Tool) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*t = ExpandStringTool(name)
		return nil
	}

	type plain Tool
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*t = Tool(p)
	return nil
}

// ExpandStringTool wraps a bare tool name in the uniform function shape.
func ExpandStringTool(name string) Tool {
	return Tool{
		Type: "function",
		Function: ToolFunction{
			Name:        name,
			Description: "",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
	}
}

// ChatRequest is the internal request format. Reserved routing fields are
// stripped by the gateway before a request reaches this package.
type ChatRequest struct {
	Model              string      `json:"model,omitempty"`
	Messages           []Message   `json:"messages"`
	Tools              []Tool      `json:"tools,omitempty"`
	ToolChoice         interface{} `json:"tool_choice,omitempty"`
	Temperature        *float64    `json:"temperature,omitempty"`
	MaxTokens          *int        `json:"max_tokens,omitempty"`
	Stream             *bool       `json:"stream,omitempty"`
	ReasoningEffort    string      `json:"reasoning_effort,omitempty"`
	Verbosity          string      `json:"verbosity,omitempty"`
	PreviousResponseID string      `json:"previous_response_id,omitempty"`
}

// Wants reports whether streaming was requested; the gateway defaults an
// omitted stream field to true before reaching here.
func (r *ChatRequest) WantsStream() bool {
	return r.Stream != nil && *r.Stream
}

// Usage in the uniform Chat Completions naming.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ContentText flattens message content to a plain string. Array content
// yields its text parts joined by newlines; parts with no text are skipped.
func ContentText(content interface{}) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []interface{}:
		var parts []string
		for _, p := range v {
			part, ok := p.(map[string]interface{})
			if !ok {
				continue
			}
			if text, ok := part["text"].(string); ok && text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// MissingMessagesError is the adapter error raised for an empty message
// list.
type MissingMessagesError struct{}

func (MissingMessagesError) Error() string { return "missing_messages" }
