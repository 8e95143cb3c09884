package providers

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/qduc/relay/pkg/sse"
)

// ResponsesAdapter targets the OpenAI Responses API (/v1/responses).
// Chat-style messages become the Responses "input" array, and streaming
// events are rewritten into chat.completion.chunk frames.
type ResponsesAdapter struct{}

func (ResponsesAdapter) TranslateRequest(req *ChatRequest) (map[string]interface{}, string, error) {
	if len(req.Messages) == 0 {
		return nil, "", MissingMessagesError{}
	}

	input := make([]map[string]interface{}, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			input = append(input, map[string]interface{}{
				"role": "system",
				"content": []interface{}{
					map[string]interface{}{"type": "input_text", "text": ContentText(msg.Content)},
				},
			})

		case "user":
			if s, ok := msg.Content.(string); ok || msg.Content == nil {
				text := s
				input = append(input, map[string]interface{}{
					"role": "user",
					"content": []interface{}{
						map[string]interface{}{"type": "input_text", "text": text},
					},
				})
				continue
			}
			// Multimodal content: preserve parts, renaming text parts to
			// the Responses input_text type.
			parts, _ := msg.Content.([]interface{})
			converted := make([]interface{}, 0, len(parts))
			for _, p := range parts {
				part, ok := p.(map[string]interface{})
				if !ok {
					continue
				}
				if part["type"] == "text" {
					converted = append(converted, map[string]interface{}{
						"type": "input_text",
						"text": part["text"],
					})
				} else {
					converted = append(converted, part)
				}
			}
			input = append(input, map[string]interface{}{
				"role":    "user",
				"content": converted,
			})

		case "assistant":
			if len(msg.ToolCalls) > 0 {
				for _, tc := range msg.ToolCalls {
					input = append(input, map[string]interface{}{
						"type":      "function_call",
						"call_id":   tc.EffectiveID(),
						"name":      tc.Function.Name,
						"arguments": stringifyArguments(tc.Function.Arguments),
					})
				}
			}
			if text := ContentText(msg.Content); text != "" {
				input = append(input, map[string]interface{}{
					"role": "assistant",
					"content": []interface{}{
						map[string]interface{}{"type": "output_text", "text": text},
					},
				})
			}

		case "tool":
			input = append(input, map[string]interface{}{
				"type":    "function_call_output",
				"call_id": msg.ToolCallID,
				"output":  ContentText(msg.Content),
			})
		}
	}

	wire := map[string]interface{}{
		"model": req.Model,
		"input": input,
	}

	if len(req.Tools) > 0 {
		// Responses tools are flat, not nested under "function".
		tools := make([]map[string]interface{}, len(req.Tools))
		for i, tool := range req.Tools {
			tools[i] = map[string]interface{}{
				"type":       "function",
				"name":       tool.Function.Name,
				"parameters": tool.Function.Parameters,
			}
			if tool.Function.Description != "" {
				tools[i]["description"] = tool.Function.Description
			}
		}
		wire["tools"] = tools
	}
	if req.MaxTokens != nil {
		wire["max_output_tokens"] = *req.MaxTokens
	}
	if req.Temperature != nil {
		wire["temperature"] = *req.Temperature
	}
	if req.PreviousResponseID != "" {
		wire["previous_response_id"] = req.PreviousResponseID
	}
	if req.Stream != nil {
		wire["stream"] = *req.Stream
	}
	if req.ReasoningEffort != "" {
		wire["reasoning"] = map[string]interface{}{"effort": req.ReasoningEffort}
	}

	return wire, "/v1/responses", nil
}

// stringifyArguments guarantees the arguments field is a JSON string.
func stringifyArguments(args string) string {
	if args == "" {
		return "{}"
	}
	return args
}

func (ResponsesAdapter) TranslateResponse(body []byte) (map[string]interface{}, error) {
	var resp struct {
		ID     string `json:"id"`
		Model  string `json:"model"`
		Status string `json:"status"`
		Output []struct {
			Type      string `json:"type"`
			CallID    string `json:"call_id"`
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
			Content   []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
		Usage *struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	var text strings.Builder
	var toolCalls []interface{}
	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			for _, c := range item.Content {
				if c.Type == "output_text" {
					text.WriteString(c.Text)
				}
			}
		case "function_call":
			toolCalls = append(toolCalls, map[string]interface{}{
				"id":   item.CallID,
				"type": "function",
				"function": map[string]interface{}{
					"name":      item.Name,
					"arguments": stringifyArguments(item.Arguments),
				},
			})
		}
	}

	message := map[string]interface{}{
		"role":    "assistant",
		"content": text.String(),
	}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}

	finishReason := interface{}(nil)
	if resp.Status == "completed" {
		if len(toolCalls) > 0 {
			finishReason = "tool_calls"
		} else {
			finishReason = "stop"
		}
	}

	out := map[string]interface{}{
		"id":      resp.ID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   resp.Model,
		"choices": []interface{}{
			map[string]interface{}{
				"index":         0,
				"message":       message,
				"finish_reason": finishReason,
			},
		},
	}
	if resp.Usage != nil {
		out["usage"] = map[string]interface{}{
			"prompt_tokens":     resp.Usage.InputTokens,
			"completion_tokens": resp.Usage.OutputTokens,
			"total_tokens":      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}
	}
	return out, nil
}

func (ResponsesAdapter) TranslateStreamChunk(raw string) interface{} {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	if trimmed == Done {
		return Done
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return nil
	}
	return obj
}

func (ResponsesAdapter) NeedsStreamTranslation() bool { return true }

func (ResponsesAdapter) StreamTranslator() StreamTranslator {
	return &responsesStreamTranslator{}
}

// responsesStreamTranslator rewrites Responses API stream events into chat
// chunks. The first text delta also emits the assistant role chunk.
type responsesStreamTranslator struct {
	id       string
	model    string
	sentRole bool
}

func (t *responsesStreamTranslator) Translate(event map[string]interface{}) ([]map[string]interface{}, bool) {
	if resp, ok := event["response"].(map[string]interface{}); ok {
		if id, ok := resp["id"].(string); ok && id != "" {
			t.id = id
		}
		if model, ok := resp["model"].(string); ok && model != "" {
			t.model = model
		}
	}

	eventType, _ := event["type"].(string)
	switch eventType {
	case "response.output_text.delta":
		delta, _ := event["delta"].(string)
		if delta == "" {
			return nil, false
		}

		var chunks []map[string]interface{}
		if !t.sentRole {
			t.sentRole = true
			chunks = append(chunks, sse.Chunk(t.id, t.model,
				map[string]interface{}{"role": "assistant"}, ""))
		}
		chunks = append(chunks, sse.Chunk(t.id, t.model,
			map[string]interface{}{"content": delta}, ""))
		return chunks, false

	case "response.completed":
		final := sse.Chunk(t.id, t.model, map[string]interface{}{}, "stop")
		if resp, ok := event["response"].(map[string]interface{}); ok {
			if usage, ok := resp["usage"].(map[string]interface{}); ok {
				in := floatToInt(usage["input_tokens"])
				out := floatToInt(usage["output_tokens"])
				final["usage"] = map[string]interface{}{
					"prompt_tokens":     in,
					"completion_tokens": out,
					"total_tokens":      in + out,
				}
			}
		}
		return []map[string]interface{}{final}, true
	}

	return nil, false
}

func floatToInt(v interface{}) int {
	if f, ok := v.(float64); ok {
		return int(f)
	}
	return 0
}
