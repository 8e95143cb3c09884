package providers

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/qduc/relay/pkg/sse"
)

// AnthropicAdapter targets the Anthropic Messages API (/v1/messages).
type AnthropicAdapter struct{}

func (AnthropicAdapter) TranslateRequest(req *ChatRequest) (map[string]interface{}, string, error) {
	if len(req.Messages) == 0 {
		return nil, "", MissingMessagesError{}
	}

	var systemParts []string
	messages := make([]map[string]interface{}, 0, len(req.Messages))

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			// System messages are lifted into the top-level system string.
			if text := ContentText(msg.Content); text != "" {
				systemParts = append(systemParts, text)
			}

		case "user":
			messages = append(messages, map[string]interface{}{
				"role":    "user",
				"content": msg.Content,
			})

		case "assistant":
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, map[string]interface{}{
					"role":    "assistant",
					"content": msg.Content,
				})
				continue
			}

			var blocks []interface{}
			if text := ContentText(msg.Content); text != "" {
				blocks = append(blocks, map[string]interface{}{
					"type": "text",
					"text": text,
				})
			}
			for _, tc := range msg.ToolCalls {
				input := map[string]interface{}{}
				if tc.Function.Arguments != "" {
					_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
				}
				blocks = append(blocks, map[string]interface{}{
					"type":  "tool_use",
					"id":    tc.EffectiveID(),
					"name":  tc.Function.Name,
					"input": input,
				})
			}
			messages = append(messages, map[string]interface{}{
				"role":    "assistant",
				"content": blocks,
			})

		case "tool":
			messages = append(messages, map[string]interface{}{
				"role": "user",
				"content": []interface{}{
					map[string]interface{}{
						"type":        "tool_result",
						"tool_use_id": msg.ToolCallID,
						"content":     ContentText(msg.Content),
					},
				},
			})
		}
	}

	maxTokens := 4096
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	wire := map[string]interface{}{
		"model":      req.Model,
		"messages":   messages,
		"max_tokens": maxTokens,
	}

	if len(systemParts) > 0 {
		wire["system"] = strings.Join(systemParts, "\n\n")
	}
	if req.Temperature != nil {
		wire["temperature"] = *req.Temperature
	}
	if req.Stream != nil {
		wire["stream"] = *req.Stream
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]interface{}, len(req.Tools))
		for i, tool := range req.Tools {
			tools[i] = map[string]interface{}{
				"name":         tool.Function.Name,
				"description":  tool.Function.Description,
				"input_schema": tool.Function.Parameters,
			}
		}
		wire["tools"] = tools
	}
	if req.ToolChoice != nil {
		if s, ok := req.ToolChoice.(string); ok {
			wire["tool_choice"] = map[string]interface{}{"type": s}
		} else {
			wire["tool_choice"] = req.ToolChoice
		}
	}

	return wire, "/v1/messages", nil
}

func (AnthropicAdapter) TranslateResponse(body []byte) (map[string]interface{}, error) {
	var resp struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Content []struct {
			Type  string                 `json:"type"`
			Text  string                 `json:"text"`
			ID    string                 `json:"id"`
			Name  string                 `json:"name"`
			Input map[string]interface{} `json:"input"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Usage      struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	var text strings.Builder
	var toolCalls []interface{}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args, _ := json.Marshal(block.Input)
			toolCalls = append(toolCalls, map[string]interface{}{
				"id":   block.ID,
				"type": "function",
				"function": map[string]interface{}{
					"name":      block.Name,
					"arguments": string(args),
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

	return map[string]interface{}{
		"id":      resp.ID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   resp.Model,
		"choices": []interface{}{
			map[string]interface{}{
				"index":         0,
				"message":       message,
				"finish_reason": anthropicFinishReason(resp.StopReason),
			},
		},
		"usage": map[string]interface{}{
			"prompt_tokens":     resp.Usage.InputTokens,
			"completion_tokens": resp.Usage.OutputTokens,
			"total_tokens":      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

func anthropicFinishReason(stopReason string) interface{} {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	case "":
		return nil
	default:
		return stopReason
	}
}

func (AnthropicAdapter) TranslateStreamChunk(raw string) interface{} {
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

func (AnthropicAdapter) NeedsStreamTranslation() bool { return true }

func (AnthropicAdapter) StreamTranslator() StreamTranslator {
	return &anthropicStreamTranslator{toolIndexes: make(map[int]int)}
}

// anthropicStreamTranslator rewrites Anthropic stream events into chat
// chunks. Tool-use blocks are surfaced as incremental tool_calls deltas
// keyed by their ordinal, mirroring how Chat Completions streams them.
type anthropicStreamTranslator struct {
	id           string
	model        string
	sentRole     bool
	stopReason   string
	inputTokens  int
	outputTokens int
	toolIndexes  map[int]int // content block index -> tool call ordinal
	toolOrdinal  int
}

func (t *anthropicStreamTranslator) Translate(event map[string]interface{}) ([]map[string]interface{}, bool) {
	eventType, _ := event["type"].(string)

	switch eventType {
	case "message_start":
		if msg, ok := event["message"].(map[string]interface{}); ok {
			if id, ok := msg["id"].(string); ok {
				t.id = id
			}
			if model, ok := msg["model"].(string); ok {
				t.model = model
			}
			if usage, ok := msg["usage"].(map[string]interface{}); ok {
				t.inputTokens = floatToInt(usage["input_tokens"])
			}
		}
		t.sentRole = true
		return []map[string]interface{}{
			sse.Chunk(t.id, t.model, map[string]interface{}{"role": "assistant"}, ""),
		}, false

	case "content_block_start":
		block, ok := event["content_block"].(map[string]interface{})
		if !ok || block["type"] != "tool_use" {
			return nil, false
		}
		blockIndex := floatToInt(event["index"])
		ordinal := t.toolOrdinal
		t.toolOrdinal++
		t.toolIndexes[blockIndex] = ordinal

		return []map[string]interface{}{
			sse.Chunk(t.id, t.model, map[string]interface{}{
				"tool_calls": []interface{}{
					map[string]interface{}{
						"index": ordinal,
						"id":    block["id"],
						"type":  "function",
						"function": map[string]interface{}{
							"name":      block["name"],
							"arguments": "",
						},
					},
				},
			}, ""),
		}, false

	case "content_block_delta":
		delta, ok := event["delta"].(map[string]interface{})
		if !ok {
			return nil, false
		}

		switch delta["type"] {
		case "text_delta":
			text, _ := delta["text"].(string)
			if text == "" {
				return nil, false
			}
			var chunks []map[string]interface{}
			if !t.sentRole {
				t.sentRole = true
				chunks = append(chunks, sse.Chunk(t.id, t.model,
					map[string]interface{}{"role": "assistant"}, ""))
			}
			chunks = append(chunks, sse.Chunk(t.id, t.model,
				map[string]interface{}{"content": text}, ""))
			return chunks, false

		case "input_json_delta":
			partial, _ := delta["partial_json"].(string)
			blockIndex := floatToInt(event["index"])
			ordinal, ok := t.toolIndexes[blockIndex]
			if !ok || partial == "" {
				return nil, false
			}
			return []map[string]interface{}{
				sse.Chunk(t.id, t.model, map[string]interface{}{
					"tool_calls": []interface{}{
						map[string]interface{}{
							"index":    ordinal,
							"function": map[string]interface{}{"arguments": partial},
						},
					},
				}, ""),
			}, false
		}
		return nil, false

	case "message_delta":
		if delta, ok := event["delta"].(map[string]interface{}); ok {
			if stop, ok := delta["stop_reason"].(string); ok {
				t.stopReason = stop
			}
		}
		if usage, ok := event["usage"].(map[string]interface{}); ok {
			t.outputTokens = floatToInt(usage["output_tokens"])
		}
		return nil, false

	case "message_stop":
		finish := "stop"
		if fr, ok := anthropicFinishReason(t.stopReason).(string); ok {
			finish = fr
		}
		final := sse.Chunk(t.id, t.model, map[string]interface{}{}, finish)
		final["usage"] = map[string]interface{}{
			"prompt_tokens":     t.inputTokens,
			"completion_tokens": t.outputTokens,
			"total_tokens":      t.inputTokens + t.outputTokens,
		}
		return []map[string]interface{}{final}, true
	}

	return nil, false
}
