package providers

import (
	"encoding/json"
	"strings"
)

// ChatCompletionsAdapter targets OpenAI-compatible /v1/chat/completions
// endpoints. Translation is mostly a passthrough: the internal format is
// already Chat-Completions-shaped.
type ChatCompletionsAdapter struct{}

func (ChatCompletionsAdapter) TranslateRequest(req *ChatRequest) (map[string]interface{}, string, error) {
	if len(req.Messages) == 0 {
		return nil, "", MissingMessagesError{}
	}

	messages := make([]map[string]interface{}, 0, len(req.Messages))
	for _, msg := range req.Messages {
		m := map[string]interface{}{"role": msg.Role}

		content := msg.Content
		// Non-assistant roles must carry string content on this wire.
		if msg.Role != "assistant" {
			if _, isString := content.(string); !isString && content != nil {
				content = ContentText(content)
			}
		}
		if content != nil {
			m["content"] = content
		}
		if msg.Role == "assistant" && content == nil && len(msg.ToolCalls) == 0 {
			m["content"] = ""
		}

		if msg.Name != "" {
			m["name"] = msg.Name
		}
		if msg.ToolCallID != "" {
			m["tool_call_id"] = msg.ToolCallID
		}
		if len(msg.ToolCalls) > 0 {
			calls := make([]map[string]interface{}, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				calls[i] = map[string]interface{}{
					"id":   tc.EffectiveID(),
					"type": "function",
					"function": map[string]interface{}{
						"name":      tc.Function.Name,
						"arguments": tc.Function.Arguments,
					},
				}
			}
			m["tool_calls"] = calls
		}

		messages = append(messages, m)
	}

	wire := map[string]interface{}{
		"model":    req.Model,
		"messages": messages,
	}

	if len(req.Tools) > 0 {
		tools := make([]map[string]interface{}, len(req.Tools))
		for i, tool := range req.Tools {
			tools[i] = map[string]interface{}{
				"type": "function",
				"function": map[string]interface{}{
					"name":        tool.Function.Name,
					"description": tool.Function.Description,
					"parameters":  tool.Function.Parameters,
				},
			}
		}
		wire["tools"] = tools
	}
	if req.ToolChoice != nil {
		wire["tool_choice"] = req.ToolChoice
	}
	if req.Temperature != nil {
		wire["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		wire["max_tokens"] = *req.MaxTokens
	}
	if req.Stream != nil {
		wire["stream"] = *req.Stream
	}
	if req.ReasoningEffort != "" {
		wire["reasoning_effort"] = req.ReasoningEffort
	}
	if req.Verbosity != "" {
		wire["verbosity"] = req.Verbosity
	}

	return wire, "/v1/chat/completions", nil
}

func (ChatCompletionsAdapter) TranslateResponse(body []byte) (map[string]interface{}, error) {
	var parsed interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}

	// Some proxies double-encode: a JSON string whose content is the object.
	if s, ok := parsed.(string); ok {
		var inner map[string]interface{}
		if err := json.Unmarshal([]byte(s), &inner); err != nil {
			return nil, err
		}
		return inner, nil
	}

	if obj, ok := parsed.(map[string]interface{}); ok {
		return obj, nil
	}
	return map[string]interface{}{"data": parsed}, nil
}

func (ChatCompletionsAdapter) TranslateStreamChunk(raw string) interface{} {
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

func (ChatCompletionsAdapter) NeedsStreamTranslation() bool { return false }

func (ChatCompletionsAdapter) StreamTranslator() StreamTranslator {
	return passthroughTranslator{}
}
