package providers

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(i int) *int    { return &i }
func boolPtr(b bool) *bool { return &b }

func TestChatCompletionsTranslateRequest(t *testing.T) {
	req := &ChatRequest{
		Model: "gpt-4o",
		Messages: []Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hello"},
		},
		MaxTokens: intPtr(256),
		Stream:    boolPtr(true),
	}

	wire, endpoint, err := ChatCompletionsAdapter{}.TranslateRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "/v1/chat/completions", endpoint)
	assert.Equal(t, "gpt-4o", wire["model"])
	assert.Equal(t, 256, wire["max_tokens"])
	assert.Equal(t, true, wire["stream"])

	messages := wire["messages"].([]map[string]interface{})
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0]["role"])
	assert.Equal(t, "hello", messages[1]["content"])
}

func TestChatCompletionsEmptyMessages(t *testing.T) {
	_, _, err := ChatCompletionsAdapter{}.TranslateRequest(&ChatRequest{Model: "gpt-4o"})
	var missing MissingMessagesError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "missing_messages", err.Error())
}

func TestChatCompletionsFlattensUserArrayContent(t *testing.T) {
	req := &ChatRequest{
		Model: "gpt-4o",
		Messages: []Message{
			{Role: "tool", ToolCallID: "call_1", Content: []interface{}{
				map[string]interface{}{"type": "text", "text": "result a"},
				map[string]interface{}{"type": "text", "text": "result b"},
			}},
		},
	}

	wire, _, err := ChatCompletionsAdapter{}.TranslateRequest(req)
	require.NoError(t, err)
	messages := wire["messages"].([]map[string]interface{})
	assert.Equal(t, "result a\nresult b", messages[0]["content"])
	assert.Equal(t, "call_1", messages[0]["tool_call_id"])
}

func TestChatCompletionsAssistantEmptyContentWithoutToolCalls(t *testing.T) {
	req := &ChatRequest{
		Model:    "gpt-4o",
		Messages: []Message{{Role: "assistant"}},
	}

	wire, _, err := ChatCompletionsAdapter{}.TranslateRequest(req)
	require.NoError(t, err)
	messages := wire["messages"].([]map[string]interface{})
	assert.Equal(t, "", messages[0]["content"])
}

func TestChatCompletionsDoubleEncodedResponse(t *testing.T) {
	inner := `{"id":"chatcmpl-1","choices":[]}`
	body, err := json.Marshal(inner)
	require.NoError(t, err)

	out, err := ChatCompletionsAdapter{}.TranslateResponse(body)
	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-1", out["id"])
}

func TestResponsesTranslateRequest(t *testing.T) {
	req := &ChatRequest{
		Model: "gpt-5",
		Messages: []Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", ToolCalls: []ToolCall{{
				ID:       "fc_1",
				Function: FunctionCall{Name: "get_time", Arguments: ""},
			}}},
			{Role: "tool", ToolCallID: "fc_1", Content: "12:00"},
		},
		MaxTokens:       intPtr(100),
		ReasoningEffort: "high",
	}

	wire, endpoint, err := ResponsesAdapter{}.TranslateRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "/v1/responses", endpoint)
	assert.Equal(t, 100, wire["max_output_tokens"])
	assert.Equal(t, map[string]interface{}{"effort": "high"}, wire["reasoning"])

	input := wire["input"].([]map[string]interface{})
	require.Len(t, input, 3)
	assert.Equal(t, "function_call", input[1]["type"])
	assert.Equal(t, "{}", input[1]["arguments"], "empty arguments must become an empty object")
	assert.Equal(t, "function_call_output", input[2]["type"])
	assert.Equal(t, "fc_1", input[2]["call_id"])
}

func TestResponsesToolsAreFlat(t *testing.T) {
	req := &ChatRequest{
		Model:    "gpt-5",
		Messages: []Message{{Role: "user", Content: "hi"}},
		Tools: []Tool{{
			Type: "function",
			Function: ToolFunction{
				Name:       "echo",
				Parameters: map[string]interface{}{"type": "object"},
			},
		}},
	}

	wire, _, err := ResponsesAdapter{}.TranslateRequest(req)
	require.NoError(t, err)
	tools := wire["tools"].([]map[string]interface{})
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0]["name"], "responses tools are not nested under function")
	assert.NotContains(t, tools[0], "function")
}

func TestResponsesTranslateResponse(t *testing.T) {
	body := []byte(`{
		"id": "resp_1",
		"model": "gpt-5",
		"status": "completed",
		"output": [
			{"type": "message", "content": [{"type": "output_text", "text": "hello"}]},
			{"type": "function_call", "call_id": "fc_9", "name": "echo", "arguments": "{\"x\":1}"}
		],
		"usage": {"input_tokens": 10, "output_tokens": 5}
	}`)

	out, err := ResponsesAdapter{}.TranslateResponse(body)
	require.NoError(t, err)

	choices := out["choices"].([]interface{})
	choice := choices[0].(map[string]interface{})
	assert.Equal(t, "tool_calls", choice["finish_reason"])

	message := choice["message"].(map[string]interface{})
	assert.Equal(t, "hello", message["content"])
	calls := message["tool_calls"].([]interface{})
	call := calls[0].(map[string]interface{})
	assert.Equal(t, "fc_9", call["id"])

	usage := out["usage"].(map[string]interface{})
	assert.Equal(t, 15, usage["total_tokens"])
}

func TestResponsesStreamTranslator(t *testing.T) {
	tr := ResponsesAdapter{}.StreamTranslator()

	chunks, done := tr.Translate(map[string]interface{}{
		"type":     "response.output_text.delta",
		"delta":    "hel",
		"response": map[string]interface{}{"id": "resp_1", "model": "gpt-5"},
	})
	require.False(t, done)
	require.Len(t, chunks, 2, "first delta carries the role chunk")
	delta0 := chunks[0]["choices"].([]interface{})[0].(map[string]interface{})["delta"].(map[string]interface{})
	assert.Equal(t, "assistant", delta0["role"])
	delta1 := chunks[1]["choices"].([]interface{})[0].(map[string]interface{})["delta"].(map[string]interface{})
	assert.Equal(t, "hel", delta1["content"])

	chunks, done = tr.Translate(map[string]interface{}{
		"type": "response.output_text.delta", "delta": "lo",
	})
	require.False(t, done)
	require.Len(t, chunks, 1)

	chunks, done = tr.Translate(map[string]interface{}{
		"type": "response.completed",
		"response": map[string]interface{}{
			"usage": map[string]interface{}{"input_tokens": float64(3), "output_tokens": float64(2)},
		},
	})
	require.True(t, done)
	require.Len(t, chunks, 1)
	choice := chunks[0]["choices"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "stop", choice["finish_reason"])
	assert.Equal(t, map[string]interface{}{
		"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5,
	}, chunks[0]["usage"])
}

func TestAnthropicTranslateRequest(t *testing.T) {
	req := &ChatRequest{
		Model: "claude-sonnet-4",
		Messages: []Message{
			{Role: "system", Content: "be helpful"},
			{Role: "user", Content: "hi"},
			{Role: "assistant", ToolCalls: []ToolCall{{
				ID:       "toolu_1",
				Function: FunctionCall{Name: "get_time", Arguments: `{"tz":"UTC"}`},
			}}},
			{Role: "tool", ToolCallID: "toolu_1", Content: "12:00"},
		},
		ToolChoice: "auto",
		Tools: []Tool{{
			Type: "function",
			Function: ToolFunction{
				Name:        "get_time",
				Description: "current time",
				Parameters:  map[string]interface{}{"type": "object"},
			},
		}},
	}

	wire, endpoint, err := AnthropicAdapter{}.TranslateRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "/v1/messages", endpoint)
	assert.Equal(t, "be helpful", wire["system"], "system message is lifted to top level")
	assert.Equal(t, 4096, wire["max_tokens"], "max_tokens is required and defaulted")
	assert.Equal(t, map[string]interface{}{"type": "auto"}, wire["tool_choice"])

	tools := wire["tools"].([]map[string]interface{})
	assert.Contains(t, tools[0], "input_schema")

	messages := wire["messages"].([]map[string]interface{})
	require.Len(t, messages, 3, "system message is not in the messages array")

	blocks := messages[1]["content"].([]interface{})
	block := blocks[0].(map[string]interface{})
	assert.Equal(t, "tool_use", block["type"])
	assert.Equal(t, map[string]interface{}{"tz": "UTC"}, block["input"])

	result := messages[2]["content"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "tool_result", result["type"])
	assert.Equal(t, "toolu_1", result["tool_use_id"])
	assert.Equal(t, "user", messages[2]["role"])
}

func TestAnthropicTranslateResponse(t *testing.T) {
	body := []byte(`{
		"id": "msg_1",
		"model": "claude-sonnet-4",
		"content": [
			{"type": "text", "text": "I'll check."},
			{"type": "tool_use", "id": "toolu_2", "name": "get_time", "input": {"tz": "UTC"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 20, "output_tokens": 8}
	}`)

	out, err := AnthropicAdapter{}.TranslateResponse(body)
	require.NoError(t, err)

	choice := out["choices"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "tool_calls", choice["finish_reason"])

	message := choice["message"].(map[string]interface{})
	assert.Equal(t, "I'll check.", message["content"])
	call := message["tool_calls"].([]interface{})[0].(map[string]interface{})
	fn := call["function"].(map[string]interface{})
	assert.Equal(t, "get_time", fn["name"])
	assert.JSONEq(t, `{"tz":"UTC"}`, fn["arguments"].(string))
}

func TestAnthropicStreamTranslator(t *testing.T) {
	tr := AnthropicAdapter{}.StreamTranslator()

	chunks, done := tr.Translate(map[string]interface{}{
		"type": "message_start",
		"message": map[string]interface{}{
			"id": "msg_1", "model": "claude-sonnet-4",
			"usage": map[string]interface{}{"input_tokens": float64(12)},
		},
	})
	require.False(t, done)
	require.Len(t, chunks, 1)
	assert.Equal(t, "msg_1", chunks[0]["id"])

	chunks, done = tr.Translate(map[string]interface{}{
		"type":  "content_block_delta",
		"index": float64(0),
		"delta": map[string]interface{}{"type": "text_delta", "text": "hi"},
	})
	require.False(t, done)
	require.Len(t, chunks, 1)

	chunks, done = tr.Translate(map[string]interface{}{
		"type":  "content_block_start",
		"index": float64(1),
		"content_block": map[string]interface{}{
			"type": "tool_use", "id": "toolu_1", "name": "get_time",
		},
	})
	require.False(t, done)
	delta := chunks[0]["choices"].([]interface{})[0].(map[string]interface{})["delta"].(map[string]interface{})
	calls := delta["tool_calls"].([]interface{})
	call := calls[0].(map[string]interface{})
	assert.Equal(t, 0, call["index"], "tool call index is the ordinal, not the block index")

	chunks, done = tr.Translate(map[string]interface{}{
		"type":  "content_block_delta",
		"index": float64(1),
		"delta": map[string]interface{}{"type": "input_json_delta", "partial_json": `{"tz":`},
	})
	require.False(t, done)
	require.Len(t, chunks, 1)

	_, done = tr.Translate(map[string]interface{}{
		"type":  "message_delta",
		"delta": map[string]interface{}{"stop_reason": "tool_use"},
		"usage": map[string]interface{}{"output_tokens": float64(7)},
	})
	require.False(t, done)

	chunks, done = tr.Translate(map[string]interface{}{"type": "message_stop"})
	require.True(t, done)
	choice := chunks[0]["choices"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "tool_calls", choice["finish_reason"])
	assert.Equal(t, map[string]interface{}{
		"prompt_tokens": 12, "completion_tokens": 7, "total_tokens": 19,
	}, chunks[0]["usage"])
}

func TestGeminiTranslateRequest(t *testing.T) {
	req := &ChatRequest{
		Model: "gemini-2.0-flash",
		Messages: []Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
			{Role: "tool", Name: "get_time", Content: "12:00"},
		},
		Temperature: func() *float64 { v := 0.5; return &v }(),
		Stream:      boolPtr(true),
	}

	wire, endpoint, err := GeminiAdapter{}.TranslateRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "/v1beta/models/gemini-2.0-flash:streamGenerateContent?alt=sse", endpoint)

	contents := wire["contents"].([]map[string]interface{})
	require.Len(t, contents, 3, "system message moves to systemInstruction")
	assert.Equal(t, "model", contents[1]["role"], "assistant is renamed to model")

	toolPart := contents[2]["parts"].([]interface{})[0].(map[string]interface{})
	fr := toolPart["functionResponse"].(map[string]interface{})
	assert.Equal(t, "get_time", fr["name"])

	gen := wire["generationConfig"].(map[string]interface{})
	assert.Equal(t, 0.5, gen["temperature"])

	sys := wire["systemInstruction"].(map[string]interface{})
	part := sys["parts"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "be brief", part["text"])
}

func TestGeminiUnaryEndpoint(t *testing.T) {
	req := &ChatRequest{
		Model:    "gemini-2.0-flash",
		Messages: []Message{{Role: "user", Content: "hi"}},
	}
	_, endpoint, err := GeminiAdapter{}.TranslateRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "/v1beta/models/gemini-2.0-flash:generateContent", endpoint)
}

func TestGeminiInlineData(t *testing.T) {
	parts := geminiParts([]interface{}{
		map[string]interface{}{"type": "text", "text": "what is this"},
		map[string]interface{}{"type": "image_url", "image_url": map[string]interface{}{
			"url": "data:image/png;base64,iVBORw0KGgo=",
		}},
	})
	require.Len(t, parts, 2)
	inline := parts[1].(map[string]interface{})["inlineData"].(map[string]interface{})
	assert.Equal(t, "image/png", inline["mimeType"])
	assert.Equal(t, "iVBORw0KGgo=", inline["data"])
}

func TestGeminiTranslateResponse(t *testing.T) {
	body := []byte(`{
		"candidates": [{
			"content": {"parts": [
				{"text": "Checking. "},
				{"functionCall": {"name": "get_time", "args": {"tz": "UTC"}}}
			]},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 9, "candidatesTokenCount": 4, "totalTokenCount": 13},
		"modelVersion": "gemini-2.0-flash"
	}`)

	out, err := GeminiAdapter{}.TranslateResponse(body)
	require.NoError(t, err)

	choice := out["choices"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "tool_calls", choice["finish_reason"], "function calls win over STOP")

	message := choice["message"].(map[string]interface{})
	assert.Equal(t, "Checking. ", message["content"])
	call := message["tool_calls"].([]interface{})[0].(map[string]interface{})
	assert.NotEmpty(t, call["id"], "gemini calls get a synthesized id")
}

func TestGeminiStreamTranslator(t *testing.T) {
	tr := GeminiAdapter{}.StreamTranslator()

	chunks, done := tr.Translate(map[string]interface{}{
		"candidates": []interface{}{
			map[string]interface{}{
				"content": map[string]interface{}{
					"parts": []interface{}{map[string]interface{}{"text": "hel"}},
				},
			},
		},
		"modelVersion": "gemini-2.0-flash",
	})
	require.False(t, done)
	require.Len(t, chunks, 2, "first text also emits the role chunk")

	chunks, done = tr.Translate(map[string]interface{}{
		"candidates": []interface{}{
			map[string]interface{}{
				"content": map[string]interface{}{
					"parts": []interface{}{map[string]interface{}{"text": "lo"}},
				},
				"finishReason": "STOP",
			},
		},
		"usageMetadata": map[string]interface{}{
			"promptTokenCount": float64(2), "candidatesTokenCount": float64(3), "totalTokenCount": float64(5),
		},
	})
	require.True(t, done)
	require.Len(t, chunks, 2)
	final := chunks[1]["choices"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "stop", final["finish_reason"])
}

func TestToolUnmarshalBareString(t *testing.T) {
	var tools []Tool
	err := json.Unmarshal([]byte(`["get_time", {"type":"function","function":{"name":"echo"}}]`), &tools)
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "get_time", tools[0].Function.Name)
	assert.Equal(t, "object", tools[0].Function.Parameters["type"])
	assert.Equal(t, "echo", tools[1].Function.Name)
}

func TestEffectiveIDPrefersCallID(t *testing.T) {
	tc := ToolCall{ID: "fc_a", CallID: "call_b"}
	assert.Equal(t, "call_b", tc.EffectiveID())
	assert.Equal(t, "fc_a", ToolCall{ID: "fc_a"}.EffectiveID())
}
