package providers

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qduc/relay/pkg/sse"
)

// GeminiAdapter targets the Google Generative Language API. Unlike the
// other families, the endpoint path embeds the model name and streaming
// is selected by the path rather than a body field.
type GeminiAdapter struct{}

func (GeminiAdapter) TranslateRequest(req *ChatRequest) (map[string]interface{}, string, error) {
	if len(req.Messages) == 0 {
		return nil, "", MissingMessagesError{}
	}

	var systemParts []string
	contents := make([]map[string]interface{}, 0, len(req.Messages))

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			if text := ContentText(msg.Content); text != "" {
				systemParts = append(systemParts, text)
			}

		case "user":
			contents = append(contents, map[string]interface{}{
				"role":  "user",
				"parts": geminiParts(msg.Content),
			})

		case "assistant":
			var parts []interface{}
			if text := ContentText(msg.Content); text != "" {
				parts = append(parts, map[string]interface{}{"text": text})
			}
			for _, tc := range msg.ToolCalls {
				args := map[string]interface{}{}
				if tc.Function.Arguments != "" {
					_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
				}
				parts = append(parts, map[string]interface{}{
					"functionCall": map[string]interface{}{
						"name": tc.Function.Name,
						"args": args,
					},
				})
			}
			if len(parts) == 0 {
				parts = append(parts, map[string]interface{}{"text": ""})
			}
			contents = append(contents, map[string]interface{}{
				"role":  "model",
				"parts": parts,
			})

		case "tool":
			// Gemini correlates tool results by function name, carried in
			// the message name field.
			contents = append(contents, map[string]interface{}{
				"role": "user",
				"parts": []interface{}{
					map[string]interface{}{
						"functionResponse": map[string]interface{}{
							"name": msg.Name,
							"response": map[string]interface{}{
								"result": ContentText(msg.Content),
							},
						},
					},
				},
			})
		}
	}

	wire := map[string]interface{}{
		"contents": contents,
	}

	if len(systemParts) > 0 {
		wire["systemInstruction"] = map[string]interface{}{
			"parts": []interface{}{
				map[string]interface{}{"text": strings.Join(systemParts, "\n\n")},
			},
		}
	}

	genConfig := map[string]interface{}{}
	if req.Temperature != nil {
		genConfig["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		genConfig["maxOutputTokens"] = *req.MaxTokens
	}
	if len(genConfig) > 0 {
		wire["generationConfig"] = genConfig
	}

	if len(req.Tools) > 0 {
		decls := make([]map[string]interface{}, len(req.Tools))
		for i, tool := range req.Tools {
			decls[i] = map[string]interface{}{
				"name":        tool.Function.Name,
				"description": tool.Function.Description,
				"parameters":  tool.Function.Parameters,
			}
		}
		wire["tools"] = []interface{}{
			map[string]interface{}{"functionDeclarations": decls},
		}
	}

	verb := "generateContent"
	if req.WantsStream() {
		verb = "streamGenerateContent?alt=sse"
	}
	endpoint := fmt.Sprintf("/v1beta/models/%s:%s", req.Model, verb)

	return wire, endpoint, nil
}

// geminiParts converts message content into the Gemini parts array.
// Image URL parts with data URIs become inlineData blobs.
func geminiParts(content interface{}) []interface{} {
	switch v := content.(type) {
	case string:
		return []interface{}{map[string]interface{}{"text": v}}
	case []interface{}:
		var parts []interface{}
		for _, p := range v {
			part, ok := p.(map[string]interface{})
			if !ok {
				continue
			}
			switch part["type"] {
			case "text":
				parts = append(parts, map[string]interface{}{"text": part["text"]})
			case "image_url":
				img, _ := part["image_url"].(map[string]interface{})
				url, _ := img["url"].(string)
				if mime, data, ok := parseDataURI(url); ok {
					parts = append(parts, map[string]interface{}{
						"inlineData": map[string]interface{}{
							"mimeType": mime,
							"data":     data,
						},
					})
				}
			}
		}
		if len(parts) == 0 {
			parts = append(parts, map[string]interface{}{"text": ""})
		}
		return parts
	default:
		return []interface{}{map[string]interface{}{"text": ContentText(content)}}
	}
}

// parseDataURI splits a "data:<mime>;base64,<data>" URI.
func parseDataURI(uri string) (mime, data string, ok bool) {
	if !strings.HasPrefix(uri, "data:") {
		return "", "", false
	}
	rest := strings.TrimPrefix(uri, "data:")
	semi := strings.Index(rest, ";base64,")
	if semi < 0 {
		return "", "", false
	}
	return rest[:semi], rest[semi+len(";base64,"):], true
}

func (GeminiAdapter) TranslateResponse(body []byte) (map[string]interface{}, error) {
	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text         string `json:"text"`
					FunctionCall *struct {
						Name string                 `json:"name"`
						Args map[string]interface{} `json:"args"`
					} `json:"functionCall"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
		UsageMetadata *struct {
			PromptTokenCount     int `json:"promptTokenCount"`
			CandidatesTokenCount int `json:"candidatesTokenCount"`
			TotalTokenCount      int `json:"totalTokenCount"`
		} `json:"usageMetadata"`
		ModelVersion string `json:"modelVersion"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	var text strings.Builder
	var toolCalls []interface{}
	finish := interface{}(nil)

	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		for _, part := range cand.Content.Parts {
			if part.FunctionCall != nil {
				args, _ := json.Marshal(part.FunctionCall.Args)
				toolCalls = append(toolCalls, map[string]interface{}{
					"id":   "call_" + uuid.NewString(),
					"type": "function",
					"function": map[string]interface{}{
						"name":      part.FunctionCall.Name,
						"arguments": string(args),
					},
				})
				continue
			}
			text.WriteString(part.Text)
		}
		finish = geminiFinishReason(cand.FinishReason, len(toolCalls) > 0)
	}

	message := map[string]interface{}{
		"role":    "assistant",
		"content": text.String(),
	}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}

	out := map[string]interface{}{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   resp.ModelVersion,
		"choices": []interface{}{
			map[string]interface{}{
				"index":         0,
				"message":       message,
				"finish_reason": finish,
			},
		},
	}
	if resp.UsageMetadata != nil {
		out["usage"] = map[string]interface{}{
			"prompt_tokens":     resp.UsageMetadata.PromptTokenCount,
			"completion_tokens": resp.UsageMetadata.CandidatesTokenCount,
			"total_tokens":      resp.UsageMetadata.TotalTokenCount,
		}
	}
	return out, nil
}

func geminiFinishReason(reason string, hasToolCalls bool) interface{} {
	if hasToolCalls {
		return "tool_calls"
	}
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	case "":
		return nil
	default:
		return strings.ToLower(reason)
	}
}

func (GeminiAdapter) TranslateStreamChunk(raw string) interface{} {
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

func (GeminiAdapter) NeedsStreamTranslation() bool { return true }

func (GeminiAdapter) StreamTranslator() StreamTranslator {
	return &geminiStreamTranslator{id: "chatcmpl-" + uuid.NewString()}
}

// geminiStreamTranslator rewrites streamGenerateContent events into chat
// chunks. Gemini never sends an explicit done event; the finish chunk is
// emitted when a candidate carries a finishReason.
type geminiStreamTranslator struct {
	id           string
	model        string
	sentRole     bool
	toolOrdinal  int
	promptTokens int
	outputTokens int
	totalTokens  int
}

func (t *geminiStreamTranslator) Translate(event map[string]interface{}) ([]map[string]interface{}, bool) {
	if model, ok := event["modelVersion"].(string); ok && model != "" {
		t.model = model
	}
	if usage, ok := event["usageMetadata"].(map[string]interface{}); ok {
		t.promptTokens = floatToInt(usage["promptTokenCount"])
		t.outputTokens = floatToInt(usage["candidatesTokenCount"])
		t.totalTokens = floatToInt(usage["totalTokenCount"])
	}

	candidates, _ := event["candidates"].([]interface{})
	if len(candidates) == 0 {
		return nil, false
	}
	cand, ok := candidates[0].(map[string]interface{})
	if !ok {
		return nil, false
	}

	var chunks []map[string]interface{}
	emit := func(delta map[string]interface{}) {
		if !t.sentRole {
			t.sentRole = true
			chunks = append(chunks, sse.Chunk(t.id, t.model,
				map[string]interface{}{"role": "assistant"}, ""))
		}
		chunks = append(chunks, sse.Chunk(t.id, t.model, delta, ""))
	}

	hasToolCall := false
	if content, ok := cand["content"].(map[string]interface{}); ok {
		parts, _ := content["parts"].([]interface{})
		for _, p := range parts {
			part, ok := p.(map[string]interface{})
			if !ok {
				continue
			}
			if fc, ok := part["functionCall"].(map[string]interface{}); ok {
				hasToolCall = true
				args, _ := json.Marshal(fc["args"])
				ordinal := t.toolOrdinal
				t.toolOrdinal++
				emit(map[string]interface{}{
					"tool_calls": []interface{}{
						map[string]interface{}{
							"index": ordinal,
							"id":    "call_" + uuid.NewString(),
							"type":  "function",
							"function": map[string]interface{}{
								"name":      fc["name"],
								"arguments": string(args),
							},
						},
					},
				})
				continue
			}
			if text, ok := part["text"].(string); ok && text != "" {
				emit(map[string]interface{}{"content": text})
			}
		}
	}

	reason, _ := cand["finishReason"].(string)
	if reason == "" {
		return chunks, false
	}

	finish := "stop"
	if fr, ok := geminiFinishReason(reason, hasToolCall || t.toolOrdinal > 0).(string); ok {
		finish = fr
	}
	final := sse.Chunk(t.id, t.model, map[string]interface{}{}, finish)
	final["usage"] = map[string]interface{}{
		"prompt_tokens":     t.promptTokens,
		"completion_tokens": t.outputTokens,
		"total_tokens":      t.totalTokens,
	}
	return append(chunks, final), true
}
