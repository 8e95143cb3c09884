package ratelimit

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkoukk/tiktoken-go"
)

// maxEstimateBytes bounds how much of a request body the estimator reads.
const maxEstimateBytes = 1 << 20

// NewTokenEstimator builds a request token estimator backed by the
// tiktoken encoding for the given model. When the encoding cannot be
// loaded the estimator falls back to a bytes/4 heuristic. The request
// body is restored after reading.
func NewTokenEstimator(model string) func(r *http.Request) int64 {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, _ = tiktoken.GetEncoding("cl100k_base")
	}

	return func(r *http.Request) int64 {
		if r.Body == nil {
			return 0
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxEstimateBytes))
		if err != nil {
			return 0
		}
		r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))

		text := extractMessageText(body)
		if text == "" {
			return 0
		}
		if enc == nil {
			return int64(len(text) / 4)
		}
		return int64(len(enc.Encode(text, nil, nil)))
	}
}

// extractMessageText concatenates the textual content of a chat request
// body. Non-chat bodies yield "".
func extractMessageText(body []byte) string {
	var req struct {
		Messages []struct {
			Content interface{} `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return ""
	}

	var b bytes.Buffer
	for _, m := range req.Messages {
		switch v := m.Content.(type) {
		case string:
			b.WriteString(v)
			b.WriteByte('\n')
		case []interface{}:
			for _, p := range v {
				part, ok := p.(map[string]interface{})
				if !ok {
					continue
				}
				if text, ok := part["text"].(string); ok {
					b.WriteString(text)
					b.WriteByte('\n')
				}
			}
		}
	}
	return b.String()
}
