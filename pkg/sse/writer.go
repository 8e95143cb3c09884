package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SetupHeaders writes the SSE response headers and flushes them when the
// underlying writer supports flushing. Safe to call on writers that do not.
func SetupHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Chunk builds a chat.completion.chunk envelope around the given delta.
// An empty finishReason is serialized as null.
func Chunk(id, model string, delta map[string]interface{}, finishReason string) map[string]interface{} {
	var finish interface{}
	if finishReason != "" {
		finish = finishReason
	}

	return map[string]interface{}{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []interface{}{
			map[string]interface{}{
				"index":         0,
				"delta":         delta,
				"finish_reason": finish,
			},
		},
	}
}

// WriteEvent writes one data frame carrying the JSON-encoded payload and
// flushes if the writer supports it.
func WriteEvent(w http.ResponseWriter, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal SSE payload: %w", err)
	}

	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}

	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

// WriteRaw writes one data frame with a preserialized payload.
func WriteRaw(w http.ResponseWriter, payload []byte) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}

	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

// WriteDone writes the terminal [DONE] frame.
func WriteDone(w http.ResponseWriter) error {
	if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err != nil {
		return err
	}

	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}
