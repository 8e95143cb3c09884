package store

import (
	"context"
	"encoding/json"

	"github.com/qduc/relay/pkg/providers"
)

// BuildWireMessages reconstructs a wire-ready message list for a model
// re-invocation. Assistant rows carry their tool calls; tool rows become
// role:"tool" messages whose content is the output string. Any <thinking>
// prefix in stored assistant content is preserved verbatim. Draft rows are
// skipped: only terminal content reaches the model.
func (s *Store) BuildWireMessages(ctx context.Context, conversationID string) ([]providers.Message, error) {
	rows, err := s.GetAllMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	var messages []providers.Message
	for _, row := range rows {
		if row.Status == "draft" {
			continue
		}

		switch row.Role {
		case "system", "user":
			messages = append(messages, providers.Message{
				Role:    row.Role,
				Content: wireContent(row),
			})

		case "assistant":
			msg := providers.Message{
				Role:    "assistant",
				Content: row.Content,
			}
			for _, tc := range row.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, providers.ToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: providers.FunctionCall{
						Name:      tc.ToolName,
						Arguments: tc.Arguments,
					},
				})
			}
			messages = append(messages, msg)

		case "tool":
			// One tool row may carry several outputs; each becomes its own
			// wire message keyed by the call it answers.
			for _, out := range row.ToolOutputs {
				messages = append(messages, providers.Message{
					Role:       "tool",
					ToolCallID: out.ToolCallID,
					Content:    out.Output,
				})
			}
		}
	}
	return messages, nil
}

// wireContent restores structured multimodal content from content_json
// when present, falling back to the plain string.
func wireContent(row *Message) interface{} {
	if row.ContentJSON != "" {
		var v interface{}
		if err := json.Unmarshal([]byte(row.ContentJSON), &v); err == nil {
			return v
		}
	}
	return row.Content
}
