package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/qduc/relay/pkg/providers"
)

// SyncMessages reconciles an incoming client message list against stored
// history. A valid alignment applies the classified mutations; a fallback
// replaces wholesale after the longest matching prefix. Draft rows are
// invisible to the diff. Returns the computed diff for reporting.
func (s *Store) SyncMessages(ctx context.Context, conversationID string, incoming []providers.Message) (DiffResult, error) {
	stored, err := s.GetAllMessages(ctx, conversationID)
	if err != nil {
		return DiffResult{}, err
	}
	settled := stored[:0:0]
	for _, row := range stored {
		if row.Status != "draft" {
			settled = append(settled, row)
		}
	}

	diff := ComputeMessageDiff(settled, incoming)
	if diff.Fallback {
		if err := s.replaceAfterPrefix(ctx, conversationID, settled, incoming); err != nil {
			return diff, err
		}
		return diff, nil
	}
	if err := s.applyDiff(ctx, conversationID, diff); err != nil {
		return diff, err
	}
	return diff, nil
}

// applyDiff applies a valid diff's updates, deletes, and inserts.
func (s *Store) applyDiff(ctx context.Context, conversationID string, diff DiffResult) error {
	for _, upd := range diff.Updates {
		content, contentJSON := splitWireContent(upd.Incoming.Content)
		if err := s.UpdateMessageContent(ctx, upd.Stored.ID, content, contentJSON); err != nil {
			return err
		}
		for _, tc := range upd.ToolCallsToUpdate {
			if err := s.updateToolCall(ctx, tc); err != nil {
				return err
			}
		}
		for _, out := range upd.ToolOutputsToInsert {
			if err := s.insertToolOutput(ctx, out); err != nil {
				return err
			}
		}
		for _, out := range upd.ToolOutputsToUpdate {
			if err := s.updateToolOutput(ctx, out); err != nil {
				return err
			}
		}
	}

	if len(diff.Deletes) > 0 {
		if err := s.DeleteMessagesAfterSeq(ctx, conversationID, diff.Deletes[0].Seq-1); err != nil {
			return err
		}
	}

	for _, in := range diff.Inserts {
		if _, err := s.AppendMessage(ctx, MessageFromWire(conversationID, in)); err != nil {
			return err
		}
	}
	return nil
}

// replaceAfterPrefix is the fallback path: stored rows past the longest
// matching prefix are dropped and the remaining incoming messages are
// appended.
func (s *Store) replaceAfterPrefix(ctx context.Context, conversationID string, stored []*Message, incoming []providers.Message) error {
	prefix := 0
	for prefix < len(stored) && prefix < len(incoming) && sameIdentity(stored[prefix], incoming[prefix]) {
		prefix++
	}

	if prefix < len(stored) {
		if err := s.DeleteMessagesAfterSeq(ctx, conversationID, stored[prefix].Seq-1); err != nil {
			return err
		}
	}
	for _, in := range incoming[prefix:] {
		if _, err := s.AppendMessage(ctx, MessageFromWire(conversationID, in)); err != nil {
			return err
		}
	}
	return nil
}

// MessageFromWire converts an internal wire message into a storable row.
// Structured content lands in content_json with a flattened text copy.
func MessageFromWire(conversationID string, in providers.Message) *Message {
	content, contentJSON := splitWireContent(in.Content)
	msg := &Message{
		ConversationID: conversationID,
		Role:           in.Role,
		Content:        content,
		ContentJSON:    contentJSON,
		Status:         "final",
	}
	for i, tc := range in.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:        tc.EffectiveID(),
			CallIndex: i,
			ToolName:  tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if in.Role == "tool" && in.ToolCallID != "" {
		msg.ToolOutputs = append(msg.ToolOutputs, ToolOutput{
			ToolCallID: in.ToolCallID,
			Output:     content,
			Status:     "success",
		})
	}
	return msg
}

// splitWireContent flattens string content directly; anything structured
// is kept as a JSON blob alongside the flattened text.
func splitWireContent(content interface{}) (string, string) {
	switch v := content.(type) {
	case nil:
		return "", ""
	case string:
		return v, ""
	default:
		blob, err := json.Marshal(v)
		if err != nil {
			return providers.ContentText(v), ""
		}
		return providers.ContentText(v), string(blob)
	}
}

func (s *Store) updateToolCall(ctx context.Context, tc ToolCall) error {
	query := s.q(`UPDATE tool_calls SET tool_name = ?, arguments = ? WHERE message_id = ? AND call_index = ?`)
	if _, err := s.db.ExecContext(ctx, query, tc.ToolName, tc.Arguments, tc.MessageID, tc.CallIndex); err != nil {
		return fmt.Errorf("failed to update tool call: %w", err)
	}
	return nil
}

func (s *Store) insertToolOutput(ctx context.Context, out ToolOutput) error {
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.Status == "" {
		out.Status = "success"
	}
	query := s.q(`INSERT INTO tool_outputs (id, tool_call_id, message_id, output, status)
	              VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, out.ID, out.ToolCallID, out.MessageID, out.Output, out.Status); err != nil {
		return fmt.Errorf("failed to insert tool output: %w", err)
	}
	return nil
}

func (s *Store) updateToolOutput(ctx context.Context, out ToolOutput) error {
	query := s.q(`UPDATE tool_outputs SET output = ?, status = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, out.Output, out.Status, out.ID); err != nil {
		return fmt.Errorf("failed to update tool output: %w", err)
	}
	return nil
}
