package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEditNotAllowed = fmt.Errorf("only user messages can be edited")
	ErrSeqMismatch    = fmt.Errorf("message seq does not match expected seq")
)

// EditOperations reports what an edit did, in terms of the original
// conversation: the updated message and the trailing messages that the
// fork leaves behind. The original rows themselves are untouched.
type EditOperations struct {
	Updated []*Message `json:"updated"`
	Deleted []*Message `json:"deleted"`
}

// EditAsFork applies an edit to a user message by forking: the
// conversation is copied up to and including the edited message, the edit
// lands on the copy, and the fork's id is returned. The original
// conversation is never mutated.
func (s *Store) EditAsFork(ctx context.Context, conversationID, messageID string, expectedSeq int, newContent string) (string, *EditOperations, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return "", nil, err
	}

	target, err := s.GetMessage(ctx, conversationID, messageID)
	if err != nil {
		return "", nil, err
	}
	if target.Role != "user" {
		return "", nil, ErrEditNotAllowed
	}
	if target.Seq != expectedSeq {
		return "", nil, fmt.Errorf("%w: expected %d, actual %d", ErrSeqMismatch, expectedSeq, target.Seq)
	}

	messages, err := s.GetAllMessages(ctx, conversationID)
	if err != nil {
		return "", nil, err
	}

	forkID := uuid.NewString()
	now := time.Now()

	metadata := map[string]interface{}{}
	for k, v := range conv.Metadata {
		metadata[k] = v
	}
	metadata["forked_from"] = conversationID
	metadata["forked_at_message"] = messageID

	fork := &Conversation{
		ID:         forkID,
		UserID:     conv.UserID,
		SessionID:  conv.SessionID,
		Title:      conv.Title,
		Model:      conv.Model,
		ProviderID: conv.ProviderID,
		Metadata:   metadata,
	}
	if err := s.CreateConversation(ctx, fork); err != nil {
		return "", nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ops := &EditOperations{}
	for _, msg := range messages {
		if msg.Seq > target.Seq {
			ops.Deleted = append(ops.Deleted, msg)
			continue
		}

		copied := *msg
		copied.ID = uuid.NewString()
		copied.ConversationID = forkID
		if msg.ID == messageID {
			copied.Content = newContent
			copied.ContentJSON = ""
		}

		if err := s.insertMessageTx(ctx, tx, &copied, now); err != nil {
			return "", nil, fmt.Errorf("failed to copy message %s: %w", msg.ID, err)
		}

		// Tool artifacts move with their owning message.
		artifacts := Message{ID: copied.ID, ToolCalls: msg.ToolCalls, ToolOutputs: msg.ToolOutputs}
		for i := range artifacts.ToolOutputs {
			artifacts.ToolOutputs[i].ID = uuid.NewString()
		}
		if err := s.insertToolArtifactsTx(ctx, tx, &artifacts); err != nil {
			return "", nil, fmt.Errorf("failed to copy tool artifacts: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", nil, fmt.Errorf("failed to commit fork: %w", err)
	}

	ops.Updated = append(ops.Updated, target)
	s.journal(ctx, conversationID, messageID, "edit_as_fork", map[string]interface{}{
		"fork_conversation_id": forkID,
		"expected_seq":         expectedSeq,
	})
	return forkID, ops, nil
}
