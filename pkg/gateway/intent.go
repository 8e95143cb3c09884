package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/qduc/relay/pkg/providers"
	"github.com/qduc/relay/pkg/store"
)

// Intent is the optional body envelope directing how the gateway applies
// the request to stored history.
type Intent struct {
	Type            string `json:"type"`
	ClientOperation string `json:"client_operation"`

	// append_message
	ConversationID string `json:"conversation_id,omitempty"`
	AfterMessageID string `json:"after_message_id,omitempty"`
	AfterSeq       *int   `json:"after_seq,omitempty"`

	// edit_message
	MessageID   string `json:"message_id,omitempty"`
	ExpectedSeq int    `json:"expected_seq,omitempty"`
	Content     string `json:"content,omitempty"`
}

const (
	intentAppendMessage = "append_message"
	intentEditMessage   = "edit_message"
)

// parseIntent extracts and decodes the intent envelope from a raw body.
// A missing envelope returns (nil, nil): legacy behavior.
func parseIntent(raw map[string]interface{}) (*Intent, *apiError) {
	value, ok := raw["intent"]
	if !ok || value == nil {
		return nil, nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil, intentError(codeInvalidIntent, "intent envelope is not an object", "", nil)
	}
	var intent Intent
	if err := json.Unmarshal(data, &intent); err != nil {
		return nil, intentError(codeInvalidIntent, fmt.Sprintf("malformed intent: %v", err), "", nil)
	}

	switch intent.Type {
	case intentAppendMessage, intentEditMessage:
	case "":
		return nil, intentError(codeInvalidIntent, "intent.type is required", intent.ClientOperation, nil)
	default:
		return nil, intentError(codeInvalidIntent, fmt.Sprintf("unknown intent type %q", intent.Type), intent.ClientOperation, nil)
	}

	if intent.ClientOperation == "" {
		return nil, intentError(codeMissingRequiredField, "client_operation is required", "", map[string]interface{}{
			"field": "client_operation",
		})
	}
	return &intent, nil
}

// validateAppendIntent enforces the append_message contract: a targeted
// conversation requires both anchors, and after_seq must equal the
// current tail (optimistic lock).
func (s *Server) validateAppendIntent(ctx context.Context, intent *Intent, messages []providers.Message) *apiError {
	missing := func(field string) *apiError {
		return intentError(codeMissingRequiredField, fmt.Sprintf("%s is required", field), intent.ClientOperation, map[string]interface{}{
			"field": field,
		})
	}

	if len(messages) == 0 {
		return missing("messages")
	}
	if messages[0].Role != "user" {
		return intentError(codeInvalidIntent, "first message must have role \"user\"", intent.ClientOperation, nil)
	}

	if intent.ConversationID == "" {
		return nil
	}
	if intent.AfterMessageID == "" {
		return missing("after_message_id")
	}
	if intent.AfterSeq == nil {
		return missing("after_seq")
	}

	if !s.persisting() {
		return nil
	}
	if _, err := s.store.GetConversation(ctx, intent.ConversationID); err != nil {
		if errors.Is(err, store.ErrConversationNotFound) {
			return intentError(codeConversationNotFound, "conversation not found", intent.ClientOperation, nil)
		}
		return internalError(fmt.Sprintf("failed to load conversation: %v", err))
	}
	tailSeq, _, err := s.store.TailSeq(ctx, intent.ConversationID)
	if err != nil {
		return internalError(fmt.Sprintf("failed to read conversation tail: %v", err))
	}
	if *intent.AfterSeq != tailSeq {
		return intentError(codeSeqMismatch, "conversation has advanced past after_seq", intent.ClientOperation, map[string]interface{}{
			"field":    "after_seq",
			"expected": tailSeq,
			"actual":   *intent.AfterSeq,
		})
	}
	return nil
}

// validateEditIntent enforces the edit_message contract.
func validateEditIntent(intent *Intent) *apiError {
	missing := func(field string) *apiError {
		return intentError(codeMissingRequiredField, fmt.Sprintf("%s is required", field), intent.ClientOperation, map[string]interface{}{
			"field": field,
		})
	}
	if intent.MessageID == "" {
		return missing("message_id")
	}
	if intent.ExpectedSeq <= 0 {
		return intentError(codeInvalidIntent, "expected_seq must be positive", intent.ClientOperation, nil)
	}
	if intent.Content == "" {
		return missing("content")
	}
	return nil
}
