package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/qduc/relay/pkg/auth"
	"github.com/qduc/relay/pkg/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if !s.persisting() {
		writeError(w, invalidRequest("persistence is disabled"))
		return
	}

	limit, offset := pageParams(r)
	conversations, err := s.store.ListConversations(r.Context(), auth.UserID(r), limit, offset)
	if err != nil {
		writeError(w, internalError(fmt.Sprintf("failed to list conversations: %v", err)))
		return
	}
	if conversations == nil {
		conversations = []*store.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversations": conversations,
		"limit":         limit,
		"offset":        offset,
		"has_more":      len(conversations) == limit,
	})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if !s.persisting() {
		writeError(w, invalidRequest("persistence is disabled"))
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.store.DeleteConversation(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrConversationNotFound) {
			writeError(w, notFound("conversation not found"))
			return
		}
		writeError(w, internalError(fmt.Sprintf("failed to delete conversation: %v", err)))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "id": id})
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	if !s.persisting() {
		writeError(w, invalidRequest("persistence is disabled"))
		return
	}

	id := chi.URLParam(r, "id")
	conv, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrConversationNotFound) {
			writeError(w, notFound("conversation not found"))
			return
		}
		writeError(w, internalError(fmt.Sprintf("failed to load conversation: %v", err)))
		return
	}

	limit, offset := pageParams(r)
	messages, err := s.store.GetMessagesPage(r.Context(), id, limit, offset)
	if err != nil {
		writeError(w, internalError(fmt.Sprintf("failed to load messages: %v", err)))
		return
	}
	if messages == nil {
		messages = []*store.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation": conv,
		"messages":     messages,
		"limit":        limit,
		"offset":       offset,
		"has_more":     len(messages) == limit,
	})
}

// handleEditMessage rewrites a user message by forking the conversation
// at that point. The original rows are never mutated; the response names
// the fork and reports the edit in terms of the original history.
func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	if !s.persisting() {
		writeError(w, invalidRequest("persistence is disabled"))
		return
	}

	var raw map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, invalidRequest("invalid JSON body"))
		return
	}

	intent, apiErr := editIntentFromBody(raw)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}
	intent.MessageID = chi.URLParam(r, "mid")
	if apiErr := validateEditIntent(intent); apiErr != nil {
		writeError(w, apiErr)
		return
	}

	conversationID := chi.URLParam(r, "id")
	forkID, ops, err := s.store.EditAsFork(r.Context(), conversationID, intent.MessageID, intent.ExpectedSeq, intent.Content)
	if err != nil {
		writeError(w, editError(err, intent))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":              true,
		"fork_conversation_id": forkID,
		"operations":           ops,
	})
}

// editIntentFromBody accepts either the intent envelope or flat edit
// fields at the top level.
func editIntentFromBody(raw map[string]interface{}) (*Intent, *apiError) {
	if _, ok := raw["intent"]; ok {
		intent, apiErr := parseIntent(raw)
		if apiErr != nil {
			return nil, apiErr
		}
		if intent.Type != intentEditMessage {
			return nil, intentError(codeInvalidIntent,
				fmt.Sprintf("expected edit_message intent, got %q", intent.Type), intent.ClientOperation, nil)
		}
		return intent, nil
	}

	intent := &Intent{
		Type:            intentEditMessage,
		ClientOperation: stringField(raw, "client_operation"),
		Content:         stringField(raw, "content"),
	}
	if v, ok := raw["expected_seq"].(float64); ok {
		intent.ExpectedSeq = int(v)
	}
	return intent, nil
}

func editError(err error, intent *Intent) *apiError {
	switch {
	case errors.Is(err, store.ErrEditNotAllowed):
		return intentError(codeEditNotAllowed, "only user messages can be edited", intent.ClientOperation, nil)
	case errors.Is(err, store.ErrSeqMismatch):
		return intentError(codeSeqMismatch, err.Error(), intent.ClientOperation, map[string]interface{}{
			"field": "expected_seq",
		})
	case errors.Is(err, store.ErrConversationNotFound):
		return notFound("conversation not found")
	case errors.Is(err, store.ErrMessageNotFound):
		return notFound("message not found")
	default:
		return internalError(fmt.Sprintf("failed to edit message: %v", err))
	}
}

func notFound(msg string) *apiError {
	return &apiError{Kind: kindInvalidRequest, Message: msg, status: http.StatusNotFound}
}

func pageParams(r *http.Request) (limit, offset int) {
	limit = defaultPageSize
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
