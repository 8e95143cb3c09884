package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, dialect, err := Open(":memory:")
	require.NoError(t, err)
	s, err := New(db, dialect, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestConversation(t *testing.T, s *Store) *Conversation {
	t.Helper()
	conv := &Conversation{UserID: "user-1", Title: "test", Model: "gpt-4o", ProviderID: "openai"}
	require.NoError(t, s.CreateConversation(context.Background(), conv))
	return conv
}

func TestConversationLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newTestConversation(t, s)
	require.NotEmpty(t, conv.ID)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "test", got.Title)
	assert.Equal(t, "openai", got.ProviderID)

	list, err := s.ListConversations(ctx, "user-1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteConversation(ctx, conv.ID))
	_, err = s.GetConversation(ctx, conv.ID)
	assert.ErrorIs(t, err, ErrConversationNotFound)

	// Soft delete: second delete finds nothing active.
	assert.ErrorIs(t, s.DeleteConversation(ctx, conv.ID), ErrConversationNotFound)
}

func TestSeqAllocationIsGapFree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newTestConversation(t, s)

	for i := 0; i < 5; i++ {
		msg, err := s.AppendMessage(ctx, &Message{
			ConversationID: conv.ID, Role: "user", Content: "msg",
		})
		require.NoError(t, err)
		assert.Equal(t, i+1, msg.Seq)
	}

	seq, _, err := s.TailSeq(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, seq)
}

func TestTailSeqEmptyConversation(t *testing.T) {
	s := newTestStore(t)
	conv := newTestConversation(t, s)

	seq, id, err := s.TailSeq(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, seq)
	assert.Empty(t, id)
}

func TestDraftLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newTestConversation(t, s)

	_, err := s.AppendMessage(ctx, &Message{ConversationID: conv.ID, Role: "user", Content: "hi"})
	require.NoError(t, err)

	draft, err := s.BeginDraft(ctx, conv.ID, CheckpointPolicy{Enabled: true, MinChars: 4, Interval: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 2, draft.Seq())

	hasDraft, err := s.HasDraft(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, hasDraft)

	draft.Append(ctx, "he")
	draft.Append(ctx, "llo ")
	draft.Append(ctx, "world")
	assert.Equal(t, "hello world", draft.Content())

	// The min-chars checkpoint fired; the row holds at least the first
	// checkpointed slice while still a draft.
	row, err := s.GetMessage(ctx, conv.ID, draft.MessageID())
	require.NoError(t, err)
	assert.Equal(t, "draft", row.Status)
	assert.NotEmpty(t, row.Content)

	final, err := draft.Finalize(ctx, FinalizeParams{
		FinishReason: "stop", TokensIn: 7, TokensOut: 3, TokensTotal: 10,
		ToolCalls: []ToolCall{{ID: "call_1", ToolName: "get_time", Arguments: "{}"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "final", final.Status)
	assert.Equal(t, "hello world", final.Content)

	row, err = s.GetMessage(ctx, conv.ID, draft.MessageID())
	require.NoError(t, err)
	assert.Equal(t, "final", row.Status)
	assert.Equal(t, "stop", row.FinishReason)
	assert.Equal(t, 10, row.TokensTotal)
	require.Len(t, row.ToolCalls, 1)
	assert.Equal(t, "call_1", row.ToolCalls[0].ID)

	// Terminal rows cannot be finalized twice.
	_, err = draft.Finalize(ctx, FinalizeParams{FinishReason: "stop"})
	assert.Error(t, err)
}

func TestDraftMarkErrorPreservesContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newTestConversation(t, s)

	draft, err := s.BeginDraft(ctx, conv.ID, DefaultCheckpointPolicy())
	require.NoError(t, err)
	draft.Append(ctx, "partial answ")
	require.NoError(t, draft.MarkError(ctx))

	row, err := s.GetMessage(ctx, conv.ID, draft.MessageID())
	require.NoError(t, err)
	assert.Equal(t, "error", row.Status)
	assert.Equal(t, "error", row.FinishReason)
	assert.Equal(t, "partial answ", row.Content)

	// MarkError is idempotent.
	require.NoError(t, draft.MarkError(ctx))
}

func TestDraftMarkErrorBeforeAnyContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newTestConversation(t, s)

	draft, err := s.BeginDraft(ctx, conv.ID, DefaultCheckpointPolicy())
	require.NoError(t, err)
	require.NoError(t, draft.MarkError(ctx))

	row, err := s.GetMessage(ctx, conv.ID, draft.MessageID())
	require.NoError(t, err)
	assert.Equal(t, "error", row.Status)
	assert.Equal(t, "", row.Content)
}

func TestBeginDraftSupersedesStaleDraft(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newTestConversation(t, s)

	stale, err := s.BeginDraft(ctx, conv.ID, DefaultCheckpointPolicy())
	require.NoError(t, err)
	stale.Append(ctx, "half an answ")

	fresh, err := s.BeginDraft(ctx, conv.ID, DefaultCheckpointPolicy())
	require.NoError(t, err)
	assert.Equal(t, stale.Seq()+1, fresh.Seq())

	// The first draft's row flipped to error.
	row, err := s.GetMessage(ctx, conv.ID, stale.MessageID())
	require.NoError(t, err)
	assert.Equal(t, "error", row.Status)
	assert.Equal(t, "error", row.FinishReason)

	// Its owner cannot resurrect it.
	_, err = stale.Finalize(ctx, FinalizeParams{FinishReason: "stop"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "superseded")

	row, err = s.GetMessage(ctx, conv.ID, stale.MessageID())
	require.NoError(t, err)
	assert.Equal(t, "error", row.Status)

	final, err := fresh.Finalize(ctx, FinalizeParams{FinishReason: "stop"})
	require.NoError(t, err)
	assert.Equal(t, "final", final.Status)

	hasDraft, err := s.HasDraft(ctx, conv.ID)
	require.NoError(t, err)
	assert.False(t, hasDraft)
}

func TestGetMessagesPageAttachesArtifacts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newTestConversation(t, s)

	_, err := s.AppendMessage(ctx, &Message{ConversationID: conv.ID, Role: "user", Content: "what time"})
	require.NoError(t, err)

	assistant, err := s.AppendMessage(ctx, &Message{
		ConversationID: conv.ID, Role: "assistant", Content: "",
		ToolCalls: []ToolCall{{ID: "call_time", ToolName: "get_time", Arguments: "{}"}},
	})
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, &Message{
		ConversationID: conv.ID, Role: "tool", Content: "12:00",
		ToolOutputs: []ToolOutput{{ToolCallID: "call_time", Output: "12:00", Status: "success"}},
	})
	require.NoError(t, err)

	page, err := s.GetMessagesPage(ctx, conv.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, page, 3)

	require.Len(t, page[1].ToolCalls, 1)
	assert.Equal(t, "call_time", page[1].ToolCalls[0].ID)
	assert.Equal(t, assistant.ID, page[1].ToolCalls[0].MessageID)

	require.Len(t, page[2].ToolOutputs, 1)
	assert.Equal(t, "call_time", page[2].ToolOutputs[0].ToolCallID)
	assert.Equal(t, "12:00", page[2].Content, "outputs are attached, not embedded")
}

func TestBuildWireMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newTestConversation(t, s)

	_, err := s.AppendMessage(ctx, &Message{ConversationID: conv.ID, Role: "user", Content: "what time"})
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, &Message{
		ConversationID: conv.ID, Role: "assistant",
		Content:   "<thinking>check the clock</thinking>Let me check.",
		ToolCalls: []ToolCall{{ID: "call_time", ToolName: "get_time", Arguments: "{}"}},
	})
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, &Message{
		ConversationID: conv.ID, Role: "tool",
		ToolOutputs: []ToolOutput{{ToolCallID: "call_time", Output: "12:00"}},
	})
	require.NoError(t, err)

	wire, err := s.BuildWireMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, wire, 3)

	assert.Equal(t, "user", wire[0].Role)
	assert.Equal(t, "<thinking>check the clock</thinking>Let me check.", wire[1].Content,
		"thinking prefix is preserved verbatim")
	require.Len(t, wire[1].ToolCalls, 1)
	assert.Equal(t, "call_time", wire[1].ToolCalls[0].ID)
	assert.Equal(t, "tool", wire[2].Role)
	assert.Equal(t, "call_time", wire[2].ToolCallID)
	assert.Equal(t, "12:00", wire[2].Content)
}

func TestBuildWireMessagesSkipsDrafts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newTestConversation(t, s)

	_, err := s.AppendMessage(ctx, &Message{ConversationID: conv.ID, Role: "user", Content: "hi"})
	require.NoError(t, err)
	_, err = s.BeginDraft(ctx, conv.ID, DefaultCheckpointPolicy())
	require.NoError(t, err)

	wire, err := s.BuildWireMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, wire, 1)
}

func TestEditAsFork(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newTestConversation(t, s)

	first, err := s.AppendMessage(ctx, &Message{ConversationID: conv.ID, Role: "user", Content: "original question"})
	require.NoError(t, err)
	for _, m := range []*Message{
		{ConversationID: conv.ID, Role: "assistant", Content: "answer"},
		{ConversationID: conv.ID, Role: "user", Content: "follow up"},
		{ConversationID: conv.ID, Role: "assistant", Content: "more"},
	} {
		_, err := s.AppendMessage(ctx, m)
		require.NoError(t, err)
	}

	forkID, ops, err := s.EditAsFork(ctx, conv.ID, first.ID, 1, "edited question")
	require.NoError(t, err)
	assert.NotEmpty(t, forkID)
	assert.NotEqual(t, conv.ID, forkID)

	require.Len(t, ops.Updated, 1)
	assert.Equal(t, first.ID, ops.Updated[0].ID)
	require.Len(t, ops.Deleted, 3)
	assert.Equal(t, 2, ops.Deleted[0].Seq)

	// The fork holds the edited copy only.
	forkMessages, err := s.GetAllMessages(ctx, forkID)
	require.NoError(t, err)
	require.Len(t, forkMessages, 1)
	assert.Equal(t, "edited question", forkMessages[0].Content)
	assert.Equal(t, 1, forkMessages[0].Seq)

	// The original is untouched.
	original, err := s.GetAllMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, original, 4)
	assert.Equal(t, "original question", original[0].Content)

	fork, err := s.GetConversation(ctx, forkID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, fork.Metadata["forked_from"])
}

func TestEditAsForkRejectsNonUserMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := newTestConversation(t, s)

	_, err := s.AppendMessage(ctx, &Message{ConversationID: conv.ID, Role: "user", Content: "q"})
	require.NoError(t, err)
	assistant, err := s.AppendMessage(ctx, &Message{ConversationID: conv.ID, Role: "assistant", Content: "a"})
	require.NoError(t, err)

	_, _, err = s.EditAsFork(ctx, conv.ID, assistant.ID, 2, "nope")
	assert.ErrorIs(t, err, ErrEditNotAllowed)
}

func TestUpdateUserMaxToolIterationsClamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		input float64
		want  int
	}{
		{0, 1},
		{-3, 1},
		{7.9, 7},
		{50, 50},
		{51, 50},
		{1000, 50},
	}
	for _, tc := range cases {
		got, err := s.UpdateUserMaxToolIterations(ctx, "user-1", tc.input)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "input %v", tc.input)

		stored, err := s.GetUserMaxToolIterations(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, tc.want, stored)
	}
}

func TestGetUserMaxToolIterationsDefault(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetUserMaxToolIterations(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, 10, got)
}

func TestEmailAvailability(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, "u1", "Alice@example.com", "Alice", ""))

	ok, err := s.EmailAvailable(ctx, "Alice@example.com")
	require.NoError(t, err)
	assert.False(t, ok)

	// Case-sensitive match.
	ok, err = s.EmailAvailable(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	// Soft-deleted users release their email.
	require.NoError(t, s.DeleteUser(ctx, "u1"))
	ok, err = s.EmailAvailable(ctx, "Alice@example.com")
	require.NoError(t, err)
	assert.True(t, ok)
}
