package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qduc/relay/pkg/abort"
	"github.com/qduc/relay/pkg/auth"
	"github.com/qduc/relay/pkg/orchestrator"
	"github.com/qduc/relay/pkg/providers"
	"github.com/qduc/relay/pkg/sse"
	"github.com/qduc/relay/pkg/store"
)

const (
	maxBodyBytes            = 8 << 20
	maxConversationMessages = 1000
)

// reservedFields are internal routing fields stripped from the body
// before translation; upstreams never see them.
var reservedFields = []string{
	"conversation_id",
	"provider_id",
	"session_id",
	"streamingEnabled",
	"toolsEnabled",
	"researchMode",
	"qualityLevel",
	"client_request_id",
	"custom_request_params_id",
	"provider_stream",
	"providerStream",
	"system_prompt",
	"intent",
}

var validReasoningEfforts = map[string]bool{"minimal": true, "low": true, "medium": true, "high": true}
var validVerbosity = map[string]bool{"low": true, "medium": true, "high": true}

// chatParams are the routing fields extracted from body and headers
// before sanitization.
type chatParams struct {
	conversationID  string
	providerID      string
	sessionID       string
	clientRequestID string
	systemPrompt    string
	providerStream  bool
	toolsEnabled    bool
	intent          *Intent
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, invalidRequest("failed to read request body"))
		return
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		writeError(w, invalidRequest(fmt.Sprintf("invalid JSON body: %v", err)))
		return
	}

	intent, apiErr := parseIntent(raw)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}
	if intent != nil && intent.Type == intentEditMessage {
		writeError(w, intentError(codeInvalidIntent,
			"edit_message is handled by the message edit endpoint", intent.ClientOperation, nil))
		return
	}

	params := extractParams(r, raw, intent)
	req, apiErr := decodeChatRequest(raw)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}

	if intent != nil {
		if apiErr := s.validateAppendIntent(r.Context(), intent, req.Messages); apiErr != nil {
			writeError(w, apiErr)
			return
		}
	}

	provider, err := s.providers.Get(params.providerID)
	if err != nil {
		writeError(w, invalidRequest(fmt.Sprintf("unknown provider: %v", err)))
		return
	}
	if req.Model == "" {
		req.Model = provider.DefaultModel()
	}

	stream := true
	if req.Stream != nil {
		stream = *req.Stream
	}

	userID := auth.UserID(r)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	flag := &abort.CancelFlag{}
	if params.clientRequestID != "" {
		s.aborts.Register(params.clientRequestID, abort.Entry{
			Handle: abort.HandleFunc(func(string) { cancel() }),
			Flag:   flag,
			UserID: userID,
		})
		defer s.aborts.Unregister(params.clientRequestID)
	}

	// Persistence: reconcile history, then open the draft for this
	// response before the first upstream byte.
	var sink *persistSink
	var convMeta map[string]interface{}
	if s.persisting() {
		conv, apiErr := s.ensureConversation(ctx, params, req, provider.ID(), userID)
		if apiErr != nil {
			writeError(w, apiErr)
			return
		}
		params.conversationID = conv.ID
		convMeta = conv.Metadata

		if apiErr := s.persistIncoming(ctx, conv.ID, intent, req); apiErr != nil {
			writeError(w, apiErr)
			return
		}

		sink = &persistSink{
			store:          s.store,
			conversationID: conv.ID,
			policy:         s.checkpoint,
			logger:         s.logger,
			ctx:            ctx,
		}
		sink.begin(ctx)
	}

	// Inject the structured system prompt at the head, replacing any
	// client-supplied system message.
	prompt, rest := orchestrator.ResolveSystemPrompt(req.Messages, params.systemPrompt, convMeta)
	req.Messages = append([]providers.Message{
		{Role: "system", Content: orchestrator.StructurePrompt(prompt)},
	}, rest...)

	var specs []providers.Tool
	if len(req.Tools) > 0 && params.toolsEnabled {
		specs = provider.GetToolsetSpec(req.Tools)
	} else {
		specs = []providers.Tool{}
	}

	maxIter := s.maxIterations
	if s.persisting() && userID != "" {
		if n, err := s.store.GetUserMaxToolIterations(ctx, userID); err == nil {
			maxIter = n
		}
	}

	orc := orchestrator.New(orchestrator.Config{
		Invoker:        provider,
		Toolset:        s.toolset,
		ToolSpecs:      specs,
		MaxIterations:  maxIter,
		Concurrency:    s.concurrency,
		ProviderStream: params.providerStream,
		Logger:         s.logger,
	})

	s.setResponseHeaders(w, params, provider.ID())

	sw := &streamWriter{w: w}
	ev := orchestrator.Events{
		OnToolResult: func(res orchestrator.Result) {
			s.metrics.ObserveTool(res.Name, res.Status, res.DurationMs)
		},
	}
	if stream {
		ev.OnChunk = sw.writeChunk
		s.metrics.ActiveStreams.Inc()
		defer s.metrics.ActiveStreams.Dec()
	}
	if sink != nil {
		ev.OnDelta = sink.onDelta
		ev.OnAssistantTurn = sink.onAssistantTurn
		ev.OnToolMessage = sink.onToolMessage
	}

	start := time.Now()
	turn, err := orc.Run(ctx, req, flag, ev)
	elapsed := time.Since(start)

	if err != nil {
		if sink != nil {
			sink.markError()
		}
		s.metrics.ObserveUpstream(provider.ID(), "error", elapsed)
		s.writeRunError(w, sw, stream, flag, err)
		return
	}

	s.metrics.ObserveUpstream(provider.ID(), "success", elapsed)
	s.metrics.ObserveUsage(provider.ID(), turn.Usage.PromptTokens, turn.Usage.CompletionTokens)

	if stream {
		sw.finish()
		return
	}
	writeJSON(w, http.StatusOK, completionFromTurn(turn, req.Model))
}

// writeRunError reports an orchestrator failure in the right shape for
// the response mode. Aborts terminate the stream cleanly.
func (s *Server) writeRunError(w http.ResponseWriter, sw *streamWriter, stream bool, flag *abort.CancelFlag, err error) {
	if errors.Is(err, orchestrator.ErrAborted) || flag.Cancelled() {
		if stream {
			sw.finish()
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"aborted": true})
		return
	}

	var upstream *providers.UpstreamError
	var apiErr *apiError
	switch {
	case errors.As(err, &upstream):
		apiErr = providerError(upstream.Status, fmt.Sprintf("upstream returned %d: %s", upstream.Status, upstream.Body))
	default:
		apiErr = &apiError{Kind: kindUpstreamError, Message: err.Error(), status: http.StatusBadGateway}
	}

	s.logger.Error("chat request failed", "error", err)
	if stream && sw.started {
		sw.writeErrorFrame(apiErr.Kind, apiErr.Message)
		sw.finish()
		return
	}
	writeError(w, apiErr)
}

// extractParams pulls routing fields from body and headers; body wins.
func extractParams(r *http.Request, raw map[string]interface{}, intent *Intent) chatParams {
	params := chatParams{
		conversationID:  stringField(raw, "conversation_id"),
		providerID:      stringField(raw, "provider_id"),
		sessionID:       stringField(raw, "session_id"),
		clientRequestID: stringField(raw, "client_request_id"),
		systemPrompt:    stringField(raw, "system_prompt"),
		providerStream:  boolField(raw, true, "provider_stream", "providerStream"),
		toolsEnabled:    boolField(raw, true, "toolsEnabled"),
		intent:          intent,
	}
	if params.conversationID == "" {
		params.conversationID = r.Header.Get("x-conversation-id")
	}
	if params.providerID == "" {
		params.providerID = r.Header.Get("x-provider-id")
	}
	if params.sessionID == "" {
		params.sessionID = r.Header.Get("x-session-id")
	}
	if params.clientRequestID == "" {
		params.clientRequestID = r.Header.Get("x-client-request-id")
	}
	if intent != nil && intent.ConversationID != "" {
		params.conversationID = intent.ConversationID
	}
	return params
}

// decodeChatRequest strips reserved fields and decodes what remains into
// the internal request format.
func decodeChatRequest(raw map[string]interface{}) (*providers.ChatRequest, *apiError) {
	sanitized := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		sanitized[k] = v
	}
	for _, field := range reservedFields {
		delete(sanitized, field)
	}

	data, err := json.Marshal(sanitized)
	if err != nil {
		return nil, internalError("failed to re-encode request")
	}
	var req providers.ChatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, invalidRequest(fmt.Sprintf("malformed chat request: %v", err))
	}

	if len(req.Messages) == 0 {
		return nil, invalidRequest("messages must not be empty")
	}
	if req.ReasoningEffort != "" && !validReasoningEfforts[req.ReasoningEffort] {
		return nil, &apiError{
			Kind:    kindValidation,
			Message: fmt.Sprintf("invalid reasoning_effort %q: must be one of minimal, low, medium, high", req.ReasoningEffort),
			status:  http.StatusBadRequest,
		}
	}
	if req.Verbosity != "" && !validVerbosity[req.Verbosity] {
		return nil, &apiError{
			Kind:    kindValidation,
			Message: fmt.Sprintf("invalid verbosity %q: must be one of low, medium, high", req.Verbosity),
			status:  http.StatusBadRequest,
		}
	}
	return &req, nil
}

// ensureConversation loads the target conversation or creates one,
// honoring a client-supplied id.
func (s *Server) ensureConversation(ctx context.Context, params chatParams, req *providers.ChatRequest, providerID, userID string) (*store.Conversation, *apiError) {
	if params.conversationID != "" {
		conv, err := s.store.GetConversation(ctx, params.conversationID)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, store.ErrConversationNotFound) {
			return nil, internalError(fmt.Sprintf("failed to load conversation: %v", err))
		}
	}

	conv := &store.Conversation{
		ID:         params.conversationID,
		UserID:     userID,
		SessionID:  params.sessionID,
		Title:      titleFromMessages(req.Messages),
		Model:      req.Model,
		ProviderID: providerID,
	}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if params.systemPrompt != "" {
		conv.Metadata = map[string]interface{}{"system_prompt": params.systemPrompt}
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, internalError(fmt.Sprintf("failed to create conversation: %v", err))
	}
	return conv, nil
}

// persistIncoming writes the incoming client messages. An append intent
// appends after the verified tail and replaces the request context with
// the rebuilt stored history; the legacy path reconciles via diff.
func (s *Server) persistIncoming(ctx context.Context, conversationID string, intent *Intent, req *providers.ChatRequest) *apiError {
	tailSeq, _, err := s.store.TailSeq(ctx, conversationID)
	if err != nil {
		return internalError(fmt.Sprintf("failed to read conversation tail: %v", err))
	}
	if tailSeq+len(req.Messages) > maxConversationMessages {
		return &apiError{
			Kind:    kindLimitExceeded,
			Message: fmt.Sprintf("conversation message cap of %d reached", maxConversationMessages),
			status:  http.StatusBadRequest,
		}
	}

	if intent != nil && intent.ConversationID != "" {
		for _, in := range req.Messages {
			if _, err := s.store.AppendMessage(ctx, store.MessageFromWire(conversationID, in)); err != nil {
				return internalError(fmt.Sprintf("failed to append message: %v", err))
			}
		}
		rebuilt, err := s.store.BuildWireMessages(ctx, conversationID)
		if err != nil {
			return internalError(fmt.Sprintf("failed to rebuild conversation: %v", err))
		}
		req.Messages = rebuilt
		return nil
	}

	if _, err := s.store.SyncMessages(ctx, conversationID, req.Messages); err != nil {
		return internalError(fmt.Sprintf("failed to sync messages: %v", err))
	}
	return nil
}

func (s *Server) setResponseHeaders(w http.ResponseWriter, params chatParams, providerID string) {
	h := w.Header()
	if params.conversationID != "" {
		h.Set("x-conversation-id", params.conversationID)
	}
	if params.sessionID != "" {
		h.Set("x-session-id", params.sessionID)
	}
	if params.clientRequestID != "" {
		h.Set("x-client-request-id", params.clientRequestID)
	}
	h.Set("x-provider-id", providerID)
}

// persistSink bridges orchestrator events into the draft lifecycle. Each
// assistant turn consumes the open draft; the next delta opens a new one.
type persistSink struct {
	store          *store.Store
	conversationID string
	policy         store.CheckpointPolicy
	logger         *slog.Logger
	ctx            context.Context

	mu    sync.Mutex
	draft *store.Draft
}

func (ps *persistSink) begin(ctx context.Context) {
	draft, err := ps.store.BeginDraft(ctx, ps.conversationID, ps.policy)
	if err != nil {
		ps.logger.Error("failed to open draft", "conversation", ps.conversationID, "error", err)
		return
	}
	ps.mu.Lock()
	ps.draft = draft
	ps.mu.Unlock()
}

func (ps *persistSink) ensureDraft() *store.Draft {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.draft == nil {
		draft, err := ps.store.BeginDraft(ps.ctx, ps.conversationID, ps.policy)
		if err != nil {
			ps.logger.Error("failed to open draft", "conversation", ps.conversationID, "error", err)
			return nil
		}
		ps.draft = draft
	}
	return ps.draft
}

func (ps *persistSink) onDelta(content string) {
	if draft := ps.ensureDraft(); draft != nil {
		draft.Append(ps.ctx, content)
	}
}

func (ps *persistSink) onAssistantTurn(turn *orchestrator.Turn, final bool) {
	draft := ps.ensureDraft()
	if draft == nil {
		return
	}

	finish := turn.FinishReason
	if finish == "" {
		if final {
			finish = "stop"
		} else {
			finish = "tool_calls"
		}
	}

	params := store.FinalizeParams{
		FinishReason: finish,
		TokensIn:     turn.Usage.PromptTokens,
		TokensOut:    turn.Usage.CompletionTokens,
		TokensTotal:  turn.Usage.TotalTokens,
		ResponseID:   turn.ResponseID,
	}
	for i, tc := range turn.ToolCalls {
		params.ToolCalls = append(params.ToolCalls, store.ToolCall{
			ID:        tc.EffectiveID(),
			CallIndex: i,
			ToolName:  tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	if _, err := draft.Finalize(ps.ctx, params); err != nil {
		ps.logger.Error("failed to finalize assistant message", "conversation", ps.conversationID, "error", err)
	}
	ps.mu.Lock()
	ps.draft = nil
	ps.mu.Unlock()
}

func (ps *persistSink) onToolMessage(callID, output, status string) {
	msg := &store.Message{
		ConversationID: ps.conversationID,
		Role:           "tool",
		Content:        output,
		Status:         "final",
		ToolOutputs: []store.ToolOutput{
			{ToolCallID: callID, Output: output, Status: status},
		},
	}
	if _, err := ps.store.AppendMessage(ps.ctx, msg); err != nil {
		ps.logger.Error("failed to append tool message", "conversation", ps.conversationID, "error", err)
	}
}

// markError flips the open draft to error, preserving checkpointed
// content. Runs on a fresh context: the request's may already be gone.
func (ps *persistSink) markError() {
	draft := ps.ensureDraft()
	if draft == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := draft.MarkError(ctx); err != nil {
		ps.logger.Error("failed to mark draft error", "conversation", ps.conversationID, "error", err)
	}
}

// streamWriter lazily opens the SSE response so pre-stream failures can
// still return proper JSON errors.
type streamWriter struct {
	w       http.ResponseWriter
	started bool
}

func (sw *streamWriter) ensureStarted() {
	if !sw.started {
		sse.SetupHeaders(sw.w)
		sw.started = true
	}
}

func (sw *streamWriter) writeChunk(chunk map[string]interface{}) {
	sw.ensureStarted()
	_ = sse.WriteEvent(sw.w, chunk)
}

func (sw *streamWriter) writeErrorFrame(kind, message string) {
	sw.ensureStarted()
	_ = sse.WriteEvent(sw.w, map[string]interface{}{
		"error": map[string]interface{}{"type": kind, "message": message},
	})
}

func (sw *streamWriter) finish() {
	sw.ensureStarted()
	_ = sse.WriteDone(sw.w)
}

// completionFromTurn renders a final turn as a chat.completion object.
func completionFromTurn(turn *orchestrator.Turn, model string) map[string]interface{} {
	id := turn.ResponseID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	if turn.Model != "" {
		model = turn.Model
	}
	finish := turn.FinishReason
	if finish == "" {
		finish = "stop"
	}

	message := map[string]interface{}{
		"role":    "assistant",
		"content": turn.Content,
	}
	if len(turn.ToolCalls) > 0 {
		calls := make([]interface{}, len(turn.ToolCalls))
		for i, tc := range turn.ToolCalls {
			calls[i] = map[string]interface{}{
				"id":   tc.EffectiveID(),
				"type": "function",
				"function": map[string]interface{}{
					"name":      tc.Function.Name,
					"arguments": tc.Function.Arguments,
				},
			}
		}
		message["tool_calls"] = calls
	}

	completion := map[string]interface{}{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []interface{}{
			map[string]interface{}{
				"index":         0,
				"message":       message,
				"finish_reason": finish,
			},
		},
	}
	if turn.Usage.TotalTokens > 0 {
		completion["usage"] = map[string]interface{}{
			"prompt_tokens":     turn.Usage.PromptTokens,
			"completion_tokens": turn.Usage.CompletionTokens,
			"total_tokens":      turn.Usage.TotalTokens,
		}
	}
	return completion
}

func titleFromMessages(messages []providers.Message) string {
	for _, m := range messages {
		if m.Role != "user" {
			continue
		}
		title := providers.ContentText(m.Content)
		if len(title) > 80 {
			title = title[:80]
		}
		return title
	}
	return ""
}

func stringField(raw map[string]interface{}, key string) string {
	if v, ok := raw[key].(string); ok {
		return v
	}
	return ""
}

func boolField(raw map[string]interface{}, fallback bool, keys ...string) bool {
	for _, key := range keys {
		if v, ok := raw[key].(bool); ok {
			return v
		}
	}
	return fallback
}
