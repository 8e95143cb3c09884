package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/qduc/relay/pkg/abort"
	"github.com/qduc/relay/pkg/providers"
	"github.com/qduc/relay/pkg/sse"
)

// ErrAborted signals a client-requested cancellation. Aborts are not
// failures: the caller closes the stream cleanly and flips persistence to
// error to mark the partial content.
var ErrAborted = errors.New("request aborted")

// MaxIterationsSuffix is appended to the emitted content when the loop
// hits its iteration cap.
const MaxIterationsSuffix = "\n\n[Maximum iterations reached]"

const (
	defaultMaxIterations = 10
	defaultConcurrency   = 4
)

// Invoker is the slice of the provider facade the loop needs.
// *providers.Provider satisfies it.
type Invoker interface {
	SendRawRequest(ctx context.Context, req *providers.ChatRequest) (*http.Response, error)
	SendRequest(ctx context.Context, req *providers.ChatRequest) (map[string]interface{}, error)
	Adapter() providers.Adapter
	SupportsReasoningControls(model string) bool
}

// Events receives the unified event stream. Any callback may be nil.
// OnChunk carries client-ready chat.completion.chunk frames; the
// remaining callbacks exist for persistence and bookkeeping.
type Events struct {
	OnChunk         func(chunk map[string]interface{})
	OnDelta         func(content string)
	OnToolCall      func(call providers.ToolCall)
	OnToolResult    func(result Result)
	OnAssistantTurn func(turn *Turn, final bool)
	OnToolMessage   func(callID, output, status string)
}

func (e Events) chunk(c map[string]interface{}) {
	if e.OnChunk != nil {
		e.OnChunk(c)
	}
}

func (e Events) delta(s string) {
	if e.OnDelta != nil {
		e.OnDelta(s)
	}
}

// Config assembles one orchestrator.
type Config struct {
	Invoker       Invoker
	Toolset       *Toolset
	MaxIterations int
	Concurrency   int

	// ToolSpecs overrides the toolset's own specs in the upstream request.
	// Callers use this to forward client-declared tool schemas while
	// execution still dispatches against the toolset.
	ToolSpecs []providers.Tool

	ProviderStream bool
	Logger         *slog.Logger
}

// Orchestrator drives the model-tools-model loop for one request.
type Orchestrator struct {
	invoker        Invoker
	toolset        *Toolset
	toolSpecs      []providers.Tool
	maxIterations  int
	concurrency    int
	providerStream bool
	logger         *slog.Logger
}

func New(cfg Config) *Orchestrator {
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	toolset := cfg.Toolset
	if toolset == nil {
		toolset = NewToolset()
	}
	specs := cfg.ToolSpecs
	if specs == nil {
		specs = toolset.Specs()
	}
	return &Orchestrator{
		invoker:        cfg.Invoker,
		toolset:        toolset,
		toolSpecs:      specs,
		maxIterations:  maxIter,
		concurrency:    concurrency,
		providerStream: cfg.ProviderStream,
		logger:         logger,
	}
}

// Run executes the loop until the model stops requesting tools, the
// iteration cap is hit, or the request is aborted. The returned turn is
// the final assistant response. The cancel flag is honored at every loop
// boundary and between tool batches.
func (o *Orchestrator) Run(ctx context.Context, req *providers.ChatRequest, flag *abort.CancelFlag, ev Events) (*Turn, error) {
	messages := make([]providers.Message, len(req.Messages))
	copy(messages, req.Messages)

	specs := o.toolSpecs

	var turn *Turn
	for iteration := 1; iteration <= o.maxIterations; iteration++ {
		if flag != nil && flag.Cancelled() {
			return nil, ErrAborted
		}

		iterReq := *req
		iterReq.Messages = messages
		iterReq.Tools = specs
		stream := o.providerStream
		iterReq.Stream = &stream
		if !o.invoker.SupportsReasoningControls(iterReq.Model) {
			iterReq.ReasoningEffort = ""
			iterReq.Verbosity = ""
		}

		var err error
		turn, err = o.invoke(ctx, &iterReq, flag, ev)
		if err != nil {
			return nil, err
		}

		if len(turn.ToolCalls) == 0 {
			ev.emitAssistant(turn, true)
			return turn, nil
		}

		o.logger.Debug("model requested tools",
			"iteration", iteration, "calls", len(turn.ToolCalls))
		ev.emitAssistant(turn, false)

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   turn.Content,
			ToolCalls: turn.ToolCalls,
		})

		if flag != nil && flag.Cancelled() {
			return nil, ErrAborted
		}

		results := o.toolset.ExecuteParallel(ctx, turn.ToolCalls, o.concurrency, nil)
		for i, result := range results {
			call := turn.ToolCalls[i]
			if ev.OnToolCall != nil {
				ev.OnToolCall(call)
			}
			ev.chunk(sse.Chunk(turn.ResponseID, turn.Model, map[string]interface{}{
				"tool_call": map[string]interface{}{
					"id":        call.EffectiveID(),
					"name":      call.Function.Name,
					"arguments": call.Function.Arguments,
				},
			}, ""))

			if ev.OnToolResult != nil {
				ev.OnToolResult(result)
			}
			ev.chunk(sse.Chunk(turn.ResponseID, turn.Model, map[string]interface{}{
				"tool_output": map[string]interface{}{
					"tool_call_id": result.ToolCallID,
					"name":         result.Name,
					"output":       result.Output,
					"status":       result.Status,
					"duration_ms":  result.DurationMs,
				},
			}, ""))
			if ev.OnToolMessage != nil {
				ev.OnToolMessage(result.ToolCallID, result.Output, result.Status)
			}

			messages = append(messages, providers.Message{
				Role:       "tool",
				ToolCallID: result.ToolCallID,
				Content:    result.Output,
			})
		}
	}

	// The cap was hit with tools still pending; surface it in the content.
	final := &Turn{
		Content:      MaxIterationsSuffix,
		FinishReason: "stop",
	}
	if turn != nil {
		final.ResponseID = turn.ResponseID
		final.Model = turn.Model
		final.Usage = turn.Usage
	}
	ev.chunk(sse.Chunk(final.ResponseID, final.Model,
		map[string]interface{}{"content": MaxIterationsSuffix}, ""))
	ev.delta(MaxIterationsSuffix)
	ev.emitAssistant(final, true)
	return final, nil
}

func (e Events) emitAssistant(turn *Turn, final bool) {
	if e.OnAssistantTurn != nil {
		e.OnAssistantTurn(turn, final)
	}
}

// invoke performs one upstream call, streaming or unary. Unary responses
// are re-emitted as synthesized chunk frames so downstream consumers see
// one protocol.
func (o *Orchestrator) invoke(ctx context.Context, req *providers.ChatRequest, flag *abort.CancelFlag, ev Events) (*Turn, error) {
	if req.Stream != nil && *req.Stream {
		resp, err := o.invoker.SendRawRequest(ctx, req)
		if resp == nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(resp.Body)
			return nil, &providers.UpstreamError{Status: resp.StatusCode, Body: string(body)}
		}
		if err != nil {
			return nil, err
		}

		body, preview := sse.TeeWithPreview(resp.Body, sse.DefaultPreviewBytes)
		turn, err := CollectStream(body, o.invoker.Adapter(), flag, func(chunk map[string]interface{}) {
			ev.chunk(chunk)
			if content := DeltaContent(chunk); content != "" {
				ev.delta(content)
			}
		})
		if err != nil && !errors.Is(err, ErrAborted) {
			// Closing resolves the preview with whatever the upstream sent
			// before the stream broke.
			body.Close()
			if p := <-preview; p != nil && *p != "" {
				o.logger.Warn("upstream stream failed",
					"error", err, "body_preview", *p)
			}
		}
		return turn, err
	}

	obj, err := o.invoker.SendRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	turn := TurnFromCompletion(obj)
	o.synthesizeChunks(turn, ev)
	return turn, nil
}

// synthesizeChunks converts a unary turn into the standard chunk frames:
// role, content, per-call tool_calls deltas, then the finish frame.
func (o *Orchestrator) synthesizeChunks(turn *Turn, ev Events) {
	ev.chunk(sse.Chunk(turn.ResponseID, turn.Model,
		map[string]interface{}{"role": "assistant"}, ""))

	if turn.Content != "" {
		ev.chunk(sse.Chunk(turn.ResponseID, turn.Model,
			map[string]interface{}{"content": turn.Content}, ""))
		ev.delta(turn.Content)
	}

	for i, call := range turn.ToolCalls {
		ev.chunk(sse.Chunk(turn.ResponseID, turn.Model, map[string]interface{}{
			"tool_calls": []interface{}{
				map[string]interface{}{
					"index": i,
					"id":    call.EffectiveID(),
					"type":  "function",
					"function": map[string]interface{}{
						"name":      call.Function.Name,
						"arguments": call.Function.Arguments,
					},
				},
			},
		}, ""))
	}

	finish := turn.FinishReason
	if finish == "" {
		finish = "stop"
	}
	final := sse.Chunk(turn.ResponseID, turn.Model, map[string]interface{}{}, finish)
	if turn.Usage.TotalTokens > 0 {
		final["usage"] = map[string]interface{}{
			"prompt_tokens":     turn.Usage.PromptTokens,
			"completion_tokens": turn.Usage.CompletionTokens,
			"total_tokens":      turn.Usage.TotalTokens,
		}
	}
	ev.chunk(final)
}

// ClampIterations applies the per-user override bounds. Non-integer input
// is floored.
func ClampIterations(v float64) int {
	n := int(v)
	if n < 1 {
		return 1
	}
	if n > 50 {
		return 50
	}
	return n
}
