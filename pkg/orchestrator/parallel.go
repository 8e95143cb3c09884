package orchestrator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qduc/relay/pkg/providers"
)

// Result is the outcome of one tool call.
type Result struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Output     string `json:"output"`
	Status     string `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	Index      int    `json:"index"`
}

// ExecuteParallel runs the calls with at most `concurrency` in flight.
// Results come back in the ORIGINAL call order regardless of completion
// order. onComplete fires as each call finishes; its panics are swallowed
// so a misbehaving callback cannot sink the batch.
func (t *Toolset) ExecuteParallel(ctx context.Context, calls []providers.ToolCall, concurrency int, onComplete func(Result)) []Result {
	if len(calls) == 0 {
		return []Result{}
	}
	if concurrency < 1 {
		concurrency = 1
	}

	results := make([]Result, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, call := range calls {
		g.Go(func() error {
			start := time.Now()
			output, status := t.Execute(gctx, call.Function.Name, call.Function.Arguments)
			result := Result{
				ToolCallID: call.EffectiveID(),
				Name:       call.Function.Name,
				Output:     output,
				Status:     status,
				DurationMs: time.Since(start).Milliseconds(),
				Index:      i,
			}
			results[i] = result

			if onComplete != nil {
				func() {
					defer func() { _ = recover() }()
					onComplete(result)
				}()
			}
			return nil
		})
	}

	// Handlers never return errors; Wait only orders completion.
	_ = g.Wait()
	return results
}
