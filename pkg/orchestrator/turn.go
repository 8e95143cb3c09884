package orchestrator

import (
	"fmt"
	"io"
	"sort"

	"github.com/qduc/relay/pkg/abort"
	"github.com/qduc/relay/pkg/providers"
	"github.com/qduc/relay/pkg/sse"
)

// Turn is one completed assistant response, accumulated from stream
// chunks or parsed from a unary completion.
type Turn struct {
	Content      string
	ToolCalls    []providers.ToolCall
	FinishReason string
	Usage        providers.Usage
	ResponseID   string
	Model        string
}

// partialCall accumulates a streamed tool call; arguments arrive as
// fragments keyed by the call's index.
type partialCall struct {
	id        string
	name      string
	arguments string
}

// CollectStream reads an upstream SSE body and accumulates one turn.
// Every chat chunk frame is forwarded through onChunk before its delta is
// folded into the turn; invalid chunks are skipped per-event. The cancel
// flag is consulted between reads.
func CollectStream(body io.Reader, adapter providers.Adapter, flag *abort.CancelFlag, onChunk func(map[string]interface{})) (*Turn, error) {
	turn := &Turn{}
	partials := make(map[int]*partialCall)

	var translator providers.StreamTranslator
	if adapter.NeedsStreamTranslation() {
		translator = adapter.StreamTranslator()
	}

	done := false
	apply := func(event map[string]interface{}) {
		if translator != nil {
			chunks, finished := translator.Translate(event)
			for _, chunk := range chunks {
				if onChunk != nil {
					onChunk(chunk)
				}
				foldChunk(turn, partials, chunk)
			}
			if finished {
				done = true
			}
			return
		}
		if onChunk != nil {
			onChunk(event)
		}
		foldChunk(turn, partials, event)
	}

	cb := sse.Callbacks{
		OnEvent: apply,
		OnDone:  func() { done = true },
	}

	buf := make([]byte, 4096)
	var carry []byte
	for !done {
		if flag != nil && flag.Cancelled() {
			return turn, ErrAborted
		}
		n, err := body.Read(buf)
		if n > 0 {
			carry = sse.Parse(buf[:n], carry, cb)
		}
		if err == io.EOF {
			// Upstreams may end the stream without terminating the last
			// line; flush it so its payload is not lost.
			sse.Flush(carry, cb)
			break
		}
		if err != nil {
			finishToolCalls(turn, partials)
			return turn, fmt.Errorf("reading upstream stream: %w", err)
		}
	}

	finishToolCalls(turn, partials)
	return turn, nil
}

// TurnFromCompletion extracts a turn from a unary chat.completion object.
func TurnFromCompletion(obj map[string]interface{}) *Turn {
	turn := &Turn{}
	if id, ok := obj["id"].(string); ok {
		turn.ResponseID = id
	}
	if model, ok := obj["model"].(string); ok {
		turn.Model = model
	}
	if usage, ok := obj["usage"].(map[string]interface{}); ok {
		turn.Usage = providers.Usage{
			PromptTokens:     intFrom(usage["prompt_tokens"]),
			CompletionTokens: intFrom(usage["completion_tokens"]),
			TotalTokens:      intFrom(usage["total_tokens"]),
		}
	}

	choices, _ := obj["choices"].([]interface{})
	if len(choices) == 0 {
		return turn
	}
	choice, _ := choices[0].(map[string]interface{})
	if choice == nil {
		return turn
	}
	if fr, ok := choice["finish_reason"].(string); ok {
		turn.FinishReason = fr
	}
	message, _ := choice["message"].(map[string]interface{})
	if message == nil {
		return turn
	}
	turn.Content = providers.ContentText(message["content"])

	calls, _ := message["tool_calls"].([]interface{})
	for _, c := range calls {
		call, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		fn, _ := call["function"].(map[string]interface{})
		if fn == nil {
			continue
		}
		id, _ := call["id"].(string)
		name, _ := fn["name"].(string)
		args, _ := fn["arguments"].(string)
		turn.ToolCalls = append(turn.ToolCalls, providers.ToolCall{
			ID:   id,
			Type: "function",
			Function: providers.FunctionCall{
				Name:      name,
				Arguments: args,
			},
		})
	}
	return turn
}

// foldChunk merges one chat.completion.chunk into the accumulating turn.
func foldChunk(turn *Turn, partials map[int]*partialCall, chunk map[string]interface{}) {
	if id, ok := chunk["id"].(string); ok && turn.ResponseID == "" {
		turn.ResponseID = id
	}
	if model, ok := chunk["model"].(string); ok && turn.Model == "" {
		turn.Model = model
	}
	if usage, ok := chunk["usage"].(map[string]interface{}); ok {
		turn.Usage = providers.Usage{
			PromptTokens:     intFrom(usage["prompt_tokens"]),
			CompletionTokens: intFrom(usage["completion_tokens"]),
			TotalTokens:      intFrom(usage["total_tokens"]),
		}
	}

	choices, _ := chunk["choices"].([]interface{})
	if len(choices) == 0 {
		return
	}
	choice, _ := choices[0].(map[string]interface{})
	if choice == nil {
		return
	}
	if fr, ok := choice["finish_reason"].(string); ok && fr != "" {
		turn.FinishReason = fr
	}

	delta, _ := choice["delta"].(map[string]interface{})
	if delta == nil {
		return
	}
	if content, ok := delta["content"].(string); ok {
		turn.Content += content
	}

	calls, _ := delta["tool_calls"].([]interface{})
	for _, c := range calls {
		call, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		index := intFrom(call["index"])
		p, ok := partials[index]
		if !ok {
			p = &partialCall{}
			partials[index] = p
		}
		if id, ok := call["id"].(string); ok && id != "" {
			p.id = id
		}
		if fn, ok := call["function"].(map[string]interface{}); ok {
			if name, ok := fn["name"].(string); ok && name != "" {
				p.name = name
			}
			if args, ok := fn["arguments"].(string); ok {
				p.arguments += args
			}
		}
	}
}

// finishToolCalls materializes accumulated partial calls in index order.
func finishToolCalls(turn *Turn, partials map[int]*partialCall) {
	if len(partials) == 0 {
		return
	}
	indexes := make([]int, 0, len(partials))
	for i := range partials {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	for _, i := range indexes {
		p := partials[i]
		turn.ToolCalls = append(turn.ToolCalls, providers.ToolCall{
			ID:   p.id,
			Type: "function",
			Function: providers.FunctionCall{
				Name:      p.name,
				Arguments: p.arguments,
			},
		})
	}
}

// DeltaContent extracts the text delta of a chunk frame, if any.
func DeltaContent(chunk map[string]interface{}) string {
	choices, _ := chunk["choices"].([]interface{})
	if len(choices) == 0 {
		return ""
	}
	choice, _ := choices[0].(map[string]interface{})
	if choice == nil {
		return ""
	}
	delta, _ := choice["delta"].(map[string]interface{})
	if delta == nil {
		return ""
	}
	content, _ := delta["content"].(string)
	return content
}

func intFrom(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
