// Package orchestrator runs the iterative model-tools-model loop: it
// invokes the provider, executes requested tool calls with bounded
// parallelism, and feeds results back until the model stops asking or the
// iteration cap is hit.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"

	"github.com/qduc/relay/pkg/providers"
)

// Handler executes one tool. Output is always a string; structured results
// are serialized by the handler.
type Handler interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// Toolset is a named registry of handlers.
type Toolset struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	order    []string
}

func NewToolset() *Toolset {
	return &Toolset{handlers: make(map[string]Handler)}
}

// Register adds a handler, replacing any existing one with the same name.
func (t *Toolset) Register(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.handlers[h.Name()]; !exists {
		t.order = append(t.order, h.Name())
	}
	t.handlers[h.Name()] = h
}

// Specs returns the registered tools in the uniform function shape, in
// registration order.
func (t *Toolset) Specs() []providers.Tool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	specs := make([]providers.Tool, 0, len(t.order))
	for _, name := range t.order {
		h := t.handlers[name]
		specs = append(specs, providers.Tool{
			Type: "function",
			Function: providers.ToolFunction{
				Name:        h.Name(),
				Description: h.Description(),
				Parameters:  h.Parameters(),
			},
		})
	}
	return specs
}

// Len returns the number of registered tools.
func (t *Toolset) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers)
}

// Execute dispatches one tool call. Failures never propagate as errors:
// bad arguments, unknown tools, and handler panics all become explanatory
// output strings so the loop continues.
func (t *Toolset) Execute(ctx context.Context, name, argsJSON string) (output string, status string) {
	args := map[string]interface{}{}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return fmt.Sprintf("Error: Invalid JSON arguments: %v", err), "error"
		}
	}

	t.mu.RLock()
	h, ok := t.handlers[name]
	t.mu.RUnlock()
	if !ok {
		return fmt.Sprintf("Error: Unknown tool: %s", name), "error"
	}

	defer func() {
		if r := recover(); r != nil {
			output = fmt.Sprintf("Tool %s failed: %v", name, r)
			status = "error"
		}
	}()

	result, err := h.Execute(ctx, args)
	if err != nil {
		return fmt.Sprintf("Tool %s failed: %v", name, err), "error"
	}
	return result, "success"
}

// funcTool adapts a typed Go function into a Handler. The parameter
// schema is reflected from the args struct's jsonschema tags; incoming
// argument maps are decoded onto the struct.
type funcTool[T any] struct {
	name        string
	description string
	parameters  map[string]interface{}
	fn          func(ctx context.Context, args T) (string, error)
}

// NewFuncTool builds a Handler from a typed function.
func NewFuncTool[T any](name, description string, fn func(ctx context.Context, args T) (string, error)) Handler {
	reflector := jsonschema.Reflector{
		ExpandedStruct:            true,
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	var zero T
	schema := reflector.Reflect(&zero)

	params := map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
	if b, err := json.Marshal(schema); err == nil {
		var m map[string]interface{}
		if json.Unmarshal(b, &m) == nil {
			delete(m, "$schema")
			delete(m, "$id")
			params = m
		}
	}

	return &funcTool[T]{
		name:        name,
		description: description,
		parameters:  params,
		fn:          fn,
	}
}

func (f *funcTool[T]) Name() string                       { return f.name }
func (f *funcTool[T]) Description() string                { return f.description }
func (f *funcTool[T]) Parameters() map[string]interface{} { return f.parameters }

func (f *funcTool[T]) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	var typed T
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &typed,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return "", err
	}
	if err := decoder.Decode(args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	return f.fn(ctx, typed)
}
