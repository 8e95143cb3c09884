package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qduc/relay/pkg/providers"
)

func stored(role, content string) *Message {
	return &Message{Role: role, Content: content}
}

func incoming(role, content string) providers.Message {
	return providers.Message{Role: role, Content: content}
}

func TestDiffIdentical(t *testing.T) {
	st := []*Message{stored("user", "a"), stored("assistant", "b")}
	in := []providers.Message{incoming("user", "a"), incoming("assistant", "b")}

	d := ComputeMessageDiff(st, in)
	require.True(t, d.Valid)
	assert.False(t, d.Fallback)
	assert.Equal(t, 2, d.Unchanged)
	assert.Empty(t, d.Inserts)
	assert.Empty(t, d.Updates)
	assert.Empty(t, d.Deletes)
}

func TestDiffAppend(t *testing.T) {
	st := []*Message{stored("user", "a")}
	in := []providers.Message{incoming("user", "a"), incoming("assistant", "b")}

	d := ComputeMessageDiff(st, in)
	require.True(t, d.Valid)
	assert.Equal(t, 1, d.Unchanged)
	require.Len(t, d.Inserts, 1)
	assert.Equal(t, "assistant", d.Inserts[0].Role)
}

func TestDiffTruncatedTail(t *testing.T) {
	st := []*Message{stored("user", "a"), stored("assistant", "b"), stored("user", "c")}
	in := []providers.Message{incoming("user", "a"), incoming("assistant", "b")}

	d := ComputeMessageDiff(st, in)
	require.True(t, d.Valid)
	assert.Equal(t, 2, d.Unchanged)
	require.Len(t, d.Deletes, 1)
	assert.Equal(t, "c", d.Deletes[0].Content)
}

func TestDiffSuffixAlignment(t *testing.T) {
	// Client truncated its local history; the server retains the head.
	st := []*Message{stored("user", "a"), stored("assistant", "b"), stored("user", "c")}
	in := []providers.Message{incoming("assistant", "b"), incoming("user", "c")}

	d := ComputeMessageDiff(st, in)
	require.True(t, d.Valid)
	assert.False(t, d.Fallback)
	assert.Equal(t, 1, d.AnchorOffset)
	assert.Equal(t, 3, d.Unchanged)
	assert.Empty(t, d.Inserts)
	assert.Empty(t, d.Updates)
	assert.Empty(t, d.Deletes)
}

func TestDiffNormalizesWhitespaceAndArrays(t *testing.T) {
	st := []*Message{stored("user", "  hello  ")}
	in := []providers.Message{incoming("user", "hello")}
	d := ComputeMessageDiff(st, in)
	require.True(t, d.Valid)
	assert.Equal(t, 1, d.Unchanged)

	st = []*Message{{
		Role:        "user",
		ContentJSON: `[{"type":"text","text":"hi"}]`,
	}}
	in = []providers.Message{{
		Role:    "user",
		Content: []interface{}{map[string]interface{}{"type": "text", "text": "hi"}},
	}}
	d = ComputeMessageDiff(st, in)
	require.True(t, d.Valid)
	assert.Equal(t, 1, d.Unchanged)
}

func TestDiffMisaligned(t *testing.T) {
	st := []*Message{stored("user", "a"), stored("assistant", "b")}
	in := []providers.Message{incoming("user", "x"), incoming("assistant", "y")}

	d := ComputeMessageDiff(st, in)
	assert.True(t, d.Fallback)
	assert.Equal(t, "misaligned", d.Reason)
}

func TestDiffInsufficientOverlap(t *testing.T) {
	st := []*Message{stored("user", "a"), stored("assistant", "b"), stored("user", "c")}
	in := []providers.Message{incoming("user", "z")}

	d := ComputeMessageDiff(st, in)
	assert.True(t, d.Fallback)
	assert.Equal(t, "insufficient overlap", d.Reason)
}

func TestDiffEmptySides(t *testing.T) {
	d := ComputeMessageDiff(nil, []providers.Message{incoming("user", "a")})
	require.True(t, d.Valid)
	assert.Len(t, d.Inserts, 1)

	d = ComputeMessageDiff([]*Message{stored("user", "a")}, nil)
	require.True(t, d.Valid)
	assert.Equal(t, 1, d.Unchanged)
	assert.Empty(t, d.Deletes)
}

func TestDiffToolCallCountChangeForcesFallback(t *testing.T) {
	st := []*Message{{
		Role:      "assistant",
		Content:   "",
		ToolCalls: []ToolCall{{ID: "c1", ToolName: "get_time", Arguments: "{}"}},
	}}
	in := []providers.Message{{Role: "assistant", Content: ""}}

	d := ComputeMessageDiff(st, in)
	assert.True(t, d.Fallback)
	assert.Equal(t, "Tool call count changed", d.Reason)
}

func TestDiffToolCallArgumentsIgnoreKeyOrder(t *testing.T) {
	st := []*Message{{
		Role:      "assistant",
		Content:   "",
		ToolCalls: []ToolCall{{ID: "c1", ToolName: "lookup", Arguments: `{"a":1,"b":2}`}},
	}}
	in := []providers.Message{{
		Role:    "assistant",
		Content: "",
		ToolCalls: []providers.ToolCall{{
			ID:       "c1",
			Function: providers.FunctionCall{Name: "lookup", Arguments: `{ "b": 2, "a": 1 }`},
		}},
	}}

	d := ComputeMessageDiff(st, in)
	require.True(t, d.Valid)
	assert.Empty(t, d.Updates, "reordered keys compare equal")
	assert.Equal(t, 1, d.Unchanged)
}

func TestDiffToolCallArgumentChangeEmitsUpdate(t *testing.T) {
	st := []*Message{{
		Role:      "assistant",
		Content:   "",
		ToolCalls: []ToolCall{{ID: "c1", ToolName: "lookup", Arguments: `{"q":"old"}`}},
	}}
	in := []providers.Message{{
		Role:    "assistant",
		Content: "",
		ToolCalls: []providers.ToolCall{{
			ID:       "c1",
			Function: providers.FunctionCall{Name: "lookup", Arguments: `{"q":"new"}`},
		}},
	}}

	d := ComputeMessageDiff(st, in)
	require.True(t, d.Valid)
	require.Len(t, d.Updates, 1)
	require.Len(t, d.Updates[0].ToolCallsToUpdate, 1)
	assert.Equal(t, `{"q":"new"}`, d.Updates[0].ToolCallsToUpdate[0].Arguments)
}

func TestDiffToolOutputInsertAndUpdate(t *testing.T) {
	st := []*Message{{Role: "tool", Content: "12:00"}}
	in := []providers.Message{{Role: "tool", ToolCallID: "c1", Content: "12:00"}}

	d := ComputeMessageDiff(st, in)
	require.True(t, d.Valid)
	require.Len(t, d.Updates, 1)
	require.Len(t, d.Updates[0].ToolOutputsToInsert, 1)
	assert.Equal(t, "c1", d.Updates[0].ToolOutputsToInsert[0].ToolCallID)

	st = []*Message{{
		Role: "tool", Content: "12:00",
		ToolOutputs: []ToolOutput{{ID: "o1", ToolCallID: "c1", Output: "12:00", Status: "success"}},
	}}
	in = []providers.Message{{Role: "tool", ToolCallID: "c1", Content: "12:00"}}
	d = ComputeMessageDiff(st, in)
	require.True(t, d.Valid)
	assert.Empty(t, d.Updates, "matching output is unchanged")

	// Same row identity but a changed output string.
	st[0].Content = "12:01"
	in[0].Content = "12:01"
	d = ComputeMessageDiff(st, in)
	require.True(t, d.Valid)
	require.Len(t, d.Updates, 1)
	require.Len(t, d.Updates[0].ToolOutputsToUpdate, 1)
	assert.Equal(t, "12:01", d.Updates[0].ToolOutputsToUpdate[0].Output)
}

// Applying the computed operations to the stored list must reproduce the
// incoming list under normalized equality.
func TestDiffRoundTrip(t *testing.T) {
	st := []*Message{
		stored("user", "a"),
		stored("assistant", "b"),
		stored("user", "c"),
		stored("assistant", "d"),
	}
	in := []providers.Message{
		incoming("user", "a"),
		incoming("assistant", "b"),
		incoming("user", "c"),
		incoming("assistant", "changed"),
		incoming("user", "e"),
	}

	d := ComputeMessageDiff(st, in)
	// "changed" breaks identity at index 3, so no suffix alignment exists
	// for the whole incoming list; wholesale fallback is the contract.
	assert.True(t, d.Fallback)

	// With incoming extending a matching prefix the operations reproduce
	// the incoming list.
	st = st[:2]
	in = []providers.Message{
		incoming("user", "a"),
		incoming("assistant", "b"),
		incoming("user", "e"),
	}
	d = ComputeMessageDiff(st, in)
	require.True(t, d.Valid)

	var result []providers.Message
	overlap := len(st) - d.AnchorOffset
	if overlap > len(in) {
		overlap = len(in)
	}
	kept := st[d.AnchorOffset : d.AnchorOffset+overlap]
	deleted := make(map[*Message]bool)
	for _, del := range d.Deletes {
		deleted[del] = true
	}
	for _, row := range kept {
		if !deleted[row] {
			result = append(result, providers.Message{Role: row.Role, Content: row.Content})
		}
	}
	result = append(result, d.Inserts...)

	require.Len(t, result, len(in))
	for i := range in {
		assert.Equal(t, in[i].Role, result[i].Role)
		assert.Equal(t, normalizeContent(in[i].Content), normalizeContent(result[i].Content))
	}
}
