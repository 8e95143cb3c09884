package store

import (
	"encoding/json"
	"strings"

	"github.com/qduc/relay/pkg/providers"
)

// DiffResult describes the mutations that reproduce an incoming client
// message list from the stored one. When Fallback is set the caller
// replaces wholesale after the anchor instead of applying mutations.
type DiffResult struct {
	Valid        bool
	Fallback     bool
	Reason       string
	AnchorOffset int
	Unchanged    int
	Inserts      []providers.Message
	Updates      []MessageUpdate
	Deletes      []*Message
}

// MessageUpdate pairs a stored row with the incoming message that should
// replace it, plus the tool-artifact sub-diff.
type MessageUpdate struct {
	Stored              *Message
	Incoming            providers.Message
	ToolCallsToUpdate   []ToolCall
	ToolOutputsToInsert []ToolOutput
	ToolOutputsToUpdate []ToolOutput
}

// ComputeMessageDiff aligns the incoming list against the stored one and
// classifies each row as unchanged, update, insert, or delete.
//
// Alignment first tries a full-prefix match, then a suffix alignment: the
// smallest k such that the incoming list matches stored[k:] pairwise on
// (role, normalized content). Stored rows before k are history the client
// truncated; the server retains them.
func ComputeMessageDiff(stored []*Message, incoming []providers.Message) DiffResult {
	if len(incoming) == 0 {
		// Nothing incoming: everything stored past nothing is untouched.
		return DiffResult{Valid: true, Unchanged: len(stored)}
	}
	if len(stored) == 0 {
		return DiffResult{Valid: true, Inserts: incoming}
	}

	anchor := -1
	for k := 0; k <= len(stored); k++ {
		overlap := len(stored) - k
		if overlap > len(incoming) {
			overlap = len(incoming)
		}
		if overlap == 0 {
			break
		}
		matched := true
		for i := 0; i < overlap; i++ {
			if !sameIdentity(stored[k+i], incoming[i]) {
				matched = false
				break
			}
		}
		if matched {
			anchor = k
			break
		}
	}

	if anchor < 0 {
		reason := "misaligned"
		if len(incoming) < len(stored) {
			reason = "insufficient overlap"
		}
		return DiffResult{Fallback: true, Reason: reason}
	}

	result := DiffResult{Valid: true, AnchorOffset: anchor, Unchanged: anchor}

	overlap := len(stored) - anchor
	if overlap > len(incoming) {
		overlap = len(incoming)
	}

	for i := 0; i < overlap; i++ {
		row := stored[anchor+i]
		in := incoming[i]
		update, changed, fallback := diffToolArtifacts(row, in)
		if fallback != "" {
			return DiffResult{Fallback: true, Reason: fallback}
		}
		if changed {
			result.Updates = append(result.Updates, update)
		} else {
			result.Unchanged++
		}
	}

	result.Deletes = append(result.Deletes, stored[anchor+overlap:]...)
	result.Inserts = append(result.Inserts, incoming[overlap:]...)
	return result
}

// sameIdentity compares on (role, normalized content) only; deeper
// equality is the classification's job.
func sameIdentity(row *Message, in providers.Message) bool {
	if row.Role != in.Role {
		return false
	}
	return normalizeStoredContent(row) == normalizeContent(in.Content)
}

// diffToolArtifacts runs the sub-diff for one aligned pair. A changed
// tool-call count cannot be patched in place and forces a fallback.
func diffToolArtifacts(row *Message, in providers.Message) (MessageUpdate, bool, string) {
	update := MessageUpdate{Stored: row, Incoming: in}
	changed := false

	if row.Role == "assistant" {
		if len(row.ToolCalls) != len(in.ToolCalls) {
			return update, false, "Tool call count changed"
		}
		for i := range in.ToolCalls {
			stored := row.ToolCalls[i]
			incoming := in.ToolCalls[i]
			if stored.ToolName != incoming.Function.Name ||
				!sameArguments(stored.Arguments, incoming.Function.Arguments) {
				update.ToolCallsToUpdate = append(update.ToolCallsToUpdate, ToolCall{
					ID:        stored.ID,
					MessageID: row.ID,
					CallIndex: i,
					ToolName:  incoming.Function.Name,
					Arguments: incoming.Function.Arguments,
				})
				changed = true
			}
		}
	}

	if row.Role == "tool" && in.ToolCallID != "" {
		output := providers.ContentText(in.Content)
		existing := findToolOutput(row.ToolOutputs, in.ToolCallID)
		switch {
		case existing == nil:
			update.ToolOutputsToInsert = append(update.ToolOutputsToInsert, ToolOutput{
				ToolCallID: in.ToolCallID,
				MessageID:  row.ID,
				Output:     output,
				Status:     "success",
			})
			changed = true
		case existing.Output != output:
			update.ToolOutputsToUpdate = append(update.ToolOutputsToUpdate, ToolOutput{
				ID:         existing.ID,
				ToolCallID: existing.ToolCallID,
				MessageID:  row.ID,
				Output:     output,
				Status:     existing.Status,
			})
			changed = true
		}
	}

	return update, changed, ""
}

func findToolOutput(outputs []ToolOutput, toolCallID string) *ToolOutput {
	for i := range outputs {
		if outputs[i].ToolCallID == toolCallID {
			return &outputs[i]
		}
	}
	return nil
}

// normalizeStoredContent prefers the structured content_json blob when
// present so multimodal content compares canonically.
func normalizeStoredContent(row *Message) string {
	if row.ContentJSON != "" {
		var v interface{}
		if err := json.Unmarshal([]byte(row.ContentJSON), &v); err == nil {
			return normalizeContent(v)
		}
	}
	return strings.TrimSpace(row.Content)
}

// normalizeContent trims string content and canonicalizes array content to
// its JSON form.
func normalizeContent(content interface{}) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// sameArguments compares two JSON argument strings ignoring whitespace and
// key order. Unparseable arguments fall back to exact comparison.
func sameArguments(a, b string) bool {
	if strings.TrimSpace(a) == strings.TrimSpace(b) {
		return true
	}
	var va, vb interface{}
	if json.Unmarshal([]byte(a), &va) != nil || json.Unmarshal([]byte(b), &vb) != nil {
		return false
	}
	ca, errA := json.Marshal(va)
	cb, errB := json.Marshal(vb)
	return errA == nil && errB == nil && string(ca) == string(cb)
}
