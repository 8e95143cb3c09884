package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/qduc/relay/pkg/providers"
)

const systemInstructionsTag = "<system_instructions>"

// ResolveSystemPrompt picks the system prompt for the request. A top-level
// body prompt replaces any leading system message in the list; absent one,
// the leading system message wins, then the conversation metadata. When
// none is set an empty prompt comes back and StructurePrompt synthesizes
// the minimal date-only prompt. The returned message list has any leading
// system message removed; the caller re-injects the structured prompt.
func ResolveSystemPrompt(messages []providers.Message, bodyPrompt string, conversationMeta map[string]interface{}) (string, []providers.Message) {
	var leading string
	if len(messages) > 0 && messages[0].Role == "system" {
		leading = providers.ContentText(messages[0].Content)
		messages = messages[1:]
	}
	if bodyPrompt != "" {
		return bodyPrompt, messages
	}
	if leading != "" {
		return leading, messages
	}
	if conversationMeta != nil {
		if p, ok := conversationMeta["system_prompt"].(string); ok && p != "" {
			return p, messages
		}
	}
	return "", messages
}

// StructurePrompt wraps a raw prompt in the structured instruction tags.
// Already-structured prompts pass through unwrapped; an empty prompt
// yields the minimal date-only prompt.
func StructurePrompt(prompt string) string {
	today := time.Now().Format("2006-01-02")
	if prompt == "" {
		return fmt.Sprintf("%sToday's date is %s.</system_instructions>", systemInstructionsTag, today)
	}
	if strings.Contains(prompt, systemInstructionsTag) {
		return prompt
	}
	return fmt.Sprintf("%sToday's date is %s.</system_instructions>\n\n<user_instructions>%s</user_instructions>",
		systemInstructionsTag, today, prompt)
}
