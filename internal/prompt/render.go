// Package prompt turns conversations into the flat text a raw-completion
// runtime consumes, and turns raw runtime output back into reply text.
//
// The delimiter tokens below are a compatibility surface: every stored
// model interaction was produced with them.
package prompt

import (
	"strings"

	"github.com/penginpenguin/cocrea/internal/llm"
)

// Turn delimiters.
const (
	SystemTag    = "<|system|>\n"
	UserTag      = "<|user|>\n"
	AssistantTag = "<|assistant|>\n"
)

// DefaultSystemPrompt is rendered when the caller's system prompt is empty.
const DefaultSystemPrompt = "You are a helpful assistant."

// Render flattens history plus a new user turn into a single prompt ending
// in an open assistant turn. history is expected to be already trimmed;
// system messages in it are skipped because the system slot is rendered
// from systemPrompt.
func Render(history []llm.Message, newUserText, systemPrompt string) string {
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}

	var b strings.Builder
	b.WriteString(SystemTag)
	b.WriteString(systemPrompt)
	b.WriteByte('\n')
	for _, m := range history {
		switch m.Role {
		case llm.RoleUser:
			b.WriteString(UserTag)
		case llm.RoleAssistant:
			b.WriteString(AssistantTag)
		default:
			continue
		}
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	b.WriteString(UserTag)
	b.WriteString(newUserText)
	b.WriteByte('\n')
	b.WriteString(AssistantTag)
	return b.String()
}
