package session

import "github.com/penginpenguin/cocrea/internal/llm"

// DefaultMaxPairs is the trim window used when a session is not
// configured otherwise.
const DefaultMaxPairs = 8

// History is a conversation buffer anchored by one system message at
// index 0. The full buffer is kept for the life of the conversation; only
// the view returned by Trimmed is bounded.
//
// History is not safe for concurrent use; Session guards it.
type History struct {
	messages []llm.Message
}

// NewHistory returns a history holding only the system message.
func NewHistory(systemPrompt string) *History {
	h := &History{}
	h.Reset(systemPrompt)
	return h
}

// Reset replaces the buffer with a single system message.
func (h *History) Reset(systemPrompt string) {
	h.messages = []llm.Message{{Role: llm.RoleSystem, Content: systemPrompt}}
}

// Trimmed returns the system message followed by at most the last
// maxPairs user/assistant pairs. The result is a copy.
func (h *History) Trimmed(maxPairs int) []llm.Message {
	if maxPairs < 0 {
		maxPairs = 0
	}
	turns := h.messages[1:]
	if keep := 2 * maxPairs; len(turns) > keep {
		turns = turns[len(turns)-keep:]
	}
	out := make([]llm.Message, 0, 1+len(turns))
	out = append(out, h.messages[0])
	return append(out, turns...)
}

// Append adds a user message followed by an assistant message.
func (h *History) Append(userText, assistantText string) {
	h.messages = append(h.messages,
		llm.Message{Role: llm.RoleUser, Content: userText},
		llm.Message{Role: llm.RoleAssistant, Content: assistantText},
	)
}

// All returns a copy of the full, untrimmed buffer.
func (h *History) All() []llm.Message {
	out := make([]llm.Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Len returns the number of messages in the full buffer.
func (h *History) Len() int {
	return len(h.messages)
}
