package llm

import (
	"strconv"
	"strings"
)

// Usage tracks token consumption for a single call. Runtimes differ in
// which counts they report, so every field is optional.
type Usage struct {
	PromptTokens     *int `json:"prompt_tokens,omitempty"`
	CompletionTokens *int `json:"completion_tokens,omitempty"`
	TotalTokens      *int `json:"total_tokens,omitempty"`
}

// Count returns a pointer to n, for building Usage literals.
func Count(n int) *int {
	return &n
}

// FormatUsage renders u as "prompt:N, completion:N, total:N", omitting
// absent fields. A nil usage renders as "".
func FormatUsage(u *Usage) string {
	if u == nil {
		return ""
	}
	parts := make([]string, 0, 3)
	if u.PromptTokens != nil {
		parts = append(parts, "prompt:"+strconv.Itoa(*u.PromptTokens))
	}
	if u.CompletionTokens != nil {
		parts = append(parts, "completion:"+strconv.Itoa(*u.CompletionTokens))
	}
	if u.TotalTokens != nil {
		parts = append(parts, "total:"+strconv.Itoa(*u.TotalTokens))
	}
	return strings.Join(parts, ", ")
}
