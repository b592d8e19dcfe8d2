// Package llm holds the types shared between the session engine and the
// model runtimes it drives. Runtimes come in two flavors: raw completion
// (one flattened text prompt in, continuation text out) and chat
// completion (role-tagged turns in, new assistant content out).
//
// The session layer depends only on the interfaces in this package;
// concrete runtimes live in internal/backend.
package llm

import "context"

// Message represents a single turn in a conversation.
type Message struct {
	Role    string `json:"role"` // One of RoleSystem, RoleUser, RoleAssistant.
	Content string `json:"content"`
}

// Role constants for the Message.Role field.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ProgressFunc receives load progress from a runtime. It may be called at
// any cadence, from any goroutine, with values that are not monotonic.
type ProgressFunc func(Progress)

// RawEngine is a raw-completion runtime.
type RawEngine interface {
	// Reload switches the runtime to modelID, reporting progress while
	// weights are fetched or prepared.
	Reload(ctx context.Context, modelID string, onProgress ProgressFunc) error

	// Generate continues prompt. The returned text may echo the prompt.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (*RawResult, error)
}

// ChatEngine is a chat-completion runtime.
type ChatEngine interface {
	// Reload switches the runtime to modelID, reporting progress while
	// weights are fetched or prepared.
	Reload(ctx context.Context, modelID string, onProgress ProgressFunc) error

	// Complete returns only the new assistant content for the request.
	Complete(ctx context.Context, req ChatRequest) (*ChatResult, error)
}

// Captioner is a single-purpose image-to-text runtime.
type Captioner interface {
	Caption(ctx context.Context, image []byte) (string, error)
}

// RawConstructor builds a raw-completion runtime already loaded with modelID.
type RawConstructor func(ctx context.Context, modelID string, onProgress ProgressFunc) (RawEngine, error)

// ChatConstructor builds a chat-completion runtime already loaded with modelID.
type ChatConstructor func(ctx context.Context, modelID string, onProgress ProgressFunc) (ChatEngine, error)

// CaptionConstructor builds an image-to-text runtime loaded with modelID.
type CaptionConstructor func(ctx context.Context, modelID string, onProgress ProgressFunc) (Captioner, error)

// GenerateOptions are sampling parameters for a raw-completion call.
type GenerateOptions struct {
	MaxNewTokens      int     `json:"max_new_tokens,omitempty"`
	Temperature       float64 `json:"temperature"`
	TopP              float64 `json:"top_p,omitempty"`
	RepetitionPenalty float64 `json:"repetition_penalty,omitempty"`
}

// DefaultGenerateOptions returns the sampling parameters used when a
// session is not configured otherwise.
func DefaultGenerateOptions() GenerateOptions {
	return GenerateOptions{
		MaxNewTokens:      300,
		Temperature:       0.7,
		TopP:              0.95,
		RepetitionPenalty: 1.05,
	}
}

// RawResult is the output of a raw-completion call.
type RawResult struct {
	GeneratedText string `json:"generated_text"`
	Usage         *Usage `json:"usage,omitempty"`
}

// ChatRequest is the input of a chat-completion call.
type ChatRequest struct {
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

// ChatResult is the output of a chat-completion call.
type ChatResult struct {
	Choices []ChatChoice `json:"choices"`
	Usage   *Usage       `json:"usage,omitempty"`
}

// ChatChoice is one candidate reply.
type ChatChoice struct {
	Message Message `json:"message"`
}

// Content returns the first choice's content, or "" when there is none.
func (r *ChatResult) Content() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}
