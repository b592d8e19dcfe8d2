package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/penginpenguin/cocrea/internal/llm"
	"github.com/penginpenguin/cocrea/internal/prompt"
	"github.com/penginpenguin/cocrea/internal/rpc"
)

// Compile-time interface guards.
var (
	_ llm.RawEngine  = (*BridgeEngine)(nil)
	_ llm.ChatEngine = (*BridgeEngine)(nil)
)

// BridgeEngine drives a runtime that lives in another process and speaks
// JSON-RPC: an in-browser WebGPU runtime behind a WebSocket relay, or a
// transformers pipeline run as a child process. It serves either the raw
// or the chat contract depending on the bridge.
type BridgeEngine struct {
	client rpc.Client
	logger *slog.Logger

	mu    sync.RWMutex
	model string
}

// Dialer opens a bridge connection.
type Dialer func(ctx context.Context) (rpc.Client, error)

// DialTarget returns a Dialer for target as understood by rpc.Dial.
func DialTarget(name, target string, logger *slog.Logger) Dialer {
	return func(ctx context.Context) (rpc.Client, error) {
		return rpc.Dial(ctx, name, target, logger)
	}
}

// NewBridgeRaw returns a raw-completion constructor over a bridge.
func NewBridgeRaw(dial Dialer, logger *slog.Logger) llm.RawConstructor {
	return func(ctx context.Context, modelID string, onProgress llm.ProgressFunc) (llm.RawEngine, error) {
		return newBridge(ctx, dial, modelID, onProgress, logger)
	}
}

// NewBridgeChat returns a chat-completion constructor over a bridge.
func NewBridgeChat(dial Dialer, logger *slog.Logger) llm.ChatConstructor {
	return func(ctx context.Context, modelID string, onProgress llm.ProgressFunc) (llm.ChatEngine, error) {
		return newBridge(ctx, dial, modelID, onProgress, logger)
	}
}

func newBridge(ctx context.Context, dial Dialer, modelID string, onProgress llm.ProgressFunc, logger *slog.Logger) (*BridgeEngine, error) {
	client, err := dial(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	if _, err := rpc.Initialize(ctx, client, logger); err != nil {
		client.Close()
		return nil, mapError(err)
	}
	e := &BridgeEngine{client: client, logger: logger}
	if err := e.Reload(ctx, modelID, onProgress); err != nil {
		client.Close()
		return nil, err
	}
	return e, nil
}

// Reload asks the bridge to load modelID, relaying its progress
// notifications.
func (e *BridgeEngine) Reload(ctx context.Context, modelID string, onProgress llm.ProgressFunc) error {
	notify := func(method string, params json.RawMessage) {
		if method != rpc.NotifyProgress || onProgress == nil {
			return
		}
		var p llm.Progress
		if err := json.Unmarshal(params, &p); err != nil {
			e.logger.Debug("ignoring malformed progress", "error", err)
			return
		}
		onProgress(p)
	}

	if err := e.client.Call(ctx, rpc.MethodReload, rpc.ReloadParams{Model: modelID}, nil, notify); err != nil {
		return mapError(err)
	}

	e.mu.Lock()
	e.model = modelID
	e.mu.Unlock()
	e.logger.Info("bridge model loaded", "bridge", e.client.Name(), "model", modelID)
	return nil
}

// Generate runs the bridge's text-generation pipeline. The reply may be a
// list of {generated_text}, a single such object or a bare string.
func (e *BridgeEngine) Generate(ctx context.Context, promptText string, opts llm.GenerateOptions) (*llm.RawResult, error) {
	var raw json.RawMessage
	params := rpc.GenerateParams{Prompt: promptText, Options: opts}
	if err := e.client.Call(ctx, rpc.MethodGenerate, params, &raw, nil); err != nil {
		return nil, mapError(err)
	}

	text, err := prompt.DecodeGenerated(raw)
	if err != nil {
		return nil, fmt.Errorf("bridge %s: %w", e.client.Name(), err)
	}

	result := &llm.RawResult{GeneratedText: text}
	var withUsage struct {
		Usage *llm.Usage `json:"usage"`
	}
	if json.Unmarshal(raw, &withUsage) == nil {
		result.Usage = withUsage.Usage
	}
	return result, nil
}

// Complete runs a chat completion on the bridge.
func (e *BridgeEngine) Complete(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
	var reply struct {
		Choices []struct {
			Message json.RawMessage `json:"message"`
		} `json:"choices"`
		Usage *llm.Usage `json:"usage"`
	}
	if err := e.client.Call(ctx, rpc.MethodChat, req, &reply, nil); err != nil {
		return nil, mapError(err)
	}

	result := &llm.ChatResult{Usage: reply.Usage}
	for _, c := range reply.Choices {
		content, err := prompt.DecodeMessageContent(c.Message)
		if err != nil {
			return nil, fmt.Errorf("bridge %s: %w", e.client.Name(), err)
		}
		result.Choices = append(result.Choices, llm.ChatChoice{
			Message: llm.Message{Role: llm.RoleAssistant, Content: content},
		})
	}
	return result, nil
}

// Close releases the bridge connection.
func (e *BridgeEngine) Close() error {
	return e.client.Close()
}
