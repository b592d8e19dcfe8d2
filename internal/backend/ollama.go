package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/ollama/ollama/api"

	"github.com/penginpenguin/cocrea/internal/llm"
)

// CaptionPrompt is sent with every image to a vision model.
const CaptionPrompt = "Describe this image in one short sentence."

// Compile-time interface guards.
var (
	_ llm.RawEngine = (*OllamaEngine)(nil)
	_ llm.Captioner = (*OllamaCaptioner)(nil)
)

// NewOllamaClient returns an API client for the Ollama server at rawURL.
func NewOllamaClient(rawURL string, httpClient *http.Client) (*api.Client, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse ollama url %q: %w", rawURL, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return api.NewClient(base, httpClient), nil
}

// OllamaEngine is a raw-completion runtime on a local Ollama server.
// Prompts are sent with raw mode on so the server applies no template of
// its own.
type OllamaEngine struct {
	client *api.Client
	logger *slog.Logger

	mu    sync.RWMutex
	model string
}

// NewOllamaRaw returns a constructor that pulls the model, warms it and
// hands back a ready engine.
func NewOllamaRaw(client *api.Client, logger *slog.Logger) llm.RawConstructor {
	return func(ctx context.Context, modelID string, onProgress llm.ProgressFunc) (llm.RawEngine, error) {
		e := &OllamaEngine{client: client, logger: logger}
		if err := e.Reload(ctx, modelID, onProgress); err != nil {
			return nil, err
		}
		return e, nil
	}
}

// Reload pulls modelID, reporting download progress, then loads it into
// memory with an empty generate.
func (e *OllamaEngine) Reload(ctx context.Context, modelID string, onProgress llm.ProgressFunc) error {
	if err := pull(ctx, e.client, modelID, onProgress); err != nil {
		return err
	}

	noStream := false
	err := e.client.Generate(ctx, &api.GenerateRequest{Model: modelID, Stream: &noStream}, func(api.GenerateResponse) error {
		return nil
	})
	if err != nil {
		return mapError(err)
	}

	e.mu.Lock()
	e.model = modelID
	e.mu.Unlock()

	if onProgress != nil {
		onProgress(llm.FractionProgress(1))
	}
	e.logger.Info("ollama model loaded", "model", modelID)
	return nil
}

// Generate continues prompt with the loaded model.
func (e *OllamaEngine) Generate(ctx context.Context, prompt string, opts llm.GenerateOptions) (*llm.RawResult, error) {
	e.mu.RLock()
	model := e.model
	e.mu.RUnlock()

	noStream := false
	req := &api.GenerateRequest{
		Model:   model,
		Prompt:  prompt,
		Raw:     true,
		Stream:  &noStream,
		Options: buildOptions(opts),
	}

	var result llm.RawResult
	err := e.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		result.GeneratedText += resp.Response
		if resp.Done {
			result.Usage = &llm.Usage{
				PromptTokens:     llm.Count(resp.Metrics.PromptEvalCount),
				CompletionTokens: llm.Count(resp.Metrics.EvalCount),
				TotalTokens:      llm.Count(resp.Metrics.PromptEvalCount + resp.Metrics.EvalCount),
			}
		}
		return nil
	})
	if err != nil {
		return nil, mapError(err)
	}
	return &result, nil
}

func buildOptions(opts llm.GenerateOptions) map[string]any {
	m := map[string]any{
		"temperature": opts.Temperature,
	}
	if opts.MaxNewTokens > 0 {
		m["num_predict"] = opts.MaxNewTokens
	}
	if opts.TopP > 0 {
		m["top_p"] = opts.TopP
	}
	if opts.RepetitionPenalty > 0 {
		m["repeat_penalty"] = opts.RepetitionPenalty
	}
	return m
}

// OllamaCaptioner describes images with an Ollama vision model.
type OllamaCaptioner struct {
	client *api.Client
	model  string
}

// NewOllamaCaptioner returns a constructor that pulls the vision model
// before the first caption.
func NewOllamaCaptioner(client *api.Client) llm.CaptionConstructor {
	return func(ctx context.Context, modelID string, onProgress llm.ProgressFunc) (llm.Captioner, error) {
		if err := pull(ctx, client, modelID, onProgress); err != nil {
			return nil, err
		}
		return &OllamaCaptioner{client: client, model: modelID}, nil
	}
}

// Caption returns a one-line description of image.
func (c *OllamaCaptioner) Caption(ctx context.Context, image []byte) (string, error) {
	noStream := false
	req := &api.GenerateRequest{
		Model:  c.model,
		Prompt: CaptionPrompt,
		Images: []api.ImageData{image},
		Stream: &noStream,
	}

	var text string
	err := c.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		text += resp.Response
		return nil
	})
	if err != nil {
		return "", mapError(err)
	}
	return text, nil
}

// OllamaModels lists the models installed on the server.
func OllamaModels(ctx context.Context, client *api.Client) ([]string, error) {
	resp, err := client.List(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	names := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

func pull(ctx context.Context, client *api.Client, modelID string, onProgress llm.ProgressFunc) error {
	err := client.Pull(ctx, &api.PullRequest{Model: modelID}, func(p api.ProgressResponse) error {
		if onProgress != nil {
			prog := llm.BytesProgress(p.Completed, p.Total)
			prog.Text = p.Status
			onProgress(prog)
		}
		return nil
	})
	return mapError(err)
}
