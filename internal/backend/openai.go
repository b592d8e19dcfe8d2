package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/penginpenguin/cocrea/internal/llm"
)

var _ llm.ChatEngine = (*OpenAIEngine)(nil)

// OpenAIRequest represents the request body for OpenAI-compatible APIs
type OpenAIRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Temperature float64       `json:"temperature"`
}

// OpenAIResponse represents the response from OpenAI-compatible APIs
type OpenAIResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      llm.Message `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *llm.Usage `json:"usage"`
}

// OpenAIModelsResponse represents the response from GET /models
type OpenAIModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// OpenAIEngine is a chat-completion runtime behind an OpenAI-compatible
// HTTP API.
type OpenAIEngine struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.RWMutex
	model string
}

// NewOpenAIChat returns a constructor for engines at baseURL. apiKey may
// be empty for local servers that do not check it.
func NewOpenAIChat(baseURL, apiKey string, httpClient *http.Client, logger *slog.Logger) llm.ChatConstructor {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return func(ctx context.Context, modelID string, onProgress llm.ProgressFunc) (llm.ChatEngine, error) {
		e := &OpenAIEngine{
			baseURL:    strings.TrimRight(baseURL, "/"),
			apiKey:     apiKey,
			httpClient: httpClient,
			logger:     logger,
		}
		if err := e.Reload(ctx, modelID, onProgress); err != nil {
			return nil, err
		}
		return e, nil
	}
}

// Reload checks that modelID is served before switching to it. Hosted
// models have no weights to fetch, so progress jumps straight to done.
func (e *OpenAIEngine) Reload(ctx context.Context, modelID string, onProgress llm.ProgressFunc) error {
	body, err := e.do(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return err
	}

	var models OpenAIModelsResponse
	if err := json.Unmarshal(body, &models); err != nil {
		return fmt.Errorf("failed to unmarshal models: %w", err)
	}
	found := false
	for _, m := range models.Data {
		if m.ID == modelID {
			found = true
			break
		}
	}
	if !found {
		return llm.NewProviderError(llm.ErrCodeModelNotFound, fmt.Sprintf("model %s is not served", modelID), nil)
	}

	e.mu.Lock()
	e.model = modelID
	e.mu.Unlock()

	if onProgress != nil {
		onProgress(llm.FractionProgress(1))
	}
	e.logger.Info("openai model selected", "model", modelID, "url", e.baseURL)
	return nil
}

// Complete sends the conversation and returns the assistant's reply.
func (e *OpenAIEngine) Complete(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
	e.mu.RLock()
	model := e.model
	e.mu.RUnlock()

	jsonData, err := json.Marshal(OpenAIRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	body, err := e.do(ctx, http.MethodPost, "/chat/completions", jsonData)
	if err != nil {
		return nil, err
	}

	var apiResp OpenAIResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	result := &llm.ChatResult{Usage: apiResp.Usage}
	for _, c := range apiResp.Choices {
		result.Choices = append(result.Choices, llm.ChatChoice{Message: c.Message})
	}
	return result, nil
}

func (e *OpenAIEngine) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	if payload != nil {
		req.Header.Set("content-type", "application/json")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, fmt.Sprintf("API error: %s - %s", resp.Status, string(body)), nil)
	}
	return body, nil
}
