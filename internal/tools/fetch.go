// Package tools holds the best-effort helpers offered next to the chat
// backends. Tool calls never return errors; failures come back as
// displayable "<kind> error: <message>" strings.
package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/penginpenguin/cocrea/internal/telemetry"
)

// DefaultFetchLimit is the number of characters FetchText returns at most.
const DefaultFetchLimit = 4000

// maxImageBytes bounds an image download for captioning.
const maxImageBytes = 20 << 20

// Fetcher retrieves URLs with a shared outbound rate limit.
type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	limit   int
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewFetcher returns a fetcher truncating text to limit characters and
// issuing at most perSecond requests per second. A non-positive perSecond
// disables throttling.
func NewFetcher(client *http.Client, limit int, perSecond float64, logger *slog.Logger, metrics *telemetry.Metrics) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if limit <= 0 {
		limit = DefaultFetchLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if perSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return &Fetcher{client: client, limiter: limiter, limit: limit, logger: logger, metrics: metrics}
}

// FetchText returns the body of rawURL cut to the first limit characters.
// Non-2xx bodies are returned like any other.
func (f *Fetcher) FetchText(ctx context.Context, rawURL string) string {
	body, _, err := f.get(ctx, rawURL, int64(f.limit)*utf8.UTFMax)
	f.record(ctx, "fetch", err)
	if err != nil {
		f.logger.Warn("fetch failed", "url", rawURL, "error", err)
		return "fetch error: " + err.Error()
	}
	return truncateRunes(string(body), f.limit)
}

// fetchBytes downloads rawURL and fails on non-2xx responses.
func (f *Fetcher) fetchBytes(ctx context.Context, rawURL string) ([]byte, error) {
	body, status, err := f.get(ctx, rawURL, maxImageBytes)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("GET %s: HTTP %d", rawURL, status)
	}
	return body, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string, maxBytes int64) ([]byte, int, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read body: %w", err)
	}
	return body, resp.StatusCode, nil
}

func (f *Fetcher) record(ctx context.Context, tool string, err error) {
	if f.metrics != nil {
		f.metrics.RecordTool(ctx, tool, err)
	}
}

// truncateRunes cuts s to at most n characters without splitting one.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
