package tools

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/penginpenguin/cocrea/internal/cache"
	"github.com/penginpenguin/cocrea/internal/llm"
	"github.com/penginpenguin/cocrea/internal/telemetry"
)

// CaptionOptions configures a Captioner.
type CaptionOptions struct {
	Construct  llm.CaptionConstructor
	Model      func() string // current vision model id
	Fetcher    *Fetcher
	Cache      *cache.Cache     // optional
	OnProgress llm.ProgressFunc // optional; receives vision model load progress
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics
}

// Captioner describes images at URLs with a vision engine built on first
// use and reused afterwards. Selecting another vision model builds a new
// engine on the next call.
type Captioner struct {
	opts CaptionOptions

	mu     sync.Mutex
	engine llm.Captioner
	model  string
}

// NewCaptioner returns a captioner; no engine is built yet.
func NewCaptioner(opts CaptionOptions) *Captioner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Captioner{opts: opts}
}

// Caption returns a description of the image at imageURL.
func (c *Captioner) Caption(ctx context.Context, imageURL string) string {
	text, err := c.caption(ctx, imageURL)
	if c.opts.Metrics != nil {
		c.opts.Metrics.RecordTool(ctx, "caption", err)
	}
	if err != nil {
		c.opts.Logger.Warn("caption failed", "url", imageURL, "error", err)
		return "caption error: " + err.Error()
	}
	return text
}

func (c *Captioner) caption(ctx context.Context, imageURL string) (string, error) {
	model := c.opts.Model()
	key := cache.Key(model, imageURL)
	if c.opts.Cache != nil {
		if text, ok := c.opts.Cache.Get(key); ok {
			c.opts.Logger.Debug("caption cache hit", "key", key[:16])
			return text, nil
		}
	}

	engine, err := c.engineFor(ctx, model)
	if err != nil {
		return "", err
	}
	image, err := c.opts.Fetcher.fetchBytes(ctx, imageURL)
	if err != nil {
		return "", err
	}
	text, err := engine.Caption(ctx, image)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)

	if c.opts.Cache != nil {
		c.opts.Cache.Put(key, text)
	}
	return text, nil
}

// engineFor returns the engine for model, building it if needed. A failed
// build is not remembered, so the next call tries again.
func (c *Captioner) engineFor(ctx context.Context, model string) (llm.Captioner, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.engine != nil && c.model == model {
		return c.engine, nil
	}
	c.opts.Logger.Info("loading vision model", "model", model)
	engine, err := c.opts.Construct(ctx, model, c.opts.OnProgress)
	if err != nil {
		return nil, err
	}
	c.engine, c.model = engine, model
	return engine, nil
}
