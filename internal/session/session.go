// Package session drives interchangeable model runtimes through a common
// lifecycle (unloaded, loading, ready, failed) and keeps one bounded,
// system-prompt-anchored conversation per backend.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/penginpenguin/cocrea/internal/config"
	"github.com/penginpenguin/cocrea/internal/llm"
	"github.com/penginpenguin/cocrea/internal/store"
	"github.com/penginpenguin/cocrea/internal/telemetry"
)

// LoadState is a session's lifecycle state.
type LoadState int

const (
	Unloaded LoadState = iota
	Loading
	Ready
	Failed
)

func (s LoadState) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("LoadState(%d)", int(s))
	}
}

// KV is the flat settings store sessions persist their model id to.
type KV interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
}

// Archive receives every completed turn.
type Archive interface {
	RecordTurn(ctx context.Context, turn store.Turn) error
}

// NotLoadedReply is the reply Ask gives while a session is not ready.
func NotLoadedReply(label string) string {
	return "…" + label + " model not loaded…"
}

// Options configures a Session.
type Options struct {
	Name         string // backend name; also selects the persisted model key
	Label        string // display label; defaults to Name
	DefaultModel string
	Flavor       Flavor

	Settings *Settings // shared prompt and temperature; private defaults when nil
	Store    KV        // optional
	Archive  Archive   // optional
	MaxPairs *int      // trim window; DefaultMaxPairs when nil

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *telemetry.Metrics

	// OnUsage is called with the formatted usage after every successful ask.
	OnUsage func(string)
}

// Session is one backend's lifecycle, model selection and conversation.
// Ask while not Ready returns NotLoadedReply instead of an error.
type Session struct {
	name     string
	label    string
	flavor   Flavor
	settings *Settings
	kv       KV
	archive  Archive
	maxPairs int
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *telemetry.Metrics
	onUsage  func(string)

	loads singleflight.Group

	mu             sync.Mutex
	state          LoadState
	progress       int
	modelID        string
	loadedModel    string
	history        *History
	conversationID string
	lastUsage      string
	lastErr        error
}

// New creates a session in the Unloaded state. The model id is restored
// from the store when present, otherwise DefaultModel is used.
func New(opts Options) (*Session, error) {
	if opts.Name == "" {
		return nil, errors.New("session name is required")
	}
	if opts.Flavor == nil {
		return nil, fmt.Errorf("session %s: flavor is required", opts.Name)
	}
	if opts.Label == "" {
		opts.Label = opts.Name
	}
	if opts.Settings == nil {
		opts.Settings = NewSettings(config.DefaultSystemPrompt, config.DefaultTemperature)
	}
	maxPairs := DefaultMaxPairs
	if opts.MaxPairs != nil {
		maxPairs = max(*opts.MaxPairs, 0)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(telemetry.ServiceName)
	}
	if opts.Metrics == nil {
		m, err := telemetry.NewMetrics(nil)
		if err != nil {
			return nil, err
		}
		opts.Metrics = m
	}

	s := &Session{
		name:           opts.Name,
		label:          opts.Label,
		flavor:         opts.Flavor,
		settings:       opts.Settings,
		kv:             opts.Store,
		archive:        opts.Archive,
		maxPairs:       maxPairs,
		logger:         opts.Logger.With("backend", opts.Name),
		tracer:         opts.Tracer,
		metrics:        opts.Metrics,
		onUsage:        opts.OnUsage,
		modelID:        opts.DefaultModel,
		history:        NewHistory(opts.Settings.SystemPrompt()),
		conversationID: uuid.NewString(),
	}

	if s.kv != nil {
		v, ok, err := s.kv.Get(config.ModelKey(s.name))
		if err != nil {
			s.logger.Warn("failed to restore model selection", "error", err)
		} else if ok && v != "" {
			s.modelID = v
		}
	}

	s.logger.Info("session created", "model", s.modelID, "flavor", s.flavor.Kind().String())
	return s, nil
}

// Name returns the backend name.
func (s *Session) Name() string { return s.name }

// Label returns the display label.
func (s *Session) Label() string { return s.label }

// Kind returns the runtime contract this session drives.
func (s *Session) Kind() Kind { return s.flavor.Kind() }

// Configure selects the model used by the next Load. An empty id is
// ignored so a valid selection is never cleared by accident. The runtime
// is not contacted.
func (s *Session) Configure(modelID string) error {
	if modelID == "" {
		return nil
	}
	s.mu.Lock()
	s.modelID = modelID
	s.mu.Unlock()

	s.logger.Info("model selected", "model", modelID)
	if s.kv == nil {
		return nil
	}
	if err := s.kv.Set(config.ModelKey(s.name), modelID); err != nil {
		return fmt.Errorf("failed to persist %s model: %w", s.name, err)
	}
	return nil
}

// ModelID returns the selected model id.
func (s *Session) ModelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modelID
}

// Load moves the session to Loading, constructs or reloads the runtime
// with the selected model, and ends in Ready or Failed. Loading an
// already Ready session reloads it. A Load issued while another is in
// flight waits for that one and returns its result.
func (s *Session) Load(ctx context.Context) error {
	_, err, _ := s.loads.Do("load", func() (any, error) {
		return nil, s.load(ctx)
	})
	return err
}

func (s *Session) load(ctx context.Context) error {
	s.mu.Lock()
	s.state = Loading
	s.progress = 0
	s.lastErr = nil
	model := s.modelID
	s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "session.load", trace.WithAttributes(
		attribute.String("backend", s.name),
		attribute.String("model", model),
	))
	defer span.End()

	s.logger.Info("loading model", "model", model)
	start := time.Now()
	err := s.flavor.Load(ctx, model, s.reportProgress)
	s.metrics.RecordLoad(ctx, s.name, time.Since(start), err)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = Failed
		s.lastErr = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("model load failed", "model", model, "error", err)
		return fmt.Errorf("failed to load %s model %s: %w", s.name, model, err)
	}
	s.state = Ready
	s.progress = 100
	s.loadedModel = model
	s.logger.Info("model ready", "model", model, "duration", time.Since(start))
	return nil
}

// reportProgress is the boundary where runtime progress shapes become a
// percentage. Reports arriving outside Loading are dropped.
func (s *Session) reportProgress(p llm.Progress) {
	pct := p.Percent()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Loading {
		return
	}
	s.progress = pct
	s.logger.Debug("load progress", "percent", pct, "status", p.Text)
}

// Ready reports whether the session can answer.
func (s *Session) Ready() bool {
	return s.State() == Ready
}

// State returns the current lifecycle state.
func (s *Session) State() LoadState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Progress returns the last load percentage.
func (s *Session) Progress() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Err returns the error of the last failed load, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Ask sends promptText with the trimmed conversation to the runtime and
// records the exchange. A runtime error is returned and leaves the
// conversation untouched.
func (s *Session) Ask(ctx context.Context, promptText string) (string, error) {
	s.mu.Lock()
	if s.state != Ready {
		s.mu.Unlock()
		return NotLoadedReply(s.label), nil
	}
	turn := Turn{
		History:      s.history.Trimmed(s.maxPairs),
		Input:        promptText,
		SystemPrompt: s.settings.SystemPrompt(),
		Temperature:  s.settings.Temperature(),
	}
	model := s.loadedModel
	s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "session.ask", trace.WithAttributes(
		attribute.String("backend", s.name),
		attribute.String("model", model),
		attribute.Int("context_messages", len(turn.History)),
	))
	defer span.End()

	start := time.Now()
	reply, err := s.flavor.Ask(ctx, turn)
	s.metrics.RecordAsk(ctx, s.name, time.Since(start), reply.Usage, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("ask failed", "model", model, "error", err)
		return "", fmt.Errorf("%s ask failed: %w", s.name, err)
	}

	usage := llm.FormatUsage(reply.Usage)
	s.mu.Lock()
	s.history.Append(promptText, reply.Text)
	s.lastUsage = usage
	conversationID := s.conversationID
	s.mu.Unlock()

	if s.onUsage != nil {
		s.onUsage(usage)
	}
	s.logger.Info("ask completed", "model", model, "duration", time.Since(start), "usage", usage)

	if s.archive != nil {
		err := s.archive.RecordTurn(ctx, store.Turn{
			ConversationID: conversationID,
			Backend:        s.name,
			Model:          model,
			User:           promptText,
			Assistant:      reply.Text,
			Usage:          usage,
		})
		if err != nil {
			s.logger.Warn("failed to archive turn", "error", err)
		}
	}
	return reply.Text, nil
}

// Clear resets the conversation to the system message and starts a new
// conversation id. Load state, model and progress are untouched.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Reset(s.settings.SystemPrompt())
	s.conversationID = uuid.NewString()
}

// History returns a copy of the full conversation.
func (s *Session) History() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.All()
}

// Trimmed returns the context view the next Ask would send.
func (s *Session) Trimmed() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Trimmed(s.maxPairs)
}

// LastUsage returns the formatted usage of the last successful ask.
func (s *Session) LastUsage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsage
}

// ConversationID identifies the current conversation in the archive.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}
