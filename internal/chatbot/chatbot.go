// Package chatbot is the interactive host. It wires the session registry
// to the engines, tools, settings store and telemetry, and exposes every
// operation as a slash command on a line-oriented console.
package chatbot

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/ollama/ollama/api"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/penginpenguin/cocrea/internal/backend"
	"github.com/penginpenguin/cocrea/internal/cache"
	"github.com/penginpenguin/cocrea/internal/catalog"
	"github.com/penginpenguin/cocrea/internal/config"
	"github.com/penginpenguin/cocrea/internal/llm"
	"github.com/penginpenguin/cocrea/internal/session"
	"github.com/penginpenguin/cocrea/internal/store"
	"github.com/penginpenguin/cocrea/internal/telemetry"
	"github.com/penginpenguin/cocrea/internal/tools"
)

// ChatBot represents the main application
type ChatBot struct {
	config    config.Config
	store     *store.Store
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *telemetry.Metrics
	registry  *session.Registry
	catalog   *catalog.Catalog
	fetcher   *tools.Fetcher
	captioner *tools.Captioner
	ollama    *api.Client
	cleanup   []func()

	loads sync.WaitGroup

	mu      sync.Mutex
	current string
	out     io.Writer
}

// New creates a ChatBot with every backend registered but none loaded.
func New(cfg config.Config) (*ChatBot, error) {
	logger, closeLog, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx := context.Background()
	tracer, meter, shutdown, err := telemetry.InitTelemetry(ctx, cfg.LogDir)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	cb := &ChatBot{
		config:  cfg,
		logger:  logger,
		tracer:  tracer,
		current: config.BackendLocal,
		out:     os.Stdout,
		cleanup: []func(){shutdown, func() { closeLog() }},
	}

	if err := cb.wire(meter); err != nil {
		cb.Close()
		return nil, err
	}

	if cfg.Debug {
		logger.Debug("debug mode enabled")
	}
	return cb, nil
}

func (cb *ChatBot) wire(meter metric.Meter) error {
	cfg := cb.config

	metrics, err := telemetry.NewMetrics(meter)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	cb.metrics = metrics

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	cb.store = st
	cb.cleanup = append(cb.cleanup, func() {
		if err := st.Close(); err != nil {
			cb.logger.Error("failed to close database", "error", err)
		}
	})

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return err
	}
	cb.catalog = cat

	cb.ollama, err = backend.NewOllamaClient(cfg.OllamaURL, &http.Client{})
	if err != nil {
		return err
	}

	cb.registry = session.NewRegistry(st, cb.logger)
	genOpts := llm.GenerateOptions{
		MaxNewTokens:      cfg.MaxNewTokens,
		TopP:              cfg.TopP,
		RepetitionPenalty: cfg.RepetitionPenalty,
	}

	backends := []session.Options{
		{
			Name:         config.BackendLocal,
			Label:        "Local",
			DefaultModel: config.DefaultLocalModel,
			Flavor:       session.NewRawFlavor(backend.NewOllamaRaw(cb.ollama, cb.logger), genOpts),
		},
		{
			Name:         config.BackendWebLLM,
			Label:        "WebLLM",
			DefaultModel: config.DefaultWebLLMModel,
			Flavor:       session.NewChatFlavor(backend.NewBridgeChat(backend.DialTarget(config.BackendWebLLM, cfg.WebLLMBridge, cb.logger), cb.logger)),
		},
		{
			Name:         config.BackendHF,
			Label:        "HF",
			DefaultModel: config.DefaultHFModel,
			Flavor:       session.NewRawFlavor(backend.NewBridgeRaw(backend.DialTarget(config.BackendHF, cfg.HFRunner, cb.logger), cb.logger), genOpts),
		},
	}
	if cfg.OpenAIURL != "" {
		backends = append(backends, session.Options{
			Name:         config.BackendOpenAI,
			Label:        "OpenAI",
			DefaultModel: config.DefaultOpenAIModel,
			Flavor:       session.NewChatFlavor(backend.NewOpenAIChat(cfg.OpenAIURL, os.Getenv(cfg.OpenAIKeyEnv), nil, cb.logger)),
		})
	}
	maxPairs := cfg.MaxPairs
	for _, opts := range backends {
		opts.Archive = st
		opts.MaxPairs = &maxPairs
		opts.Tracer = cb.tracer
		opts.Metrics = metrics
		if _, err := cb.registry.Add(opts); err != nil {
			return err
		}
	}

	cb.fetcher = tools.NewFetcher(&http.Client{Timeout: 30 * time.Second}, cfg.FetchLimit, cfg.FetchRate, cb.logger, metrics)
	cb.captioner = tools.NewCaptioner(tools.CaptionOptions{
		Construct: backend.NewOllamaCaptioner(cb.ollama),
		Model:     cb.registry.VisionModel,
		Fetcher:   cb.fetcher,
		Cache:     cache.New(0),
		OnProgress: func(p llm.Progress) {
			cb.logger.Debug("vision model progress", "percent", p.Percent(), "status", p.Text)
		},
		Logger:  cb.logger,
		Metrics: metrics,
	})
	return nil
}

// Close releases the database and flushes telemetry. Loads still running
// are waited for first.
func (cb *ChatBot) Close() error {
	cb.loads.Wait()
	for i := len(cb.cleanup) - 1; i >= 0; i-- {
		cb.cleanup[i]()
	}
	cb.cleanup = nil
	return nil
}

// Run reads commands and prompts from in until EOF or /quit.
func (cb *ChatBot) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	cb.mu.Lock()
	cb.out = out
	cb.mu.Unlock()

	cb.printf("=== Cocrea AI ===\n")
	cb.printf("Backend: %s\n", cb.currentBackend())
	cb.printf("Type /help for commands, /quit to exit\n\n")

	scanner := bufio.NewScanner(in)
	for {
		cb.printf("You: ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := cb.handleCommand(ctx, input)
			if err != nil {
				cb.printf("Error: %v\n", err)
				cb.logger.Error("command error", "command", input, "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		cb.ask(ctx, cb.currentBackend(), input)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	cb.loads.Wait()
	cb.printf("Goodbye!\n")
	return nil
}

// handleCommand handles slash commands
func (cb *ChatBot) handleCommand(ctx context.Context, input string) (bool, error) {
	cmd, rest := cutWord(input)

	switch cmd {
	case "/quit", "/exit":
		return true, nil

	case "/backends":
		for _, s := range cb.registry.Sessions() {
			marker := " "
			if s.Name() == cb.currentBackend() {
				marker = "*"
			}
			cb.printf("%s %-7s %-8s %3d%%  %s\n", marker, s.Name(), s.State(), s.Progress(), s.ModelID())
		}
		return false, nil

	case "/switch":
		s, err := cb.session(rest)
		if err != nil {
			return false, err
		}
		cb.mu.Lock()
		cb.current = s.Name()
		cb.mu.Unlock()
		cb.printf("Switched to %s backend\n", s.Name())
		return false, nil

	case "/use":
		name, model := cutWord(rest)
		if model == "" {
			return false, fmt.Errorf("usage: /use <backend> <model id or name>")
		}
		s, err := cb.session(name)
		if err != nil {
			return false, err
		}
		id := cb.catalog.Resolve(s.Name(), model)
		if err := s.Configure(id); err != nil {
			return false, err
		}
		cb.printf("%s model set to: %s (run /load %s)\n", s.Label(), id, s.Name())
		return false, nil

	case "/load":
		s, err := cb.session(rest)
		if err != nil {
			return false, err
		}
		cb.load(ctx, s)
		return false, nil

	case "/ready":
		s, err := cb.session(rest)
		if err != nil {
			return false, err
		}
		cb.printf("%t\n", s.Ready())
		return false, nil

	case "/progress":
		s, err := cb.session(rest)
		if err != nil {
			return false, err
		}
		cb.printf("%d%%\n", s.Progress())
		return false, nil

	case "/ask":
		name, text := cutWord(rest)
		if text == "" {
			return false, fmt.Errorf("usage: /ask <backend> <prompt>")
		}
		cb.ask(ctx, name, text)
		return false, nil

	case "/system":
		if err := cb.registry.SetSystemPrompt(rest); err != nil {
			return false, err
		}
		cb.printf("System prompt set; all conversations cleared\n")
		return false, nil

	case "/temp":
		if rest == "" {
			return false, fmt.Errorf("usage: /temp <number>")
		}
		v, err := strconv.ParseFloat(rest, 64)
		if err != nil {
			v = math.NaN()
		}
		t, err := cb.registry.SetTemperature(v)
		if err != nil {
			return false, err
		}
		cb.printf("Temperature set to %g\n", t)
		return false, nil

	case "/vision":
		if rest == "" {
			cb.printf("Vision model: %s\n", cb.registry.VisionModel())
			return false, nil
		}
		id := cb.catalog.Resolve("vision", rest)
		if err := cb.registry.SetVisionModel(id); err != nil {
			return false, err
		}
		cb.printf("Vision model set to: %s\n", id)
		return false, nil

	case "/fetch":
		cb.printf("%s\n", cb.fetcher.FetchText(ctx, rest))
		return false, nil

	case "/caption":
		cb.printf("%s\n", cb.captioner.Caption(ctx, rest))
		return false, nil

	case "/usage":
		usage := cb.registry.LastUsage()
		if usage == "" {
			usage = "(none)"
		}
		cb.printf("%s\n", usage)
		return false, nil

	case "/clear":
		cb.registry.ClearAll()
		cb.printf("All conversations cleared\n")
		return false, nil

	case "/history":
		s, err := cb.session(rest)
		if err != nil {
			return false, err
		}
		for _, m := range s.History() {
			cb.printf("[%s] %s\n", m.Role, m.Content)
		}
		return false, nil

	case "/transcript":
		s, err := cb.session(rest)
		if err != nil {
			return false, err
		}
		if cb.store == nil {
			return false, fmt.Errorf("no transcript archive configured")
		}
		msgs, err := cb.store.Transcript(ctx, s.ConversationID())
		if err != nil {
			return false, err
		}
		cb.printf("Conversation %s (%d messages)\n", s.ConversationID(), len(msgs))
		for _, m := range msgs {
			cb.printf("[%s] %s\n", m.Role, m.Content)
		}
		return false, nil

	case "/models":
		return false, cb.listModels(ctx, rest)

	case "/help":
		cb.printf("Available commands:\n")
		cb.printf("  /backends                  - Show every backend with state, progress and model\n")
		cb.printf("  /switch <backend>          - Send plain input to another backend\n")
		cb.printf("  /use <backend> <model>     - Select a model by id or catalog name\n")
		cb.printf("  /load [backend]            - Load the selected model in the background\n")
		cb.printf("  /ready [backend]           - Report whether a backend can answer\n")
		cb.printf("  /progress [backend]        - Show load progress\n")
		cb.printf("  /ask <backend> <prompt>    - Ask a specific backend\n")
		cb.printf("  /system <prompt>           - Set the system prompt and clear all conversations\n")
		cb.printf("  /temp <number>             - Set the temperature (0-2, non-numbers reset to 0.7)\n")
		cb.printf("  /vision [model]            - Show or set the captioning model\n")
		cb.printf("  /fetch <url>               - Fetch the text of a URL\n")
		cb.printf("  /caption <image url>       - Describe an image\n")
		cb.printf("  /usage                     - Show token usage of the last answer\n")
		cb.printf("  /clear                     - Clear all conversations\n")
		cb.printf("  /history [backend]         - Print a conversation\n")
		cb.printf("  /transcript [backend]      - Print the archived conversation\n")
		cb.printf("  /models [backend]          - List catalog models\n")
		cb.printf("  /quit, /exit               - Exit\n")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
}

// ask sends text to the named backend. Generation failures are shown
// inline; the conversation is left as it was.
func (cb *ChatBot) ask(ctx context.Context, name, text string) {
	s, err := cb.session(name)
	if err != nil {
		cb.printf("Error: %v\n", err)
		return
	}

	if cb.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cb.config.RequestTimeout)
		defer cancel()
	}

	reply, err := s.Ask(ctx, text)
	if err != nil {
		cb.printf("%s error: %v\n%s\n", s.Label(), err, hint(err, s))
		return
	}
	cb.printf("%s: %s\n\n", s.Label(), reply)
}

// load starts a background load and reports its outcome when done.
func (cb *ChatBot) load(ctx context.Context, s *session.Session) {
	cb.printf("Loading %s model %s...\n", s.Label(), s.ModelID())
	cb.loads.Add(1)
	go func() {
		defer cb.loads.Done()
		if err := s.Load(context.WithoutCancel(ctx)); err != nil {
			cb.printf("\n%s load failed: %v\n%s\n", s.Label(), err, hint(err, s))
			return
		}
		cb.printf("\n%s ready (%s)\n", s.Label(), s.ModelID())
	}()
}

func (cb *ChatBot) listModels(ctx context.Context, name string) error {
	backends := cb.catalog.Backends()
	if name != "" {
		backends = []string{name}
	}
	for _, b := range backends {
		models := cb.catalog.Models(b)
		cb.printf("\n%s:\n", b)
		for i, m := range models {
			cb.printf("%d. %s (%s)\n", i+1, m.Name, m.ID)
		}
		if b == config.BackendLocal && cb.ollama != nil {
			installed, err := backend.OllamaModels(ctx, cb.ollama)
			if err != nil {
				cb.logger.Warn("failed to list installed models", "error", err)
				continue
			}
			cb.printf("installed: %s\n", strings.Join(installed, ", "))
		}
	}
	cb.printf("\n")
	return nil
}

// hint suggests a next step for runtime errors the user can act on.
func hint(err error, s *session.Session) string {
	switch {
	case llm.IsTimeoutError(err):
		return "(request timed out; raise request_timeout or try a smaller model)"
	case llm.IsModelNotFoundError(err):
		return fmt.Sprintf("(model %s not found; pick another with /use %s or see /models %s)", s.ModelID(), s.Name(), s.Name())
	case llm.IsAuthenticationError(err):
		return "(authentication failed; check the API key)"
	default:
		return ""
	}
}

// session returns the named session, or the current one for "".
func (cb *ChatBot) session(name string) (*session.Session, error) {
	if name == "" {
		name = cb.currentBackend()
	}
	return cb.registry.Session(name)
}

func (cb *ChatBot) currentBackend() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.current
}

// printf serializes console output between the loop and background loads.
func (cb *ChatBot) printf(format string, args ...any) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	fmt.Fprintf(cb.out, format, args...)
}

// cutWord splits off the first whitespace-delimited word.
func cutWord(s string) (word, rest string) {
	s = strings.TrimSpace(s)
	if i := strings.IndexFunc(s, unicode.IsSpace); i >= 0 {
		return s[:i], strings.TrimSpace(s[i:])
	}
	return s, ""
}
