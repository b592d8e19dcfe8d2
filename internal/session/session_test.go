package session

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/penginpenguin/cocrea/internal/config"
	"github.com/penginpenguin/cocrea/internal/llm"
	"github.com/penginpenguin/cocrea/internal/store"
)

var quiet = slog.New(slog.DiscardHandler)

type fakeRaw struct {
	mu       sync.Mutex
	reloads  []string
	prompts  []string
	opts     llm.GenerateOptions
	suffix   string
	usage    *llm.Usage
	err      error
	reloadFn func(onProgress llm.ProgressFunc) error
}

func (f *fakeRaw) Reload(ctx context.Context, modelID string, onProgress llm.ProgressFunc) error {
	f.mu.Lock()
	f.reloads = append(f.reloads, modelID)
	f.mu.Unlock()
	if f.reloadFn != nil {
		return f.reloadFn(onProgress)
	}
	return nil
}

func (f *fakeRaw) Generate(ctx context.Context, prompt string, opts llm.GenerateOptions) (*llm.RawResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	return &llm.RawResult{GeneratedText: prompt + f.suffix, Usage: f.usage}, nil
}

type fakeChat struct {
	mu       sync.Mutex
	requests []llm.ChatRequest
	content  string
	usage    *llm.Usage
	err      error
}

func (f *fakeChat) Reload(ctx context.Context, modelID string, onProgress llm.ProgressFunc) error {
	return nil
}

func (f *fakeChat) Complete(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResult{
		Choices: []llm.ChatChoice{{Message: llm.Message{Role: llm.RoleAssistant, Content: f.content}}},
		Usage:   f.usage,
	}, nil
}

func rawConstructor(eng *fakeRaw, constructs *int) llm.RawConstructor {
	return func(ctx context.Context, modelID string, onProgress llm.ProgressFunc) (llm.RawEngine, error) {
		if constructs != nil {
			*constructs++
		}
		return eng, nil
	}
}

func chatConstructor(eng *fakeChat) llm.ChatConstructor {
	return func(ctx context.Context, modelID string, onProgress llm.ProgressFunc) (llm.ChatEngine, error) {
		return eng, nil
	}
}

func newTestSession(t *testing.T, opts Options) *Session {
	t.Helper()
	if opts.Name == "" {
		opts.Name = config.BackendLocal
	}
	if opts.Label == "" {
		opts.Label = "Local"
	}
	opts.Logger = quiet
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func pairs(n int) *int { return &n }

func mustLoad(t *testing.T, s *Session) {
	t.Helper()
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestHistory_Trimmed(t *testing.T) {
	tests := []struct {
		name     string
		pairs    int
		maxPairs int
		wantLen  int
	}{
		{"empty", 0, 8, 1},
		{"under limit", 3, 8, 7},
		{"at limit", 8, 8, 17},
		{"over limit", 12, 8, 17},
		{"zero window", 4, 0, 1},
		{"negative window", 4, -2, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHistory("sys")
			for i := 0; i < tt.pairs; i++ {
				h.Append("u"+string(rune('a'+i)), "a"+string(rune('a'+i)))
			}
			got := h.Trimmed(tt.maxPairs)
			if len(got) != tt.wantLen {
				t.Fatalf("len(Trimmed) = %d, want %d", len(got), tt.wantLen)
			}
			if got[0].Role != llm.RoleSystem || got[0].Content != "sys" {
				t.Errorf("Trimmed()[0] = %+v, want system message", got[0])
			}
			for i := 1; i < len(got); i += 2 {
				if got[i].Role != llm.RoleUser || got[i+1].Role != llm.RoleAssistant {
					t.Errorf("pair at %d = %s/%s, want user/assistant", i, got[i].Role, got[i+1].Role)
				}
			}
			if tt.pairs > 0 && len(got) > 1 {
				last := got[len(got)-1].Content
				want := "a" + string(rune('a'+tt.pairs-1))
				if last != want {
					t.Errorf("last message = %q, want %q", last, want)
				}
			}
			if h.Len() != 1+2*tt.pairs {
				t.Errorf("Len() = %d, want full buffer %d", h.Len(), 1+2*tt.pairs)
			}
		})
	}
}

func TestHistory_TrimmedIsCopy(t *testing.T) {
	h := NewHistory("sys")
	h.Append("q", "a")
	got := h.Trimmed(8)
	got[0].Content = "changed"
	if h.All()[0].Content != "sys" {
		t.Error("mutating Trimmed() result changed the history")
	}
}

func TestNormalizeTemperature(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{math.NaN(), 0.7},
		{math.Inf(1), 0.7},
		{math.Inf(-1), 0.7},
		{5, 2},
		{-1, 0},
		{1.2, 1.2},
		{0, 0},
	}
	for _, tt := range tests {
		if got := NormalizeTemperature(tt.in); got != tt.want {
			t.Errorf("NormalizeTemperature(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSession_AskBeforeLoad(t *testing.T) {
	s := newTestSession(t, Options{Flavor: NewRawFlavor(rawConstructor(&fakeRaw{}, nil), llm.DefaultGenerateOptions())})

	got, err := s.Ask(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if want := "…Local model not loaded…"; got != want {
		t.Errorf("Ask() = %q, want %q", got, want)
	}
	if n := len(s.History()); n != 1 {
		t.Errorf("history length = %d, want 1", n)
	}
	if s.State() != Unloaded {
		t.Errorf("State() = %v, want unloaded", s.State())
	}
}

func TestSession_LoadFailure(t *testing.T) {
	boom := errors.New("no webgpu adapter")
	s := newTestSession(t, Options{
		Name:  config.BackendWebLLM,
		Label: "WebLLM",
		Flavor: NewChatFlavor(func(ctx context.Context, modelID string, onProgress llm.ProgressFunc) (llm.ChatEngine, error) {
			return nil, boom
		}),
	})

	err := s.Load(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Load() error = %v, want %v", err, boom)
	}
	if s.Ready() || s.State() != Failed {
		t.Errorf("State() = %v, want failed", s.State())
	}
	if !errors.Is(s.Err(), boom) {
		t.Errorf("Err() = %v, want %v", s.Err(), boom)
	}
	got, err := s.Ask(context.Background(), "hi")
	if err != nil || got != NotLoadedReply("WebLLM") {
		t.Errorf("Ask() = %q, %v; want not-loaded reply", got, err)
	}
}

func TestSession_RawAskStripsEcho(t *testing.T) {
	eng := &fakeRaw{suffix: "  Use a forever loop.  "}
	s := newTestSession(t, Options{
		Flavor:       NewRawFlavor(rawConstructor(eng, nil), llm.DefaultGenerateOptions()),
		Settings:     NewSettings("Be brief.", 1.3),
		DefaultModel: "phi3:mini",
	})
	mustLoad(t, s)

	got, err := s.Ask(context.Background(), "How do I repeat?")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if want := "Use a forever loop."; got != want {
		t.Errorf("Ask() = %q, want %q", got, want)
	}

	wantPrompt := "<|system|>\nBe brief.\n<|user|>\nHow do I repeat?\n<|assistant|>\n"
	if eng.prompts[0] != wantPrompt {
		t.Errorf("rendered prompt = %q, want %q", eng.prompts[0], wantPrompt)
	}
	if eng.opts.Temperature != 1.3 || eng.opts.MaxNewTokens != 300 {
		t.Errorf("options = %+v, want temperature 1.3 and 300 new tokens", eng.opts)
	}

	h := s.History()
	if len(h) != 3 || h[1].Content != "How do I repeat?" || h[2].Content != "Use a forever loop." {
		t.Errorf("History() = %+v", h)
	}
	if s.LastUsage() != "" {
		t.Errorf("LastUsage() = %q, want empty for engine without usage", s.LastUsage())
	}
}

func TestSession_ChatAskSendsTrimmedContext(t *testing.T) {
	eng := &fakeChat{content: "ok", usage: &llm.Usage{PromptTokens: llm.Count(3), CompletionTokens: llm.Count(2), TotalTokens: llm.Count(5)}}
	s := newTestSession(t, Options{
		Name:     config.BackendWebLLM,
		Label:    "WebLLM",
		Flavor:   NewChatFlavor(chatConstructor(eng)),
		MaxPairs: pairs(2),
	})
	mustLoad(t, s)

	for i := 0; i < 5; i++ {
		if _, err := s.Ask(context.Background(), "q"); err != nil {
			t.Fatalf("Ask() error = %v", err)
		}
	}

	last := eng.requests[len(eng.requests)-1]
	if len(last.Messages) != 6 {
		t.Fatalf("sent %d messages, want system + 2 pairs + new user = 6", len(last.Messages))
	}
	if last.Messages[0].Role != llm.RoleSystem {
		t.Errorf("first message role = %s, want system", last.Messages[0].Role)
	}
	if m := last.Messages[5]; m.Role != llm.RoleUser || m.Content != "q" {
		t.Errorf("last message = %+v, want new user turn", m)
	}
	if last.Temperature != config.DefaultTemperature {
		t.Errorf("Temperature = %v, want %v", last.Temperature, config.DefaultTemperature)
	}
	if got := len(s.History()); got != 11 {
		t.Errorf("full history length = %d, want 11", got)
	}
	if got, want := s.LastUsage(), "prompt:3, completion:2, total:5"; got != want {
		t.Errorf("LastUsage() = %q, want %q", got, want)
	}
}

func TestSession_AskErrorKeepsHistory(t *testing.T) {
	eng := &fakeChat{err: llm.NewProviderError(llm.ErrCodeServerError, "overloaded", nil)}
	s := newTestSession(t, Options{Flavor: NewChatFlavor(chatConstructor(eng))})
	mustLoad(t, s)

	_, err := s.Ask(context.Background(), "hi")
	if !llm.IsServerError(err) {
		t.Fatalf("Ask() error = %v, want server error", err)
	}
	if n := len(s.History()); n != 1 {
		t.Errorf("history length = %d, want 1", n)
	}
	if !s.Ready() {
		t.Error("ask failure should not change load state")
	}
}

func TestSession_LoadProgressAndReload(t *testing.T) {
	var s *Session
	var during []int
	eng := &fakeRaw{reloadFn: func(onProgress llm.ProgressFunc) error {
		onProgress(llm.BytesProgress(50, 200))
		during = append(during, s.Progress())
		onProgress(llm.FractionProgress(0.9))
		during = append(during, s.Progress())
		return nil
	}}
	constructs := 0
	s = newTestSession(t, Options{Flavor: NewRawFlavor(rawConstructor(eng, &constructs), llm.DefaultGenerateOptions())})

	mustLoad(t, s)
	if constructs != 1 || len(eng.reloads) != 0 {
		t.Fatalf("first load: constructs = %d, reloads = %d; want 1, 0", constructs, len(eng.reloads))
	}
	if s.Progress() != 100 {
		t.Errorf("Progress() after load = %d, want 100", s.Progress())
	}

	if err := s.Configure("llama3.2"); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	mustLoad(t, s)
	if constructs != 1 || len(eng.reloads) != 1 || eng.reloads[0] != "llama3.2" {
		t.Fatalf("second load: constructs = %d, reloads = %v", constructs, eng.reloads)
	}
	if len(during) != 2 || during[0] != 25 || during[1] != 90 {
		t.Errorf("progress during reload = %v, want [25 90]", during)
	}
	if !s.Ready() {
		t.Errorf("State() = %v, want ready", s.State())
	}
}

func TestSession_ConfigurePersists(t *testing.T) {
	kv := NewMemoryKV()
	s := newTestSession(t, Options{
		Flavor:       NewRawFlavor(rawConstructor(&fakeRaw{}, nil), llm.DefaultGenerateOptions()),
		Store:        kv,
		DefaultModel: "phi3:mini",
	})

	if err := s.Configure(""); err != nil {
		t.Fatalf("Configure(\"\") error = %v", err)
	}
	if s.ModelID() != "phi3:mini" {
		t.Errorf("ModelID() = %q, empty id should be ignored", s.ModelID())
	}
	if err := s.Configure("mistral"); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if v, _, _ := kv.Get(config.ModelKey(config.BackendLocal)); v != "mistral" {
		t.Errorf("stored model = %q, want mistral", v)
	}

	restored := newTestSession(t, Options{
		Flavor:       NewRawFlavor(rawConstructor(&fakeRaw{}, nil), llm.DefaultGenerateOptions()),
		Store:        kv,
		DefaultModel: "phi3:mini",
	})
	if restored.ModelID() != "mistral" {
		t.Errorf("restored ModelID() = %q, want mistral", restored.ModelID())
	}
}

type recordingArchive struct {
	turns []store.Turn
}

func (a *recordingArchive) RecordTurn(ctx context.Context, turn store.Turn) error {
	a.turns = append(a.turns, turn)
	return nil
}

func TestSession_ArchiveAndClear(t *testing.T) {
	archive := &recordingArchive{}
	s := newTestSession(t, Options{
		Flavor:       NewChatFlavor(chatConstructor(&fakeChat{content: "sure"})),
		Archive:      archive,
		DefaultModel: "m1",
	})
	mustLoad(t, s)

	first := s.ConversationID()
	if _, err := s.Ask(context.Background(), "help"); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if len(archive.turns) != 1 {
		t.Fatalf("archived %d turns, want 1", len(archive.turns))
	}
	turn := archive.turns[0]
	if turn.ConversationID != first || turn.Model != "m1" || turn.User != "help" || turn.Assistant != "sure" {
		t.Errorf("archived turn = %+v", turn)
	}

	s.Clear()
	if s.ConversationID() == first {
		t.Error("Clear() should start a new conversation id")
	}
	if n := len(s.History()); n != 1 {
		t.Errorf("history length after Clear() = %d, want 1", n)
	}
	if !s.Ready() || s.ModelID() != "m1" {
		t.Error("Clear() should keep load state and model")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Options{Flavor: NewChatFlavor(chatConstructor(&fakeChat{}))}); err == nil {
		t.Error("New() without name should fail")
	}
	if _, err := New(Options{Name: "x"}); err == nil {
		t.Error("New() without flavor should fail")
	}
}

func TestLoadState_String(t *testing.T) {
	for state, want := range map[LoadState]string{Unloaded: "unloaded", Loading: "loading", Ready: "ready", Failed: "failed"} {
		if got := state.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
	if !strings.HasPrefix(LoadState(9).String(), "LoadState(") {
		t.Error("unexpected string for unknown state")
	}
}

func TestSession_TrimWindow(t *testing.T) {
	tests := []struct {
		name     string
		maxPairs *int
		wantLen  int
		wantSent int
	}{
		{"default", nil, 7, 6},
		{"zero", pairs(0), 1, 2},
		{"one", pairs(1), 3, 4},
		{"negative", pairs(-4), 1, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeChat{content: "ok"}
			s := newTestSession(t, Options{Flavor: NewChatFlavor(chatConstructor(eng)), MaxPairs: tt.maxPairs})
			mustLoad(t, s)
			for i := 0; i < 3; i++ {
				if _, err := s.Ask(context.Background(), "q"); err != nil {
					t.Fatalf("Ask() error = %v", err)
				}
			}
			if got := len(s.Trimmed()); got != tt.wantLen {
				t.Errorf("len(Trimmed()) = %d, want %d", got, tt.wantLen)
			}
			if got := len(eng.requests[2].Messages); got != tt.wantSent {
				t.Errorf("third request sent %d messages, want %d", got, tt.wantSent)
			}
			if got := len(s.History()); got != 7 {
				t.Errorf("full history length = %d, want 7", got)
			}
		})
	}
}

type closingChat struct {
	fakeChat
	reloadErr error
	closed    bool
}

func (c *closingChat) Reload(ctx context.Context, modelID string, onProgress llm.ProgressFunc) error {
	return c.reloadErr
}

func (c *closingChat) Close() error {
	c.closed = true
	return nil
}

func TestSession_ReloadFailureRebuildsEngine(t *testing.T) {
	dead := &closingChat{reloadErr: errors.New("client is closed")}
	fresh := &closingChat{fakeChat: fakeChat{content: "back"}}
	var built []*closingChat
	s := newTestSession(t, Options{
		Flavor: NewChatFlavor(func(ctx context.Context, modelID string, onProgress llm.ProgressFunc) (llm.ChatEngine, error) {
			eng := dead
			if len(built) > 0 {
				eng = fresh
			}
			built = append(built, eng)
			return eng, nil
		}),
	})
	mustLoad(t, s)

	// The second load finds the connection dead, discards it and dials again.
	mustLoad(t, s)
	if len(built) != 2 {
		t.Fatalf("constructed %d engines, want 2", len(built))
	}
	if !dead.closed {
		t.Error("engine that failed to reload should be closed")
	}
	got, err := s.Ask(context.Background(), "hi")
	if err != nil || got != "back" {
		t.Errorf("Ask() = %q, %v; want reply from the rebuilt engine", got, err)
	}
}

func TestSession_RebuildFailureLeavesFailed(t *testing.T) {
	dead := &closingChat{reloadErr: errors.New("client is closed")}
	boom := errors.New("bridge unreachable")
	constructs := 0
	s := newTestSession(t, Options{
		Flavor: NewChatFlavor(func(ctx context.Context, modelID string, onProgress llm.ProgressFunc) (llm.ChatEngine, error) {
			constructs++
			if constructs == 1 {
				return dead, nil
			}
			if constructs == 2 {
				return nil, boom
			}
			return &fakeChat{content: "ok"}, nil
		}),
	})
	mustLoad(t, s)

	if err := s.Load(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Load() error = %v, want %v", err, boom)
	}
	if s.State() != Failed {
		t.Errorf("State() = %v, want failed", s.State())
	}
	mustLoad(t, s)
	if constructs != 3 || !s.Ready() {
		t.Errorf("constructs = %d, state = %v; want 3, ready", constructs, s.State())
	}
}

func TestSession_AskWhileLoading(t *testing.T) {
	boom := errors.New("download interrupted")
	entered := make(chan struct{})
	release := make(chan struct{})
	var constructs atomic.Int32
	s := newTestSession(t, Options{
		Flavor: NewRawFlavor(func(ctx context.Context, modelID string, onProgress llm.ProgressFunc) (llm.RawEngine, error) {
			if constructs.Add(1) == 1 {
				close(entered)
			}
			<-release
			return nil, boom
		}, llm.DefaultGenerateOptions()),
	})

	errs := make(chan error, 2)
	go func() { errs <- s.Load(context.Background()) }()
	<-entered

	if s.State() != Loading {
		t.Fatalf("State() = %v, want loading", s.State())
	}
	before := len(s.Trimmed())
	got, err := s.Ask(context.Background(), "are you there?")
	if err != nil || got != NotLoadedReply("Local") {
		t.Errorf("Ask() = %q, %v; want not-loaded reply", got, err)
	}
	if after := len(s.Trimmed()); after != before {
		t.Errorf("len(Trimmed()) = %d, want %d", after, before)
	}

	go func() { errs <- s.Load(context.Background()) }()
	// Give the second caller time to join the in-flight load.
	time.Sleep(50 * time.Millisecond)
	close(release)

	first, second := <-errs, <-errs
	if !errors.Is(first, boom) || !errors.Is(second, boom) {
		t.Fatalf("Load() errors = %v, %v; want both %v", first, second, boom)
	}
	if first != second {
		t.Errorf("overlapping loads returned different errors: %v, %v", first, second)
	}
	if n := constructs.Load(); n != 1 {
		t.Errorf("constructor ran %d times, want 1", n)
	}
	if s.State() != Failed {
		t.Errorf("State() = %v, want failed", s.State())
	}
}
