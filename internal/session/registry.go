package session

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/penginpenguin/cocrea/internal/config"
)

// ErrUnknownBackend is returned when a session name is not registered.
var ErrUnknownBackend = errors.New("unknown backend")

// Registry owns the shared settings and every backend session. Changing
// the system prompt resets all conversations; changing the temperature
// takes effect on the next ask.
type Registry struct {
	settings *Settings
	kv       KV
	logger   *slog.Logger

	mu          sync.RWMutex
	sessions    map[string]*Session
	order       []string
	lastUsage   string
	visionModel string
}

// NewRegistry restores temperature, system prompt and vision model from
// kv, falling back to defaults for absent or unparsable values. A nil kv
// keeps everything in memory.
func NewRegistry(kv KV, logger *slog.Logger) *Registry {
	if kv == nil {
		kv = NewMemoryKV()
	}
	if logger == nil {
		logger = slog.Default()
	}

	temperature := config.DefaultTemperature
	if v, ok := lookup(kv, config.KeyTemperature, logger); ok {
		if t, err := strconv.ParseFloat(v, 64); err == nil {
			temperature = t
		} else {
			logger.Warn("ignoring stored temperature", "value", v)
		}
	}
	systemPrompt := config.DefaultSystemPrompt
	if v, ok := lookup(kv, config.KeySystemPrompt, logger); ok && v != "" {
		systemPrompt = v
	}
	vision := config.DefaultVisionModel
	if v, ok := lookup(kv, config.KeyVisionModel, logger); ok && v != "" {
		vision = v
	}

	return &Registry{
		settings:    NewSettings(systemPrompt, temperature),
		kv:          kv,
		logger:      logger,
		sessions:    make(map[string]*Session),
		visionModel: vision,
	}
}

func lookup(kv KV, key string, logger *slog.Logger) (string, bool) {
	v, ok, err := kv.Get(key)
	if err != nil {
		logger.Warn("failed to read setting", "key", key, "error", err)
		return "", false
	}
	return v, ok
}

// Settings returns the settings shared by all sessions.
func (r *Registry) Settings() *Settings { return r.settings }

// Add creates a session bound to the registry's settings, store and
// usage tracking. Names must be unique.
func (r *Registry) Add(opts Options) (*Session, error) {
	opts.Settings = r.settings
	if opts.Store == nil {
		opts.Store = r.kv
	}
	if opts.Logger == nil {
		opts.Logger = r.logger
	}
	opts.OnUsage = r.setLastUsage

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[opts.Name]; exists {
		return nil, fmt.Errorf("backend %s already registered", opts.Name)
	}
	s, err := New(opts)
	if err != nil {
		return nil, err
	}
	r.sessions[opts.Name] = s
	r.order = append(r.order, opts.Name)
	return s, nil
}

// Session returns the named session.
func (r *Registry) Session(name string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	return s, nil
}

// Sessions returns all sessions in registration order.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.sessions[name])
	}
	return out
}

// SetSystemPrompt replaces the shared system prompt, resets every
// conversation to it and persists it.
func (r *Registry) SetSystemPrompt(text string) error {
	r.settings.setSystemPrompt(text)
	for _, s := range r.Sessions() {
		s.Clear()
	}
	r.logger.Info("system prompt updated", "length", len(text))
	if err := r.kv.Set(config.KeySystemPrompt, text); err != nil {
		return fmt.Errorf("failed to persist system prompt: %w", err)
	}
	return nil
}

// SetTemperature stores the normalized temperature and returns it.
// Conversations are not reset.
func (r *Registry) SetTemperature(t float64) (float64, error) {
	t = r.settings.setTemperature(t)
	r.logger.Info("temperature updated", "temperature", t)
	if err := r.kv.Set(config.KeyTemperature, strconv.FormatFloat(t, 'g', -1, 64)); err != nil {
		return t, fmt.Errorf("failed to persist temperature: %w", err)
	}
	return t, nil
}

// ClearAll resets every conversation and the last usage string. Load
// state and model selections are kept.
func (r *Registry) ClearAll() {
	for _, s := range r.Sessions() {
		s.Clear()
	}
	r.mu.Lock()
	r.lastUsage = ""
	r.mu.Unlock()
}

// LastUsage returns the usage of the most recent successful ask on any
// session.
func (r *Registry) LastUsage() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastUsage
}

func (r *Registry) setLastUsage(u string) {
	r.mu.Lock()
	r.lastUsage = u
	r.mu.Unlock()
}

// VisionModel returns the selected captioning model id.
func (r *Registry) VisionModel() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.visionModel
}

// SetVisionModel selects and persists the captioning model. Empty ids
// are ignored.
func (r *Registry) SetVisionModel(id string) error {
	if id == "" {
		return nil
	}
	r.mu.Lock()
	r.visionModel = id
	r.mu.Unlock()
	if err := r.kv.Set(config.KeyVisionModel, id); err != nil {
		return fmt.Errorf("failed to persist vision model: %w", err)
	}
	return nil
}

// MemoryKV is a KV that lives only as long as the process.
type MemoryKV struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewMemoryKV returns an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{m: make(map[string]string)}
}

func (kv *MemoryKV) Get(key string) (string, bool, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	v, ok := kv.m[key]
	return v, ok, nil
}

func (kv *MemoryKV) Set(key, value string) error {
	kv.mu.Lock()
	kv.m[key] = value
	kv.mu.Unlock()
	return nil
}
