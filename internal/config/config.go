package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Backend names. They double as the suffix of each backend's persisted
// model key.
const (
	BackendLocal  = "local"
	BackendWebLLM = "webllm"
	BackendHF     = "hf"
	BackendOpenAI = "openai"
)

// Persisted setting keys.
const (
	KeyPrefix       = "cocrea.ai."
	KeyTemperature  = KeyPrefix + "temp"
	KeySystemPrompt = KeyPrefix + "system"
	KeyVisionModel  = KeyPrefix + "vision"
)

// ModelKey returns the persisted model-id key for a backend.
func ModelKey(backend string) string {
	return KeyPrefix + backend
}

// Literal defaults restored when nothing is persisted.
const (
	DefaultTemperature  = 0.7
	DefaultSystemPrompt = "You are a helpful assistant for Scratch/Cocrea projects. Be concise, step-by-step when needed."
	DefaultLocalModel   = "phi3:mini"
	DefaultWebLLMModel  = "phi-3-mini-4k-instruct-q4f16_1-MLC"
	DefaultHFModel      = "Xenova/mistral-7b-instruct-v0.2"
	DefaultVisionModel  = "moondream"
	DefaultOpenAIModel  = "gpt-4o-mini"
)

// Config holds application configuration
type Config struct {
	DBPath string `toml:"db_path"`
	LogDir string `toml:"log_dir"`
	Debug  bool   `toml:"debug"`

	// Engine endpoints
	OllamaURL    string `toml:"ollama_url"`
	WebLLMBridge string `toml:"webllm_bridge"` // ws:// or http:// URL, or a command line
	HFRunner     string `toml:"hf_runner"`     // command line, or ws:// / http:// URL
	OpenAIURL    string `toml:"openai_url"`    // empty disables the openai backend
	OpenAIKeyEnv string `toml:"openai_key_env"`

	// Generation
	MaxPairs          int     `toml:"max_pairs"`
	MaxNewTokens      int     `toml:"max_new_tokens"`
	TopP              float64 `toml:"top_p"`
	RepetitionPenalty float64 `toml:"repetition_penalty"`

	// Tools
	FetchLimit int     `toml:"fetch_limit"`
	FetchRate  float64 `toml:"fetch_rate"` // requests per second

	CatalogPath    string        `toml:"catalog_path"` // empty uses the embedded catalog
	RequestTimeout time.Duration `toml:"request_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DBPath:            "cocrea.db",
		LogDir:            "logs",
		OllamaURL:         "http://localhost:11434",
		WebLLMBridge:      "ws://localhost:8765/rpc",
		HFRunner:          "python3 runners/hf_runner.py",
		OpenAIKeyEnv:      "OPENAI_API_KEY",
		MaxPairs:          8,
		MaxNewTokens:      300,
		TopP:              0.95,
		RepetitionPenalty: 1.05,
		FetchLimit:        4000,
		FetchRate:         2,
		RequestTimeout:    5 * time.Minute,
	}
}

// LoadFile overlays the TOML file at path onto cfg. A missing file is not
// an error.
func LoadFile(path string, cfg *Config) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	return nil
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	if c.MaxPairs < 0 {
		return fmt.Errorf("max_pairs must not be negative, got %d", c.MaxPairs)
	}
	if c.FetchLimit <= 0 {
		return fmt.Errorf("fetch_limit must be positive, got %d", c.FetchLimit)
	}
	if c.FetchRate <= 0 {
		return fmt.Errorf("fetch_rate must be positive, got %g", c.FetchRate)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must be set")
	}
	return nil
}
