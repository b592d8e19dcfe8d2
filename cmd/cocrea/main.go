package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/penginpenguin/cocrea/internal/chatbot"
	"github.com/penginpenguin/cocrea/internal/config"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	bot, err := chatbot.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize chatbot: %w", err)
	}
	defer bot.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return bot.Run(ctx, os.Stdin, os.Stdout)
}

// loadConfig layers defaults, the TOML file and command-line flags.
func loadConfig(args []string) (config.Config, error) {
	cfg := config.Default()
	var configPath string

	flags := pflag.NewFlagSet("cocrea", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "cocrea.toml", "TOML configuration file")
	flags.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logging")
	flags.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database for settings and transcripts")
	flags.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "Directory for log and telemetry files")
	flags.StringVar(&cfg.OllamaURL, "ollama-url", cfg.OllamaURL, "Ollama server for the local backend and captions")
	flags.StringVar(&cfg.WebLLMBridge, "webllm-bridge", cfg.WebLLMBridge, "WebLLM bridge URL or command")
	flags.StringVar(&cfg.HFRunner, "hf-runner", cfg.HFRunner, "HF runner command or URL")
	flags.StringVar(&cfg.OpenAIURL, "openai-url", cfg.OpenAIURL, "OpenAI-compatible base URL (enables the openai backend)")
	flags.StringVar(&cfg.CatalogPath, "catalog", cfg.CatalogPath, "YAML model catalog overlay")
	flags.IntVar(&cfg.MaxPairs, "max-pairs", cfg.MaxPairs, "User/assistant exchanges sent as context")
	flags.DurationVar(&cfg.RequestTimeout, "timeout", cfg.RequestTimeout, "Per-request timeout (0 disables)")

	if err := flags.Parse(args); err != nil {
		return config.Config{}, err
	}

	// The file sits between the defaults and the flags: reload it, then
	// reapply only what was set on the command line.
	fromFile := config.Default()
	if err := config.LoadFile(configPath, &fromFile); err != nil {
		return config.Config{}, err
	}
	flags.Visit(func(f *pflag.Flag) {
		applyFlag(&fromFile, cfg, f.Name)
	})
	cfg = fromFile

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyFlag copies the named command-line setting from src into dst.
func applyFlag(dst *config.Config, src config.Config, name string) {
	switch name {
	case "debug":
		dst.Debug = src.Debug
	case "db":
		dst.DBPath = src.DBPath
	case "log-dir":
		dst.LogDir = src.LogDir
	case "ollama-url":
		dst.OllamaURL = src.OllamaURL
	case "webllm-bridge":
		dst.WebLLMBridge = src.WebLLMBridge
	case "hf-runner":
		dst.HFRunner = src.HFRunner
	case "openai-url":
		dst.OpenAIURL = src.OpenAIURL
	case "catalog":
		dst.CatalogPath = src.CatalogPath
	case "max-pairs":
		dst.MaxPairs = src.MaxPairs
	case "timeout":
		dst.RequestTimeout = src.RequestTimeout
	}
}
