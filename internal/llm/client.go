// Package llm provides the AI collaborator clients used for summarization.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Completer turns a prompt into generated text. Errors are *Error values
// classified as retryable or terminal.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Request is a single-turn completion request.
type Request struct {
	// System is the system prompt. Empty means none.
	System string
	Prompt string

	// MaxTokens bounds the generated output. Zero uses the provider
	// default.
	MaxTokens   int
	Temperature float64
}

// Provider names accepted by New.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// Options configures a provider client.
type Options struct {
	Provider string
	Model    string
	BaseURL  string
	APIKey   string
	Logger   *slog.Logger
}

// New returns the client for opts.Provider.
func New(opts Options) (Completer, error) {
	switch strings.ToLower(opts.Provider) {
	case ProviderOpenAI, "deepseek", "":
		return NewOpenAIClient(opts.BaseURL, opts.APIKey, opts.Model, opts.Logger), nil
	case ProviderAnthropic:
		return NewAnthropicClient(opts.BaseURL, opts.APIKey, opts.Model, opts.Logger), nil
	case ProviderOllama:
		return NewOllamaClient(opts.BaseURL, opts.Model, opts.Logger), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", opts.Provider)
	}
}
