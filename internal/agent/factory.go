package agent

import (
	"fmt"
	"strings"
)

const (
	ProviderEcho      = "echo"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

const DefaultSystemPrompt = `You are otomanus, a general-purpose assistant working inside a chat session.

- Answer the user's request directly and completely.
- When a task needs several steps, work through them in order and report the outcome.
- Keep replies structured and actionable; prefer short paragraphs and lists.`

type Config struct {
	Provider     string
	Model        string
	APIKey       string
	BaseURL      string
	SystemPrompt string
	MaxTokens    int64
}

// NewFactory builds the Factory for cfg.Provider.
func NewFactory(cfg Config) (Factory, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = ProviderEcho
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}

	switch provider {
	case ProviderEcho:
		return &EchoFactory{}, nil
	case ProviderAnthropic, ProviderOpenAI:
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s api key is required", provider)
	}
	cfg.Model = resolveModelAlias(provider, cfg.Model)
	if cfg.Model == "" {
		return nil, fmt.Errorf("%s model is required", provider)
	}
	if provider == ProviderAnthropic {
		return newAnthropicFactory(cfg), nil
	}
	return newOpenAIFactory(cfg), nil
}

func resolveModelAlias(provider, model string) string {
	alias := strings.ToLower(strings.TrimSpace(model))
	switch provider {
	case ProviderAnthropic:
		switch alias {
		case "", "balanced":
			return "claude-sonnet-4-5"
		case "fast":
			return "claude-haiku-4-5"
		case "smart":
			return "claude-opus-4-1"
		}
	case ProviderOpenAI:
		switch alias {
		case "", "balanced":
			return "gpt-4o"
		case "fast":
			return "gpt-4o-mini"
		}
	}
	return strings.TrimSpace(model)
}
