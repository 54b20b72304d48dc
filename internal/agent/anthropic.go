package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/flitsinc/otomanus/internal/agentcontext"
)

type anthropicFactory struct {
	client *anthropic.Client
	cfg    Config
}

func newAnthropicFactory(cfg Config) *anthropicFactory {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	return &anthropicFactory{client: &client, cfg: cfg}
}

func (f *anthropicFactory) Create(context.Context) (Agent, error) {
	return &anthropicAgent{client: f.client, cfg: f.cfg}, nil
}

type anthropicAgent struct {
	lifecycle
	client *anthropic.Client
	cfg    Config
}

func (a *anthropicAgent) Run(ctx context.Context, prompt string, progress Progress) (string, error) {
	if err := a.usable(); err != nil {
		return "", err
	}
	progress.Think("Asking "+a.cfg.Model, ProviderAnthropic)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.cfg.Model),
		MaxTokens: a.cfg.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if a.cfg.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: a.cfg.SystemPrompt}}
	}
	if sessionID := agentcontext.SessionIDFromContext(ctx); sessionID != "" {
		params.Metadata = anthropic.MetadataParam{UserID: anthropic.String(sessionID)}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic api error: %w", err)
	}

	var parts []string
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			if text := block.AsText().Text; text != "" {
				parts = append(parts, text)
			}
		case "tool_use":
			name := block.AsToolUse().Name
			progress.Think("Model requested tool "+name, name)
		}
	}
	if len(parts) == 0 {
		return "", errors.New("anthropic returned no text content")
	}
	return strings.Join(parts, "\n"), nil
}

func (a *anthropicAgent) Cleanup(context.Context) error {
	return a.cleanup()
}
