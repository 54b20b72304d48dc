package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/flitsinc/otomanus/internal/agentcontext"
)

type openAIFactory struct {
	client *openai.Client
	cfg    Config
}

func newOpenAIFactory(cfg Config) *openAIFactory {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	return &openAIFactory{client: &client, cfg: cfg}
}

func (f *openAIFactory) Create(context.Context) (Agent, error) {
	return &openAIAgent{client: f.client, cfg: f.cfg}, nil
}

type openAIAgent struct {
	lifecycle
	client *openai.Client
	cfg    Config
}

func (a *openAIAgent) Run(ctx context.Context, prompt string, progress Progress) (string, error) {
	if err := a.usable(); err != nil {
		return "", err
	}
	progress.Think("Asking "+a.cfg.Model, ProviderOpenAI)

	var messages []openai.ChatCompletionMessageParamUnion
	if a.cfg.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(a.cfg.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(prompt))

	params := openai.ChatCompletionNewParams{
		Model:               a.cfg.Model,
		Messages:            messages,
		MaxCompletionTokens: openai.Int(a.cfg.MaxTokens),
	}
	if sessionID := agentcontext.SessionIDFromContext(ctx); sessionID != "" {
		params.User = openai.String(sessionID)
	}
	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai returned no choices")
	}
	msg := resp.Choices[0].Message
	for _, tc := range msg.ToolCalls {
		progress.Think("Model requested tool "+tc.Function.Name, tc.Function.Name)
	}
	if msg.Content == "" {
		return "", errors.New("openai returned an empty message")
	}
	return msg.Content, nil
}

func (a *openAIAgent) Cleanup(context.Context) error {
	return a.cleanup()
}
