package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"voicecloner/internal/pkg/voicecloner/errs"
)

// localAPIKey is sent to local servers, which require the header but ignore it.
const localAPIKey = "ollama"

// LocalProvider talks to a locally hosted OpenAI-compatible server such as Ollama.
type LocalProvider struct {
	client *openai.Client
	cfg    Config
}

func NewLocalProvider(cfg Config) (Provider, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errs.Ef(errs.KindInvalidRequest, "llm.local", "base URL is required")
	}
	if cfg.Model == "" {
		return nil, errs.Ef(errs.KindInvalidRequest, "llm.local", "model is required")
	}

	key := cfg.APIKey
	if key == "" {
		key = localAPIKey
	}
	clientCfg := openai.DefaultConfig(key)
	clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.timeout()}

	return &LocalProvider{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
	}, nil
}

func (p *LocalProvider) Generate(ctx context.Context, req Request) (string, error) {
	const op = "llm.local"

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.cfg.Model,
		Messages:    messages,
		MaxTokens:   p.cfg.maxTokens(),
		Temperature: float32(p.cfg.Temperature),
	})
	if err != nil {
		return "", classify(op, localStatus(err), fmt.Errorf("chat completion at %s: %w", p.cfg.BaseURL, err))
	}

	var content string
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}
	text, err := completionText(op, len(resp.Choices), content)
	if err != nil {
		return "", err
	}

	log.Debug().
		Str("provider", string(Local)).
		Str("model", p.cfg.Model).
		Int("chars", len(text)).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Dur("elapsed", time.Since(start)).
		Msg("Text generated")

	return text, nil
}

func localStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
