package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/rs/zerolog/log"

	"voicecloner/internal/pkg/voicecloner/errs"
)

const defaultCloudModel = "gpt-4o"

// CloudProvider talks to the hosted OpenAI API.
type CloudProvider struct {
	client *openai.Client
	model  string
	cfg    Config
}

// NewCloudProvider fails with MissingCredential when no API key is configured.
func NewCloudProvider(cfg Config) (Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errs.Ef(errs.KindMissingCredential, "llm.cloud", "OPENAI_API_KEY is not set")
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.timeout()}),
		option.WithRequestTimeout(cfg.timeout()),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")))
	}
	client := openai.NewClient(reqOpts...)

	model := cfg.Model
	if model == "" {
		model = defaultCloudModel
	}

	return &CloudProvider{
		client: &client,
		model:  model,
		cfg:    cfg,
	}, nil
}

func (p *CloudProvider) Generate(ctx context.Context, req Request) (string, error) {
	const op = "llm.cloud"

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:               p.model,
		Messages:            messages,
		MaxCompletionTokens: openai.Opt(int64(p.cfg.maxTokens())),
	}
	if p.cfg.Temperature > 0 {
		params.Temperature = openai.Opt(p.cfg.Temperature)
	}

	start := time.Now()
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		status := 0
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		return "", classify(op, status, fmt.Errorf("chat completion: %w", err))
	}

	var content string
	choices := 0
	if resp != nil {
		choices = len(resp.Choices)
		if choices > 0 {
			content = resp.Choices[0].Message.Content
		}
	}
	text, err := completionText(op, choices, content)
	if err != nil {
		return "", err
	}

	log.Debug().
		Str("provider", string(Cloud)).
		Str("model", p.model).
		Int("chars", len(text)).
		Int64("completion_tokens", resp.Usage.CompletionTokens).
		Dur("elapsed", time.Since(start)).
		Msg("Text generated")

	return text, nil
}
