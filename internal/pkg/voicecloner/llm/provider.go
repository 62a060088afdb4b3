// Package llm expands a short prompt into prose through an OpenAI-compatible
// chat completion backend, either a locally hosted server or a hosted API.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Provider produces generated text for a prompt.
type Provider interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Request is a single generation call. System is optional.
type Request struct {
	Prompt string
	System string
}

// Choice names a provider variant.
type Choice string

const (
	Local Choice = "local"
	Cloud Choice = "cloud"
)

// ParseChoice accepts the variant names plus the backend aliases "ollama" and "openai".
func ParseChoice(s string) (Choice, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local", "ollama":
		return Local, nil
	case "cloud", "openai":
		return Cloud, nil
	default:
		return "", fmt.Errorf("unknown llm provider %q (want local or cloud)", s)
	}
}

// Config configures one provider variant.
type Config struct {
	BaseURL     string
	Model       string
	APIKey      string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
}

const (
	defaultTimeout   = 120 * time.Second
	defaultMaxTokens = 500
)

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return defaultTimeout
	}
	return c.Timeout
}

func (c Config) maxTokens() int {
	if c.MaxTokens <= 0 {
		return defaultMaxTokens
	}
	return c.MaxTokens
}
