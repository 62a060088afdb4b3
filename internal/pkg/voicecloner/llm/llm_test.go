package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicecloner/internal/pkg/voicecloner/errs"
)

const completionBody = `{
	"id":"c1","object":"chat.completion","created":1,"model":"m",
	"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"  Es war einmal.  "}}],
	"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}
}`

type chatBody struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	Messages  []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func TestLocalGenerate(t *testing.T) {
	t.Parallel()

	var got chatBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody))
	}))
	defer srv.Close()

	p, err := NewLocalProvider(Config{BaseURL: srv.URL + "/v1", Model: "gpt-oss:20b"})
	require.NoError(t, err)

	text, err := p.Generate(context.Background(), Request{Prompt: "Ein Märchen", System: "Sei kurz."})
	require.NoError(t, err)
	assert.Equal(t, "Es war einmal.", text)

	assert.Equal(t, "gpt-oss:20b", got.Model)
	assert.Equal(t, 500, got.MaxTokens)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "Sei kurz.", got.Messages[0].Content)
	assert.Equal(t, "user", got.Messages[1].Role)
	assert.Equal(t, "Ein Märchen", got.Messages[1].Content)
}

func TestLocalUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p, err := NewLocalProvider(Config{BaseURL: url + "/v1", Model: "m"})
	require.NoError(t, err)

	_, err = p.Generate(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrProviderUnavailable)
}

func TestLocalTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	p, err := NewLocalProvider(Config{BaseURL: srv.URL + "/v1", Model: "m", Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = p.Generate(context.Background(), Request{Prompt: "x"})
	assert.ErrorIs(t, err, errs.ErrProviderUnavailable)
}

func TestLocalStatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"bad gateway", http.StatusBadGateway, errs.ErrProviderUnavailable},
		{"service unavailable", http.StatusServiceUnavailable, errs.ErrProviderUnavailable},
		{"internal error", http.StatusInternalServerError, errs.ErrProviderResponseError},
		{"not found", http.StatusNotFound, errs.ErrProviderResponseError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"server_error"}}`))
			}))
			defer srv.Close()

			p, err := NewLocalProvider(Config{BaseURL: srv.URL + "/v1", Model: "m"})
			require.NoError(t, err)
			_, err = p.Generate(context.Background(), Request{Prompt: "x"})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLocalEmptyCompletion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"blank content", `{"choices":[{"index":0,"message":{"role":"assistant","content":"   "}}]}`},
		{"no choices", `{"choices":[]}`},
		{"not json", `<html>oops</html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p, err := NewLocalProvider(Config{BaseURL: srv.URL + "/v1", Model: "m"})
			require.NoError(t, err)
			_, err = p.Generate(context.Background(), Request{Prompt: "x"})
			assert.ErrorIs(t, err, errs.ErrProviderResponseError)
		})
	}
}

func TestCloudMissingKey(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	_, err := NewCloudProvider(Config{BaseURL: srv.URL, Model: "gpt-4o", APIKey: "  "})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrMissingCredential)
	assert.Zero(t, hits.Load())
}

func TestCloudGenerate(t *testing.T) {
	t.Parallel()

	var auth string
	var got chatBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody))
	}))
	defer srv.Close()

	p, err := NewCloudProvider(Config{BaseURL: srv.URL, APIKey: "sk-test"})
	require.NoError(t, err)

	text, err := p.Generate(context.Background(), Request{Prompt: "Ein Märchen", System: "Sei kurz."})
	require.NoError(t, err)
	assert.Equal(t, "Es war einmal.", text)
	assert.Equal(t, "Bearer sk-test", auth)
	assert.Equal(t, "gpt-4o", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
}

func TestCloudServerErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	}))
	defer srv.Close()

	p, err := NewCloudProvider(Config{BaseURL: srv.URL, APIKey: "sk-test"})
	require.NoError(t, err)

	_, err = p.Generate(context.Background(), Request{Prompt: "x"})
	assert.ErrorIs(t, err, errs.ErrProviderUnavailable)
	assert.Equal(t, int32(1), hits.Load())
}

func TestCloudUnauthorized(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	p, err := NewCloudProvider(Config{BaseURL: srv.URL, APIKey: "sk-wrong"})
	require.NoError(t, err)

	_, err = p.Generate(context.Background(), Request{Prompt: "x"})
	assert.ErrorIs(t, err, errs.ErrProviderResponseError)
}

func TestParseChoice(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Choice{
		"local":   Local,
		" Ollama": Local,
		"cloud":   Cloud,
		"OPENAI":  Cloud,
	} {
		got, err := ParseChoice(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseChoice("claude")
	assert.Error(t, err)
}

func TestChoicesRegistered(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []Choice{Cloud, Local}, Choices())
}

func TestSetCachesSuccessOnly(t *testing.T) {
	t.Parallel()

	set := NewSet(map[Choice]Config{
		Local: {BaseURL: "http://127.0.0.1:1/v1", Model: "m"},
		Cloud: {},
	})

	a, err := set.Provider(Local)
	require.NoError(t, err)
	b, err := set.Provider(Local)
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = set.Provider(Cloud)
	assert.ErrorIs(t, err, errs.ErrMissingCredential)
	assert.NotContains(t, set.built, Cloud)
}
