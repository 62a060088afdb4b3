package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicecloner/internal/pkg/voicecloner/artifact"
	"voicecloner/internal/pkg/voicecloner/audio"
	"voicecloner/internal/pkg/voicecloner/engine"
	"voicecloner/internal/pkg/voicecloner/errs"
	"voicecloner/internal/pkg/voicecloner/llm"
	"voicecloner/internal/pkg/voicecloner/pipeline"
)

type stubEngine struct {
	state   engine.EngineState
	pingErr error
}

func (e *stubEngine) State() engine.EngineState   { return e.state }
func (e *stubEngine) Ping(ctx context.Context) error { return e.pingErr }

type runnerFunc func(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)

func (f runnerFunc) Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	return f(ctx, req)
}

type stubProvider struct{ text string }

func (p stubProvider) Generate(ctx context.Context, req llm.Request) (string, error) {
	return p.text, nil
}

type providerMap map[llm.Choice]llm.Provider

func (m providerMap) Provider(c llm.Choice) (llm.Provider, error) {
	if p, ok := m[c]; ok {
		return p, nil
	}
	return nil, errors.New("not configured")
}

type toneBackend struct{}

func (toneBackend) Synthesize(ctx context.Context, req engine.BackendRequest) (*audio.Audio, error) {
	return audio.NewAudio(tone(1.5), audio.DefaultSampleRate), nil
}

func (toneBackend) Info() engine.Info {
	return engine.Info{Name: "tone", Model: "tone", Device: engine.DeviceCPU}
}

func (toneBackend) Close() error { return nil }

func tone(seconds float64) []float32 {
	samples := make([]float32, int(seconds*audio.DefaultSampleRate))
	for i := range samples {
		samples[i] = float32(0.4 * math.Sin(2*math.Pi*220*float64(i)/audio.DefaultSampleRate))
	}
	return samples
}

func referenceWAV(t *testing.T, seconds float64) []byte {
	t.Helper()
	data, err := audio.NewAudio(tone(seconds), audio.DefaultSampleRate).WAV()
	require.NoError(t, err)
	return data
}

func newStore(t *testing.T) *artifact.Store {
	t.Helper()
	store, err := artifact.New(filepath.Join(t.TempDir(), "outputs"))
	require.NoError(t, err)
	return store
}

func speechRequest(t *testing.T, fields map[string]string, reference []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if reference != nil {
		fw, err := mw.CreateFormFile("reference", "voice.wav")
		require.NoError(t, err)
		_, err = fw.Write(reference)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/speech", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	t.Parallel()

	eng := &stubEngine{state: engine.EngineState{Model: "xtts_v2", Device: engine.DeviceCUDA, Ready: true}}
	srv := New(Config{DefaultProvider: "local"}, nil, eng, newStore(t))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[healthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "local", resp.Provider)
	assert.Equal(t, engineSummary{Model: "xtts_v2", Device: "cuda", Ready: true}, resp.Engine)
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))
}

func TestHealthDegraded(t *testing.T) {
	t.Parallel()

	eng := &stubEngine{pingErr: errors.New("connection refused")}
	srv := New(Config{}, nil, eng, newStore(t))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decode[healthResponse](t, rec)
	assert.Equal(t, "degraded", resp.Status)
	assert.Contains(t, resp.Error, "connection refused")
}

func TestSpeechEndToEnd(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	eng := engine.NewWithFactory(engine.Config{
		Backend:              "tone",
		Device:               engine.DeviceCPU,
		Platform:             engine.Platform{OS: "linux", Arch: "amd64"},
		MinReferenceDuration: 3 * time.Second,
	}, func(ctx context.Context, cfg engine.BackendConfig) (engine.Backend, error) {
		return toneBackend{}, nil
	})
	p := pipeline.New(pipeline.Config{DefaultLanguage: "de", DefaultProvider: llm.Local, LLMTimeout: time.Second},
		providerMap{llm.Local: stubProvider{text: "Guten Morgen."}}, eng, store)

	uploads := t.TempDir()
	srv := New(Config{DefaultProvider: "local", UploadDir: uploads}, p, eng, store)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, speechRequest(t, map[string]string{"prompt": "Begrüßung"}, referenceWAV(t, 4)))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[speechResponse](t, rec)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "Guten Morgen.", resp.Text)
	assert.Equal(t, "/v1/outputs/"+resp.Output, resp.URL)
	assert.FileExists(t, filepath.Join(store.Dir(), resp.Output))

	left, err := os.ReadDir(uploads)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestSpeechPassesFormFields(t *testing.T) {
	t.Parallel()

	var got pipeline.Request
	var existed bool
	runner := runnerFunc(func(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
		got = req
		_, err := os.Stat(req.ReferenceAudioPath)
		existed = err == nil
		return &pipeline.Result{
			State:         pipeline.Persisted,
			GeneratedText: "Hello.",
			Artifact:      &artifact.Artifact{Name: "20260102_030405.wav", CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.Local)},
		}, nil
	})
	srv := New(Config{UploadDir: t.TempDir()}, runner, &stubEngine{}, newStore(t))

	rec := httptest.NewRecorder()
	fields := map[string]string{"prompt": "greet", "language": "en", "provider": "cloud", "tone": "calm"}
	srv.Handler().ServeHTTP(rec, speechRequest(t, fields, referenceWAV(t, 0.1)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "greet", got.Prompt)
	assert.Equal(t, "en", got.Language)
	assert.Equal(t, "cloud", got.Provider)
	assert.Equal(t, "calm", got.Tone)
	assert.True(t, existed)
	assert.NoFileExists(t, got.ReferenceAudioPath)
}

func TestSpeechFailureKeepsText(t *testing.T) {
	t.Parallel()

	failure := errs.Ef(errs.KindSynthesisError, "engine", "backend crashed")
	runner := runnerFunc(func(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
		return &pipeline.Result{State: pipeline.Failed, GeneratedText: "Es war einmal.", Err: failure}, failure
	})
	srv := New(Config{UploadDir: t.TempDir()}, runner, &stubEngine{}, newStore(t))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, speechRequest(t, map[string]string{"prompt": "x"}, referenceWAV(t, 0.1)))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decode[errorResponse](t, rec)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "SynthesisError", resp.ErrorKind)
	assert.Equal(t, "backend crashed", resp.Message)
	assert.Equal(t, "Es war einmal.", resp.GeneratedText)
}

func TestSpeechBadRequests(t *testing.T) {
	t.Parallel()

	runner := runnerFunc(func(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
		t.Error("pipeline must not run")
		return nil, nil
	})
	srv := New(Config{UploadDir: t.TempDir()}, runner, &stubEngine{}, newStore(t))

	t.Run("missing reference", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, speechRequest(t, map[string]string{"prompt": "x"}, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "InvalidRequest", decode[errorResponse](t, rec).ErrorKind)
	})

	t.Run("not multipart", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/speech", strings.NewReader(`{"prompt":"x"}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := map[errs.Kind]int{
		errs.KindInvalidRequest:        http.StatusBadRequest,
		errs.KindInvalidReferenceAudio: http.StatusUnprocessableEntity,
		errs.KindMissingCredential:     http.StatusServiceUnavailable,
		errs.KindProviderUnavailable:   http.StatusServiceUnavailable,
		errs.KindProviderResponseError: http.StatusBadGateway,
		errs.KindModelLoadError:        http.StatusServiceUnavailable,
		errs.KindSynthesisError:        http.StatusInternalServerError,
		errs.KindPersistenceError:      http.StatusInternalServerError,
		"":                             http.StatusInternalServerError,
	}
	for kind, want := range tests {
		assert.Equal(t, want, StatusFor(kind), kind)
	}
}

func TestOutputs(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	data := referenceWAV(t, 0.2)
	art, err := store.Save(data)
	require.NoError(t, err)
	h := New(Config{}, nil, &stubEngine{}, store).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/outputs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Outputs []artifact.Artifact `json:"outputs"`
		Count   int                 `json:"count"`
	}](t, rec)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, art.Name, list.Outputs[0].Name)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/outputs/"+art.Name, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/wav", rec.Header().Get("Content-Type"))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, data, body)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/outputs/missing.wav", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
