// Package xtts drives a standalone XTTS server over HTTP. The server owns the
// model weights; this backend asks it to load a model on a device and then
// sends one synthesis request per call with the reference sample inline.
package xtts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"voicecloner/internal/pkg/voicecloner/audio"
	"voicecloner/internal/pkg/voicecloner/engine"
	"voicecloner/internal/pkg/voicecloner/errs"
)

const Name = "xtts"

const (
	apiLoad           = "/v1/models/load"
	apiGenerateSpeech = "/v1/generate/speech"
	apiHealth         = "/health"

	contentTypeJSON = "application/json"
	contentTypeWAV  = "audio/wav"
)

func init() {
	engine.Register(Name, New)
}

type loadRequest struct {
	Model  string `json:"model"`
	Device string `json:"device"`
}

type loadResponse struct {
	Model      string   `json:"model"`
	Device     string   `json:"device"`
	Languages  []string `json:"languages"`
	SampleRate int      `json:"sample_rate"`
}

type speechRequest struct {
	Text              string  `json:"text"`
	Language          string  `json:"language"`
	SpeakerWAV        string  `json:"speaker_wav"`
	Temperature       float64 `json:"temperature"`
	Speed             float64 `json:"speed"`
	RepetitionPenalty float64 `json:"repetition_penalty"`
	LengthPenalty     float64 `json:"length_penalty"`
}

type errorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// statusError is a non-200 answer from the server.
type statusError struct {
	Status int
	Detail string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("xtts server returned %d: %s", e.Status, e.Detail)
}

type Backend struct {
	httpClient *http.Client
	baseURL    string
	cfg        engine.BackendConfig
	loaded     loadResponse
}

// New asks the server to load cfg.Model. No timeout is applied: a cold load
// can take minutes. When the device choice permits it, a failed accelerator
// load is retried once on cpu.
func New(ctx context.Context, cfg engine.BackendConfig) (engine.Backend, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("no xtts server URL configured")
	}
	b := &Backend{
		httpClient: &http.Client{},
		baseURL:    strings.TrimRight(cfg.ServerURL, "/"),
		cfg:        cfg,
	}

	device := cfg.Device.Device
	loaded, err := b.load(ctx, device)
	if err != nil && cfg.Device.CPUFallback && device != engine.DeviceCPU && ctx.Err() == nil {
		log.Warn().Err(err).Str("device", string(device)).Msg("Accelerated load failed, retrying on cpu")
		loaded, err = b.load(ctx, engine.DeviceCPU)
	}
	if err != nil {
		return nil, err
	}
	b.loaded = *loaded
	return b, nil
}

func (b *Backend) load(ctx context.Context, device engine.Device) (*loadResponse, error) {
	body, err := json.Marshal(loadRequest{Model: b.cfg.Model, Device: string(device)})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal load request: %w", err)
	}
	resp, err := b.post(ctx, apiLoad, body, contentTypeJSON)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}
	var loaded loadResponse
	if err := json.NewDecoder(resp.Body).Decode(&loaded); err != nil {
		return nil, fmt.Errorf("failed to decode load response: %w", err)
	}
	if loaded.Model == "" {
		loaded.Model = b.cfg.Model
	}
	if loaded.Device == "" {
		loaded.Device = string(device)
	}
	return &loaded, nil
}

func (b *Backend) Synthesize(ctx context.Context, req engine.BackendRequest) (*audio.Audio, error) {
	if req.Reference == nil || len(req.Reference.WAV) == 0 {
		return nil, errs.Ef(errs.KindInvalidReferenceAudio, Name, "no reference audio")
	}
	body, err := json.Marshal(speechRequest{
		Text:              req.Text,
		Language:          req.Language,
		SpeakerWAV:        base64.StdEncoding.EncodeToString(req.Reference.WAV),
		Temperature:       b.cfg.Temperature,
		Speed:             b.cfg.Speed,
		RepetitionPenalty: b.cfg.RepetitionPenalty,
		LengthPenalty:     b.cfg.LengthPenalty,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := b.post(ctx, apiGenerateSpeech, body, contentTypeWAV)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := parseError(resp)
		if resp.StatusCode == http.StatusUnprocessableEntity {
			return nil, errs.E(errs.KindInvalidReferenceAudio, Name, err)
		}
		return nil, err
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != contentTypeWAV && mt != "audio/x-wav" {
		return nil, fmt.Errorf("unexpected content type: expected audio/wav, got %q", mt)
	}

	out, err := audio.DecodeWAV(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode audio: %w", err)
	}
	return out, nil
}

// Ping checks the server health endpoint.
func (b *Backend) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for xtts server at %s: %w", b.baseURL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}
	return nil
}

func (b *Backend) Info() engine.Info {
	sampleRate := b.loaded.SampleRate
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	return engine.Info{
		Name:       Name,
		Model:      b.loaded.Model,
		Device:     engine.Device(b.loaded.Device),
		Languages:  b.loaded.Languages,
		SampleRate: sampleRate,
	}
}

func (b *Backend) Close() error {
	b.httpClient.CloseIdleConnections()
	return nil
}

func (b *Backend) post(ctx context.Context, path string, body []byte, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", accept)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to xtts server at %s: %w", b.baseURL, err)
	}
	return resp, nil
}

// parseError prefers the structured {"detail": ...} body and falls back to
// the raw body.
func parseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body errorResponse
	detail := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &body); err == nil && body.Detail != "" {
		detail = body.Detail
		if body.ErrorCode != "" {
			detail += " (code: " + body.ErrorCode + ")"
		}
	}
	return &statusError{Status: resp.StatusCode, Detail: detail}
}

