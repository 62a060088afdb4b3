package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"voicecloner/internal/pkg/voicecloner/audio"
	"voicecloner/internal/pkg/voicecloner/errs"
	"voicecloner/internal/pkg/voicecloner/preprocess"
)

type Config struct {
	// Backend names a registered backend.
	Backend string
	Model   BackendConfig
	Device  Device
	// Platform defaults to the running host.
	Platform Platform

	MinReferenceDuration time.Duration
	CompactSilence       bool
	Silence              audio.SilenceParams
}

// Request is one synthesis call.
type Request struct {
	Text          string
	ReferencePath string
	Language      string
}

type EngineState struct {
	Model  string
	Device Device
	Ready  bool
}

// Engine lazily loads one backend and serialises every call into it.
type Engine struct {
	cfg          Config
	factory      BackendFactory
	choice       DeviceChoice
	preprocessor *preprocess.Preprocessor

	mu      sync.Mutex
	backend Backend

	stateMu sync.RWMutex
	state   EngineState
	pinger  Pinger
}

// Pinger is implemented by backends that run out of process.
type Pinger interface {
	Ping(ctx context.Context) error
}

// New resolves cfg.Backend in the registry. No model is loaded until the
// first Synthesize call.
func New(cfg Config) (*Engine, error) {
	factory, err := Lookup(cfg.Backend)
	if err != nil {
		return nil, err
	}
	return NewWithFactory(cfg, factory), nil
}

func NewWithFactory(cfg Config, factory BackendFactory) *Engine {
	if cfg.Platform.OS == "" {
		cfg.Platform = CurrentPlatform()
	}
	choice := SelectDevice(cfg.Platform, cfg.Device)
	if choice.Override != "" {
		log.Warn().
			Str("requested", string(cfg.Device)).
			Str("device", string(choice.Device)).
			Str("platform", cfg.Platform.String()).
			Msg("Device override: " + choice.Override)
	}
	cfg.Model.Device = choice

	return &Engine{
		cfg:          cfg,
		factory:      factory,
		choice:       choice,
		preprocessor: preprocess.NewPreprocessor(),
		state:        EngineState{Model: cfg.Model.Model, Device: choice.Device},
	}
}

func (e *Engine) DeviceChoice() DeviceChoice {
	return e.choice
}

func (e *Engine) State() EngineState {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

// Ping checks a loaded out-of-process backend. It does not wait for a
// synthesis in progress and is a no-op before the first load.
func (e *Engine) Ping(ctx context.Context) error {
	e.stateMu.RLock()
	p := e.pinger
	e.stateMu.RUnlock()
	if p == nil {
		return nil
	}
	return p.Ping(ctx)
}

// Synthesize speaks text in the voice of the reference sample. The first
// call loads the model; a load failure is returned as ModelLoadError and the
// next call tries again.
func (e *Engine) Synthesize(ctx context.Context, req Request) (*audio.Audio, error) {
	const op = "engine.synthesize"

	text := e.preprocessor.Process(req.Text)
	if text == "" {
		return nil, errs.Ef(errs.KindSynthesisError, op, "no text to synthesize")
	}
	ref, err := LoadReference(req.ReferencePath, e.cfg.MinReferenceDuration)
	if err != nil {
		return nil, err
	}
	language := strings.ToLower(strings.TrimSpace(req.Language))

	e.mu.Lock()
	defer e.mu.Unlock()

	backend, err := e.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	info := backend.Info()
	code, ok := info.Resolve(language)
	if !ok {
		return nil, errs.Ef(errs.KindSynthesisError, op, "language %q is not supported by %s (supported: %s)",
			language, info.Name, strings.Join(info.Languages, ", "))
	}

	start := time.Now()
	out, err := backend.Synthesize(ctx, BackendRequest{Text: text, Language: code, Reference: ref})
	if err != nil {
		return nil, errs.E(errs.KindSynthesisError, op, err)
	}
	if out == nil || len(out.Samples) == 0 {
		return nil, errs.Ef(errs.KindSynthesisError, op, "%s returned no audio", info.Name)
	}
	if e.cfg.CompactSilence {
		out = out.CompactSilence(e.cfg.Silence)
	}

	log.Info().
		Str("backend", info.Name).
		Str("language", language).
		Int("chars", len(text)).
		Float64("seconds", out.Duration()).
		Dur("elapsed", time.Since(start)).
		Msg("Speech synthesized")

	return out, nil
}

func (e *Engine) loadLocked(ctx context.Context) (Backend, error) {
	if e.backend != nil {
		return e.backend, nil
	}

	log.Info().
		Str("backend", e.cfg.Backend).
		Str("model", e.cfg.Model.Model).
		Str("device", string(e.choice.Device)).
		Msg("Loading synthesis model")

	start := time.Now()
	b, err := e.factory(ctx, e.cfg.Model)
	if err != nil {
		return nil, errs.E(errs.KindModelLoadError, "engine.load",
			fmt.Errorf("load %s model %q: %w", e.cfg.Backend, e.cfg.Model.Model, err))
	}
	e.backend = b

	info := b.Info()
	e.stateMu.Lock()
	e.state = EngineState{Model: info.Model, Device: info.Device, Ready: true}
	e.pinger, _ = b.(Pinger)
	e.stateMu.Unlock()

	log.Info().
		Str("backend", info.Name).
		Str("model", info.Model).
		Str("device", string(info.Device)).
		Int("sample_rate", info.SampleRate).
		Dur("elapsed", time.Since(start)).
		Msg("Synthesis model loaded")

	return b, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.backend == nil {
		return nil
	}
	err := e.backend.Close()
	e.backend = nil
	e.stateMu.Lock()
	e.state.Ready = false
	e.pinger = nil
	e.stateMu.Unlock()
	return err
}
