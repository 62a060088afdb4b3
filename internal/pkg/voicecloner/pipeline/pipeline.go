// Package pipeline turns a prompt and a reference voice into a persisted
// speech file: generate text, synthesize it in the reference voice, persist.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"

	"voicecloner/internal/pkg/voicecloner/artifact"
	"voicecloner/internal/pkg/voicecloner/audio"
	"voicecloner/internal/pkg/voicecloner/engine"
	"voicecloner/internal/pkg/voicecloner/errs"
	"voicecloner/internal/pkg/voicecloner/llm"
	"voicecloner/internal/pkg/voicecloner/prompts"
)

type State int

const (
	Received State = iota
	TextGenerated
	AudioSynthesized
	Persisted
	Failed
)

func (s State) String() string {
	switch s {
	case Received:
		return "Received"
	case TextGenerated:
		return "TextGenerated"
	case AudioSynthesized:
		return "AudioSynthesized"
	case Persisted:
		return "Persisted"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ProviderSource hands out text generation providers. *llm.Set is one.
type ProviderSource interface {
	Provider(choice llm.Choice) (llm.Provider, error)
}

// Synthesizer speaks text in a reference voice. *engine.Engine is one.
type Synthesizer interface {
	Synthesize(ctx context.Context, req engine.Request) (*audio.Audio, error)
}

// ArtifactStore persists finished audio. *artifact.Store is one.
type ArtifactStore interface {
	Save(data []byte) (*artifact.Artifact, error)
}

type Config struct {
	DefaultLanguage string
	DefaultProvider llm.Choice
	// LLMTimeout bounds the text generation call.
	LLMTimeout time.Duration
}

// Request is one user invocation. Empty Language and Provider fall back to
// the configured defaults.
type Request struct {
	Prompt             string
	ReferenceAudioPath string
	Language           string
	Provider           string
	Tone               string
	TrimStart          time.Duration
	TrimEnd            time.Duration
}

// Result is returned by every Run. GeneratedText is kept when a later stage
// fails.
type Result struct {
	State         State
	GeneratedText string
	Artifact      *artifact.Artifact
	Err           error
}

func (r *Result) ErrorKind() errs.Kind {
	return errs.KindOf(r.Err)
}

func (r *Result) Message() string {
	return errs.Message(r.Err)
}

type Pipeline struct {
	cfg       Config
	providers ProviderSource
	synth     Synthesizer
	store     ArtifactStore
}

func New(cfg Config, providers ProviderSource, synth Synthesizer, store ArtifactStore) *Pipeline {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = llm.Local
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = prompts.FallbackLanguage
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = 120 * time.Second
	}
	return &Pipeline{cfg: cfg, providers: providers, synth: synth, store: store}
}

// Run drives req through the pipeline. The result is never nil; on failure
// the returned error equals Result.Err. Nothing is retried.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res := &Result{State: Received}
	logger := log.With().Str("prompt", truncate(req.Prompt, 60)).Logger()

	fail := func(err error) (*Result, error) {
		res.State = Failed
		res.Err = err
		logger.Error().
			Err(err).
			Str("kind", string(errs.KindOf(err))).
			Bool("has_text", res.GeneratedText != "").
			Dur("elapsed", time.Since(start)).
			Msg("Pipeline failed")
		return res, err
	}

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return fail(errs.Ef(errs.KindInvalidRequest, "pipeline", "prompt is empty"))
	}
	lang, err := p.language(req.Language)
	if err != nil {
		return fail(err)
	}
	choice, err := p.choice(req.Provider)
	if err != nil {
		return fail(err)
	}
	// reject an unusable reference before any network call
	if err := engine.CheckReference(req.ReferenceAudioPath); err != nil {
		return fail(err)
	}

	provider, err := p.providers.Provider(choice)
	if err != nil {
		return fail(errs.E(errs.KindInvalidRequest, "pipeline", err))
	}

	logger.Debug().Str("provider", string(choice)).Str("language", lang).Msg("Generating text")
	genCtx, cancel := context.WithTimeout(ctx, p.cfg.LLMTimeout)
	text, err := provider.Generate(genCtx, llm.Request{Prompt: prompt, System: prompts.System(lang, req.Tone)})
	timedOut := genCtx.Err() != nil
	cancel()
	if err != nil {
		kind := errs.KindProviderResponseError
		if timedOut || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			kind = errs.KindProviderUnavailable
		}
		return fail(errs.E(kind, "pipeline.generate", err))
	}
	res.GeneratedText = text
	res.State = TextGenerated
	logger.Info().
		Str("provider", string(choice)).
		Str("text", truncate(text, 80)).
		Int("chars", len(text)).
		Msg("Text generated")

	out, err := p.synth.Synthesize(ctx, engine.Request{Text: text, ReferencePath: req.ReferenceAudioPath, Language: lang})
	if err != nil {
		return fail(errs.E(errs.KindSynthesisError, "pipeline.synthesize", err))
	}
	res.State = AudioSynthesized
	logger.Info().Float64("seconds", out.Duration()).Msg("Audio synthesized")

	if req.TrimStart > 0 || req.TrimEnd > 0 {
		if trimmed, ok := out.Trim(req.TrimStart, req.TrimEnd); ok {
			out = trimmed
		} else {
			logger.Warn().
				Dur("trim_start", req.TrimStart).
				Dur("trim_end", req.TrimEnd).
				Float64("seconds", out.Duration()).
				Msg("Trim would remove the whole clip, keeping it untrimmed")
		}
	}

	data, err := out.WAV()
	if err != nil {
		return fail(errs.E(errs.KindPersistenceError, "pipeline.persist", err))
	}
	art, err := p.store.Save(data)
	if err != nil {
		return fail(errs.E(errs.KindPersistenceError, "pipeline.persist", err))
	}
	res.Artifact = art
	res.State = Persisted

	logger.Info().
		Str("output", art.Path).
		Int64("bytes", art.Size).
		Dur("elapsed", time.Since(start)).
		Msg("Pipeline finished")

	return res, nil
}

// language resolves an ISO 639 code, falling back to the default. Region
// subtags and three-letter codes are reduced to the two-letter base.
func (p *Pipeline) language(code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		code = p.cfg.DefaultLanguage
	}
	return NormalizeLanguage(code)
}

func NormalizeLanguage(code string) (string, error) {
	tag, err := language.Parse(code)
	if err != nil {
		return "", errs.Ef(errs.KindInvalidRequest, "pipeline", "invalid language code %q: %v", code, err)
	}
	base, conf := tag.Base()
	if conf == language.No {
		return "", errs.Ef(errs.KindInvalidRequest, "pipeline", "invalid language code %q", code)
	}
	return base.String(), nil
}

func (p *Pipeline) choice(name string) (llm.Choice, error) {
	if strings.TrimSpace(name) == "" {
		return p.cfg.DefaultProvider, nil
	}
	c, err := llm.ParseChoice(name)
	if err != nil {
		return "", errs.E(errs.KindInvalidRequest, "pipeline", err)
	}
	return c, nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
