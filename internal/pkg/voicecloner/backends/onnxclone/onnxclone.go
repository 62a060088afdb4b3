// Package onnxclone runs a two-stage voice cloning model on device through
// onnxruntime: a speaker encoder turns the reference sample into an
// embedding, a synthesizer turns token ids plus that embedding into audio.
package onnxclone

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"voicecloner/internal/pkg/voicecloner/audio"
	"voicecloner/internal/pkg/voicecloner/engine"
	"voicecloner/internal/pkg/voicecloner/errs"
	"voicecloner/internal/pkg/voicecloner/preprocess"
)

const Name = "onnx"

func init() {
	engine.Register(Name, New)
}

type Backend struct {
	modelDir  string
	config    *ModelConfig
	tokenizer *Tokenizer
	encoder   speakerEncoder
	synth     synthesizer
	device    engine.Device
	speed     float32
}

// New loads the model directory named by cfg.Model. A path to one of its
// .onnx files is accepted too.
func New(ctx context.Context, cfg engine.BackendConfig) (engine.Backend, error) {
	modelDir := cfg.Model
	if strings.HasSuffix(modelDir, ".onnx") {
		modelDir = filepath.Dir(modelDir)
	}
	if modelDir == "" {
		return nil, fmt.Errorf("no model directory configured")
	}

	mc, err := loadModelConfig(filepath.Join(modelDir, "config.json"))
	if err != nil {
		return nil, err
	}
	tokenizer, err := LoadTokenizer(filepath.Join(modelDir, "tokens.txt"))
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer: %w", err)
	}
	if err := initRuntime(); err != nil {
		return nil, err
	}

	device := cfg.Device.Device
	enc, syn, err := openSessions(modelDir, mc, device)
	if err != nil && cfg.Device.CPUFallback && device != engine.DeviceCPU {
		log.Warn().Err(err).Str("device", string(device)).Msg("Accelerator unavailable, falling back to cpu")
		device = engine.DeviceCPU
		enc, syn, err = openSessions(modelDir, mc, device)
	}
	if err != nil {
		return nil, err
	}

	return newBackend(modelDir, mc, tokenizer, enc, syn, device, cfg.Speed), nil
}

func newBackend(modelDir string, mc *ModelConfig, tok *Tokenizer, enc speakerEncoder, syn synthesizer, device engine.Device, speed float64) *Backend {
	if speed <= 0 {
		speed = 1
	}
	return &Backend{
		modelDir:  modelDir,
		config:    mc,
		tokenizer: tok,
		encoder:   enc,
		synth:     syn,
		device:    device,
		speed:     float32(speed),
	}
}

func (b *Backend) Synthesize(ctx context.Context, req engine.BackendRequest) (*audio.Audio, error) {
	langID, ok := b.config.Languages[req.Language]
	if !ok {
		return nil, fmt.Errorf("language %q is not in the model config", req.Language)
	}
	if req.Reference == nil || req.Reference.Audio == nil {
		return nil, errs.Ef(errs.KindInvalidReferenceAudio, "onnx", "no reference audio")
	}

	ref := req.Reference.Audio.Resample(b.config.EncoderSampleRate)
	speaker, err := b.encoder.Embed(ref.Samples)
	if err != nil {
		return nil, errs.E(errs.KindInvalidReferenceAudio, "onnx", err)
	}

	sentences := preprocess.SplitSentences(req.Text, b.config.MaxSentenceChars)
	parts := make([]*audio.Audio, 0, len(sentences))
	for i, sentence := range sentences {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ids, ok := b.tokenizer.Encode(sentence)
		if !ok {
			log.Debug().Int("sentence", i).Msg("Skipping sentence without known symbols")
			continue
		}
		wave, err := b.synth.Run(ids, langID, speaker, b.speed)
		if err != nil {
			return nil, fmt.Errorf("sentence %d: %w", i, err)
		}
		parts = append(parts, audio.NewAudio(wave, b.config.SampleRate))
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("text contains no symbols the model knows")
	}

	return audio.Concat(b.config.Crossfade(), parts...), nil
}

func (b *Backend) Info() engine.Info {
	name := b.config.Name
	if name == "" {
		name = filepath.Base(b.modelDir)
	}
	return engine.Info{
		Name:       Name,
		Model:      name,
		Device:     b.device,
		Languages:  b.config.LanguageCodes(),
		SampleRate: b.config.SampleRate,
	}
}

func (b *Backend) Close() error {
	return errors.Join(b.encoder.Close(), b.synth.Close())
}
