package onnxclone

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

// ModelConfig is the config.json shipped in a model directory.
type ModelConfig struct {
	Name              string           `json:"name"`
	SampleRate        int              `json:"sample_rate"`
	EncoderSampleRate int              `json:"encoder_sample_rate"`
	EmbeddingSize     int              `json:"embedding_size"`
	Languages         map[string]int64 `json:"languages"`
	MaxSentenceChars  int              `json:"max_sentence_chars"`
	CrossfadeMS       int              `json:"crossfade_ms"`
}

func loadModelConfig(path string) (*ModelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model config: %w", err)
	}
	return parseModelConfig(data)
}

func parseModelConfig(data []byte) (*ModelConfig, error) {
	mc := &ModelConfig{
		SampleRate:        24000,
		EncoderSampleRate: 16000,
		EmbeddingSize:     512,
		MaxSentenceChars:  250,
		CrossfadeMS:       20,
	}
	if err := json.Unmarshal(data, mc); err != nil {
		return nil, fmt.Errorf("failed to parse model config: %w", err)
	}

	switch {
	case mc.SampleRate <= 0 || mc.EncoderSampleRate <= 0:
		return nil, fmt.Errorf("model config: sample rates must be positive")
	case mc.EmbeddingSize <= 0:
		return nil, fmt.Errorf("model config: embedding_size must be positive")
	case len(mc.Languages) == 0:
		return nil, fmt.Errorf("model config: no languages declared")
	case mc.MaxSentenceChars <= 0:
		return nil, fmt.Errorf("model config: max_sentence_chars must be positive")
	case mc.CrossfadeMS < 0:
		return nil, fmt.Errorf("model config: crossfade_ms must not be negative")
	}
	return mc, nil
}

func (mc *ModelConfig) LanguageCodes() []string {
	codes := make([]string, 0, len(mc.Languages))
	for code := range mc.Languages {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

func (mc *ModelConfig) Crossfade() time.Duration {
	return time.Duration(mc.CrossfadeMS) * time.Millisecond
}
