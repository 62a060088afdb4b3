package onnxclone

import (
	"fmt"
	"path/filepath"

	ort "github.com/yalue/onnxruntime_go"

	"voicecloner/internal/pkg/voicecloner/engine"
)

const (
	encoderFile     = "speaker_encoder.onnx"
	synthesizerFile = "synthesizer.onnx"
)

type speakerEncoder interface {
	Embed(samples []float32) ([]float32, error)
	Close() error
}

type synthesizer interface {
	Run(ids []int64, language int64, speaker []float32, speed float32) ([]float32, error)
	Close() error
}

type onnxEncoder struct {
	session *ort.DynamicAdvancedSession
	dim     int
}

type onnxSynthesizer struct {
	session *ort.DynamicAdvancedSession
	dim     int
}

// openSessions loads both models of modelDir onto device.
func openSessions(modelDir string, mc *ModelConfig, device engine.Device) (*onnxEncoder, *onnxSynthesizer, error) {
	opts, err := sessionOptions(device)
	if err != nil {
		return nil, nil, err
	}
	defer opts.Destroy()

	enc, err := ort.NewDynamicAdvancedSession(
		filepath.Join(modelDir, encoderFile),
		[]string{"audio"},
		[]string{"embedding"},
		opts,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load speaker encoder: %w", err)
	}

	syn, err := ort.NewDynamicAdvancedSession(
		filepath.Join(modelDir, synthesizerFile),
		[]string{"input_ids", "language_id", "speaker_embedding", "speed"},
		[]string{"waveform"},
		opts,
	)
	if err != nil {
		enc.Destroy()
		return nil, nil, fmt.Errorf("failed to load synthesizer: %w", err)
	}

	return &onnxEncoder{session: enc, dim: mc.EmbeddingSize},
		&onnxSynthesizer{session: syn, dim: mc.EmbeddingSize}, nil
}

func (e *onnxEncoder) Embed(samples []float32) ([]float32, error) {
	audioTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(samples))), samples)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio tensor: %w", err)
	}
	defer audioTensor.Destroy()

	outputs := make([]ort.Value, 1)
	if err := e.session.Run([]ort.Value{audioTensor}, outputs); err != nil {
		return nil, fmt.Errorf("failed to run speaker encoder: %w", err)
	}
	embedding, err := float32Output(outputs[0])
	if err != nil {
		return nil, fmt.Errorf("speaker encoder: %w", err)
	}
	if len(embedding) != e.dim {
		return nil, fmt.Errorf("speaker encoder returned %d values, want %d", len(embedding), e.dim)
	}
	return embedding, nil
}

func (e *onnxEncoder) Close() error {
	return e.session.Destroy()
}

func (s *onnxSynthesizer) Run(ids []int64, language int64, speaker []float32, speed float32) ([]float32, error) {
	idsTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(ids))), ids)
	if err != nil {
		return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	defer idsTensor.Destroy()

	langTensor, err := ort.NewTensor(ort.NewShape(1), []int64{language})
	if err != nil {
		return nil, fmt.Errorf("failed to create language_id tensor: %w", err)
	}
	defer langTensor.Destroy()

	speakerTensor, err := ort.NewTensor(ort.NewShape(1, int64(s.dim)), speaker)
	if err != nil {
		return nil, fmt.Errorf("failed to create speaker_embedding tensor: %w", err)
	}
	defer speakerTensor.Destroy()

	speedTensor, err := ort.NewTensor(ort.NewShape(1), []float32{speed})
	if err != nil {
		return nil, fmt.Errorf("failed to create speed tensor: %w", err)
	}
	defer speedTensor.Destroy()

	inputs := []ort.Value{idsTensor, langTensor, speakerTensor, speedTensor}
	outputs := make([]ort.Value, 1)
	if err := s.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("failed to run inference: %w", err)
	}
	waveform, err := float32Output(outputs[0])
	if err != nil {
		return nil, fmt.Errorf("synthesizer: %w", err)
	}
	return waveform, nil
}

func (s *onnxSynthesizer) Close() error {
	return s.session.Destroy()
}

// float32Output copies the data out of an output tensor and destroys it.
func float32Output(v ort.Value) ([]float32, error) {
	if v == nil {
		return nil, fmt.Errorf("no output from model")
	}
	defer v.Destroy()

	t, ok := v.(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output tensor type")
	}
	return append([]float32(nil), t.GetData()...), nil
}
