package engine

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"voicecloner/internal/pkg/voicecloner/audio"
	"voicecloner/internal/pkg/voicecloner/errs"
)

const (
	// minReferenceBytes rejects files too small to hold a usable sample.
	minReferenceBytes = 1000
	// silentPeakDBFS is the peak level below which a sample is treated as silence.
	silentPeakDBFS = -50.0
)

// Reference is a validated reference voice sample.
type Reference struct {
	Path  string
	WAV   []byte
	Audio *audio.Audio
}

// CheckReference performs the cheap checks on a reference file: it must exist,
// be a regular readable file and not be trivially small. It does not decode.
func CheckReference(path string) error {
	const op = "engine.reference"

	if strings.TrimSpace(path) == "" {
		return errs.Ef(errs.KindInvalidReferenceAudio, op, "no reference audio given")
	}
	fi, err := os.Stat(path)
	if err != nil {
		return errs.E(errs.KindInvalidReferenceAudio, op, fmt.Errorf("reference audio: %w", err))
	}
	if !fi.Mode().IsRegular() {
		return errs.Ef(errs.KindInvalidReferenceAudio, op, "reference audio %s is not a regular file", path)
	}
	if fi.Size() < minReferenceBytes {
		return errs.Ef(errs.KindInvalidReferenceAudio, op, "reference audio %s is too small (%d bytes)", path, fi.Size())
	}
	f, err := os.Open(path)
	if err != nil {
		return errs.E(errs.KindInvalidReferenceAudio, op, fmt.Errorf("reference audio: %w", err))
	}
	_ = f.Close()
	return nil
}

// LoadReference reads and decodes a reference sample and applies the quality
// checks: a minimum duration and a non-silent signal.
func LoadReference(path string, minDuration time.Duration) (*Reference, error) {
	const op = "engine.reference"

	if err := CheckReference(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.E(errs.KindInvalidReferenceAudio, op, fmt.Errorf("reference audio: %w", err))
	}
	a, err := audio.DecodeWAV(bytes.NewReader(data))
	if err != nil {
		return nil, errs.E(errs.KindInvalidReferenceAudio, op, fmt.Errorf("reference audio %s: %w", path, err))
	}
	if d := a.Duration(); d < minDuration.Seconds() {
		return nil, errs.Ef(errs.KindInvalidReferenceAudio, op,
			"reference audio is %.1fs long, at least %s is required", d, minDuration)
	}
	if a.PeakDBFS() < silentPeakDBFS {
		return nil, errs.Ef(errs.KindInvalidReferenceAudio, op, "reference audio is silent")
	}

	return &Reference{Path: path, WAV: data, Audio: a}, nil
}
