// Package engine owns the voice synthesis model: device policy, reference
// sample validation and the lazily loaded, serialised synthesis backend.
package engine

import (
	"context"
	"strings"

	"voicecloner/internal/pkg/voicecloner/audio"
)

// Backend is a loaded voice cloning model.
type Backend interface {
	Synthesize(ctx context.Context, req BackendRequest) (*audio.Audio, error)
	Info() Info
	Close() error
}

// BackendRequest is one synthesis call against a loaded backend. Text is
// already normalised.
type BackendRequest struct {
	Text      string
	Language  string
	Reference *Reference
}

type Info struct {
	Name       string
	Model      string
	Device     Device
	Languages  []string
	SampleRate int
}

// Resolve returns the backend's own code for language. An empty language
// list means the backend did not declare one and accepts any. An exact match
// wins; otherwise a declared code with a region subtag, such as "zh-cn",
// matches its base language "zh".
func (i Info) Resolve(language string) (string, bool) {
	language = strings.ToLower(language)
	if len(i.Languages) == 0 {
		return language, true
	}
	for _, l := range i.Languages {
		if strings.ToLower(l) == language {
			return l, true
		}
	}
	for _, l := range i.Languages {
		base, _, _ := strings.Cut(strings.ToLower(l), "-")
		base, _, _ = strings.Cut(base, "_")
		if base == language {
			return l, true
		}
	}
	return "", false
}

// BackendConfig is everything a backend factory needs to load its model.
type BackendConfig struct {
	Model     string
	ServerURL string
	Device    DeviceChoice

	Temperature       float64
	Speed             float64
	RepetitionPenalty float64
	LengthPenalty     float64
}
