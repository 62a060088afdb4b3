package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicecloner/internal/pkg/voicecloner/audio"
	"voicecloner/internal/pkg/voicecloner/errs"
)

type fakeBackend struct {
	mu        sync.Mutex
	requests  []BackendRequest
	active    atomic.Int32
	overlap   atomic.Bool
	out       *audio.Audio
	err       error
	delay     time.Duration
	device    Device
	languages []string
	closed    bool
}

func (b *fakeBackend) Synthesize(ctx context.Context, req BackendRequest) (*audio.Audio, error) {
	if b.active.Add(1) > 1 {
		b.overlap.Store(true)
	}
	defer b.active.Add(-1)
	time.Sleep(b.delay)

	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	return b.out, nil
}

func (b *fakeBackend) Info() Info {
	languages := b.languages
	if languages == nil {
		languages = []string{"de", "en"}
	}
	return Info{Name: "fake", Model: "fake-v1", Device: b.device, Languages: languages, SampleRate: audio.DefaultSampleRate}
}

func (b *fakeBackend) Close() error {
	b.closed = true
	return nil
}

func tone(seconds float64) *audio.Audio {
	samples := make([]float32, int(seconds*audio.DefaultSampleRate))
	for i := range samples {
		samples[i] = 0.3
	}
	return audio.NewAudio(samples, audio.DefaultSampleRate)
}

func newTestEngine(t *testing.T, b *fakeBackend, loads *atomic.Int32, loadErr func(n int32) error) *Engine {
	t.Helper()
	return NewWithFactory(Config{
		Backend:              "fake",
		Model:                BackendConfig{Model: "fake-v1"},
		Device:               DeviceCPU,
		Platform:             Platform{OS: "linux", Arch: "amd64"},
		MinReferenceDuration: 3 * time.Second,
	}, func(ctx context.Context, cfg BackendConfig) (Backend, error) {
		n := loads.Add(1)
		if loadErr != nil {
			if err := loadErr(n); err != nil {
				return nil, err
			}
		}
		b.device = cfg.Device.Device
		return b, nil
	})
}

func TestEngineLoadsOnce(t *testing.T) {
	t.Parallel()

	var loads atomic.Int32
	b := &fakeBackend{out: tone(1)}
	e := newTestEngine(t, b, &loads, nil)
	ref := writeTone(t, t.TempDir(), 4, 0.5)

	assert.False(t, e.State().Ready)
	assert.Zero(t, loads.Load())

	for i := 0; i < 3; i++ {
		out, err := e.Synthesize(context.Background(), Request{Text: "Hallo Welt.", ReferencePath: ref, Language: "DE"})
		require.NoError(t, err)
		assert.Len(t, out.Samples, audio.DefaultSampleRate)
	}

	assert.Equal(t, int32(1), loads.Load())
	assert.Equal(t, EngineState{Model: "fake-v1", Device: DeviceCPU, Ready: true}, e.State())
	require.Len(t, b.requests, 3)
	assert.Equal(t, "de", b.requests[0].Language)
	assert.Equal(t, "Hallo Welt.", b.requests[0].Text)
	assert.Equal(t, ref, b.requests[0].Reference.Path)

	require.NoError(t, e.Close())
	assert.True(t, b.closed)
	assert.False(t, e.State().Ready)
}

func TestEngineLoadFailureIsNotCached(t *testing.T) {
	t.Parallel()

	var loads atomic.Int32
	b := &fakeBackend{out: tone(1)}
	e := newTestEngine(t, b, &loads, func(n int32) error {
		if n == 1 {
			return errors.New("weights not found")
		}
		return nil
	})
	ref := writeTone(t, t.TempDir(), 4, 0.5)
	req := Request{Text: "Hallo.", ReferencePath: ref, Language: "de"}

	_, err := e.Synthesize(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrModelLoadError)
	assert.Contains(t, err.Error(), "weights not found")
	assert.False(t, e.State().Ready)

	_, err = e.Synthesize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(2), loads.Load())
}

func TestEngineErrors(t *testing.T) {
	t.Parallel()

	ref := writeTone(t, t.TempDir(), 4, 0.5)
	short := writeTone(t, t.TempDir(), 1, 0.5)

	tests := []struct {
		name    string
		backend *fakeBackend
		req     Request
		want    error
	}{
		{"empty text", &fakeBackend{out: tone(1)}, Request{Text: "  ", ReferencePath: ref, Language: "de"}, errs.ErrSynthesisError},
		{"short reference", &fakeBackend{out: tone(1)}, Request{Text: "Hallo.", ReferencePath: short, Language: "de"}, errs.ErrInvalidReferenceAudio},
		{"unsupported language", &fakeBackend{out: tone(1)}, Request{Text: "Hallo.", ReferencePath: ref, Language: "ja"}, errs.ErrSynthesisError},
		{"backend failure", &fakeBackend{err: errors.New("cuda oom")}, Request{Text: "Hallo.", ReferencePath: ref, Language: "de"}, errs.ErrSynthesisError},
		{"backend rejects reference", &fakeBackend{err: errs.Ef(errs.KindInvalidReferenceAudio, "fake", "no speaker")}, Request{Text: "Hallo.", ReferencePath: ref, Language: "de"}, errs.ErrInvalidReferenceAudio},
		{"empty output", &fakeBackend{out: audio.NewAudio(nil, 0)}, Request{Text: "Hallo.", ReferencePath: ref, Language: "de"}, errs.ErrSynthesisError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var loads atomic.Int32
			e := newTestEngine(t, tt.backend, &loads, nil)
			_, err := e.Synthesize(context.Background(), tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEngineSerialisesCalls(t *testing.T) {
	t.Parallel()

	var loads atomic.Int32
	b := &fakeBackend{out: tone(0.5), delay: 5 * time.Millisecond}
	e := newTestEngine(t, b, &loads, nil)
	ref := writeTone(t, t.TempDir(), 4, 0.5)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Synthesize(context.Background(), Request{Text: "Hallo.", ReferencePath: ref, Language: "de"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.False(t, b.overlap.Load())
	assert.Equal(t, int32(1), loads.Load())
	assert.Len(t, b.requests, 8)
}

func TestEngineCompactsSilence(t *testing.T) {
	t.Parallel()

	samples := make([]float32, 3*audio.DefaultSampleRate)
	for i := 0; i < audio.DefaultSampleRate; i++ {
		samples[i] = 0.5
		samples[2*audio.DefaultSampleRate+i] = 0.5
	}

	var loads atomic.Int32
	b := &fakeBackend{out: audio.NewAudio(samples, audio.DefaultSampleRate)}
	e := newTestEngine(t, b, &loads, nil)
	e.cfg.CompactSilence = true
	e.cfg.Silence = audio.SilenceParams{ThresholdDB: -40, MinSilence: 400 * time.Millisecond, Keep: 250 * time.Millisecond}

	out, err := e.Synthesize(context.Background(), Request{Text: "Hallo.", ReferencePath: writeTone(t, t.TempDir(), 4, 0.5), Language: "de"})
	require.NoError(t, err)
	assert.InDelta(t, 2.25, out.Duration(), 0.001)
}

func TestNewUnknownBackend(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Backend: "does-not-exist"})
	assert.Error(t, err)
}

func TestDarwinOverrideReachesBackend(t *testing.T) {
	t.Parallel()

	var got BackendConfig
	e := NewWithFactory(Config{
		Backend:  "fake",
		Device:   DeviceAuto,
		Platform: Platform{OS: "darwin", Arch: "arm64"},
	}, func(ctx context.Context, cfg BackendConfig) (Backend, error) {
		got = cfg
		return &fakeBackend{out: tone(1), device: cfg.Device.Device}, nil
	})

	assert.Equal(t, DeviceCPU, e.DeviceChoice().Device)
	assert.NotEmpty(t, e.DeviceChoice().Override)
	assert.Equal(t, DeviceCPU, e.State().Device)

	_, err := e.Synthesize(context.Background(), Request{Text: "Hallo.", ReferencePath: writeTone(t, t.TempDir(), 4, 0.5), Language: "en"})
	require.NoError(t, err)
	assert.Equal(t, DeviceCPU, got.Device.Device)
	assert.False(t, got.Device.CPUFallback)
}

func TestEngineSendsBackendLanguageCode(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{out: tone(1), languages: []string{"en", "de", "zh-cn"}}
	var loads atomic.Int32
	e := newTestEngine(t, b, &loads, nil)
	ref := writeTone(t, t.TempDir(), 4, 0.5)

	for _, lang := range []string{"zh", "ZH-CN", "de"} {
		_, err := e.Synthesize(context.Background(), Request{Text: "Hallo.", ReferencePath: ref, Language: lang})
		require.NoError(t, err, lang)
	}
	require.Len(t, b.requests, 3)
	assert.Equal(t, "zh-cn", b.requests[0].Language)
	assert.Equal(t, "zh-cn", b.requests[1].Language)
	assert.Equal(t, "de", b.requests[2].Language)

	_, err := e.Synthesize(context.Background(), Request{Text: "Hallo.", ReferencePath: ref, Language: "ja"})
	assert.ErrorIs(t, err, errs.ErrSynthesisError)
}
