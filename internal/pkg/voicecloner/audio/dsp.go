package audio

import (
	"math"
	"time"
)

// silenceFrame is the analysis window used by CompactSilence.
const silenceFrame = 10 * time.Millisecond

// SilenceParams configures CompactSilence.
type SilenceParams struct {
	// ThresholdDB is the dBFS level under which a frame counts as silent.
	ThresholdDB float64
	// MinSilence is the shortest silent run that gets shortened.
	MinSilence time.Duration
	// Keep is how much silence replaces each shortened run.
	Keep time.Duration
}

func (a *Audio) samplesFor(d time.Duration) int {
	return int(d.Seconds() * float64(a.SampleRate))
}

// PeakDBFS returns the peak level of the buffer. Digital silence is -Inf.
func (a *Audio) PeakDBFS() float64 {
	var peak float64
	for _, s := range a.Samples {
		if v := math.Abs(float64(s)); v > peak {
			peak = v
		}
	}
	return toDBFS(peak)
}

func rmsDBFS(samples []float32) float64 {
	if len(samples) == 0 {
		return math.Inf(-1)
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return toDBFS(math.Sqrt(sum / float64(len(samples))))
}

func toDBFS(amplitude float64) float64 {
	if amplitude <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(amplitude)
}

// Resample converts the buffer to rate using linear interpolation.
func (a *Audio) Resample(rate int) *Audio {
	if rate <= 0 || rate == a.SampleRate || len(a.Samples) == 0 {
		return NewAudio(append([]float32(nil), a.Samples...), a.SampleRate)
	}

	ratio := float64(a.SampleRate) / float64(rate)
	n := int(float64(len(a.Samples)) / ratio)
	out := make([]float32, n)
	last := len(a.Samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = a.Samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = a.Samples[idx]*(1-frac) + a.Samples[idx+1]*frac
	}

	return NewAudio(out, rate)
}

// Trim drops start from the front and end from the back. It reports false and
// returns the buffer unchanged when the cut would remove everything.
func (a *Audio) Trim(start, end time.Duration) (*Audio, bool) {
	if start < 0 {
		start = 0
	}
	if end < 0 {
		end = 0
	}
	from := a.samplesFor(start)
	to := len(a.Samples) - a.samplesFor(end)
	if from >= to {
		return a, false
	}
	return NewAudio(append([]float32(nil), a.Samples[from:to]...), a.SampleRate), true
}

// Concat joins parts that share a sample rate, overlapping neighbours by a
// linear crossfade. The first part's rate is used; mismatched parts are resampled.
func Concat(crossfade time.Duration, parts ...*Audio) *Audio {
	if len(parts) == 0 {
		return NewAudio(nil, DefaultSampleRate)
	}

	rate := parts[0].SampleRate
	out := append([]float32(nil), parts[0].Samples...)
	fade := int(crossfade.Seconds() * float64(rate))

	for _, p := range parts[1:] {
		next := p
		if next.SampleRate != rate {
			next = next.Resample(rate)
		}
		n := fade
		if n > len(out) {
			n = len(out)
		}
		if n > len(next.Samples) {
			n = len(next.Samples)
		}
		base := len(out) - n
		for i := 0; i < n; i++ {
			w := float32(i+1) / float32(n+1)
			out[base+i] = out[base+i]*(1-w) + next.Samples[i]*w
		}
		out = append(out, next.Samples[n:]...)
	}

	return NewAudio(out, rate)
}

// CompactSilence replaces every silent run of at least p.MinSilence with
// exactly p.Keep of digital silence. Non-silent audio is copied untouched.
func (a *Audio) CompactSilence(p SilenceParams) *Audio {
	frame := a.samplesFor(silenceFrame)
	minFrames := int(p.MinSilence / silenceFrame)
	if frame <= 0 || minFrames <= 0 || len(a.Samples) < frame {
		return a
	}
	keep := a.samplesFor(p.Keep)

	frames := (len(a.Samples) + frame - 1) / frame
	silent := make([]bool, frames)
	for i := range silent {
		lo := i * frame
		hi := lo + frame
		if hi > len(a.Samples) {
			hi = len(a.Samples)
		}
		silent[i] = rmsDBFS(a.Samples[lo:hi]) < p.ThresholdDB
	}

	out := make([]float32, 0, len(a.Samples))
	i := 0
	for i < frames {
		if !silent[i] {
			lo, hi := i*frame, (i+1)*frame
			if hi > len(a.Samples) {
				hi = len(a.Samples)
			}
			out = append(out, a.Samples[lo:hi]...)
			i++
			continue
		}

		j := i
		for j < frames && silent[j] {
			j++
		}
		lo, hi := i*frame, j*frame
		if hi > len(a.Samples) {
			hi = len(a.Samples)
		}
		if j-i >= minFrames && hi-lo > keep {
			out = append(out, make([]float32, keep)...)
		} else {
			out = append(out, a.Samples[lo:hi]...)
		}
		i = j
	}

	return NewAudio(out, a.SampleRate)
}
