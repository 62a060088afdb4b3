// Package audio holds mono float sample buffers and their WAV encoding.
package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

const (
	DefaultSampleRate = 24000
	NumChannels       = 1
	BitsPerSample     = 16
)

const (
	formatPCM        = 1
	formatIEEEFloat  = 3
	formatExtensible = 0xFFFE
)

type Audio struct {
	Samples    []float32
	SampleRate int
}

func NewAudio(samples []float32, sampleRate int) *Audio {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &Audio{
		Samples:    samples,
		SampleRate: sampleRate,
	}
}

// Duration returns the length of the buffer in seconds.
func (a *Audio) Duration() float64 {
	if a == nil || a.SampleRate == 0 {
		return 0
	}
	return float64(len(a.Samples)) / float64(a.SampleRate)
}

type wavHeader struct {
	RIFF          [4]byte
	FileSize      uint32
	WAVE          [4]byte
	FmtID         [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataID        [4]byte
	DataSize      uint32
}

// EncodeWAV writes a mono 16-bit PCM WAV stream. Samples outside [-1, 1] are clamped.
func (a *Audio) EncodeWAV(w io.Writer) error {
	dataSize := len(a.Samples) * NumChannels * (BitsPerSample / 8)
	blockAlign := NumChannels * (BitsPerSample / 8)

	hdr := wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		FileSize:      uint32(36 + dataSize),
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		FmtID:         [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   formatPCM,
		Channels:      NumChannels,
		SampleRate:    uint32(a.SampleRate),
		ByteRate:      uint32(a.SampleRate * blockAlign),
		BlockAlign:    uint16(blockAlign),
		BitsPerSample: BitsPerSample,
		DataID:        [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(dataSize),
	}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("failed to write wav header: %w", err)
	}

	pcm := make([]int16, len(a.Samples))
	for i, sample := range a.Samples {
		clamped := sample
		if clamped > 1.0 {
			clamped = 1.0
		} else if clamped < -1.0 {
			clamped = -1.0
		}
		pcm[i] = int16(clamped * math.MaxInt16)
	}
	if err := binary.Write(w, binary.LittleEndian, pcm); err != nil {
		return fmt.Errorf("failed to write wav samples: %w", err)
	}

	return nil
}

// WAV returns the buffer encoded as a complete WAV file.
func (a *Audio) WAV() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(44 + len(a.Samples)*2)
	if err := a.EncodeWAV(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (a *Audio) SaveWAV(path string) error {
	data, err := a.WAV()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	return nil
}

// LoadWAV decodes the WAV file at path into a mono buffer.
func LoadWAV(path string) (*Audio, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open wav: %w", err)
	}
	defer f.Close()

	return DecodeWAV(f)
}

// DecodeWAV reads PCM (8/16/24/32-bit), IEEE float32 and extensible WAV
// streams. Multi-channel input is averaged down to mono.
func DecodeWAV(r io.Reader) (*Audio, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read wav: %w", err)
	}
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("not a RIFF/WAVE stream")
	}

	var (
		format     uint16
		channels   uint16
		sampleRate uint32
		bits       uint16
		haveFmt    bool
		pcm        []byte
	)

	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		end := body + size
		if end > len(data) {
			// Truncated trailing chunk: keep what is there.
			end = len(data)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, fmt.Errorf("fmt chunk too short")
			}
			chunk := data[body:end]
			format = binary.LittleEndian.Uint16(chunk[0:2])
			channels = binary.LittleEndian.Uint16(chunk[2:4])
			sampleRate = binary.LittleEndian.Uint32(chunk[4:8])
			bits = binary.LittleEndian.Uint16(chunk[14:16])
			if format == formatExtensible && len(chunk) >= 26 {
				format = binary.LittleEndian.Uint16(chunk[24:26])
			}
			haveFmt = true
		case "data":
			pcm = data[body:end]
		}

		pos = end + size%2
	}

	if !haveFmt {
		return nil, fmt.Errorf("missing fmt chunk")
	}
	if pcm == nil {
		return nil, fmt.Errorf("missing data chunk")
	}
	if channels == 0 || sampleRate == 0 {
		return nil, fmt.Errorf("invalid wav format: %d channels at %d Hz", channels, sampleRate)
	}

	decode, width, err := sampleDecoder(format, bits)
	if err != nil {
		return nil, err
	}

	frameSize := width * int(channels)
	frames := len(pcm) / frameSize
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		frame := pcm[i*frameSize : (i+1)*frameSize]
		for c := 0; c < int(channels); c++ {
			sum += decode(frame[c*width : (c+1)*width])
		}
		samples[i] = sum / float32(channels)
	}

	return NewAudio(samples, int(sampleRate)), nil
}

func sampleDecoder(format, bits uint16) (func([]byte) float32, int, error) {
	switch {
	case format == formatPCM && bits == 8:
		return func(b []byte) float32 { return (float32(b[0]) - 128) / 128 }, 1, nil
	case format == formatPCM && bits == 16:
		return func(b []byte) float32 {
			return float32(int16(binary.LittleEndian.Uint16(b))) / 32768
		}, 2, nil
	case format == formatPCM && bits == 24:
		return func(b []byte) float32 {
			v := int32(b[0]) | int32(b[1])<<8 | int32(int8(b[2]))<<16
			return float32(v) / 8388608
		}, 3, nil
	case format == formatPCM && bits == 32:
		return func(b []byte) float32 {
			return float32(float64(int32(binary.LittleEndian.Uint32(b))) / 2147483648)
		}, 4, nil
	case format == formatIEEEFloat && bits == 32:
		return func(b []byte) float32 {
			return math.Float32frombits(binary.LittleEndian.Uint32(b))
		}, 4, nil
	default:
		return nil, 0, fmt.Errorf("unsupported wav encoding: format %d, %d bits", format, bits)
	}
}
