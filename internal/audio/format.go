// Package audio converts synthesis-engine buffers into the canonical
// interleaved float32 layout carried on the stream subject.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrInvalidFormat       = errors.New("audio: invalid format")
	ErrUnsupportedEncoding = errors.New("audio: unsupported encoding")
	ErrMisaligned          = errors.New("audio: payload not aligned to frame size")
	ErrChannelLayout       = errors.New("audio: unsupported channel conversion")
)

// Encoding names a little-endian sample encoding.
type Encoding string

const (
	EncodingS16LE Encoding = "s16le"
	EncodingF32LE Encoding = "f32le"
	EncodingF64LE Encoding = "f64le"
)

// BytesPerSample returns the width of one sample, or 0 when unknown.
func (e Encoding) BytesPerSample() int {
	switch e {
	case EncodingS16LE:
		return 2
	case EncodingF32LE:
		return 4
	case EncodingF64LE:
		return 8
	}
	return 0
}

// Format describes raw engine output.
type Format struct {
	SampleRate  int
	Channels    int
	Encoding    Encoding
	Interleaved bool
}

func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %d", ErrInvalidFormat, f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("%w: channels %d", ErrInvalidFormat, f.Channels)
	}
	if f.Encoding.BytesPerSample() == 0 {
		return fmt.Errorf("%w: %q", ErrUnsupportedEncoding, f.Encoding)
	}
	return nil
}

// FrameBytes is the size of one frame (one sample per channel).
func (f Format) FrameBytes() int {
	return f.Encoding.BytesPerSample() * f.Channels
}

// Frames returns the number of whole frames in n bytes.
func (f Format) Frames(n int) int {
	if fb := f.FrameBytes(); fb > 0 {
		return n / fb
	}
	return 0
}

// Duration returns the playing time of frames at rate.
func Duration(frames, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(rate)
}

// EncodeFloat32 packs samples as little-endian float32.
func EncodeFloat32(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

// DecodeFloat32 unpacks little-endian float32 samples.
func DecodeFloat32(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, ErrMisaligned
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}

// EncodeS16 packs normalized samples as little-endian signed 16-bit PCM.
func EncodeS16(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(toInt16(s)))
	}
	return out
}

func toInt16(s float64) int16 {
	switch {
	case s >= 1:
		return math.MaxInt16
	case s <= -1:
		return math.MinInt16
	}
	return int16(s * 32767)
}

// decode turns raw bytes into normalized float64 samples, interleaving
// planar input on the way.
func decode(f Format, data []byte) []float64 {
	width := f.Encoding.BytesPerSample()
	n := len(data) / width
	raw := make([]float64, n)
	for i := 0; i < n; i++ {
		b := data[i*width:]
		switch f.Encoding {
		case EncodingS16LE:
			raw[i] = float64(int16(binary.LittleEndian.Uint16(b))) / 32768.0
		case EncodingF32LE:
			raw[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		case EncodingF64LE:
			raw[i] = math.Float64frombits(binary.LittleEndian.Uint64(b))
		}
	}
	if f.Interleaved || f.Channels == 1 {
		return raw
	}
	frames := n / f.Channels
	out := make([]float64, n)
	for ch := 0; ch < f.Channels; ch++ {
		plane := raw[ch*frames : (ch+1)*frames]
		for i, s := range plane {
			out[i*f.Channels+ch] = s
		}
	}
	return out
}

// remix converts interleaved samples between channel counts. Only identity,
// N to mono downmix and mono to N upmix are supported.
func remix(in []float64, from, to int) ([]float64, error) {
	if from == to {
		return in, nil
	}
	frames := len(in) / from
	switch {
	case to == 1:
		out := make([]float64, frames)
		for i := 0; i < frames; i++ {
			var sum float64
			for ch := 0; ch < from; ch++ {
				sum += in[i*from+ch]
			}
			out[i] = sum / float64(from)
		}
		return out, nil
	case from == 1:
		out := make([]float64, frames*to)
		for i, s := range in {
			for ch := 0; ch < to; ch++ {
				out[i*to+ch] = s
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %d to %d channels", ErrChannelLayout, from, to)
}
