package audio

import (
	"fmt"
	"math"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Target is the canonical output layout. Zero fields keep the value of the
// first buffer seen.
type Target struct {
	SampleRate int
	Channels   int
}

// Normalizer converts one utterance's engine buffers to interleaved
// float32. The output layout is fixed by the first successful conversion so
// every chunk of a stream shares the rate and channel count announced in
// Begin. Not safe for concurrent use.
type Normalizer struct {
	target Target

	outRate     int
	outChannels int

	resampler   resampling.Resampler
	resampleSrc int
}

func NewNormalizer(target Target) *Normalizer {
	return &Normalizer{target: target}
}

// Output reports the established output layout; ok is false until the first
// successful conversion.
func (n *Normalizer) Output() (rate, channels int, ok bool) {
	return n.outRate, n.outChannels, n.outRate > 0
}

// Convert normalizes one buffer. A nil result with a nil error means the
// resampler is still priming and produced no frames yet.
func (n *Normalizer) Convert(src Format, data []byte) ([]float32, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	if len(data)%src.FrameBytes() != 0 {
		return nil, fmt.Errorf("%w: %d bytes, frame size %d", ErrMisaligned, len(data), src.FrameBytes())
	}
	if len(data) == 0 {
		return nil, nil
	}

	outRate, outChannels := n.outRate, n.outChannels
	if outRate == 0 {
		outRate = n.target.SampleRate
		if outRate == 0 {
			outRate = src.SampleRate
		}
		outChannels = n.target.Channels
		if outChannels == 0 {
			outChannels = src.Channels
		}
	}

	samples, err := remix(decode(src, data), src.Channels, outChannels)
	if err != nil {
		return nil, err
	}

	if src.SampleRate != outRate {
		samples, err = n.resample(samples, src.SampleRate, outRate, outChannels)
		if err != nil {
			return nil, err
		}
	}

	n.outRate, n.outChannels = outRate, outChannels
	if len(samples) == 0 {
		return nil, nil
	}

	whole := len(samples) - len(samples)%outChannels
	out := make([]float32, whole)
	for i := range out {
		out[i] = float32(clamp(samples[i]))
	}
	return out, nil
}

func (n *Normalizer) resample(in []float64, from, to, channels int) ([]float64, error) {
	if n.resampler == nil || n.resampleSrc != from {
		r, err := resampling.New(&resampling.Config{
			InputRate:  float64(from),
			OutputRate: float64(to),
			Channels:   channels,
			Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
		})
		if err != nil {
			return nil, fmt.Errorf("create resampler %d->%d: %w", from, to, err)
		}
		n.resampler = r
		n.resampleSrc = from
	}
	out, err := n.resampler.Process(in)
	if err != nil {
		return nil, fmt.Errorf("resample: %w", err)
	}
	return out, nil
}

func clamp(s float64) float64 {
	if math.IsNaN(s) {
		return 0
	}
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}
