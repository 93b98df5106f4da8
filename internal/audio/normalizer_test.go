package audio

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func s16(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func f64(samples ...float64) []byte {
	out := make([]byte, len(samples)*8)
	for i, s := range samples {
		binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(s))
	}
	return out
}

func TestConvertPassthroughS16(t *testing.T) {
	n := NewNormalizer(Target{})
	out, err := n.Convert(Format{SampleRate: 24000, Channels: 1, Encoding: EncodingS16LE, Interleaved: true}, s16(0, 16384, -32768))
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.InDelta(t, 0, out[0], 1e-6)
	assert.InDelta(t, 0.5, out[1], 1e-6)
	assert.InDelta(t, -1, out[2], 1e-6)

	rate, channels, ok := n.Output()
	assert.True(t, ok)
	assert.Equal(t, 24000, rate)
	assert.Equal(t, 1, channels)
}

func TestConvertClampsFloatInput(t *testing.T) {
	n := NewNormalizer(Target{})
	out, err := n.Convert(Format{SampleRate: 16000, Channels: 1, Encoding: EncodingF64LE, Interleaved: true}, f64(1.5, -2, math.NaN(), 0.25))
	require.NoError(t, err)
	assert.Equal(t, []float32{1, -1, 0, 0.25}, out)
}

func TestConvertDownmixAndUpmix(t *testing.T) {
	down := NewNormalizer(Target{Channels: 1})
	out, err := down.Convert(Format{SampleRate: 24000, Channels: 2, Encoding: EncodingF64LE, Interleaved: true}, f64(0.5, 0.1, -0.2, -0.4))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.InDelta(t, 0.3, out[0], 1e-6)
	assert.InDelta(t, -0.3, out[1], 1e-6)

	up := NewNormalizer(Target{Channels: 2})
	out, err = up.Convert(Format{SampleRate: 24000, Channels: 1, Encoding: EncodingF64LE, Interleaved: true}, f64(0.5, -0.25))
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5, -0.25, -0.25}, out)
}

func TestConvertInterleavesPlanarInput(t *testing.T) {
	n := NewNormalizer(Target{})
	// Left plane then right plane.
	out, err := n.Convert(Format{SampleRate: 24000, Channels: 2, Encoding: EncodingF64LE}, f64(0.1, 0.2, 0.3, -0.1, -0.2, -0.3))
	require.NoError(t, err)
	want := []float32{0.1, -0.1, 0.2, -0.2, 0.3, -0.3}
	require.Len(t, out, len(want))
	for i := range want {
		assert.InDelta(t, want[i], out[i], 1e-6)
	}
}

func TestConvertFailures(t *testing.T) {
	cases := map[string]struct {
		target Target
		format Format
		data   []byte
		want   error
	}{
		"misaligned":     {Target{}, Format{SampleRate: 24000, Channels: 2, Encoding: EncodingS16LE, Interleaved: true}, s16(1, 2, 3), ErrMisaligned},
		"unknown codec":  {Target{}, Format{SampleRate: 24000, Channels: 1, Encoding: "mulaw", Interleaved: true}, []byte{1}, ErrUnsupportedEncoding},
		"no channels":    {Target{}, Format{SampleRate: 24000, Encoding: EncodingS16LE}, s16(1), ErrInvalidFormat},
		"no sample rate": {Target{}, Format{Channels: 1, Encoding: EncodingS16LE}, s16(1), ErrInvalidFormat},
		"stereo to quad": {Target{Channels: 4}, Format{SampleRate: 24000, Channels: 2, Encoding: EncodingS16LE, Interleaved: true}, s16(1, 2), ErrChannelLayout},
		"quad to stereo": {Target{Channels: 2}, Format{SampleRate: 24000, Channels: 4, Encoding: EncodingS16LE, Interleaved: true}, s16(1, 2, 3, 4), ErrChannelLayout},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			n := NewNormalizer(tc.target)
			_, err := n.Convert(tc.format, tc.data)
			assert.ErrorIs(t, err, tc.want)
			_, _, ok := n.Output()
			assert.False(t, ok)
		})
	}
}

func TestConvertEmptyBufferIsNotAnError(t *testing.T) {
	n := NewNormalizer(Target{})
	out, err := n.Convert(Format{SampleRate: 24000, Channels: 1, Encoding: EncodingF32LE, Interleaved: true}, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestConvertResamplesToTargetRate(t *testing.T) {
	n := NewNormalizer(Target{SampleRate: 24000, Channels: 1})
	src := Format{SampleRate: 16000, Channels: 1, Encoding: EncodingS16LE, Interleaved: true}

	total := 0
	for block := 0; block < 10; block++ {
		samples := make([]int16, 1600)
		for i := range samples {
			phase := 2 * math.Pi * 440 * float64(block*1600+i) / 16000
			samples[i] = int16(8000 * math.Sin(phase))
		}
		out, err := n.Convert(src, s16(samples...))
		require.NoError(t, err)
		for _, s := range out {
			require.LessOrEqual(t, s, float32(1))
			require.GreaterOrEqual(t, s, float32(-1))
		}
		total += len(out)
	}

	rate, channels, ok := n.Output()
	require.True(t, ok)
	assert.Equal(t, 24000, rate)
	assert.Equal(t, 1, channels)
	// One second of input; the filter may still hold its delay line.
	assert.Greater(t, total, 0)
	assert.LessOrEqual(t, total, 24000+480)
}

func TestOutputLayoutFixedAfterFirstBuffer(t *testing.T) {
	n := NewNormalizer(Target{})
	_, err := n.Convert(Format{SampleRate: 24000, Channels: 1, Encoding: EncodingF64LE, Interleaved: true}, f64(0.1))
	require.NoError(t, err)

	// A stereo buffer later in the utterance is folded to the established mono layout.
	out, err := n.Convert(Format{SampleRate: 24000, Channels: 2, Encoding: EncodingF64LE, Interleaved: true}, f64(0.2, 0.4))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.InDelta(t, 0.3, out[0], 1e-6)
}

func TestFloat32RoundTrip(t *testing.T) {
	in := []float32{0, 0.5, -1, 1}
	got, err := DecodeFloat32(EncodeFloat32(in))
	require.NoError(t, err)
	assert.Equal(t, in, got)

	_, err = DecodeFloat32([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMisaligned)
}

func TestDuration(t *testing.T) {
	assert.Equal(t, int64(500), Duration(12000, 24000).Milliseconds())
	assert.Zero(t, Duration(100, 0))
}
