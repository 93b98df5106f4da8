package synth

import (
	"context"
	"encoding/binary"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/jonboulle/clockwork"
	"github.com/loqalabs/loqa-avatar/internal/audio"
)

const toneHz = 220

// MockEngine speaks each word as a short sine tone, paced in real time.
type MockEngine struct {
	format  audio.Format
	perWord time.Duration
	clock   clockwork.Clock
}

func NewMockEngine(format audio.Format, perWord time.Duration, clock clockwork.Clock) *MockEngine {
	if perWord <= 0 {
		perWord = 180 * time.Millisecond
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MockEngine{format: format, perWord: perWord, clock: clock}
}

func (m *MockEngine) Synthesize(ctx context.Context, req Request) (<-chan Event, <-chan error) {
	events := make(chan Event, 2)
	errs := make(chan error, 1)
	go func() {
		defer close(events)
		defer close(errs)

		send := func(ev Event) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				errs <- ctx.Err()
				return false
			}
		}
		if err := m.format.Validate(); err != nil {
			errs <- err
			return
		}
		if !send(Event{Kind: Started, Format: m.format}) {
			return
		}
		frames := int(math.Round(m.perWord.Seconds() * float64(m.format.SampleRate)))
		for i, word := range Segments(req.Text) {
			if !send(Event{Kind: Span, Text: word}) {
				return
			}
			if !send(Event{Kind: Audio, Format: m.format, Data: m.tone(i*frames, frames)}) {
				return
			}
			select {
			case <-m.clock.After(m.perWord):
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		send(Event{Kind: Finished, Format: m.format, Data: []byte{}})
	}()
	return events, errs
}

// tone renders frames of a sine wave starting at frame offset.
func (m *MockEngine) tone(offset, frames int) []byte {
	samples := make([]float64, 0, frames*m.format.Channels)
	for f := 0; f < frames; f++ {
		t := float64(offset+f) / float64(m.format.SampleRate)
		v := 0.3 * math.Sin(2*math.Pi*toneHz*t)
		for c := 0; c < m.format.Channels; c++ {
			samples = append(samples, v)
		}
	}
	return encode(m.format.Encoding, samples)
}

func encode(enc audio.Encoding, samples []float64) []byte {
	switch enc {
	case audio.EncodingF32LE:
		f := make([]float32, len(samples))
		for i, s := range samples {
			f[i] = float32(s)
		}
		return audio.EncodeFloat32(f)
	case audio.EncodingF64LE:
		out := make([]byte, len(samples)*8)
		for i, s := range samples {
			binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(s))
		}
		return out
	}
	return audio.EncodeS16(samples)
}

// Segments splits text into spoken units: whitespace separated words, with
// unspaced text (kana, kanji) broken into pairs of characters.
func Segments(text string) []string {
	var out []string
	for _, word := range strings.Fields(text) {
		if isSpaced(word) {
			out = append(out, word)
			continue
		}
		runes := []rune(word)
		for len(runes) > 0 {
			n := min(2, len(runes))
			out = append(out, string(runes[:n]))
			runes = runes[n:]
		}
	}
	return out
}

func isSpaced(word string) bool {
	for _, r := range word {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
