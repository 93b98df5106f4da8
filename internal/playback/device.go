// Package playback receives finalized streams from the reassembler.
package playback

import (
	"context"
	"errors"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/audio"
)

// Buffer is one finalized utterance: interleaved float32 samples.
type Buffer struct {
	ID         string
	Channels   int
	SampleRate int
	Samples    []float32
}

// Frames returns the number of sample frames.
func (b Buffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

func (b Buffer) Duration() time.Duration {
	return audio.Duration(b.Frames(), b.SampleRate)
}

// Device plays or persists finalized buffers.
type Device interface {
	Play(ctx context.Context, b Buffer) error
	Stop()
}

// Locator is implemented by devices that can report where a buffer ended up.
type Locator interface {
	Location(id string) string
}

// Discard accepts and forgets every buffer.
type Discard struct{}

func (Discard) Play(context.Context, Buffer) error { return nil }
func (Discard) Stop()                              {}

// Fanout plays each buffer on every device in order and joins their errors.
type Fanout []Device

func (f Fanout) Play(ctx context.Context, b Buffer) error {
	var errs []error
	for _, d := range f {
		if err := d.Play(ctx, b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Stop() {
	for _, d := range f {
		d.Stop()
	}
}

// Location returns the first location any member device reports.
func (f Fanout) Location(id string) string {
	for _, d := range f {
		if l, ok := d.(Locator); ok {
			if loc := l.Location(id); loc != "" {
				return loc
			}
		}
	}
	return ""
}
