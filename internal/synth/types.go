// Package synth adapts speech synthesis engines to a stream of span and
// audio events.
package synth

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/loqalabs/loqa-avatar/internal/audio"
	"github.com/loqalabs/loqa-avatar/internal/config"
)

// Request contains parameters to synthesize speech.
type Request struct {
	SessionID string
	Text      string
	Voice     string
}

type Kind int

const (
	// Started is sent once, before any span or audio.
	Started Kind = iota
	// Span marks the start of a spoken text segment.
	Span
	// Audio carries one engine buffer in the engine's native format.
	Audio
	// Finished is sent last, carrying a zero-length buffer.
	Finished
)

func (k Kind) String() string {
	switch k {
	case Started:
		return "started"
	case Span:
		return "span"
	case Audio:
		return "audio"
	case Finished:
		return "finished"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event is one engine notification.
type Event struct {
	Kind   Kind
	Text   string
	Format audio.Format
	Data   []byte
}

// Engine produces events for a request. The event channel is closed when
// synthesis ends; at most one error is sent before the error channel closes.
type Engine interface {
	Synthesize(ctx context.Context, req Request) (<-chan Event, <-chan error)
}

// New builds the engine selected by cfg.
func New(cfg config.SynthConfig, clock clockwork.Clock) (Engine, error) {
	format := audio.Format{
		SampleRate:  cfg.SampleRate,
		Channels:    cfg.Channels,
		Encoding:    audio.Encoding(cfg.Encoding),
		Interleaved: true,
	}
	switch cfg.Mode {
	case "", "mock":
		return NewMockEngine(format, msDuration(cfg.WordMS), clock), nil
	case "exec":
		return NewExecEngine(cfg.Command, format, msDuration(cfg.TimeoutMS))
	}
	return nil, fmt.Errorf("unknown synth mode %q", cfg.Mode)
}
