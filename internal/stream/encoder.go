package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-avatar/internal/audio"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

var (
	ErrUnknownStream = errors.New("stream: unknown stream id")
	ErrDuplicate     = errors.New("stream: duplicate sequence")
	ErrEmptyStream   = errors.New("stream: no samples accumulated")
	ErrCancelled     = errors.New("stream: utterance cancelled")
	ErrFinished      = errors.New("stream: utterance already finished")
)

// EncoderOptions configures chunk production.
type EncoderOptions struct {
	// Target is the canonical output layout; zero fields pass through.
	Target audio.Target
	// MaxChunkFrames splits converted buffers larger than this many frames.
	MaxChunkFrames int
}

// Encoder turns engine output into Begin, Chunk and End envelopes. Only one
// utterance is live at a time: Begin invalidates the previous one.
type Encoder struct {
	opts     EncoderOptions
	dispatch *Dispatcher
	logger   *slog.Logger
	metrics  *metrics

	mu      sync.Mutex
	current *Utterance
}

func NewEncoder(opts EncoderOptions, dispatch *Dispatcher, logger *slog.Logger) *Encoder {
	return &Encoder{
		opts:     opts,
		dispatch: dispatch,
		logger:   logger.With(slog.String("component", "stream-encoder")),
		metrics:  dispatch.metrics,
	}
}

// Begin starts a new utterance with a fresh stream id and cancels the
// previous one.
func (e *Encoder) Begin() *Utterance {
	u := &Utterance{
		ID:        uuid.NewString(),
		enc:       e,
		norm:      audio.NewNormalizer(e.opts.Target),
		delivered: make(chan struct{}),
	}
	e.mu.Lock()
	prev := e.current
	e.current = u
	e.mu.Unlock()
	if prev != nil {
		prev.Cancel()
	}
	return u
}

// Cancel invalidates the live utterance, if any.
func (e *Encoder) Cancel() {
	e.mu.Lock()
	u := e.current
	e.current = nil
	e.mu.Unlock()
	if u != nil {
		u.Cancel()
	}
}

// Utterance is one stream being produced. Write and Finish are serialized
// by mu; Cancel may be called from any goroutine.
type Utterance struct {
	ID string

	enc  *Encoder
	norm *audio.Normalizer

	cancelled atomic.Bool
	delivered chan struct{}
	once      sync.Once

	mu       sync.Mutex
	begun    bool
	finished bool
	sequence int
	channels int
}

// Live reports whether envelopes for this utterance may still be emitted.
func (u *Utterance) Live() bool { return !u.cancelled.Load() }

// Cancel stops emission for this utterance. Envelopes already queued are
// skipped by the dispatcher.
func (u *Utterance) Cancel() {
	u.cancelled.Store(true)
	u.markDelivered()
}

// Done is closed once End has been handed to the sink, or when the utterance
// is cancelled or finishes without audio.
func (u *Utterance) Done() <-chan struct{} { return u.delivered }

func (u *Utterance) markDelivered() {
	u.once.Do(func() { close(u.delivered) })
}

// Sequence returns the next sequence number to be assigned.
func (u *Utterance) Sequence() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sequence
}

// Write converts one engine buffer and queues its chunks. A conversion
// failure drops only this buffer; the stream continues. A zero-length
// buffer is the end-of-utterance marker and behaves like Finish.
func (u *Utterance) Write(format audio.Format, data []byte) error {
	if len(data) == 0 {
		return u.Finish()
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.Live() {
		return ErrCancelled
	}
	if u.finished {
		return ErrFinished
	}

	samples, err := u.norm.Convert(format, data)
	if err != nil {
		u.enc.metrics.conversionFailures.Add(context.Background(), 1)
		u.enc.logger.Warn("dropping unconvertible buffer",
			slog.String("stream_id", u.ID),
			slog.Int("bytes", len(data)),
			slogError(err))
		return fmt.Errorf("convert buffer: %w", err)
	}
	if len(samples) == 0 {
		return nil
	}

	if !u.begun {
		rate, channels, _ := u.norm.Output()
		u.begun = true
		u.channels = channels
		u.enc.dispatch.enqueue(pending{utt: u, msg: protocol.StreamMessage{
			Kind: protocol.KindBegin,
			Begin: &protocol.StreamBegin{
				ID:           u.ID,
				ChannelCount: channels,
				SampleRate:   rate,
				SampleFormat: protocol.SampleFormatFloat32,
				Interleaved:  true,
			},
		}})
	}

	channels := u.channels
	step := len(samples)
	if limit := u.enc.opts.MaxChunkFrames; limit > 0 && step > limit*channels {
		step = limit * channels
	}
	for off := 0; off < len(samples); off += step {
		end := off + step
		if end > len(samples) {
			end = len(samples)
		}
		part := samples[off:end]
		u.enc.dispatch.enqueue(pending{utt: u, msg: protocol.StreamMessage{
			Kind: protocol.KindChunk,
			Chunk: &protocol.StreamChunk{
				ID:         u.ID,
				Sequence:   u.sequence,
				Payload:    audio.EncodeFloat32(part),
				FrameCount: len(part) / channels,
			},
		}})
		u.sequence++
	}
	return nil
}

// Finish queues End with the next sequence. When no Begin was ever queued
// nothing is emitted and ErrEmptyStream is returned.
func (u *Utterance) Finish() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.Live() {
		return ErrCancelled
	}
	if u.finished {
		return ErrFinished
	}
	u.finished = true
	if !u.begun {
		u.enc.logger.Warn("utterance produced no audio", slog.String("stream_id", u.ID))
		u.markDelivered()
		return ErrEmptyStream
	}
	u.enc.dispatch.enqueue(pending{utt: u, last: true, msg: protocol.StreamMessage{
		Kind: protocol.KindEnd,
		End:  &protocol.StreamEnd{ID: u.ID, Sequence: u.sequence},
	}})
	u.sequence++
	return nil
}
