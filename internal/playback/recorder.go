package playback

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/loqalabs/loqa-avatar/internal/eventstore"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

// EventAppender is the part of the event store the recorder needs.
type EventAppender interface {
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

// Recorder plays through to another device and then appends a
// stream.finalized event describing the buffer. Store failures are logged;
// they never fail playback.
type Recorder struct {
	next   Device
	store  EventAppender
	logger *slog.Logger
}

func NewRecorder(next Device, store EventAppender, logger *slog.Logger) *Recorder {
	return &Recorder{next: next, store: store, logger: logger.With(slog.String("component", "playback-recorder"))}
}

func (r *Recorder) Play(ctx context.Context, b Buffer) error {
	playErr := r.next.Play(ctx, b)

	ready := Ready(b, r.Location(b.ID))
	payload := struct {
		protocol.PlaybackReady
		Error string `json:"error,omitempty"`
	}{PlaybackReady: ready}
	if playErr != nil {
		payload.Error = playErr.Error()
	}
	data, err := json.Marshal(payload)
	if err == nil {
		err = r.store.AppendEvent(ctx, eventstore.Event{UtteranceID: b.ID, Type: eventstore.TypeStreamFinalized, Payload: data})
	}
	if err != nil {
		r.logger.Warn("failed to record playback", slog.String("stream", b.ID), slog.String("error", err.Error()))
	}
	return playErr
}

func (r *Recorder) Stop() { r.next.Stop() }

func (r *Recorder) Location(id string) string {
	if l, ok := r.next.(Locator); ok {
		return l.Location(id)
	}
	return ""
}

// Ready describes b for the playback-ready announcement.
func Ready(b Buffer, location string) protocol.PlaybackReady {
	return protocol.PlaybackReady{
		ID:         b.ID,
		Frames:     b.Frames(),
		Channels:   b.Channels,
		SampleRate: b.SampleRate,
		DurationMS: b.Duration().Milliseconds(),
		Location:   location,
	}
}
