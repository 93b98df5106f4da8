// Package avatar runs the consumer role: it rebuilds audio streams for
// playback and schedules viseme events onto the rig.
package avatar

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/eventstore"
	"github.com/loqalabs/loqa-avatar/internal/lipsync"
	"github.com/loqalabs/loqa-avatar/internal/playback"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/stream"
	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"
)

// Options configures the avatar service.
type Options struct {
	Reassembly stream.ReassemblerOptions
	// Timeline, when set, receives stream.begun and stream.abandoned events.
	Timeline playback.EventAppender
}

type Service struct {
	bus       *bus.Client
	device    playback.Device
	scheduler *lipsync.Scheduler
	reasm     *stream.Reassembler
	timeline  playback.EventAppender
	logger    *slog.Logger
	limiter   *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewService(parent context.Context, busClient *bus.Client, device playback.Device, scheduler *lipsync.Scheduler, opts Options, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		bus:       busClient,
		device:    device,
		scheduler: scheduler,
		timeline:  opts.Timeline,
		logger:    log.With(slog.String("component", "avatar-service")),
		limiter:   rate.NewLimiter(rate.Every(time.Second), 5),
		ctx:       ctx,
		cancel:    cancel,
	}
	reasm := opts.Reassembly
	if s.timeline != nil {
		reasm.OnAbandon = func(ctx context.Context, id string) {
			s.record(ctx, id, eventstore.TypeStreamAbandoned, nil)
		}
	}
	s.reasm = stream.NewReassembler(s, reasm, log)
	return s
}

func (s *Service) Start() error {
	handlers := []struct {
		subject string
		fn      func([]byte)
	}{
		{protocol.SubjectStream, s.handleStream},
		{protocol.SubjectViseme, s.handleViseme},
		{protocol.SubjectStopRequest, s.handleStop},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range handlers {
		sub, err := s.bus.Subscribe(h.subject, h.fn)
		if err != nil {
			for _, prev := range s.subs {
				_ = prev.Unsubscribe()
			}
			s.subs = nil
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

// Run sweeps abandoned streams until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	return s.reasm.Run(ctx)
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
	s.scheduler.Stop()
	s.reasm.Reset()
	s.device.Stop()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) == 3 && s.bus.Healthy()
}

// Reassembler exposes the stream state for diagnostics.
func (s *Service) Reassembler() *stream.Reassembler { return s.reasm }

// Play hands a finalized stream to the device and announces it.
func (s *Service) Play(ctx context.Context, b playback.Buffer) error {
	err := s.device.Play(ctx, b)
	if err != nil {
		s.logger.Warn("playback failed", slog.String("stream_id", b.ID), slogError(err))
	}
	location := ""
	if l, ok := s.device.(playback.Locator); ok {
		location = l.Location(b.ID)
	}
	if perr := s.bus.Publish(protocol.SubjectPlaybackReady, playback.Ready(b, location)); perr != nil {
		s.logger.Warn("failed to announce playback", slogError(perr))
	}
	s.logger.Info("stream played",
		slog.String("stream_id", b.ID),
		slog.Int("frames", b.Frames()),
		slog.Duration("duration", b.Duration()))
	return err
}

func (s *Service) diag(msg string, attrs ...any) {
	if s.limiter.Allow() {
		s.logger.Warn(msg, attrs...)
	}
}

func (s *Service) handleStream(data []byte) {
	msg, err := protocol.DecodeStream(s.bus.Codec(), data)
	if err != nil {
		s.diag("dropping malformed stream envelope", slogError(err))
		return
	}
	outcome, err := s.reasm.Handle(s.ctx, msg)
	if err != nil && !errors.Is(err, stream.ErrEmptyStream) {
		s.diag("stream envelope rejected", slog.String("stream_id", msg.StreamID()), slog.String("kind", string(msg.Kind)), slogError(err))
	}
	if (outcome == stream.Opened || outcome == stream.Replaced) && msg.Begin != nil {
		s.record(s.ctx, msg.Begin.ID, eventstore.TypeStreamBegun, map[string]int{
			"channels":    msg.Begin.ChannelCount,
			"sample_rate": msg.Begin.SampleRate,
		})
	}
}

func (s *Service) record(ctx context.Context, id, kind string, payload any) {
	if s.timeline == nil {
		return
	}
	var data []byte
	if payload != nil {
		data, _ = json.Marshal(payload)
	}
	if err := s.timeline.AppendEvent(context.WithoutCancel(ctx), eventstore.Event{UtteranceID: id, Type: kind, Payload: data}); err != nil {
		s.diag("failed to record event", slog.String("type", kind), slogError(err))
	}
}

func (s *Service) handleViseme(data []byte) {
	ev, err := protocol.DecodeViseme(s.bus.Codec(), data)
	if err != nil {
		s.diag("dropping malformed viseme event", slogError(err))
		return
	}
	s.scheduler.Enqueue(ev)
}

func (s *Service) handleStop(data []byte) {
	var req protocol.StopRequest
	if err := protocol.Decode(s.bus.Codec(), data, &req); err != nil {
		s.diag("dropping malformed stop request", slogError(err))
		return
	}
	s.Stop()
}

// Stop silences the avatar: the schedule is flushed to neutral, open
// streams are discarded and the device stops.
func (s *Service) Stop() {
	s.scheduler.Stop()
	dropped := s.reasm.Reset()
	s.device.Stop()
	s.logger.Info("avatar stopped", slog.Int("streams_dropped", dropped))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
