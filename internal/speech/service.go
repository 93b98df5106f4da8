// Package speech runs the speaker role: synthesis requests in, audio stream
// envelopes and viseme events out.
package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/eventstore"
	"github.com/loqalabs/loqa-avatar/internal/lipsync"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/stream"
	"github.com/loqalabs/loqa-avatar/internal/synth"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Timeline records utterance lifecycle events. *eventstore.Store implements it.
type Timeline interface {
	RecordUtterance(ctx context.Context, u eventstore.Utterance) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

// Options configures the service.
type Options struct {
	// Timeout bounds one synthesis run; zero means no limit.
	Timeout time.Duration
	Clock   clockwork.Clock
}

type job struct {
	session string
	utt     *stream.Utterance
	cancel  context.CancelFunc
}

type Service struct {
	bus      *bus.Client
	tracer   trace.Tracer
	engine   synth.Engine
	encoder  *stream.Encoder
	timeline Timeline
	opts     Options
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription

	mu     sync.Mutex
	active *job
}

func NewService(parent context.Context, busClient *bus.Client, engine synth.Engine, encoder *stream.Encoder, timeline Timeline, opts Options, log *slog.Logger) *Service {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:      busClient,
		tracer:   otel.Tracer("github.com/loqalabs/loqa-avatar/speech"),
		engine:   engine,
		encoder:  encoder,
		timeline: timeline,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "speech-service")),
	}
}

func (s *Service) Start() error {
	speakSub, err := s.bus.Subscribe(protocol.SubjectSpeakRequest, s.handleSpeak)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, speakSub)
	stopSub, err := s.bus.Subscribe(protocol.SubjectStopRequest, s.handleStop)
	if err != nil {
		_ = speakSub.Unsubscribe()
		return err
	}
	s.subs = append(s.subs, stopSub)
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.Stop("")
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return len(s.subs) == 2 && s.bus.Healthy() }

func (s *Service) handleSpeak(data []byte) {
	var req protocol.SpeakRequest
	if err := protocol.Decode(s.bus.Codec(), data, &req); err != nil {
		s.logger.Warn("failed to decode speak request", slogError(err))
		return
	}
	if req.Text == "" {
		s.logger.Debug("ignoring empty speak request", slog.String("session", req.SessionID))
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Speak(s.ctx, req); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("speech failed", slog.String("session", req.SessionID), slogError(err))
		}
	}()
}

func (s *Service) handleStop(data []byte) {
	var req protocol.StopRequest
	if err := protocol.Decode(s.bus.Codec(), data, &req); err != nil {
		s.logger.Warn("failed to decode stop request", slogError(err))
		return
	}
	s.Stop(req.SessionID)
}

// Stop cancels the in-flight utterance. A non-empty session only stops a
// matching utterance.
func (s *Service) Stop(session string) {
	s.mu.Lock()
	j := s.active
	if j == nil || (session != "" && j.session != session) {
		s.mu.Unlock()
		return
	}
	s.active = nil
	// The encoder's live utterance is j.utt while j is active.
	s.encoder.Cancel()
	s.mu.Unlock()

	j.cancel()
	s.record(j.utt.ID, eventstore.TypeStopped, nil)
}

// Speak synthesizes req and blocks until the engine finishes. A newer Speak
// or Stop cancels it.
func (s *Service) Speak(ctx context.Context, req protocol.SpeakRequest) error {
	var cancel context.CancelFunc
	if s.opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// Begin and the active swap share mu so the newest request always wins.
	s.mu.Lock()
	utt := s.encoder.Begin()
	j := &job{session: req.SessionID, utt: utt, cancel: cancel}
	prev := s.active
	s.active = j
	s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "speech.speak", trace.WithAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.String("stream.id", utt.ID),
		attribute.Int("text.runes", len([]rune(req.Text))),
	))
	defer span.End()

	if prev != nil {
		prev.cancel()
		s.record(prev.utt.ID, eventstore.TypeStreamCancelled, nil)
	}

	if err := s.timeline.RecordUtterance(ctx, eventstore.Utterance{ID: utt.ID, SessionID: req.SessionID, Voice: req.Voice, Text: req.Text}); err != nil {
		s.logger.Warn("failed to record utterance", slogError(err))
	}
	s.record(utt.ID, eventstore.TypeSpeakRequested, nil)
	s.logger.Info("speaking", slog.String("session", req.SessionID), slog.String("stream", utt.ID), slog.Int("chars", len([]rune(req.Text))))

	tracker := lipsync.NewSpanTracker(s.opts.Clock, func(ev protocol.VisemeEvent) {
		if !utt.Live() {
			return
		}
		if err := s.bus.Publish(protocol.SubjectViseme, ev); err != nil {
			s.logger.Warn("failed to publish viseme", slogError(err))
		}
	})

	err := s.run(ctx, synth.Request{SessionID: req.SessionID, Text: req.Text, Voice: req.Voice}, utt, tracker)

	s.mu.Lock()
	if s.active == j {
		s.active = nil
	}
	s.mu.Unlock()

	if err != nil {
		stopped := !utt.Live() || errors.Is(err, context.Canceled) || errors.Is(err, stream.ErrCancelled)
		utt.Cancel()
		if stopped {
			span.SetStatus(codes.Error, "cancelled")
			return context.Canceled
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.record(utt.ID, eventstore.TypeSpeakFailed, map[string]string{"error": err.Error()})
		return err
	}
	span.SetAttributes(attribute.Int("stream.envelopes", utt.Sequence()))
	s.record(utt.ID, eventstore.TypeStreamEnded, map[string]int{"envelopes": utt.Sequence()})
	return nil
}

func (s *Service) run(ctx context.Context, req synth.Request, utt *stream.Utterance, tracker *lipsync.SpanTracker) error {
	events, errs := s.engine.Synthesize(ctx, req)
	finished := false
	for events != nil || errs != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			switch ev.Kind {
			case synth.Started:
				tracker.Start()
			case synth.Span:
				tracker.Span(ev.Text)
			case synth.Audio:
				// Conversion failures drop the buffer; the encoder has logged them.
				if err := utt.Write(ev.Format, ev.Data); errors.Is(err, stream.ErrCancelled) {
					return context.Canceled
				}
			case synth.Finished:
				tracker.Finish()
				finished = true
				if err := utt.Finish(); err != nil && !errors.Is(err, stream.ErrEmptyStream) {
					return err
				}
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return fmt.Errorf("synthesize: %w", err)
			}
		}
	}
	if !finished {
		return errors.New("engine stopped without finishing")
	}
	return nil
}

func (s *Service) record(id, kind string, payload any) {
	var data []byte
	if payload != nil {
		data, _ = json.Marshal(payload)
	}
	if err := s.timeline.AppendEvent(context.WithoutCancel(s.ctx), eventstore.Event{UtteranceID: id, Type: kind, Payload: data}); err != nil {
		s.logger.Warn("failed to record event", slog.String("type", kind), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
