package rig

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// Frame is one rendered set of weights.
type Frame struct {
	Weights
	At time.Time
}

// Sink consumes rendered frames.
type Sink interface {
	Apply(ctx context.Context, f Frame) error
}

// Loop steps the smoother at a fixed rate and fans frames out to sinks. It
// runs whether or not anything is scheduled so the face always settles.
type Loop struct {
	smoother *Smoother
	sinks    []Sink
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
	limiter  *rate.Limiter
	frames   metric.Int64Counter
}

func NewLoop(smoother *Smoother, fps int, clock clockwork.Clock, logger *slog.Logger, sinks ...Sink) *Loop {
	if fps <= 0 {
		fps = 60
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	l := &Loop{
		smoother: smoother,
		sinks:    sinks,
		interval: time.Second / time.Duration(fps),
		clock:    clock,
		logger:   logger.With(slog.String("component", "rig-loop")),
		limiter:  rate.NewLimiter(rate.Every(time.Second), 1),
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-avatar/rig").Int64Counter("loqa.rig.frames", metric.WithDescription("Rendered rig frames"))
	if err != nil {
		l.logger.Warn("failed to initialize metrics", slogError(err))
	}
	l.frames = counter
	return l
}

// Run ticks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	ticker := l.clock.NewTicker(l.interval)
	defer ticker.Stop()
	last := l.clock.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			now := l.clock.Now()
			l.Tick(ctx, now.Sub(last), now)
			last = now
		}
	}
}

// Tick advances the smoother by dt and delivers the frame.
func (l *Loop) Tick(ctx context.Context, dt time.Duration, now time.Time) Frame {
	f := Frame{Weights: l.smoother.Step(dt), At: now}
	if l.frames != nil {
		l.frames.Add(ctx, 1)
	}
	for _, sink := range l.sinks {
		if err := sink.Apply(ctx, f); err != nil && l.limiter.Allow() {
			l.logger.Warn("rig sink failed", slogError(err))
		}
	}
	return f
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
