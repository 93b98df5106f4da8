package lipsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/rig"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// State is the scheduler lifecycle.
type State int

const (
	StateIdle State = iota
	StateScheduled
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StatePlaying:
		return "playing"
	}
	return "idle"
}

// Targets receives mouth targets. rig.Smoother implements it.
type Targets interface {
	SetTargets(rig.Weights)
}

// Options tune scheduling and execution.
type Options struct {
	GlobalDelay   time.Duration
	MinPerVowel   time.Duration
	Overlap       float64
	NeutralHold   time.Duration
	MergeTooShort bool
	Shaper        Shaper
}

// OptionsFromConfig converts millisecond configuration into Options.
func OptionsFromConfig(cfg config.LipsyncConfig) Options {
	return Options{
		GlobalDelay:   time.Duration(cfg.GlobalDelayMS) * time.Millisecond,
		MinPerVowel:   time.Duration(cfg.MinPerVowelMS) * time.Millisecond,
		Overlap:       cfg.OverlapFraction,
		NeutralHold:   time.Duration(cfg.NeutralHoldMS) * time.Millisecond,
		MergeTooShort: cfg.MergeTooShort,
		Shaper:        Shaper{VowelWeight: cfg.VowelWeight, NeutralWeight: cfg.NeutralWeight},
	}
}

// Scheduler places viseme events on an absolute timeline and plays them
// into Targets from a single consumer goroutine that exists only while
// there is work queued.
//
// mu guards the plan, the lifecycle fields and every SetTargets call, so a
// consumer that lost its generation to Stop can never write a target after
// the neutral pose Stop applied.
type Scheduler struct {
	opts    Options
	clock   clockwork.Clock
	targets Targets
	logger  *slog.Logger

	scheduled metric.Int64Counter
	carried   metric.Int64Counter
	lag       metric.Float64Histogram

	mu      sync.Mutex
	plan    plan
	state   State
	running bool
	gen     uint64
	stop    chan struct{}
	idle    chan struct{}
}

func NewScheduler(opts Options, targets Targets, clock clockwork.Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if opts.Overlap < 0 {
		opts.Overlap = 0
	}
	if opts.Overlap >= 1 {
		opts.Overlap = 0.95
	}
	s := &Scheduler{
		opts:    opts,
		clock:   clock,
		targets: targets,
		logger:  logger.With(slog.String("component", "viseme-scheduler")),
		plan: plan{
			delay:         opts.GlobalDelay,
			minPerVowel:   opts.MinPerVowel,
			mergeTooShort: opts.MergeTooShort,
		},
		stop: make(chan struct{}),
		idle: closedChan(),
	}
	if err := s.initMetrics(otel.Meter("github.com/loqalabs/loqa-avatar/lipsync")); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
		_ = s.initMetrics(noop.NewMeterProvider().Meter("lipsync"))
	}
	return s
}

func (s *Scheduler) initMetrics(meter metric.Meter) error {
	var errs []error
	var err error
	s.scheduled, err = meter.Int64Counter("loqa.lipsync.events_scheduled", metric.WithDescription("Viseme events placed on the timeline"))
	errs = append(errs, err)
	s.carried, err = meter.Int64Counter("loqa.lipsync.events_carried", metric.WithDescription("Viseme events carried into a later event"))
	errs = append(errs, err)
	s.lag, err = meter.Float64Histogram("loqa.lipsync.consumer_lag", metric.WithDescription("Delay between scheduled and actual start"), metric.WithUnit("s"))
	errs = append(errs, err)
	return errors.Join(errs...)
}

func closedChan() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

// Enqueue schedules ev. It returns false when the event was carried forward
// to be merged with the next one.
func (s *Scheduler) Enqueue(ev protocol.VisemeEvent) (Scheduled, bool) {
	ctx := context.Background()
	s.mu.Lock()
	defer s.mu.Unlock()

	placed, ok := s.plan.admit(s.clock.Now(), ev)
	if !ok {
		s.carried.Add(ctx, 1)
		s.logger.Debug("carrying short viseme event",
			slog.Float64("duration", ev.Duration),
			slog.Int("vowels", len(ev.Vowels)))
		return Scheduled{}, false
	}
	s.scheduled.Add(ctx, 1)
	if s.state == StateIdle {
		s.state = StateScheduled
	}
	if !s.running {
		s.running = true
		s.idle = make(chan struct{})
		go s.consume(s.gen, s.stop, s.idle)
	}
	return placed, true
}

// Stop flushes queued and carried events and forces the neutral pose. A
// running consumer notices at its next wait and exits.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	close(s.stop)
	s.stop = make(chan struct{})
	s.plan.reset()
	s.state = StateIdle
	s.running = false
	s.targets.SetTargets(s.opts.Shaper.Neutral())
}

// State reports the lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending returns the events still waiting to start.
func (s *Scheduler) Pending() []Scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan.pending()
}

// Idle returns a channel closed once the current consumer has exited.
func (s *Scheduler) Idle() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle
}

// setTargets applies w if gen is still current.
func (s *Scheduler) setTargets(gen uint64, w rig.Weights) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	s.targets.SetTargets(w)
	return true
}

// waitUntil blocks until deadline or stop. It reports false when stopped.
func (s *Scheduler) waitUntil(deadline time.Time, stop <-chan struct{}) bool {
	d := deadline.Sub(s.clock.Now())
	if d <= 0 {
		select {
		case <-stop:
			return false
		default:
			return true
		}
	}
	select {
	case <-stop:
		return false
	case <-s.clock.After(d):
		return true
	}
}

func (s *Scheduler) consume(gen uint64, stop <-chan struct{}, idle chan struct{}) {
	defer close(idle)
	for {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		head, ok := s.plan.head()
		if !ok {
			if _, flushed := s.plan.drained(s.clock.Now()); flushed {
				s.scheduled.Add(context.Background(), 1)
				s.mu.Unlock()
				continue
			}
			s.running = false
			s.state = StateIdle
			s.targets.SetTargets(s.opts.Shaper.Neutral())
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if !s.waitUntil(head.Start, stop) {
			return
		}

		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		ev, _ := s.plan.pop()
		s.state = StatePlaying
		s.mu.Unlock()

		if !s.execute(gen, ev, stop) {
			return
		}

		s.mu.Lock()
		if s.gen == gen && len(s.plan.queue) > 0 {
			s.state = StateScheduled
		}
		s.mu.Unlock()
	}
}

// execute plays one event from the moment it was dequeued. Sub-interval
// deadlines are absolute offsets from that moment.
func (s *Scheduler) execute(gen uint64, ev Scheduled, stop <-chan struct{}) bool {
	base := s.clock.Now()
	if lag := base.Sub(ev.Start); lag > 0 {
		s.lag.Record(context.Background(), lag.Seconds())
	}

	if len(ev.Vowels) == 0 {
		hold := ev.Duration
		if s.opts.NeutralHold > hold {
			hold = s.opts.NeutralHold
		}
		if !s.setTargets(gen, s.opts.Shaper.Neutral()) {
			return false
		}
		return s.waitUntil(base.Add(hold), stop)
	}

	n := len(ev.Vowels)
	per := ev.Duration / time.Duration(n)
	if per < s.opts.MinPerVowel {
		per = s.opts.MinPerVowel
	}
	step := time.Duration(float64(per) * (1 - s.opts.Overlap))
	tail := per - step

	at := base
	for _, v := range ev.Vowels {
		if !s.setTargets(gen, s.opts.Shaper.Target(v)) {
			return false
		}
		at = at.Add(step)
		if !s.waitUntil(at, stop) {
			return false
		}
	}
	if !s.waitUntil(at.Add(tail), stop) {
		return false
	}
	return s.setTargets(gen, s.opts.Shaper.Neutral())
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
