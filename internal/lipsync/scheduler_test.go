package lipsync

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/rig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingTargets struct {
	mu  sync.Mutex
	got []rig.Weights
}

func (r *recordingTargets) SetTargets(w rig.Weights) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, w)
}

func (r *recordingTargets) all() []rig.Weights {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]rig.Weights(nil), r.got...)
}

var testShaper = Shaper{VowelWeight: 0.85, NeutralWeight: 0.10}

func testOptions() Options {
	return Options{
		GlobalDelay:   120 * time.Millisecond,
		MinPerVowel:   60 * time.Millisecond,
		Overlap:       0.25,
		NeutralHold:   80 * time.Millisecond,
		MergeTooShort: true,
		Shaper:        testShaper,
	}
}

func TestSchedulerScenarioDCarryForward(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewScheduler(testOptions(), &recordingTargets{}, clock, testLogger())
	defer s.Stop()

	_, ok := s.Enqueue(protocol.VisemeEvent{Duration: 0.02, Vowels: []string{"a"}})
	assert.False(t, ok, "short event should be carried")
	assert.Equal(t, StateIdle, s.State())
	assert.Empty(t, s.Pending())

	placed, ok := s.Enqueue(protocol.VisemeEvent{Duration: 0.2, Vowels: []string{"i", "u"}})
	require.True(t, ok)
	assert.Equal(t, 220*time.Millisecond, placed.Duration)
	assert.Equal(t, []string{"a", "i", "u"}, placed.Vowels)
	assert.Equal(t, 2, placed.Merged)
	assert.Equal(t, clock.Now().Add(120*time.Millisecond), placed.Start)
	assert.Equal(t, placed.Start.Add(220*time.Millisecond), placed.End)
	assert.Len(t, s.Pending(), 1)
}

func TestSchedulerFinalEventIsNeverCarried(t *testing.T) {
	s := NewScheduler(testOptions(), &recordingTargets{}, clockwork.NewFakeClock(), testLogger())
	defer s.Stop()

	placed, ok := s.Enqueue(protocol.VisemeEvent{Duration: 0.01, Vowels: []string{"o"}, Final: true})
	require.True(t, ok)
	assert.Equal(t, 10*time.Millisecond, placed.Duration)
}

func TestSchedulerMonotonicPlacement(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewScheduler(testOptions(), &recordingTargets{}, clock, testLogger())
	defer s.Stop()

	first, ok := s.Enqueue(protocol.VisemeEvent{Duration: 0.3, Vowels: []string{"a", "i"}})
	require.True(t, ok)
	// Arrives early relative to the first event's end.
	clock.Advance(10 * time.Millisecond)
	second, ok := s.Enqueue(protocol.VisemeEvent{Duration: 0.2, Vowels: []string{"e"}})
	require.True(t, ok)
	third, ok := s.Enqueue(protocol.VisemeEvent{Duration: 0.05, Vowels: []string{}})
	require.True(t, ok)

	assert.Equal(t, first.End, second.Start)
	assert.Equal(t, second.End, third.Start)
	assert.Equal(t, StateScheduled, s.State())
}

func TestSchedulerNegativeDelayClampsToNow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	opts := testOptions()
	opts.GlobalDelay = -500 * time.Millisecond
	s := NewScheduler(opts, &recordingTargets{}, clock, testLogger())
	defer s.Stop()

	placed, ok := s.Enqueue(protocol.VisemeEvent{Duration: 0.2, Vowels: []string{"a"}})
	require.True(t, ok)
	assert.Equal(t, clock.Now(), placed.Start)
}

func TestSchedulerConsumerPlaysVowelsThenNeutral(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clock := clockwork.NewFakeClock()
	opts := testOptions()
	opts.GlobalDelay = 100 * time.Millisecond
	targets := &recordingTargets{}
	s := NewScheduler(opts, targets, clock, testLogger())

	_, ok := s.Enqueue(protocol.VisemeEvent{Duration: 0.3, Vowels: []string{"a", "o"}})
	require.True(t, ok)

	// per = 150ms, step = 112.5ms, tail = 37.5ms.
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Empty(t, targets.all())

	clock.Advance(100 * time.Millisecond)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, []rig.Weights{testShaper.Target("a")}, targets.all())
	assert.Equal(t, StatePlaying, s.State())

	clock.Advance(112500 * time.Microsecond)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, []rig.Weights{testShaper.Target("a"), testShaper.Target("o")}, targets.all())

	clock.Advance(112500 * time.Microsecond)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Len(t, targets.all(), 2, "tail holds the last vowel")

	clock.Advance(37500 * time.Microsecond)
	select {
	case <-s.Idle():
	case <-ctx.Done():
		t.Fatal("consumer did not finish")
	}
	got := targets.all()
	require.Len(t, got, 4)
	assert.Equal(t, testShaper.Neutral(), got[2])
	assert.Equal(t, testShaper.Neutral(), got[3])
	assert.Equal(t, StateIdle, s.State())
}

func TestSchedulerNeutralEventHoldsAtLeastNeutralHold(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clock := clockwork.NewFakeClock()
	opts := testOptions()
	opts.GlobalDelay = 0
	targets := &recordingTargets{}
	s := NewScheduler(opts, targets, clock, testLogger())

	_, ok := s.Enqueue(protocol.VisemeEvent{Duration: 0.02, Vowels: []string{}})
	require.True(t, ok)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, []rig.Weights{testShaper.Neutral()}, targets.all())

	clock.Advance(20 * time.Millisecond)
	// Still holding: neutral hold is 80ms.
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(60 * time.Millisecond)
	select {
	case <-s.Idle():
	case <-ctx.Done():
		t.Fatal("consumer did not finish")
	}
}

func TestSchedulerStopFlushesAndForcesNeutral(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clock := clockwork.NewFakeClock()
	targets := &recordingTargets{}
	s := NewScheduler(testOptions(), targets, clock, testLogger())

	_, _ = s.Enqueue(protocol.VisemeEvent{Duration: 0.02, Vowels: []string{"a"}})
	_, ok := s.Enqueue(protocol.VisemeEvent{Duration: 0.5, Vowels: []string{"i", "e"}})
	require.True(t, ok)
	_, ok = s.Enqueue(protocol.VisemeEvent{Duration: 0.5, Vowels: []string{"o"}})
	require.True(t, ok)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	idle := s.Idle()

	s.Stop()
	select {
	case <-idle:
	case <-ctx.Done():
		t.Fatal("consumer ignored stop")
	}
	assert.Equal(t, StateIdle, s.State())
	assert.Empty(t, s.Pending())
	assert.Equal(t, []rig.Weights{testShaper.Neutral()}, targets.all())

	clock.Advance(2 * time.Second)
	assert.Len(t, targets.all(), 1)

	// The carry was flushed too: a new short event is carried on its own.
	_, ok = s.Enqueue(protocol.VisemeEvent{Duration: 0.05, Vowels: []string{"u"}})
	assert.False(t, ok)
}

func TestSchedulerDrainFlushesPendingCarry(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clock := clockwork.NewFakeClock()
	opts := testOptions()
	opts.GlobalDelay = 0
	opts.Overlap = 0
	targets := &recordingTargets{}
	s := NewScheduler(opts, targets, clock, testLogger())

	_, ok := s.Enqueue(protocol.VisemeEvent{Duration: 0.1, Vowels: []string{"a"}})
	require.True(t, ok)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	// Queue is empty while the first event plays, so this short one is carried.
	_, ok = s.Enqueue(protocol.VisemeEvent{Duration: 0.01, Vowels: []string{"e"}})
	require.False(t, ok)

	require.Eventually(t, func() bool {
		clock.Advance(20 * time.Millisecond)
		select {
		case <-s.Idle():
			return true
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)

	var sawE bool
	for _, w := range targets.all() {
		if w == testShaper.Target("e") {
			sawE = true
		}
	}
	assert.True(t, sawE, "carried vowel must still be shown")
}

func TestPlanNoSkipProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		p := plan{
			delay:         time.Duration(rapid.IntRange(-200, 300).Draw(rt, "delay_ms")) * time.Millisecond,
			minPerVowel:   time.Duration(rapid.IntRange(10, 120).Draw(rt, "min_per_vowel_ms")) * time.Millisecond,
			mergeTooShort: true,
		}
		now := time.Unix(1000, 0)

		var inDur, outDur time.Duration
		var inVowels, outVowels []string
		var prev Scheduled
		haveTimeline := false
		record := func(s Scheduled) {
			if haveTimeline && s.Start.Before(prev.End) {
				rt.Fatalf("start %v before previous end %v", s.Start, prev.End)
			}
			if s.End.Sub(s.Start) != s.Duration {
				rt.Fatalf("end-start %v != duration %v", s.End.Sub(s.Start), s.Duration)
			}
			prev, haveTimeline = s, true
			outDur += s.Duration
			outVowels = append(outVowels, s.Vowels...)
		}

		n := rapid.IntRange(1, 40).Draw(rt, "events")
		for i := 0; i < n; i++ {
			ev := protocol.VisemeEvent{
				Duration: float64(rapid.IntRange(1, 400).Draw(rt, "dur_ms")) / 1000,
				Vowels:   rapid.SliceOfN(rapid.SampledFrom([]string{"a", "i", "u", "e", "o"}), 0, 4).Draw(rt, "vowels"),
			}
			inDur += eventDuration(ev)
			inVowels = append(inVowels, ev.Vowels...)
			if s, ok := p.admit(now, ev); ok {
				record(s)
			}

			now = now.Add(time.Duration(rapid.IntRange(0, 300).Draw(rt, "gap_ms")) * time.Millisecond)
			if rapid.Bool().Draw(rt, "consume") {
				for {
					h, ok := p.head()
					if !ok || h.End.After(now) {
						break
					}
					p.pop()
				}
				if _, ok := p.head(); !ok {
					if s, flushed := p.drained(now); flushed {
						record(s)
					} else {
						haveTimeline = false
					}
				}
			}
		}
		for {
			p.queue = nil
			s, flushed := p.drained(now)
			if !flushed {
				break
			}
			record(s)
		}

		if inDur != outDur {
			rt.Fatalf("scheduled %v, input %v", outDur, inDur)
		}
		if len(inVowels) != len(outVowels) {
			rt.Fatalf("vowels in %v out %v", inVowels, outVowels)
		}
		for i := range inVowels {
			if inVowels[i] != outVowels[i] {
				rt.Fatalf("vowel order changed: in %v out %v", inVowels, outVowels)
			}
		}
	})
}
