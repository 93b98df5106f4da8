package lipsync

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractVowels(t *testing.T) {
	cases := []struct {
		text string
		want []string
	}{
		{"こんにちは", []string{"o", "i", "i", "a"}},
		{"カタカナ", []string{"a", "a", "a", "a"}},
		{"ラーメン", []string{"a", "a", "e"}},
		{"ーあ", []string{"a", "a"}},
		{"きょう", []string{"i", "o", "u"}},
		{"Hello World", []string{"e", "o", "o"}},
		{"っ、。!", nil},
		{"ヴを", []string{"u", "o"}},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			assert.Equal(t, tc.want, ExtractVowels(tc.text))
		})
	}
}

func TestShaperTargets(t *testing.T) {
	s := Shaper{VowelWeight: 0.85, NeutralWeight: 0.10}

	a := s.Target("a")
	assert.InDelta(t, 0.85, a.A, 1e-9)
	assert.InDelta(t, 0.10, a.O, 1e-9)
	assert.InDelta(t, 0.05, a.I, 1e-9)
	assert.InDelta(t, 0.06, a.U, 1e-9)

	unknown := s.Target("x")
	assert.InDelta(t, 0.85*0.7, unknown.A, 1e-9)

	n := s.Neutral()
	assert.InDelta(t, 0.10, n.A, 1e-9)
	assert.InDelta(t, 0.05, n.I, 1e-9)
	assert.InDelta(t, 0.06, n.U, 1e-9)
	assert.InDelta(t, 0.05, n.E, 1e-9)
	assert.InDelta(t, 0.10, n.O, 1e-9)
}

func TestSpanTrackerMeasuresSpans(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var got []protocol.VisemeEvent
	tr := NewSpanTracker(clock, func(ev protocol.VisemeEvent) { got = append(got, ev) })

	tr.Start()
	tr.Span("こん")
	clock.Advance(180 * time.Millisecond)
	tr.Span("にち")
	clock.Advance(120 * time.Millisecond)
	tr.Span("は")
	clock.Advance(90 * time.Millisecond)
	tr.Finish()

	require.Len(t, got, 3)
	assert.InDelta(t, 0.18, got[0].Duration, 1e-9)
	assert.Equal(t, []string{"o"}, got[0].Vowels)
	assert.Equal(t, 0, got[0].Sequence)
	assert.False(t, got[0].Final)

	assert.InDelta(t, 0.12, got[1].Duration, 1e-9)
	assert.Equal(t, []string{"i", "i"}, got[1].Vowels)

	assert.InDelta(t, 0.09, got[2].Duration, 1e-9)
	assert.Equal(t, 2, got[2].Sequence)
	assert.True(t, got[2].Final)

	for _, ev := range got {
		assert.NoError(t, ev.Validate())
	}
}

func TestSpanTrackerFoldsInstantSpans(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var got []protocol.VisemeEvent
	tr := NewSpanTracker(clock, func(ev protocol.VisemeEvent) { got = append(got, ev) })

	tr.Start()
	tr.Span("か")
	tr.Span("き")
	clock.Advance(100 * time.Millisecond)
	tr.Finish()

	require.Len(t, got, 1)
	assert.Equal(t, "かき", got[0].Text)
	assert.Equal(t, []string{"a", "i"}, got[0].Vowels)
	assert.InDelta(t, 0.1, got[0].Duration, 1e-9)
}

func TestSpanTrackerFinishForcesMinimumDuration(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var got []protocol.VisemeEvent
	tr := NewSpanTracker(clock, func(ev protocol.VisemeEvent) { got = append(got, ev) })

	tr.Start()
	tr.Span("、")
	tr.Finish()
	tr.Finish()

	require.Len(t, got, 1)
	assert.InDelta(t, 0.001, got[0].Duration, 1e-9)
	assert.NotNil(t, got[0].Vowels)
	assert.Empty(t, got[0].Vowels)
	assert.True(t, got[0].Final)
	assert.NoError(t, got[0].Validate())
}
