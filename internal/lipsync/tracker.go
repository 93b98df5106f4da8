package lipsync

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

const minSpan = time.Millisecond

// SpanTracker measures how long each engine span was actually spoken. The
// engine announces a span just before speaking it, so a span's duration is
// only known when the next one starts or the utterance finishes.
type SpanTracker struct {
	clock clockwork.Clock
	emit  func(protocol.VisemeEvent)

	mu        sync.Mutex
	open      bool
	text      string
	spanStart time.Time
	sequence  int
}

func NewSpanTracker(clock clockwork.Clock, emit func(protocol.VisemeEvent)) *SpanTracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SpanTracker{clock: clock, emit: emit}
}

// Start resets the tracker for a new utterance, discarding any open span.
func (t *SpanTracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open = false
	t.text = ""
	t.sequence = 0
}

// Span closes the previous span and opens a new one for text. A span
// shorter than a millisecond is folded into the next one so its vowels are
// kept.
func (t *SpanTracker) Span(text string) {
	now := t.clock.Now()
	t.mu.Lock()
	ev, ok := t.flushLocked(now, false)
	if !ok && t.open {
		t.text += text
		t.mu.Unlock()
		return
	}
	t.open = true
	t.text = text
	t.spanStart = now
	t.mu.Unlock()
	if ok {
		t.emit(ev)
	}
}

// Finish closes the last span and marks it final.
func (t *SpanTracker) Finish() {
	now := t.clock.Now()
	t.mu.Lock()
	ev, ok := t.flushLocked(now, true)
	t.mu.Unlock()
	if ok {
		t.emit(ev)
	}
}

func (t *SpanTracker) flushLocked(now time.Time, final bool) (protocol.VisemeEvent, bool) {
	if !t.open {
		return protocol.VisemeEvent{}, false
	}
	dur := now.Sub(t.spanStart)
	if dur < minSpan {
		if !final {
			return protocol.VisemeEvent{}, false
		}
		dur = minSpan
	}
	t.open = false
	ev := protocol.VisemeEvent{
		Duration: dur.Seconds(),
		Vowels:   ExtractVowels(t.text),
		Text:     t.text,
		Sequence: t.sequence,
		Final:    final,
	}
	if ev.Vowels == nil {
		ev.Vowels = []string{}
	}
	t.sequence++
	return ev, true
}
