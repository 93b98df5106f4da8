package lipsync

import (
	"math"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

// Scheduled is a viseme event placed on the absolute timeline.
type Scheduled struct {
	Start    time.Time
	End      time.Time
	Duration time.Duration
	Vowels   []string
	Text     string
	Sequence int
	// Merged counts the input events folded into this one.
	Merged int
}

// plan is the scheduling state machine without goroutines or locking. The
// Scheduler owns one and guards it with its mutex.
type plan struct {
	delay         time.Duration
	minPerVowel   time.Duration
	mergeTooShort bool

	queue   []Scheduled
	lastEnd time.Time

	carry       time.Duration
	carryVowels []string
	carryText   string
	carryCount  int
}

func eventDuration(ev protocol.VisemeEvent) time.Duration {
	return time.Duration(math.Round(ev.Duration * float64(time.Second)))
}

// admit places ev on the timeline or carries it forward. It reports false
// when the event was carried.
func (p *plan) admit(now time.Time, ev protocol.VisemeEvent) (Scheduled, bool) {
	dur := eventDuration(ev)
	if p.shouldCarry(dur, ev) {
		p.carry += dur
		p.carryVowels = append(p.carryVowels, ev.Vowels...)
		p.carryText += ev.Text
		p.carryCount++
		return Scheduled{}, false
	}

	s := Scheduled{
		Duration: dur + p.carry,
		Vowels:   append(append([]string(nil), p.carryVowels...), ev.Vowels...),
		Text:     p.carryText + ev.Text,
		Sequence: ev.Sequence,
		Merged:   p.carryCount + 1,
	}
	p.clearCarry()
	return p.place(now, s), true
}

func (p *plan) shouldCarry(dur time.Duration, ev protocol.VisemeEvent) bool {
	if !p.mergeTooShort || ev.Final || len(ev.Vowels) == 0 || len(p.queue) > 0 {
		return false
	}
	slots := len(p.carryVowels) + len(ev.Vowels)
	return dur+p.carry < p.minPerVowel*time.Duration(slots)
}

func (p *plan) place(now time.Time, s Scheduled) Scheduled {
	delay := p.delay
	if delay < 0 {
		delay = 0
	}
	s.Start = now.Add(delay)
	if !p.lastEnd.IsZero() && p.lastEnd.After(s.Start) {
		s.Start = p.lastEnd
	}
	s.End = s.Start.Add(s.Duration)
	p.lastEnd = s.End
	p.queue = append(p.queue, s)
	return s
}

func (p *plan) head() (Scheduled, bool) {
	if len(p.queue) == 0 {
		return Scheduled{}, false
	}
	return p.queue[0], true
}

func (p *plan) pop() (Scheduled, bool) {
	s, ok := p.head()
	if ok {
		p.queue = p.queue[1:]
	}
	return s, ok
}

// drained is called when the consumer finds the queue empty. A pending
// carry is scheduled rather than lost; otherwise the timeline resets.
// It reports whether anything was scheduled.
func (p *plan) drained(now time.Time) (Scheduled, bool) {
	if p.carryCount > 0 {
		s := Scheduled{
			Duration: p.carry,
			Vowels:   p.carryVowels,
			Text:     p.carryText,
			Merged:   p.carryCount,
		}
		p.clearCarry()
		return p.place(now, s), true
	}
	p.lastEnd = time.Time{}
	return Scheduled{}, false
}

func (p *plan) clearCarry() {
	p.carry = 0
	p.carryVowels = nil
	p.carryText = ""
	p.carryCount = 0
}

func (p *plan) reset() {
	p.queue = nil
	p.lastEnd = time.Time{}
	p.clearCarry()
}

func (p *plan) pending() []Scheduled {
	return append([]Scheduled(nil), p.queue...)
}
