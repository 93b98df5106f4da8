package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/loqalabs/loqa-avatar/internal/audio"
	"github.com/loqalabs/loqa-avatar/internal/playback"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"golang.org/x/time/rate"
)

// Outcome classifies what the reassembler did with an envelope.
type Outcome int

const (
	Dropped Outcome = iota
	Opened
	Replaced
	Appended
	AppendedOutOfOrder
	Finalized
)

func (o Outcome) String() string {
	switch o {
	case Opened:
		return "opened"
	case Replaced:
		return "replaced"
	case Appended:
		return "appended"
	case AppendedOutOfOrder:
		return "appended_out_of_order"
	case Finalized:
		return "finalized"
	}
	return "dropped"
}

// Player receives finalized buffers.
type Player interface {
	Play(ctx context.Context, b playback.Buffer) error
}

// ReassemblerOptions configures abandonment.
type ReassemblerOptions struct {
	// AbandonAfter removes streams untouched for this long. Zero disables.
	AbandonAfter time.Duration
	Clock        clockwork.Clock
	// OnAbandon, when set, is called for each stream removed by Sweep.
	OnAbandon func(ctx context.Context, id string)
}

// streamBuffer accumulates one stream between Begin and End.
type streamBuffer struct {
	mu sync.Mutex

	channels   int
	sampleRate int
	samples    []float32
	seen       map[int]struct{}
	// last is the sequence of the most recently accepted chunk.
	last       int
	touched    time.Time
	closed     bool
}

// Reassembler rebuilds playable buffers from stream envelopes delivered in
// any order, at most once per sequence.
//
// Lock order: mu guards the streams map; each streamBuffer.mu guards its
// contents. mu is never acquired while holding a streamBuffer.mu. Playback
// runs with neither held.
type Reassembler struct {
	player  Player
	opts    ReassemblerOptions
	logger  *slog.Logger
	metrics *metrics
	limiter *rate.Limiter

	mu      sync.Mutex
	streams map[string]*streamBuffer
}

func NewReassembler(player Player, opts ReassemblerOptions, logger *slog.Logger) *Reassembler {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Reassembler{
		player:  player,
		opts:    opts,
		logger:  logger.With(slog.String("component", "stream-reassembler")),
		metrics: newMetrics(logger),
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 20),
		streams: make(map[string]*streamBuffer),
	}
}

// diag logs ordering and delivery anomalies, rate limited so a flood of bad
// input cannot swamp the log.
func (r *Reassembler) diag(msg string, attrs ...any) {
	if r.limiter.Allow() {
		r.logger.Warn(msg, attrs...)
	}
}

// Handle routes a decoded envelope to Begin, Chunk or End.
func (r *Reassembler) Handle(ctx context.Context, m protocol.StreamMessage) (Outcome, error) {
	switch {
	case m.Begin != nil:
		return r.Begin(*m.Begin), nil
	case m.Chunk != nil:
		return r.Chunk(*m.Chunk)
	case m.End != nil:
		return r.End(ctx, *m.End)
	}
	return Dropped, fmt.Errorf("%w: empty envelope", protocol.ErrMalformed)
}

// Begin opens a stream, replacing any buffer already open under the id.
func (r *Reassembler) Begin(b protocol.StreamBegin) Outcome {
	buf := &streamBuffer{
		channels:   b.ChannelCount,
		sampleRate: b.SampleRate,
		seen:       make(map[int]struct{}),
		last:       -1,
		touched:    r.opts.Clock.Now(),
	}

	r.mu.Lock()
	prev, replaced := r.streams[b.ID]
	r.streams[b.ID] = buf
	r.mu.Unlock()

	if replaced {
		prev.mu.Lock()
		prev.closed = true
		prev.mu.Unlock()
		r.logger.Warn("replacing open stream on duplicate begin", slog.String("stream_id", b.ID))
		return Replaced
	}
	r.logger.Debug("stream opened",
		slog.String("stream_id", b.ID),
		slog.Int("channels", b.ChannelCount),
		slog.Int("sample_rate", b.SampleRate))
	return Opened
}

func (r *Reassembler) lookup(id string) *streamBuffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[id]
}

// Chunk appends samples in arrival order. Duplicate sequences are dropped;
// gaps and reordering are accepted with a diagnostic.
func (r *Reassembler) Chunk(c protocol.StreamChunk) (Outcome, error) {
	ctx := context.Background()
	buf := r.lookup(c.ID)
	if buf == nil {
		r.metrics.dropped.Add(ctx, 1)
		r.diag("chunk for unknown stream", slog.String("stream_id", c.ID), slog.Int("sequence", c.Sequence))
		return Dropped, ErrUnknownStream
	}

	samples, err := audio.DecodeFloat32(c.Payload)
	if err != nil {
		r.metrics.dropped.Add(ctx, 1)
		return Dropped, fmt.Errorf("%w: %v", protocol.ErrMalformed, err)
	}

	buf.mu.Lock()
	defer buf.mu.Unlock()

	if buf.closed {
		r.metrics.dropped.Add(ctx, 1)
		return Dropped, ErrUnknownStream
	}
	if want := c.FrameCount * buf.channels; want != len(samples) {
		r.metrics.dropped.Add(ctx, 1)
		r.diag("chunk frame count does not match payload",
			slog.String("stream_id", c.ID),
			slog.Int("sequence", c.Sequence),
			slog.Int("frame_count", c.FrameCount),
			slog.Int("samples", len(samples)))
		return Dropped, fmt.Errorf("%w: frame count %d does not match %d samples", protocol.ErrMalformed, c.FrameCount, len(samples))
	}
	if _, dup := buf.seen[c.Sequence]; dup {
		r.metrics.duplicates.Add(ctx, 1)
		r.diag("duplicate chunk dropped", slog.String("stream_id", c.ID), slog.Int("sequence", c.Sequence))
		return Dropped, ErrDuplicate
	}

	outcome := Appended
	if c.Sequence != buf.last+1 {
		outcome = AppendedOutOfOrder
		r.metrics.reordered.Add(ctx, 1)
		r.diag("chunk out of sequence",
			slog.String("stream_id", c.ID),
			slog.Int("sequence", c.Sequence),
			slog.Int("expected", buf.last+1))
	}
	buf.seen[c.Sequence] = struct{}{}
	buf.last = c.Sequence
	buf.samples = append(buf.samples, samples...)
	buf.touched = r.opts.Clock.Now()
	r.metrics.chunks.Add(ctx, 1)
	return outcome, nil
}

// End finalizes a stream and hands it to the player. An empty stream is
// removed without playback.
func (r *Reassembler) End(ctx context.Context, e protocol.StreamEnd) (Outcome, error) {
	buf := r.lookup(e.ID)
	if buf == nil {
		r.metrics.dropped.Add(ctx, 1)
		r.diag("end for unknown stream", slog.String("stream_id", e.ID), slog.Int("sequence", e.Sequence))
		return Dropped, ErrUnknownStream
	}

	buf.mu.Lock()
	if buf.closed {
		buf.mu.Unlock()
		r.metrics.dropped.Add(ctx, 1)
		return Dropped, ErrUnknownStream
	}
	if _, dup := buf.seen[e.Sequence]; dup {
		buf.mu.Unlock()
		r.metrics.duplicates.Add(ctx, 1)
		r.diag("end reuses a seen sequence", slog.String("stream_id", e.ID), slog.Int("sequence", e.Sequence))
		return Dropped, ErrDuplicate
	}
	if e.Sequence != buf.last+1 {
		r.metrics.reordered.Add(ctx, 1)
		r.diag("end out of sequence",
			slog.String("stream_id", e.ID),
			slog.Int("sequence", e.Sequence),
			slog.Int("expected", buf.last+1))
	}
	buf.closed = true
	out := playback.Buffer{
		ID:         e.ID,
		Channels:   buf.channels,
		SampleRate: buf.sampleRate,
		Samples:    buf.samples,
	}
	buf.samples = nil
	buf.mu.Unlock()

	r.remove(e.ID, buf)

	if len(out.Samples) == 0 {
		r.metrics.dropped.Add(ctx, 1)
		r.logger.Warn("stream ended without samples", slog.String("stream_id", e.ID))
		return Dropped, ErrEmptyStream
	}

	r.metrics.finalized.Add(ctx, 1)
	if err := r.player.Play(ctx, out); err != nil {
		r.logger.Warn("playback failed", slog.String("stream_id", e.ID), slogError(err))
		return Finalized, fmt.Errorf("play %s: %w", e.ID, err)
	}
	return Finalized, nil
}

// remove deletes id only if it still maps to buf, so a Begin that replaced
// the stream concurrently is kept.
func (r *Reassembler) remove(id string, buf *streamBuffer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.streams[id] == buf {
		delete(r.streams, id)
	}
}

// Cancel discards an open stream. It reports whether one existed.
func (r *Reassembler) Cancel(id string) bool {
	r.mu.Lock()
	buf, ok := r.streams[id]
	delete(r.streams, id)
	r.mu.Unlock()
	if ok {
		buf.mu.Lock()
		buf.closed = true
		buf.samples = nil
		buf.mu.Unlock()
	}
	return ok
}

// Reset discards every open stream and returns how many were dropped.
func (r *Reassembler) Reset() int {
	r.mu.Lock()
	streams := r.streams
	r.streams = make(map[string]*streamBuffer)
	r.mu.Unlock()
	for _, buf := range streams {
		buf.mu.Lock()
		buf.closed = true
		buf.samples = nil
		buf.mu.Unlock()
	}
	return len(streams)
}

// Active returns the ids of open streams.
func (r *Reassembler) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.streams))
	for id := range r.streams {
		ids = append(ids, id)
	}
	return ids
}

// Sweep removes streams untouched since before now minus AbandonAfter.
func (r *Reassembler) Sweep(ctx context.Context) []string {
	if r.opts.AbandonAfter <= 0 {
		return nil
	}
	cutoff := r.opts.Clock.Now().Add(-r.opts.AbandonAfter)

	r.mu.Lock()
	candidates := make(map[string]*streamBuffer, len(r.streams))
	for id, buf := range r.streams {
		candidates[id] = buf
	}
	r.mu.Unlock()

	var abandoned []string
	for id, buf := range candidates {
		buf.mu.Lock()
		stale := !buf.closed && buf.touched.Before(cutoff)
		if stale {
			buf.closed = true
			buf.samples = nil
		}
		buf.mu.Unlock()
		if !stale {
			continue
		}
		r.remove(id, buf)
		abandoned = append(abandoned, id)
		r.metrics.abandoned.Add(ctx, 1)
		r.logger.Warn("abandoning stream without end", slog.String("stream_id", id))
		if r.opts.OnAbandon != nil {
			r.opts.OnAbandon(ctx, id)
		}
	}
	return abandoned
}

// Run sweeps abandoned streams until ctx is cancelled.
func (r *Reassembler) Run(ctx context.Context) error {
	if r.opts.AbandonAfter <= 0 {
		<-ctx.Done()
		return nil
	}
	interval := r.opts.AbandonAfter / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := r.opts.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			r.Sweep(ctx)
		}
	}
}
