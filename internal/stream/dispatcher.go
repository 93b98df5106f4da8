package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

// Sink delivers encoded envelopes across the bridge.
type Sink interface {
	Send(ctx context.Context, m protocol.StreamMessage) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, m protocol.StreamMessage) error

func (f SinkFunc) Send(ctx context.Context, m protocol.StreamMessage) error { return f(ctx, m) }

type pending struct {
	msg  protocol.StreamMessage
	utt  *Utterance
	last bool
}

// Dispatcher moves envelopes off the producer path. Enqueue never blocks;
// a single Run goroutine serializes delivery in enqueue order and skips
// envelopes whose utterance was cancelled after they were queued.
//
// mu guards queue and warned only. Send runs without it.
type Dispatcher struct {
	sink    Sink
	logger  *slog.Logger
	metrics *metrics
	backlog int

	mu     sync.Mutex
	queue  []pending
	warned bool
	notify chan struct{}
}

func NewDispatcher(sink Sink, backlog int, logger *slog.Logger) *Dispatcher {
	if backlog <= 0 {
		backlog = 256
	}
	return &Dispatcher{
		sink:    sink,
		logger:  logger.With(slog.String("component", "stream-dispatcher")),
		metrics: newMetrics(logger),
		backlog: backlog,
		notify:  make(chan struct{}, 1),
	}
}

func (d *Dispatcher) enqueue(p pending) {
	d.mu.Lock()
	d.queue = append(d.queue, p)
	depth := len(d.queue)
	warn := depth > d.backlog && !d.warned
	if warn {
		d.warned = true
	}
	d.mu.Unlock()

	if warn {
		d.logger.Warn("dispatch backlog exceeded", slog.Int("depth", depth), slog.Int("limit", d.backlog))
	}
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Pending reports the number of queued envelopes.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Run delivers queued envelopes until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.notify:
			d.drain(ctx)
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		if len(batch) == 0 {
			d.warned = false
		}
		d.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, p := range batch {
			if ctx.Err() != nil {
				return
			}
			d.deliver(ctx, p)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, p pending) {
	if p.utt != nil && !p.utt.Live() {
		d.metrics.cancelled.Add(ctx, 1)
		return
	}
	err := d.sink.Send(ctx, p.msg)
	if p.last && p.utt != nil {
		p.utt.markDelivered()
	}
	if err != nil {
		d.metrics.sendFailures.Add(ctx, 1)
		d.logger.Warn("failed to send stream envelope",
			slog.String("stream_id", p.msg.StreamID()),
			slog.String("kind", string(p.msg.Kind)),
			slogError(err))
		return
	}
	d.metrics.sent.Add(ctx, 1)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
