package stream

import (
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/loqalabs/loqa-avatar/stream"

type metrics struct {
	sent               metric.Int64Counter
	sendFailures       metric.Int64Counter
	cancelled          metric.Int64Counter
	conversionFailures metric.Int64Counter
	chunks             metric.Int64Counter
	duplicates         metric.Int64Counter
	reordered          metric.Int64Counter
	dropped            metric.Int64Counter
	finalized          metric.Int64Counter
	abandoned          metric.Int64Counter
}

func newMetrics(logger *slog.Logger) *metrics {
	m, err := buildMetrics(otel.Meter(meterName))
	if err != nil {
		logger.Warn("failed to initialize stream metrics", slogError(err))
		m, _ = buildMetrics(noop.NewMeterProvider().Meter(meterName))
	}
	return m
}

func buildMetrics(meter metric.Meter) (*metrics, error) {
	var errs []error
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			errs = append(errs, err)
		}
		return c
	}
	m := &metrics{
		sent:               counter("loqa.stream.envelopes_sent", "Stream envelopes published"),
		sendFailures:       counter("loqa.stream.send_failures", "Stream envelopes that failed to publish"),
		cancelled:          counter("loqa.stream.envelopes_cancelled", "Queued envelopes skipped after cancellation"),
		conversionFailures: counter("loqa.stream.conversion_failures", "Engine buffers dropped by the normalizer"),
		chunks:             counter("loqa.stream.chunks_received", "Chunks accepted by the reassembler"),
		duplicates:         counter("loqa.stream.duplicates", "Duplicate chunks or ends dropped"),
		reordered:          counter("loqa.stream.reordered", "Chunks received out of sequence"),
		dropped:            counter("loqa.stream.dropped", "Envelopes dropped for unknown streams or malformed data"),
		finalized:          counter("loqa.stream.finalized", "Streams handed to playback"),
		abandoned:          counter("loqa.stream.abandoned", "Streams removed without an end"),
	}
	return m, errors.Join(errs...)
}
