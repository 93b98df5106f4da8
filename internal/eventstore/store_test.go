package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	es, err := Open(ctx, config.EventStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{UtteranceID: "u", Type: TypeStreamBegun}); err != nil {
		t.Fatalf("append on ephemeral store: %v", err)
	}
	events, err := es.ListUtteranceEvents(ctx, "u", 10)
	if err != nil || events != nil {
		t.Fatalf("expected no events, got %v %v", events, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	if err := es.RecordUtterance(ctx, Utterance{ID: "utt-1", SessionID: "session-123", Voice: "ja-JP", Text: "こんにちは"}); err != nil {
		t.Fatalf("record utterance: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{UtteranceID: "utt-1", Type: TypeSpeakRequested, Payload: []byte("hello")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{UtteranceID: "utt-1", Type: TypeStreamEnded}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "session-123", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if string(events[0].Payload) != "hello" || events[0].Type != TypeSpeakRequested {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].SessionID != "session-123" {
		t.Fatalf("session not joined: %+v", events[1])
	}

	utts, err := es.RecentUtterances(ctx, 5)
	if err != nil {
		t.Fatalf("recent utterances: %v", err)
	}
	if len(utts) != 1 || utts[0].Text != "こんにちは" {
		t.Fatalf("unexpected utterances: %+v", utts)
	}
}

func TestAppendEventCreatesUnknownUtterance(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	if err := es.AppendEvent(ctx, Event{UtteranceID: "remote", Type: TypeStreamFinalized}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	// A later request record fills in the details without losing the event.
	if err := es.RecordUtterance(ctx, Utterance{ID: "remote", SessionID: "s"}); err != nil {
		t.Fatalf("record utterance: %v", err)
	}
	events, err := es.ListUtteranceEvents(ctx, "remote", 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].SessionID != "s" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if err := es.AppendEvent(ctx, Event{Type: TypeStreamFinalized}); err == nil {
		t.Fatalf("expected error for missing utterance id")
	}
}

func TestPruneByDaysAndCount(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxUtterances: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.RecordUtterance(ctx, Utterance{ID: "old", SessionID: "old-session"}); err != nil {
		t.Fatalf("record utterance: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{UtteranceID: "old", Type: TypeStreamBegun}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, id := range []string{"mid", "new"} {
		if err := es.RecordUtterance(ctx, Utterance{ID: id, SessionID: "new-session"}); err != nil {
			t.Fatalf("record utterance: %v", err)
		}
		es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 1, 0, time.UTC) }
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old utterance pruned")
	}
	utts, err := es.RecentUtterances(ctx, 10)
	if err != nil {
		t.Fatalf("recent utterances: %v", err)
	}
	if len(utts) != 1 || utts[0].ID != "new" {
		t.Fatalf("expected only newest utterance kept, got %+v", utts)
	}
}
