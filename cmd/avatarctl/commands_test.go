package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/eventstore"
	"github.com/loqalabs/loqa-avatar/internal/natsserver"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dbPath string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "avatar.yaml")
	body := fmt.Sprintf("event_store:\n  path: %q\n  retention_mode: persistent\nbus:\n  codec: json\n", dbPath)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionAndValidate(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)

	cfgPath := writeConfig(t, filepath.Join(t.TempDir(), "events.db"))
	out, err = run(t, "validate", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "ok (speaker=true avatar=true codec=json)")

	_, err = run(t, "validate", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "config file not found")
}

func TestEventsListsTimeline(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.db")
	cfgPath := writeConfig(t, dbPath)

	ctx := context.Background()
	store, err := eventstore.Open(ctx, config.EventStoreConfig{Path: dbPath, RetentionMode: "persistent"}, quietLogger())
	require.NoError(t, err)
	require.NoError(t, store.RecordUtterance(ctx, eventstore.Utterance{ID: "utt-1", SessionID: "s1", Text: "こんにちは"}))
	require.NoError(t, store.AppendEvent(ctx, eventstore.Event{UtteranceID: "utt-1", Type: eventstore.TypeSpeakRequested}))
	require.NoError(t, store.AppendEvent(ctx, eventstore.Event{UtteranceID: "utt-1", Type: eventstore.TypeStreamEnded, Payload: []byte(`{"envelopes":4}`)}))
	require.NoError(t, store.Close())

	out, err := run(t, "events", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "utt-1")
	assert.Contains(t, out, "こんにちは")

	out, err = run(t, "events", "--config", cfgPath, "--session", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, eventstore.TypeSpeakRequested)
	assert.Contains(t, out, `{"envelopes":4}`)
}

func TestSpeakPublishesRequest(t *testing.T) {
	busCfg := config.BusConfig{Embedded: true, Port: -1, Codec: "json", ConnectTimeout: 2000}
	srv, err := natsserver.Start(busCfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), busCfg, srv.URL(), quietLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	got := make(chan protocol.SpeakRequest, 1)
	_, err = client.Subscribe(protocol.SubjectSpeakRequest, func(data []byte) {
		var req protocol.SpeakRequest
		if protocol.Decode(client.Codec(), data, &req) == nil {
			got <- req
		}
	})
	require.NoError(t, err)
	require.NoError(t, client.Flush(context.Background()))

	cfgPath := writeConfig(t, filepath.Join(t.TempDir(), "events.db"))
	out, err := run(t, "speak", "--config", cfgPath, "--server", srv.URL(), "--text", "やあ", "--session", "cli")
	require.NoError(t, err)
	assert.Contains(t, out, `session "cli"`)

	select {
	case req := <-got:
		assert.Equal(t, "やあ", req.Text)
		assert.Equal(t, "cli", req.SessionID)
		assert.False(t, req.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("speak request not received")
	}

	_, err = run(t, "speak", "--config", cfgPath, "--server", srv.URL())
	assert.ErrorContains(t, err, "--text is required")
}
