package avatar

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/loqalabs/loqa-avatar/internal/audio"
	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/eventstore"
	"github.com/loqalabs/loqa-avatar/internal/lipsync"
	"github.com/loqalabs/loqa-avatar/internal/natsserver"
	"github.com/loqalabs/loqa-avatar/internal/playback"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/rig"
	"github.com/loqalabs/loqa-avatar/internal/speech"
	"github.com/loqalabs/loqa-avatar/internal/stream"
	"github.com/loqalabs/loqa-avatar/internal/synth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingDevice struct {
	mu      sync.Mutex
	buffers []playback.Buffer
	stops   int
}

func (d *recordingDevice) Play(_ context.Context, b playback.Buffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buffers = append(d.buffers, b)
	return nil
}

func (d *recordingDevice) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
}

func (d *recordingDevice) Location(id string) string { return "mem://" + id }

func (d *recordingDevice) played() []playback.Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]playback.Buffer(nil), d.buffers...)
}

type recordingTargets struct {
	mu      sync.Mutex
	targets []rig.Weights
}

func (r *recordingTargets) SetTargets(w rig.Weights) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = append(r.targets, w)
}

func (r *recordingTargets) peakA() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var peak float64
	for _, w := range r.targets {
		peak = max(peak, w.A)
	}
	return peak
}

type fixture struct {
	client   *bus.Client
	svc      *Service
	device   *recordingDevice
	targets  *recordingTargets
	timeline *memTimeline
	clock    *clockwork.FakeClock
	ready    chan protocol.PlaybackReady
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.BusConfig{Embedded: true, Port: -1, Codec: "msgpack", ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), cfg, srv.URL(), testLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	f := &fixture{
		client:   client,
		device:   &recordingDevice{},
		targets:  &recordingTargets{},
		timeline: &memTimeline{},
		clock:    clockwork.NewFakeClock(),
		ready:    make(chan protocol.PlaybackReady, 4),
	}
	opts := lipsync.OptionsFromConfig(config.Default().Lipsync)
	opts.GlobalDelay = 0
	scheduler := lipsync.NewScheduler(opts, f.targets, nil, testLogger())

	f.svc = NewService(context.Background(), client, f.device, scheduler, Options{
		Reassembly: stream.ReassemblerOptions{AbandonAfter: time.Minute, Clock: f.clock},
		Timeline:   f.timeline,
	}, testLogger())
	require.NoError(t, f.svc.Start())
	t.Cleanup(f.svc.Close)

	_, err = client.Subscribe(protocol.SubjectPlaybackReady, func(data []byte) {
		var r protocol.PlaybackReady
		if protocol.Decode(client.Codec(), data, &r) == nil {
			f.ready <- r
		}
	})
	require.NoError(t, err)
	require.NoError(t, client.Flush(context.Background()))
	return f
}

type memTimeline struct {
	mu     sync.Mutex
	events []eventstore.Event
}

func (m *memTimeline) AppendEvent(_ context.Context, evt eventstore.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *memTimeline) types(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.UtteranceID == id {
			out = append(out, e.Type)
		}
	}
	return out
}

type nopTimeline struct{}

func (nopTimeline) RecordUtterance(context.Context, eventstore.Utterance) error { return nil }
func (nopTimeline) AppendEvent(context.Context, eventstore.Event) error         { return nil }

func TestSpeakerToAvatarOverBus(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := stream.NewDispatcher(f.client, 64, testLogger())
	go dispatcher.Run(ctx)
	encoder := stream.NewEncoder(stream.EncoderOptions{Target: audio.Target{SampleRate: 24000, Channels: 1}, MaxChunkFrames: 100}, dispatcher, testLogger())
	format := audio.Format{SampleRate: 24000, Channels: 1, Encoding: audio.EncodingS16LE, Interleaved: true}
	engine := synth.NewMockEngine(format, 30*time.Millisecond, nil)
	speaker := speech.NewService(ctx, f.client, engine, encoder, nopTimeline{}, speech.Options{}, testLogger())

	require.NoError(t, speaker.Speak(ctx, protocol.SpeakRequest{SessionID: "e2e", Text: "かか きき"}))

	select {
	case r := <-f.ready:
		assert.Equal(t, 2*720, r.Frames)
		assert.Equal(t, 24000, r.SampleRate)
		assert.Equal(t, int64(60), r.DurationMS)
		assert.Contains(t, r.Location, "mem://")
	case <-time.After(3 * time.Second):
		t.Fatal("no playback announcement")
	}
	played := f.device.played()
	require.Len(t, played, 1)
	assert.Len(t, played[0].Samples, 2*720)
	assert.Empty(t, f.svc.Reassembler().Active())
	assert.Equal(t, []string{eventstore.TypeStreamBegun}, f.timeline.types(played[0].ID))

	require.Eventually(t, func() bool { return f.targets.peakA() > 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestMalformedPayloadsAreDropped(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.client.Conn().Publish(protocol.SubjectStream, []byte("garbage")))
	require.NoError(t, f.client.Conn().Publish(protocol.SubjectViseme, []byte{0xc1}))
	require.NoError(t, f.client.Publish(protocol.SubjectViseme, protocol.VisemeEvent{Duration: -1}))
	require.NoError(t, f.client.Flush(context.Background()))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.svc.Reassembler().Active())
	assert.Empty(t, f.device.played())
	assert.True(t, f.svc.Healthy())
}

func TestStopResetsStreams(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.client.Send(context.Background(), protocol.StreamMessage{Kind: protocol.KindBegin, Begin: &protocol.StreamBegin{
		ID: "open", ChannelCount: 1, SampleRate: 24000, SampleFormat: protocol.SampleFormatFloat32, Interleaved: true,
	}}))
	require.Eventually(t, func() bool { return len(f.svc.Reassembler().Active()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.client.Publish(protocol.SubjectStopRequest, protocol.StopRequest{SessionID: "any"}))
	require.Eventually(t, func() bool { return len(f.svc.Reassembler().Active()) == 0 }, 2*time.Second, 5*time.Millisecond)

	f.device.mu.Lock()
	defer f.device.mu.Unlock()
	assert.Equal(t, 1, f.device.stops)
}

func TestAbandonedStreamIsRecorded(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.svc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.NoError(t, f.client.Send(ctx, protocol.StreamMessage{Kind: protocol.KindBegin, Begin: &protocol.StreamBegin{
		ID: "lost", ChannelCount: 1, SampleRate: 24000, SampleFormat: protocol.SampleFormatFloat32, Interleaved: true,
	}}))
	require.Eventually(t, func() bool { return len(f.svc.Reassembler().Active()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool {
		return len(f.timeline.types("lost")) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{eventstore.TypeStreamBegun, eventstore.TypeStreamAbandoned}, f.timeline.types("lost"))
	assert.Empty(t, f.svc.Reassembler().Active())
}
