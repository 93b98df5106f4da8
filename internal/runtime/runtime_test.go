package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/eventstore"
	"github.com/loqalabs/loqa-avatar/internal/playback"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nopAppender struct{}

func (nopAppender) AppendEvent(context.Context, eventstore.Event) error { return nil }

func TestNewDeviceWAVWithRecorder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	device, err := newDevice(config.PlaybackConfig{Mode: "wav", Directory: dir, Record: true}, nopAppender{}, testLogger())
	require.NoError(t, err)
	_, isRecorder := device.(*playback.Recorder)
	assert.True(t, isRecorder)

	b := playback.Buffer{ID: "u1", Channels: 1, SampleRate: 16000, Samples: make([]float32, 160)}
	require.NoError(t, device.Play(context.Background(), b))
	_, err = os.Stat(filepath.Join(dir, "u1.wav"))
	assert.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "u1.wav"), device.(playback.Locator).Location("u1"))
}

func TestNewDeviceFanoutWithS3(t *testing.T) {
	device, err := newDevice(config.PlaybackConfig{
		Mode: "discard",
		S3:   config.S3Config{Enabled: true, Bucket: "voices", Region: "us-east-1"},
	}, nil, testLogger())
	require.NoError(t, err)
	fan, ok := device.(playback.Fanout)
	require.True(t, ok)
	assert.Len(t, fan, 2)
}

func TestNewDeviceRejectsUnknownMode(t *testing.T) {
	_, err := newDevice(config.PlaybackConfig{Mode: "speaker"}, nil, testLogger())
	assert.ErrorContains(t, err, "unknown playback mode")
}

func TestReadyReportsFailingCheck(t *testing.T) {
	r := New(config.Default(), testLogger())
	healthy := true
	r.addCheck("bus", func() bool { return healthy })

	get := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		return rec
	}
	assert.Equal(t, http.StatusServiceUnavailable, get().Code)

	r.ready.Store(true)
	assert.Equal(t, http.StatusOK, get().Code)

	healthy = false
	rec := get()
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "bus")
}

func TestCloseAllRunsInReverse(t *testing.T) {
	r := New(config.Default(), testLogger())
	var order []int
	r.addCloser(func() { order = append(order, 1) })
	r.addCloser(func() { order = append(order, 2) })
	r.closeAll()
	r.closeAll()
	assert.Equal(t, []int{2, 1}, order)
}
