package playback

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// WriteWAV encodes b as 16-bit PCM.
func WriteWAV(w io.WriteSeeker, b Buffer) error {
	if b.Channels <= 0 || b.SampleRate <= 0 {
		return fmt.Errorf("invalid buffer layout: %d channels at %d Hz", b.Channels, b.SampleRate)
	}
	ints := make([]int, len(b.Samples))
	for i, s := range b.Samples {
		v := math.Max(-1, math.Min(1, float64(s)))
		ints[i] = int(math.Round(v * math.MaxInt16))
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: b.Channels, SampleRate: b.SampleRate},
		Data:           ints,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(w, b.SampleRate, 16, b.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// WAVDir writes every finalized buffer to <dir>/<id>.wav.
type WAVDir struct {
	dir string

	mu    sync.Mutex
	paths map[string]string
}

func NewWAVDir(dir string) (*WAVDir, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create playback dir: %w", err)
	}
	return &WAVDir{dir: dir, paths: make(map[string]string)}, nil
}

func (d *WAVDir) Play(_ context.Context, b Buffer) error {
	path := filepath.Join(d.dir, unsafeName.ReplaceAllString(b.ID, "_")+".wav")
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	if err := WriteWAV(file, b); err != nil {
		file.Close()
		os.Remove(path)
		return err
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close wav: %w", err)
	}
	d.mu.Lock()
	d.paths[b.ID] = path
	d.mu.Unlock()
	return nil
}

// Stop is a no-op: writes are synchronous.
func (d *WAVDir) Stop() {}

func (d *WAVDir) Location(id string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paths[id]
}
