package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/audio"
	"github.com/loqalabs/loqa-avatar/internal/avatar"
	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/eventstore"
	"github.com/loqalabs/loqa-avatar/internal/lipsync"
	"github.com/loqalabs/loqa-avatar/internal/playback"
	"github.com/loqalabs/loqa-avatar/internal/rig"
	"github.com/loqalabs/loqa-avatar/internal/speech"
	"github.com/loqalabs/loqa-avatar/internal/stream"
	"github.com/loqalabs/loqa-avatar/internal/synth"
)

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (r *Runtime) wireSpeaker(ctx context.Context, busClient *bus.Client, store *eventstore.Store) error {
	engine, err := synth.New(r.cfg.Synth, r.clock)
	if err != nil {
		return fmt.Errorf("synthesis engine: %w", err)
	}
	dispatcher := stream.NewDispatcher(busClient, r.cfg.Stream.DispatchQueue, r.logger)
	encoder := stream.NewEncoder(stream.EncoderOptions{
		Target:         audio.Target{SampleRate: r.cfg.Stream.SampleRate, Channels: r.cfg.Stream.Channels},
		MaxChunkFrames: r.cfg.Stream.MaxChunkFrames,
	}, dispatcher, r.logger)

	svc := speech.NewService(ctx, busClient, engine, encoder, store, speech.Options{
		Timeout: ms(r.cfg.Synth.TimeoutMS),
		Clock:   r.clock,
	}, r.logger)
	if err := svc.Start(); err != nil {
		return fmt.Errorf("start speech service: %w", err)
	}
	r.addCloser(svc.Close)
	r.addLoop(dispatcher.Run)
	r.addCheck("speech", svc.Healthy)
	r.logger.Info("speaker role enabled",
		slog.String("engine", r.cfg.Synth.Mode),
		slog.Int("stream_sample_rate", r.cfg.Stream.SampleRate))
	return nil
}

func (r *Runtime) wireAvatar(ctx context.Context, busClient *bus.Client, store *eventstore.Store) error {
	device, err := newDevice(r.cfg.Playback, store, r.logger)
	if err != nil {
		return err
	}

	opts := lipsync.OptionsFromConfig(r.cfg.Lipsync)
	smoother := rig.NewSmoother(ms(r.cfg.Rig.OpenTimeMS), ms(r.cfg.Rig.CloseTimeMS), opts.Shaper.Neutral())
	scheduler := lipsync.NewScheduler(opts, smoother, r.clock, r.logger)

	var sinks []rig.Sink
	if r.cfg.Rig.Publish {
		sinks = append(sinks, rig.NewBusSink(busClient, r.cfg.Rig.PublishEpsilon))
	}
	if r.cfg.Rig.WebSocket {
		broadcaster := rig.NewBroadcaster(r.logger)
		sinks = append(sinks, broadcaster)
		r.routes["/rig"] = broadcaster
		r.addCloser(broadcaster.Close)
	}
	loop := rig.NewLoop(smoother, r.cfg.Rig.FPS, r.clock, r.logger, sinks...)

	svc := avatar.NewService(ctx, busClient, device, scheduler, avatar.Options{
		Reassembly: stream.ReassemblerOptions{AbandonAfter: ms(r.cfg.Stream.AbandonAfterMS), Clock: r.clock},
		Timeline:   store,
	}, r.logger)
	if err := svc.Start(); err != nil {
		return fmt.Errorf("start avatar service: %w", err)
	}
	r.addCloser(svc.Close)
	r.addLoop(svc.Run)
	r.addLoop(loop.Run)
	r.addCheck("avatar", svc.Healthy)
	r.logger.Info("avatar role enabled",
		slog.String("playback", r.cfg.Playback.Mode),
		slog.Bool("s3", r.cfg.Playback.S3.Enabled),
		slog.Int("fps", r.cfg.Rig.FPS))
	return nil
}

// newDevice builds the playback chain: the local device, then the optional
// S3 archive, wrapped in the timeline recorder when recording is enabled.
func newDevice(cfg config.PlaybackConfig, store playback.EventAppender, logger *slog.Logger) (playback.Device, error) {
	var devices playback.Fanout
	switch cfg.Mode {
	case "wav":
		dir, err := playback.NewWAVDir(cfg.Directory)
		if err != nil {
			return nil, fmt.Errorf("playback directory: %w", err)
		}
		devices = append(devices, dir)
	case "", "discard":
		devices = append(devices, playback.Discard{})
	default:
		return nil, fmt.Errorf("unknown playback mode %q", cfg.Mode)
	}
	if cfg.S3.Enabled {
		devices = append(devices, playback.NewS3Archive(playback.NewS3Client(cfg.S3), cfg.S3.Bucket, cfg.S3.Prefix))
	}

	var device playback.Device = devices
	if len(devices) == 1 {
		device = devices[0]
	}
	if cfg.Record && store != nil {
		device = playback.NewRecorder(device, store, logger)
	}
	return device, nil
}
