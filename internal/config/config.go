package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Roles       RolesConfig      `yaml:"roles"`
	Synth       SynthConfig      `yaml:"synth"`
	Stream      StreamConfig     `yaml:"stream"`
	Playback    PlaybackConfig   `yaml:"playback"`
	Lipsync     LipsyncConfig    `yaml:"lipsync"`
	Rig         RigConfig        `yaml:"rig"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	Codec          string   `yaml:"codec"` // json, msgpack
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxUtterances int    `yaml:"max_utterances"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// RolesConfig selects which half of the pipeline this process runs.
type RolesConfig struct {
	Speaker bool `yaml:"speaker"`
	Avatar  bool `yaml:"avatar"`
}

type SynthConfig struct {
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	Encoding   string `yaml:"encoding"`
	WordMS     int    `yaml:"word_ms"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

type StreamConfig struct {
	SampleRate     int `yaml:"sample_rate"`
	Channels       int `yaml:"channels"`
	MaxChunkFrames int `yaml:"max_chunk_frames"`
	AbandonAfterMS int `yaml:"abandon_after_ms"`
	DispatchQueue  int `yaml:"dispatch_queue"`
}

type PlaybackConfig struct {
	Mode      string   `yaml:"mode"` // wav, discard
	Directory string   `yaml:"directory"`
	Record    bool     `yaml:"record"`
	S3        S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled   bool   `yaml:"enabled"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`
}

type LipsyncConfig struct {
	GlobalDelayMS   int     `yaml:"global_delay_ms"`
	MinPerVowelMS   int     `yaml:"min_per_vowel_ms"`
	OverlapFraction float64 `yaml:"overlap_fraction"`
	NeutralHoldMS   int     `yaml:"neutral_hold_ms"`
	VowelWeight     float64 `yaml:"vowel_weight"`
	NeutralWeight   float64 `yaml:"neutral_weight"`
	MergeTooShort   bool    `yaml:"merge_too_short"`
}

type RigConfig struct {
	FPS            int     `yaml:"fps"`
	OpenTimeMS     int     `yaml:"open_time_ms"`
	CloseTimeMS    int     `yaml:"close_time_ms"`
	PublishEpsilon float64 `yaml:"publish_epsilon"`
	Publish        bool    `yaml:"publish"`
	WebSocket      bool    `yaml:"websocket"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-avatar",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			Codec:          "json",
		},
		Node: NodeConfig{
			ID:                "loqa-avatar-1",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/avatar-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxUtterances: 10000,
		},
		Roles: RolesConfig{
			Speaker: true,
			Avatar:  true,
		},
		Synth: SynthConfig{
			Mode:       "mock",
			Voice:      "ja-JP",
			SampleRate: 22050,
			Channels:   1,
			Encoding:   "s16le",
			WordMS:     180,
			TimeoutMS:  45000,
		},
		Stream: StreamConfig{
			SampleRate:     24000,
			Channels:       1,
			MaxChunkFrames: 4800,
			AbandonAfterMS: 30000,
			DispatchQueue:  256,
		},
		Playback: PlaybackConfig{
			Mode:      "wav",
			Directory: "./data/playback",
			Record:    true,
		},
		Lipsync: LipsyncConfig{
			GlobalDelayMS:   120,
			MinPerVowelMS:   60,
			OverlapFraction: 0.25,
			NeutralHoldMS:   80,
			VowelWeight:     0.85,
			NeutralWeight:   0.10,
			MergeTooShort:   true,
		},
		Rig: RigConfig{
			FPS:            60,
			OpenTimeMS:     40,
			CloseTimeMS:    90,
			PublishEpsilon: 0.001,
			Publish:        true,
			WebSocket:      true,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_AVATAR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_AVATAR_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_AVATAR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_AVATAR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_AVATAR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_AVATAR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_AVATAR_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_AVATAR_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_AVATAR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_AVATAR_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_AVATAR_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_AVATAR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_AVATAR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_AVATAR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_AVATAR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_AVATAR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_AVATAR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.Codec, "LOQA_AVATAR_BUS_CODEC")
	overrideString(&cfg.Node.ID, "LOQA_AVATAR_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_AVATAR_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_AVATAR_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_AVATAR_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_AVATAR_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_AVATAR_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxUtterances, "LOQA_AVATAR_EVENT_STORE_MAX_UTTERANCES")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_AVATAR_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Roles.Speaker, "LOQA_AVATAR_ROLES_SPEAKER")
	overrideBool(&cfg.Roles.Avatar, "LOQA_AVATAR_ROLES_AVATAR")
	overrideString(&cfg.Synth.Mode, "LOQA_AVATAR_SYNTH_MODE")
	overrideString(&cfg.Synth.Command, "LOQA_AVATAR_SYNTH_COMMAND")
	overrideString(&cfg.Synth.Voice, "LOQA_AVATAR_SYNTH_VOICE")
	overrideInt(&cfg.Synth.SampleRate, "LOQA_AVATAR_SYNTH_SAMPLE_RATE")
	overrideInt(&cfg.Synth.Channels, "LOQA_AVATAR_SYNTH_CHANNELS")
	overrideString(&cfg.Synth.Encoding, "LOQA_AVATAR_SYNTH_ENCODING")
	overrideInt(&cfg.Synth.WordMS, "LOQA_AVATAR_SYNTH_WORD_MS")
	overrideInt(&cfg.Synth.TimeoutMS, "LOQA_AVATAR_SYNTH_TIMEOUT_MS")
	overrideInt(&cfg.Stream.SampleRate, "LOQA_AVATAR_STREAM_SAMPLE_RATE")
	overrideInt(&cfg.Stream.Channels, "LOQA_AVATAR_STREAM_CHANNELS")
	overrideInt(&cfg.Stream.MaxChunkFrames, "LOQA_AVATAR_STREAM_MAX_CHUNK_FRAMES")
	overrideInt(&cfg.Stream.AbandonAfterMS, "LOQA_AVATAR_STREAM_ABANDON_AFTER_MS")
	overrideInt(&cfg.Stream.DispatchQueue, "LOQA_AVATAR_STREAM_DISPATCH_QUEUE")
	overrideString(&cfg.Playback.Mode, "LOQA_AVATAR_PLAYBACK_MODE")
	overrideString(&cfg.Playback.Directory, "LOQA_AVATAR_PLAYBACK_DIRECTORY")
	overrideBool(&cfg.Playback.Record, "LOQA_AVATAR_PLAYBACK_RECORD")
	overrideBool(&cfg.Playback.S3.Enabled, "LOQA_AVATAR_PLAYBACK_S3_ENABLED")
	overrideString(&cfg.Playback.S3.Bucket, "LOQA_AVATAR_PLAYBACK_S3_BUCKET")
	overrideString(&cfg.Playback.S3.Prefix, "LOQA_AVATAR_PLAYBACK_S3_PREFIX")
	overrideString(&cfg.Playback.S3.Region, "LOQA_AVATAR_PLAYBACK_S3_REGION")
	overrideString(&cfg.Playback.S3.Endpoint, "LOQA_AVATAR_PLAYBACK_S3_ENDPOINT")
	overrideString(&cfg.Playback.S3.AccessKey, "LOQA_AVATAR_PLAYBACK_S3_ACCESS_KEY")
	overrideString(&cfg.Playback.S3.SecretKey, "LOQA_AVATAR_PLAYBACK_S3_SECRET_KEY")
	overrideBool(&cfg.Playback.S3.PathStyle, "LOQA_AVATAR_PLAYBACK_S3_PATH_STYLE")
	overrideInt(&cfg.Lipsync.GlobalDelayMS, "LOQA_AVATAR_LIPSYNC_GLOBAL_DELAY_MS")
	overrideInt(&cfg.Lipsync.MinPerVowelMS, "LOQA_AVATAR_LIPSYNC_MIN_PER_VOWEL_MS")
	overrideFloat(&cfg.Lipsync.OverlapFraction, "LOQA_AVATAR_LIPSYNC_OVERLAP_FRACTION")
	overrideInt(&cfg.Lipsync.NeutralHoldMS, "LOQA_AVATAR_LIPSYNC_NEUTRAL_HOLD_MS")
	overrideFloat(&cfg.Lipsync.VowelWeight, "LOQA_AVATAR_LIPSYNC_VOWEL_WEIGHT")
	overrideFloat(&cfg.Lipsync.NeutralWeight, "LOQA_AVATAR_LIPSYNC_NEUTRAL_WEIGHT")
	overrideBool(&cfg.Lipsync.MergeTooShort, "LOQA_AVATAR_LIPSYNC_MERGE_TOO_SHORT")
	overrideInt(&cfg.Rig.FPS, "LOQA_AVATAR_RIG_FPS")
	overrideInt(&cfg.Rig.OpenTimeMS, "LOQA_AVATAR_RIG_OPEN_TIME_MS")
	overrideInt(&cfg.Rig.CloseTimeMS, "LOQA_AVATAR_RIG_CLOSE_TIME_MS")
	overrideFloat(&cfg.Rig.PublishEpsilon, "LOQA_AVATAR_RIG_PUBLISH_EPSILON")
	overrideBool(&cfg.Rig.Publish, "LOQA_AVATAR_RIG_PUBLISH")
	overrideBool(&cfg.Rig.WebSocket, "LOQA_AVATAR_RIG_WEBSOCKET")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Validate reports the first invalid setting in cfg.
func Validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Bus.Codec {
	case "json", "msgpack":
	default:
		return errors.New("bus.codec must be one of json|msgpack")
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if !cfg.Roles.Speaker && !cfg.Roles.Avatar {
		return errors.New("at least one of roles.speaker or roles.avatar must be enabled")
	}
	if cfg.Roles.Speaker {
		switch cfg.Synth.Mode {
		case "mock", "exec":
		default:
			return errors.New("synth.mode must be one of mock|exec")
		}
		if cfg.Synth.Mode == "exec" && cfg.Synth.Command == "" {
			return errors.New("synth.command must be set when mode=exec")
		}
		if cfg.Synth.SampleRate <= 0 {
			return errors.New("synth.sample_rate must be positive")
		}
		if cfg.Synth.Channels <= 0 {
			return errors.New("synth.channels must be positive")
		}
		switch cfg.Synth.Encoding {
		case "s16le", "f32le", "f64le":
		default:
			return errors.New("synth.encoding must be one of s16le|f32le|f64le")
		}
		if cfg.Stream.SampleRate != 0 && cfg.Stream.SampleRate < 8000 {
			return errors.New("stream.sample_rate must be 0 (passthrough) or >= 8000")
		}
		if cfg.Stream.Channels < 0 {
			return errors.New("stream.channels must be >= 0")
		}
		if cfg.Stream.MaxChunkFrames <= 0 {
			return errors.New("stream.max_chunk_frames must be positive")
		}
		if cfg.Stream.DispatchQueue <= 0 {
			return errors.New("stream.dispatch_queue must be positive")
		}
	}
	if cfg.Roles.Avatar {
		switch cfg.Playback.Mode {
		case "wav", "discard":
		default:
			return errors.New("playback.mode must be one of wav|discard")
		}
		if cfg.Playback.Mode == "wav" && cfg.Playback.Directory == "" {
			return errors.New("playback.directory must be set when mode=wav")
		}
		if cfg.Playback.S3.Enabled && cfg.Playback.S3.Bucket == "" {
			return errors.New("playback.s3.bucket must be set when s3 is enabled")
		}
		if cfg.Stream.AbandonAfterMS < 0 {
			return errors.New("stream.abandon_after_ms must be >= 0")
		}
		if cfg.Lipsync.MinPerVowelMS <= 0 {
			return errors.New("lipsync.min_per_vowel_ms must be positive")
		}
		if cfg.Lipsync.OverlapFraction < 0 || cfg.Lipsync.OverlapFraction > 1 {
			return errors.New("lipsync.overlap_fraction must be between 0 and 1")
		}
		if cfg.Lipsync.NeutralHoldMS < 0 {
			return errors.New("lipsync.neutral_hold_ms must be >= 0")
		}
		if cfg.Rig.FPS <= 0 || cfg.Rig.FPS > 240 {
			return errors.New("rig.fps must be between 1 and 240")
		}
		if cfg.Rig.OpenTimeMS <= 0 || cfg.Rig.CloseTimeMS <= 0 {
			return errors.New("rig.open_time_ms and rig.close_time_ms must be positive")
		}
	}
	return nil
}
