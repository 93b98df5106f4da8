package protocol

import "time"

const (
	SubjectSpeakRequest  = "tts.speak"
	SubjectStopRequest   = "tts.stop"
	SubjectStream        = "tts.stream"
	SubjectPlaybackReady = "tts.playback.ready"
	SubjectViseme        = "avatar.viseme"
	SubjectRigFrame      = "avatar.rig.frame"

	SubjectNodeAnnounce        = "ctrl.node.announce"
	SubjectNodeHeartbeatPrefix = "ctrl.node.heartbeat"
)

// SampleFormatFloat32 is the only sample format carried on the stream subject.
const SampleFormatFloat32 = "float32"

// Kind tags a stream envelope.
type Kind string

const (
	KindBegin Kind = "begin"
	KindChunk Kind = "chunk"
	KindEnd   Kind = "end"
)

// StreamBegin opens one utterance's audio stream.
type StreamBegin struct {
	ID           string
	ChannelCount int
	SampleRate   int
	SampleFormat string
	Interleaved  bool
}

// StreamChunk carries little-endian float32 interleaved samples.
type StreamChunk struct {
	ID         string
	Sequence   int
	Payload    []byte
	FrameCount int
}

// StreamEnd terminates a stream. Its frame count is implicitly zero.
type StreamEnd struct {
	ID       string
	Sequence int
}

// StreamMessage is the tagged envelope published on SubjectStream.
// Exactly one of Begin, Chunk or End is set, matching Kind.
type StreamMessage struct {
	Kind  Kind
	Begin *StreamBegin
	Chunk *StreamChunk
	End   *StreamEnd
}

// StreamID returns the correlation key of whichever variant is set.
func (m StreamMessage) StreamID() string {
	switch {
	case m.Begin != nil:
		return m.Begin.ID
	case m.Chunk != nil:
		return m.Chunk.ID
	case m.End != nil:
		return m.End.ID
	}
	return ""
}

// VisemeEvent is one measured span of speech: how long it lasted and which
// vowel classes were spoken during it.
type VisemeEvent struct {
	Duration float64  `json:"duration"`
	Vowels   []string `json:"vowels"`
	Text     string   `json:"text,omitempty"`
	Sequence int      `json:"sequence,omitempty"`
	Final    bool     `json:"final,omitempty"`
}

// SpeakRequest asks the speaker role to synthesize text.
type SpeakRequest struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Voice     string    `json:"voice,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StopRequest cancels speech for a session; an empty session stops everything.
type StopRequest struct {
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RigFrame carries the smoothed vowel weights for one render tick.
type RigFrame struct {
	A         float64   `json:"a"`
	I         float64   `json:"i"`
	U         float64   `json:"u"`
	E         float64   `json:"e"`
	O         float64   `json:"o"`
	Timestamp time.Time `json:"timestamp"`
}

// PlaybackReady announces a finalized stream handed to the playback device.
type PlaybackReady struct {
	ID         string `json:"id"`
	Frames     int    `json:"frames"`
	Channels   int    `json:"channels"`
	SampleRate int    `json:"sample_rate"`
	DurationMS int64  `json:"duration_ms"`
	Location   string `json:"location,omitempty"`
}
