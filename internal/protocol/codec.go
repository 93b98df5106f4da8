package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrMalformed marks payloads that fail to decode or violate the schema.
var ErrMalformed = errors.New("protocol: malformed message")

// Codec serializes bus payloads.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// NewCodec returns the codec registered under name.
func NewCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// JSONCodec rejects unknown fields when decoding.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after message")
	}
	return nil
}

// MsgpackCodec reuses the json struct tags so both codecs share one schema.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (MsgpackCodec) Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	dec.DisallowUnknownFields(true)
	return dec.Decode(v)
}

// wireStream is the flat key/value form of StreamMessage. Optional fields
// are pointers so a field that does not belong to the kind can be detected.
type wireStream struct {
	Kind         Kind     `json:"kind"`
	ID           string   `json:"id"`
	ChannelCount *int     `json:"channelCount,omitempty"`
	SampleRate   *float64 `json:"sampleRate,omitempty"`
	SampleFormat *string  `json:"sampleFormat,omitempty"`
	Interleaved  *bool    `json:"interleaved,omitempty"`
	Sequence     *int     `json:"sequence,omitempty"`
	Payload      []byte   `json:"payload,omitempty"`
	FrameCount   *int     `json:"frameCount,omitempty"`
}

// EncodeStream validates and serializes a stream envelope.
func EncodeStream(c Codec, m StreamMessage) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	w := wireStream{Kind: m.Kind}
	switch m.Kind {
	case KindBegin:
		b := m.Begin
		sr := float64(b.SampleRate)
		w.ID = b.ID
		w.ChannelCount = &b.ChannelCount
		w.SampleRate = &sr
		w.SampleFormat = &b.SampleFormat
		w.Interleaved = &b.Interleaved
	case KindChunk:
		ch := m.Chunk
		w.ID = ch.ID
		w.Sequence = &ch.Sequence
		w.Payload = ch.Payload
		w.FrameCount = &ch.FrameCount
	case KindEnd:
		w.ID = m.End.ID
		w.Sequence = &m.End.Sequence
	}
	return c.Marshal(w)
}

// DecodeStream parses and validates a stream envelope. Every failure wraps
// ErrMalformed.
func DecodeStream(c Codec, data []byte) (StreamMessage, error) {
	var w wireStream
	if err := c.Unmarshal(data, &w); err != nil {
		return StreamMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var m StreamMessage
	m.Kind = w.Kind
	switch w.Kind {
	case KindBegin:
		if w.ChannelCount == nil || w.SampleRate == nil || w.SampleFormat == nil || w.Interleaved == nil {
			return StreamMessage{}, fmt.Errorf("%w: begin missing required fields", ErrMalformed)
		}
		if w.Sequence != nil || w.Payload != nil || w.FrameCount != nil {
			return StreamMessage{}, fmt.Errorf("%w: begin carries chunk fields", ErrMalformed)
		}
		if math.IsNaN(*w.SampleRate) || math.IsInf(*w.SampleRate, 0) {
			return StreamMessage{}, fmt.Errorf("%w: sample rate not finite", ErrMalformed)
		}
		m.Begin = &StreamBegin{
			ID:           w.ID,
			ChannelCount: *w.ChannelCount,
			SampleRate:   int(math.Round(*w.SampleRate)),
			SampleFormat: *w.SampleFormat,
			Interleaved:  *w.Interleaved,
		}
	case KindChunk:
		if w.Sequence == nil || w.FrameCount == nil {
			return StreamMessage{}, fmt.Errorf("%w: chunk missing required fields", ErrMalformed)
		}
		if w.ChannelCount != nil || w.SampleRate != nil || w.SampleFormat != nil || w.Interleaved != nil {
			return StreamMessage{}, fmt.Errorf("%w: chunk carries begin fields", ErrMalformed)
		}
		m.Chunk = &StreamChunk{ID: w.ID, Sequence: *w.Sequence, Payload: w.Payload, FrameCount: *w.FrameCount}
	case KindEnd:
		if w.Sequence == nil {
			return StreamMessage{}, fmt.Errorf("%w: end missing sequence", ErrMalformed)
		}
		if w.ChannelCount != nil || w.SampleRate != nil || w.SampleFormat != nil || w.Interleaved != nil ||
			w.Payload != nil || w.FrameCount != nil {
			return StreamMessage{}, fmt.Errorf("%w: end carries extra fields", ErrMalformed)
		}
		m.End = &StreamEnd{ID: w.ID, Sequence: *w.Sequence}
	default:
		return StreamMessage{}, fmt.Errorf("%w: unknown kind %q", ErrMalformed, w.Kind)
	}
	if err := m.Validate(); err != nil {
		return StreamMessage{}, err
	}
	return m, nil
}

// Validate checks the schema invariants of the set variant.
func (m StreamMessage) Validate() error {
	set := 0
	for _, ok := range []bool{m.Begin != nil, m.Chunk != nil, m.End != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: exactly one variant must be set", ErrMalformed)
	}
	switch m.Kind {
	case KindBegin:
		b := m.Begin
		if b == nil {
			return fmt.Errorf("%w: kind begin without begin body", ErrMalformed)
		}
		if b.ID == "" {
			return fmt.Errorf("%w: empty stream id", ErrMalformed)
		}
		if b.ChannelCount < 1 {
			return fmt.Errorf("%w: channel count %d", ErrMalformed, b.ChannelCount)
		}
		if b.SampleRate < 8000 {
			return fmt.Errorf("%w: sample rate %d", ErrMalformed, b.SampleRate)
		}
		if b.SampleFormat != SampleFormatFloat32 {
			return fmt.Errorf("%w: sample format %q", ErrMalformed, b.SampleFormat)
		}
		if !b.Interleaved {
			return fmt.Errorf("%w: planar streams are not supported", ErrMalformed)
		}
	case KindChunk:
		ch := m.Chunk
		if ch == nil {
			return fmt.Errorf("%w: kind chunk without chunk body", ErrMalformed)
		}
		if ch.ID == "" {
			return fmt.Errorf("%w: empty stream id", ErrMalformed)
		}
		if ch.Sequence < 0 {
			return fmt.Errorf("%w: negative sequence", ErrMalformed)
		}
		if len(ch.Payload) == 0 || len(ch.Payload)%4 != 0 {
			return fmt.Errorf("%w: payload length %d", ErrMalformed, len(ch.Payload))
		}
		if ch.FrameCount <= 0 {
			return fmt.Errorf("%w: frame count %d", ErrMalformed, ch.FrameCount)
		}
	case KindEnd:
		if m.End == nil {
			return fmt.Errorf("%w: kind end without end body", ErrMalformed)
		}
		if m.End.ID == "" {
			return fmt.Errorf("%w: empty stream id", ErrMalformed)
		}
		if m.End.Sequence < 0 {
			return fmt.Errorf("%w: negative sequence", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, m.Kind)
	}
	return nil
}

// Validate checks a viseme event received over the bridge.
func (e VisemeEvent) Validate() error {
	if math.IsNaN(e.Duration) || math.IsInf(e.Duration, 0) || e.Duration <= 0 {
		return fmt.Errorf("%w: duration %v", ErrMalformed, e.Duration)
	}
	for i, v := range e.Vowels {
		if utf8.RuneCountInString(v) != 1 {
			return fmt.Errorf("%w: vowel %d is %q, want a single symbol", ErrMalformed, i, v)
		}
	}
	return nil
}

// DecodeViseme parses and validates a viseme event.
func DecodeViseme(c Codec, data []byte) (VisemeEvent, error) {
	var e VisemeEvent
	if err := c.Unmarshal(data, &e); err != nil {
		return VisemeEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := e.Validate(); err != nil {
		return VisemeEvent{}, err
	}
	return e, nil
}

// Decode parses a control payload such as SpeakRequest or StopRequest.
func Decode(c Codec, data []byte, v any) error {
	if err := c.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
