package synth

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/audio"
	"github.com/mattn/go-shellwords"
)

// ExecEngine runs an external synthesizer. The request is written to stdin
// as JSON; the command answers with one JSON object per line:
//
//	{"type":"span","text":"こん"}
//	{"type":"audio","pcm_base64":"...","sample_rate":22050,"channels":1,"encoding":"s16le"}
//	{"type":"final"}
//
// Audio lines may omit the format fields to use the configured defaults.
// Invocations are serialized.
type ExecEngine struct {
	cmd     []string
	format  audio.Format
	timeout time.Duration
	mu      sync.Mutex
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Encoding   string `json:"encoding"`
}

type execLine struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PCMBase64   string `json:"pcm_base64,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
	Channels    int    `json:"channels,omitempty"`
	Encoding    string `json:"encoding,omitempty"`
	Interleaved *bool  `json:"interleaved,omitempty"`
	Final       bool   `json:"final,omitempty"`
}

func NewExecEngine(command string, format audio.Format, timeout time.Duration) (*ExecEngine, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse synth command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("synth command empty")
	}
	return &ExecEngine{cmd: args, format: format, timeout: timeout}, nil
}

func (e *ExecEngine) Synthesize(ctx context.Context, req Request) (<-chan Event, <-chan error) {
	events := make(chan Event)
	errs := make(chan error, 1)
	go func() {
		defer close(events)
		defer close(errs)
		e.mu.Lock()
		defer e.mu.Unlock()
		if err := e.run(ctx, req, events); err != nil {
			errs <- err
		}
	}()
	return events, errs
}

func (e *ExecEngine) run(ctx context.Context, req Request, events chan<- Event) error {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	send := func(ev Event) error {
		select {
		case events <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	data, err := json.Marshal(execRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		SampleRate: e.format.SampleRate,
		Channels:   e.format.Channels,
		Encoding:   string(e.format.Encoding),
	})
	if err != nil {
		return err
	}

	runCtx, kill := context.WithCancel(ctx)
	defer kill()
	cmd := exec.CommandContext(runCtx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start synth command: %w", err)
	}
	abort := func(err error) error {
		kill()
		cmd.Wait()
		return err
	}
	if err := send(Event{Kind: Started, Format: e.format}); err != nil {
		return abort(err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	finished := false
	for !finished && scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, last, err := e.parseLine(line)
		if err != nil {
			return abort(err)
		}
		if ev != nil {
			if err := send(*ev); err != nil {
				return abort(err)
			}
		}
		finished = last
	}
	io.Copy(io.Discard, stdout)
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("synth command failed: %w: %s", err, stderr.String())
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return send(Event{Kind: Finished, Format: e.format, Data: []byte{}})
}

// parseLine converts one output line. Lines without a type are treated as
// audio, with final marking the last one.
func (e *ExecEngine) parseLine(line []byte) (*Event, bool, error) {
	var l execLine
	if err := json.Unmarshal(line, &l); err != nil {
		return nil, false, fmt.Errorf("decode synth output: %w", err)
	}
	switch l.Type {
	case "span":
		return &Event{Kind: Span, Text: l.Text}, false, nil
	case "final":
		return nil, true, nil
	case "audio", "":
		pcm, err := base64.StdEncoding.DecodeString(l.PCMBase64)
		if err != nil {
			return nil, false, fmt.Errorf("decode synth audio: %w", err)
		}
		format := e.format
		if l.SampleRate > 0 {
			format.SampleRate = l.SampleRate
		}
		if l.Channels > 0 {
			format.Channels = l.Channels
		}
		if l.Encoding != "" {
			format.Encoding = audio.Encoding(l.Encoding)
		}
		if l.Interleaved != nil {
			format.Interleaved = *l.Interleaved
		}
		if len(pcm) == 0 {
			return nil, l.Final, nil
		}
		return &Event{Kind: Audio, Format: format, Data: pcm}, l.Final, nil
	}
	return nil, false, fmt.Errorf("unknown synth output type %q", l.Type)
}
