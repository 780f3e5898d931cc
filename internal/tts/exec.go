package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execSynth runs a local command per utterance. The command reads one JSON
// request on stdin and writes a stream of {"pcm_base64", "final"} objects.
type execSynth struct {
	argv       []string
	sampleRate int
	channels   int

	// One voice process at a time; local engines tend to hold the device.
	mu sync.Mutex
}

type execRequest struct {
	Text       string `json:"text"`
	Language   string `json:"language"`
	Gender     string `json:"gender,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execChunk struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("tts command empty")
	}
	if channels <= 0 {
		channels = 1
	}
	return &execSynth{argv: argv, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(chunks)
		e.mu.Lock()
		defer e.mu.Unlock()
		if err := e.run(ctx, req, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (e *execSynth) run(ctx context.Context, req SynthRequest, out chan<- SynthChunk) error {
	rate := req.SampleRate
	if rate <= 0 {
		rate = e.sampleRate
	}
	payload, err := json.Marshal(execRequest{
		Text:       req.Text,
		Language:   req.Language,
		Gender:     req.Gender,
		SampleRate: rate,
		Channels:   e.channels,
	})
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, e.argv[0], e.argv[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tts command: %w", err)
	}

	decodeErr := e.decode(ctx, stdout, rate, out)
	if decodeErr != nil {
		// Unblock a command still writing into the pipe.
		_, _ = io.Copy(io.Discard, stdout)
	}
	if err := cmd.Wait(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("tts command: %w: %s", err, msg)
		}
		return fmt.Errorf("tts command: %w", err)
	}
	return decodeErr
}

func (e *execSynth) decode(ctx context.Context, r io.Reader, rate int, out chan<- SynthChunk) error {
	dec := json.NewDecoder(r)
	for seq := 0; ; seq++ {
		var c execChunk
		if err := dec.Decode(&c); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode tts chunk: %w", err)
		}
		pcm, err := base64.StdEncoding.DecodeString(c.PCMBase64)
		if err != nil {
			return fmt.Errorf("decode tts audio: %w", err)
		}
		select {
		case out <- SynthChunk{Sequence: seq, SampleRate: rate, Channels: e.channels, PCM: pcm, Final: c.Final}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
