package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/audio"
	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/mattn/go-shellwords"
)

// maxExecSegment bounds how much audio is buffered before the command runs.
const maxExecSegment = 30 * time.Second

// ExecRecognizer runs a local command once per utterance. The command gets
// the audio as a WAV file and prints {"text": ..., "confidence": ...}.
type ExecRecognizer struct {
	cmd       []string
	modelPath string
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(cfg config.STTConfig) (*ExecRecognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &ExecRecognizer{cmd: args, modelPath: cfg.ModelPath}, nil
}

func (r *ExecRecognizer) Recognize(ctx context.Context, cfg StreamConfig, src FrameSource, onResponse func(Response)) error {
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	limit := int(maxExecSegment/time.Second) * rate * channels * 2

	var pcm []byte
	for len(pcm) < limit {
		frame, ok := src.Next(ctx)
		if !ok {
			break
		}
		pcm = append(pcm, frame.PCM...)
	}
	if len(pcm) == 0 {
		return ctx.Err()
	}

	result, err := r.transcribe(ctx, pcm, rate, channels, cfg.Language)
	if err != nil {
		return err
	}
	onResponse(Response{Results: []Result{{
		Final:        true,
		Alternatives: []Alternative{{Transcript: result.Text, Confidence: result.Confidence}},
	}}})
	return nil
}

func (r *ExecRecognizer) transcribe(ctx context.Context, pcm []byte, sampleRate, channels int, language string) (execResult, error) {
	file, err := os.CreateTemp("", "loqa_stt_*.wav")
	if err != nil {
		return execResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.WriteWAV(file, pcm, sampleRate, channels); err != nil {
		return execResult{}, err
	}

	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if r.modelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.modelPath)
	}
	if language != "" {
		cmdArgs = append(cmdArgs, "--language", language)
	}

	command := exec.CommandContext(ctx, r.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return execResult{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return execResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return resp, nil
}
