package audio

import (
	"context"
	"strings"
	"time"
)

// StatusFlags mirrors the overrun/underrun bits reported by the audio driver.
type StatusFlags uint8

const (
	InputUnderflow StatusFlags = 1 << iota
	InputOverflow
)

func (f StatusFlags) String() string {
	if f == 0 {
		return "ok"
	}
	var parts []string
	if f&InputUnderflow != 0 {
		parts = append(parts, "input_underflow")
	}
	if f&InputOverflow != 0 {
		parts = append(parts, "input_overflow")
	}
	return strings.Join(parts, "|")
}

// Block is one callback's worth of samples. Samples is only valid for the
// duration of the callback.
type Block struct {
	Samples []int16
	Status  StatusFlags
	At      time.Time
}

// StreamParams describes the capture format.
type StreamParams struct {
	SampleRate int
	Channels   int
	BlockSize  int
	LowLatency bool
}

// Stream is an open capture stream.
type Stream interface {
	Close() error
}

// InputDevice opens capture streams. The callback runs on the driver's
// real-time thread and must return promptly.
type InputDevice interface {
	Open(params StreamParams, callback func(Block)) (Stream, error)
}

// Player plays a PCM16 clip and returns once playback has finished.
type Player interface {
	Play(ctx context.Context, pcm []byte, sampleRate int) error
}

// Discard is a Player for headless runs. It holds the caller for the
// duration of the clip so pacing matches real playback.
type Discard struct {
	Channels int
}

func (d Discard) Play(ctx context.Context, pcm []byte, sampleRate int) error {
	channels := d.Channels
	if channels <= 0 {
		channels = 1
	}
	if sampleRate <= 0 || len(pcm) == 0 {
		return nil
	}
	samples := len(pcm) / 2 / channels
	duration := time.Duration(samples) * time.Second / time.Duration(sampleRate)
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
