package stt

import (
	"context"
	"fmt"
	"time"
)

// MockRecognizer collects a stream's audio and answers with one final
// transcript describing it. Useful for wiring checks without credentials.
type MockRecognizer struct{}

func NewMockRecognizer() *MockRecognizer {
	return &MockRecognizer{}
}

func (m *MockRecognizer) Recognize(ctx context.Context, cfg StreamConfig, src FrameSource, onResponse func(Response)) error {
	var frames, bytes int
	for {
		frame, ok := src.Next(ctx)
		if !ok {
			break
		}
		frames++
		bytes += len(frame.PCM)
	}
	if frames == 0 {
		return ctx.Err()
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	duration := time.Duration(bytes/2) * time.Second / time.Duration(rate)
	onResponse(Response{Results: []Result{{
		Final: true,
		Alternatives: []Alternative{{
			Transcript: fmt.Sprintf("[%s transcript frames=%d duration=%s]", cfg.Language, frames, duration.Round(time.Millisecond)),
		}},
	}}})
	return nil
}
