package stt

import (
	"context"

	"github.com/loqalabs/loqa-interpreter/internal/protocol"
)

// StreamConfig is sent once at the start of each recognition stream.
type StreamConfig struct {
	Language       string
	SampleRate     int
	Channels       int
	Encoding       string
	Punctuate      bool
	InterimResults bool
}

// Alternative is one ranked hypothesis for a result.
type Alternative struct {
	Transcript string
	Confidence float64
}

// Result is one recognition result; Final is false for interim hypotheses.
type Result struct {
	Final        bool
	Alternatives []Alternative
}

// Response is one message from the recognizer.
type Response struct {
	Results []Result
}

// FrameSource feeds audio into a recognition stream. Next returns false when
// the stream should end: no audio arrived within the pull timeout, the
// session stopped, or ctx ended.
type FrameSource interface {
	Next(ctx context.Context) (protocol.AudioFrame, bool)
}

// Recognizer abstracts streaming STT backends. Recognize consumes frames from
// src until it is exhausted, delivering responses to onResponse as they
// arrive, and returns nil when the stream ends cleanly.
type Recognizer interface {
	Recognize(ctx context.Context, cfg StreamConfig, src FrameSource, onResponse func(Response)) error
}

// FinalTranscript extracts the text used from a response: the top alternative
// of the first result, when that result is final.
func FinalTranscript(resp Response) (Alternative, bool) {
	if len(resp.Results) == 0 {
		return Alternative{}, false
	}
	first := resp.Results[0]
	if !first.Final || len(first.Alternatives) == 0 {
		return Alternative{}, false
	}
	return first.Alternatives[0], true
}
