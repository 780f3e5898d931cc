package tts

import (
	"context"
	"errors"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	Text       string
	Language   string
	Gender     string
	SampleRate int
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Clip is a complete utterance ready for playback.
type Clip struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Synthesizer is the contract for producing audio. Both channels are closed
// when synthesis ends.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// ErrEmptyAudio is returned when a synthesizer produced no samples.
var ErrEmptyAudio = errors.New("tts: synthesizer returned no audio")

// Collect runs req and joins the streamed chunks into one clip.
func Collect(ctx context.Context, synth Synthesizer, req SynthRequest) (Clip, error) {
	chunks, errs := synth.Synthesize(ctx, req)
	var clip Clip
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if clip.SampleRate == 0 {
				clip.SampleRate = chunk.SampleRate
				clip.Channels = chunk.Channels
			}
			clip.PCM = append(clip.PCM, chunk.PCM...)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return Clip{}, err
			}
		case <-ctx.Done():
			return Clip{}, ctx.Err()
		}
	}
	if len(clip.PCM) == 0 {
		return Clip{}, ErrEmptyAudio
	}
	if clip.SampleRate == 0 {
		clip.SampleRate = req.SampleRate
	}
	if clip.Channels == 0 {
		clip.Channels = 1
	}
	return clip, nil
}
