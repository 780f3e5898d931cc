// Package playback plays synthesized speech on the local output device.
package playback

import (
	"context"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/speaker"
	"github.com/loqalabs/loqa-interpreter/internal/audio"
)

// Speaker plays clips through the default output device. Clips are played one
// at a time; Play blocks until the clip is done or ctx ends.
type Speaker struct {
	rate beep.SampleRate
	mu   sync.Mutex
}

// NewSpeaker initialises the output device at sampleRate with the given
// buffer duration.
func NewSpeaker(sampleRate int, buffer time.Duration) (*Speaker, error) {
	rate := beep.SampleRate(sampleRate)
	if buffer <= 0 {
		buffer = 100 * time.Millisecond
	}
	if err := speaker.Init(rate, rate.N(buffer)); err != nil {
		return nil, err
	}
	return &Speaker{rate: rate}, nil
}

func (s *Speaker) Play(ctx context.Context, pcm []byte, sampleRate int) error {
	samples, err := audio.BytesToInt16(pcm)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var clip beep.Streamer = NewPCMStreamer(samples)
	if src := beep.SampleRate(sampleRate); src != s.rate && sampleRate > 0 {
		clip = beep.Resample(4, src, s.rate, clip)
	}

	done := make(chan struct{})
	speaker.Play(beep.Seq(clip, beep.Callback(func() { close(done) })))
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		speaker.Clear()
		return ctx.Err()
	}
}

func (s *Speaker) Close() {
	speaker.Clear()
	speaker.Close()
}

// PCMStreamer streams mono int16 samples as beep stereo frames.
type PCMStreamer struct {
	samples []int16
	pos     int
}

func NewPCMStreamer(samples []int16) *PCMStreamer {
	return &PCMStreamer{samples: samples}
}

var _ beep.Streamer = (*PCMStreamer)(nil)

func (p *PCMStreamer) Stream(out [][2]float64) (int, bool) {
	if p.pos >= len(p.samples) {
		return 0, false
	}
	n := 0
	for n < len(out) && p.pos < len(p.samples) {
		v := float64(p.samples[p.pos]) / 32768.0
		out[n] = [2]float64{v, v}
		n++
		p.pos++
	}
	return n, true
}

func (*PCMStreamer) Err() error { return nil }
