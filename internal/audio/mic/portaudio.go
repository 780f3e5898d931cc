// Package mic captures microphone input through PortAudio.
package mic

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/loqalabs/loqa-interpreter/internal/audio"
)

// PortAudio captures from the default input device.
//
// It implements audio.InputDevice.
type PortAudio struct {
	mu          sync.Mutex
	initialized bool
}

func NewPortAudio() (*PortAudio, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	return &PortAudio{initialized: true}, nil
}

// Close releases the PortAudio library. Streams must be closed first.
func (p *PortAudio) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return nil
	}
	p.initialized = false
	return portaudio.Terminate()
}

func (p *PortAudio) Open(params audio.StreamParams, callback func(audio.Block)) (audio.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return nil, errors.New("portaudio: device closed")
	}

	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("default input device: %w", err)
	}
	var sp portaudio.StreamParameters
	if params.LowLatency {
		sp = portaudio.LowLatencyParameters(dev, nil)
	} else {
		sp = portaudio.HighLatencyParameters(dev, nil)
	}
	sp.Input.Channels = params.Channels
	sp.Output.Channels = 0
	sp.SampleRate = float64(params.SampleRate)
	sp.FramesPerBuffer = params.BlockSize

	handler := func(in []int16, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
		callback(audio.Block{Samples: in, Status: convertFlags(flags), At: time.Now()})
	}
	stream, err := portaudio.OpenStream(sp, handler)
	if err != nil {
		return nil, fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("start input stream: %w", err)
	}
	return &portaudioStream{stream: stream}, nil
}

func convertFlags(flags portaudio.StreamCallbackFlags) audio.StatusFlags {
	var out audio.StatusFlags
	if flags&portaudio.InputUnderflow != 0 {
		out |= audio.InputUnderflow
	}
	if flags&portaudio.InputOverflow != 0 {
		out |= audio.InputOverflow
	}
	return out
}

type portaudioStream struct {
	stream *portaudio.Stream
	once   sync.Once
	err    error
}

func (s *portaudioStream) Close() error {
	s.once.Do(func() {
		stopErr := s.stream.Stop()
		closeErr := s.stream.Close()
		s.err = errors.Join(stopErr, closeErr)
	})
	return s.err
}
