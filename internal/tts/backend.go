package tts

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-interpreter/internal/config"
	"google.golang.org/api/option"
)

// New builds the synthesizer selected by cfg.Mode. The returned close func is
// never nil.
func New(ctx context.Context, cfg config.TTSConfig, googleOpts ...option.ClientOption) (Synthesizer, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), noop, nil
	case "exec":
		s, err := NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	case "google":
		s, closeFn, err := NewGoogleSynth(ctx, googleOpts...)
		if err != nil {
			return nil, noop, err
		}
		return s, closeFn, nil
	default:
		return nil, noop, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}
