package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-interpreter/internal/config"
	"google.golang.org/api/option"
)

// New builds the recognizer selected by cfg.Mode. The returned close func is
// never nil.
func New(ctx context.Context, cfg config.STTConfig, googleOpts ...option.ClientOption) (Recognizer, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(), noop, nil
	case "exec":
		r, err := NewExecRecognizer(cfg)
		if err != nil {
			return nil, noop, err
		}
		return r, noop, nil
	case "google":
		r, err := NewGoogleRecognizer(ctx, googleOpts...)
		if err != nil {
			return nil, noop, err
		}
		return r, r.Close, nil
	case "deepgram":
		r, err := NewDeepgramRecognizer(cfg)
		if err != nil {
			return nil, noop, err
		}
		return r, noop, nil
	default:
		return nil, noop, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}
