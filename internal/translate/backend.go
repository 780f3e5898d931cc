package translate

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-interpreter/internal/config"
	"google.golang.org/api/option"
)

// New builds the translator selected by cfg.Mode, wrapped in the LRU cache
// when one is configured. The returned close func is never nil.
func New(ctx context.Context, cfg config.TranslationConfig, googleOpts ...option.ClientOption) (Translator, func() error, error) {
	noop := func() error { return nil }
	var (
		backend Translator
		closeFn = noop
	)
	switch cfg.Mode {
	case "", "mock":
		backend = NewMockTranslator()
	case "google":
		g, err := NewGoogleTranslator(ctx, googleOpts...)
		if err != nil {
			return nil, noop, err
		}
		backend, closeFn = g, g.Close
	case "openai":
		o, err := NewOpenAITranslator(cfg.APIKey, cfg.Model, cfg.Endpoint)
		if err != nil {
			return nil, noop, err
		}
		backend = o
	case "ollama":
		backend = NewOllamaTranslator(cfg.Endpoint, cfg.Model)
	case "exec":
		e, err := NewExecTranslator(cfg.Command)
		if err != nil {
			return nil, noop, err
		}
		backend = e
	default:
		return nil, noop, fmt.Errorf("unsupported translation mode %q", cfg.Mode)
	}
	cached, err := NewCached(backend, cfg.CacheSize)
	if err != nil {
		_ = closeFn()
		return nil, noop, err
	}
	return cached, closeFn, nil
}
