package translate

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/translate"
	"golang.org/x/text/language"
	"google.golang.org/api/option"
)

// GoogleTranslator calls Cloud Translation (v2 API). Results use the HTML
// format, so callers run them through Clean.
type GoogleTranslator struct {
	client *translate.Client
}

func NewGoogleTranslator(ctx context.Context, opts ...option.ClientOption) (*GoogleTranslator, error) {
	client, err := translate.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("translate client: %w", err)
	}
	return &GoogleTranslator{client: client}, nil
}

func (g *GoogleTranslator) Close() error {
	return g.client.Close()
}

func (g *GoogleTranslator) Translate(ctx context.Context, req Request) (string, error) {
	target, err := language.Parse(req.Target)
	if err != nil {
		return "", fmt.Errorf("parse target language %q: %w", req.Target, err)
	}
	opts := &translate.Options{}
	if req.Source != "" {
		source, err := language.Parse(req.Source)
		if err != nil {
			return "", fmt.Errorf("parse source language %q: %w", req.Source, err)
		}
		opts.Source = source
	}
	results, err := g.client.Translate(ctx, []string{req.Text}, target, opts)
	if err != nil {
		return "", fmt.Errorf("translate: %w", err)
	}
	if len(results) == 0 {
		return "", errors.New("translate: empty response")
	}
	return results[0].Text, nil
}
