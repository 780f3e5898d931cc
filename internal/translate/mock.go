package translate

import (
	"context"
	"strings"
)

// MockTranslator tags the text with the target language.
type MockTranslator struct{}

func NewMockTranslator() *MockTranslator { return &MockTranslator{} }

func (MockTranslator) Translate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "[" + req.Target + "] " + strings.TrimSpace(req.Text), nil
}
