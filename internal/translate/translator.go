// Package translate turns finalized transcripts into text in the output
// language.
package translate

import (
	"context"
	"fmt"
	"html"
	"strings"
)

// Request is one segment to translate. Source may be empty when the backend
// detects the input language itself.
type Request struct {
	Text   string
	Source string
	Target string
}

// Translator abstracts translation backends.
type Translator interface {
	Translate(ctx context.Context, req Request) (string, error)
}

// Clean decodes HTML entities left by translation services and trims
// surrounding whitespace. Tags are left in place.
func Clean(text string) string {
	return strings.TrimSpace(html.UnescapeString(text))
}

func systemPrompt(source, target string) string {
	from := source
	if from == "" {
		from = "the detected language"
	}
	return fmt.Sprintf("You are a live interpreter. Translate the user's message from %s to %s. "+
		"Reply with the translation only, without quotes, notes or explanations.", from, target)
}
