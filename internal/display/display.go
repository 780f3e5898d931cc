// Package display receives each (original, translated) pair once a segment
// has been translated.
package display

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/protocol"
)

// Display is the transcript sink. Implementations must be safe to call from
// the translate-and-speak stage while a UI is attaching.
type Display interface {
	OnTranscript(original, translated string)
}

type nopDisplay struct{}

func (nopDisplay) OnTranscript(string, string) {}

// Safe returns d, or a no-op display when d is nil.
func Safe(d Display) Display {
	if d == nil {
		return nopDisplay{}
	}
	return d
}

// Writer prints aligned lines, one per utterance.
type Writer struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time
}

func NewWriter(out io.Writer) *Writer {
	return &Writer{out: out, now: time.Now}
}

func (w *Writer) OnTranscript(original, translated string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	stamp := w.now().Format("15:04:05")
	fmt.Fprintf(w.out, "%s  original    | %s\n", stamp, original)
	fmt.Fprintf(w.out, "%s  translation | %s\n", stamp, translated)
}

// Log records each pair as a structured log line.
type Log struct {
	log *slog.Logger
}

func NewLog(log *slog.Logger) *Log {
	return &Log{log: log.With(slog.String("component", "display"))}
}

func (l *Log) OnTranscript(original, translated string) {
	l.log.Info("utterance translated", slog.String("original", original), slog.String("translated", translated))
}

// Publisher is the subset of the bus client used by Bus.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Languages reports the pair in effect when a transcript is published.
type Languages interface {
	Languages() (input, output string)
}

// Bus publishes each pair as a protocol.TranscriptPair so remote displays
// can follow along.
type Bus struct {
	pub       Publisher
	subject   string
	sessionID string
	langs     Languages
	log       *slog.Logger
	now       func() time.Time
}

func NewBus(pub Publisher, subject, sessionID string, langs Languages, log *slog.Logger) *Bus {
	if subject == "" {
		subject = protocol.SubjectTranscript
	}
	return &Bus{
		pub:       pub,
		subject:   subject,
		sessionID: sessionID,
		langs:     langs,
		log:       log.With(slog.String("component", "display-bus")),
		now:       time.Now,
	}
}

func (b *Bus) OnTranscript(original, translated string) {
	msg := protocol.TranscriptPair{
		SessionID:  b.sessionID,
		Original:   original,
		Translated: translated,
		Timestamp:  b.now().UTC(),
	}
	if b.langs != nil {
		msg.InputLanguage, msg.OutputLanguage = b.langs.Languages()
	}
	if err := b.pub.PublishJSON(b.subject, msg); err != nil {
		b.log.Warn("failed to publish transcript", slog.String("error", err.Error()))
	}
}

// Multi fans out to every display in order.
type Multi []Display

func (m Multi) OnTranscript(original, translated string) {
	for _, d := range m {
		Safe(d).OnTranscript(original, translated)
	}
}
