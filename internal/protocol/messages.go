package protocol

import "time"

// AudioFrame is one voiced block of PCM (signed 16-bit little-endian) handed
// from capture to recognition. Frames are not modified after they are enqueued.
type AudioFrame struct {
	PCM        []byte    `json:"pcm"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	CapturedAt time.Time `json:"captured_at"`
}

// Transcript is a finalized recognition segment in the input language.
type Transcript struct {
	Text        string    `json:"text"`
	Language    string    `json:"language"`
	FinalizedAt time.Time `json:"finalized_at"`
	Confidence  float64   `json:"confidence,omitempty"`
}

// TranscriptPair is published to displays once a segment has been translated.
type TranscriptPair struct {
	SessionID      string    `json:"session_id"`
	Original       string    `json:"original"`
	Translated     string    `json:"translated"`
	InputLanguage  string    `json:"input_language"`
	OutputLanguage string    `json:"output_language"`
	Timestamp      time.Time `json:"timestamp"`
}

// LanguageRequest asks the runtime to change the conversation languages.
type LanguageRequest struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// LanguageReply reports the languages in effect after a request.
type LanguageReply struct {
	Input  string `json:"input"`
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

const (
	SubjectTranscript       = "interp.transcript"
	SubjectControlLanguages = "interp.control.languages"
	SubjectLanguagesChanged = "interp.languages.changed"
)

// Pipeline event types recorded in the event store.
const (
	EventSessionStart     = "session.start"
	EventSessionStop      = "session.stop"
	EventCaptureRestart   = "capture.restart"
	EventRecognizerRetry  = "stt.reconnect"
	EventLanguagesChanged = "languages.changed"
	EventUtteranceDropped = "utterance.dropped"
)
