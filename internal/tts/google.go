package tts

import (
	"context"
	"fmt"
	"strings"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"github.com/loqalabs/loqa-interpreter/internal/audio"
	"google.golang.org/api/option"
)

type googleSynth struct {
	client *texttospeech.Client
}

// NewGoogleSynth returns a Cloud Text-to-Speech synthesizer producing
// LINEAR16 audio, plus the func that closes its client.
func NewGoogleSynth(ctx context.Context, opts ...option.ClientOption) (Synthesizer, func() error, error) {
	client, err := texttospeech.NewClient(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("texttospeech client: %w", err)
	}
	return &googleSynth{client: client}, client.Close, nil
}

func ssmlGender(gender string) texttospeechpb.SsmlVoiceGender {
	switch strings.ToLower(gender) {
	case "male":
		return texttospeechpb.SsmlVoiceGender_MALE
	case "female":
		return texttospeechpb.SsmlVoiceGender_FEMALE
	default:
		return texttospeechpb.SsmlVoiceGender_NEUTRAL
	}
}

func (g *googleSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		resp, err := g.client.SynthesizeSpeech(ctx, &texttospeechpb.SynthesizeSpeechRequest{
			Input: &texttospeechpb.SynthesisInput{
				InputSource: &texttospeechpb.SynthesisInput_Text{Text: req.Text},
			},
			Voice: &texttospeechpb.VoiceSelectionParams{
				LanguageCode: req.Language,
				SsmlGender:   ssmlGender(req.Gender),
			},
			AudioConfig: &texttospeechpb.AudioConfig{
				AudioEncoding:   texttospeechpb.AudioEncoding_LINEAR16,
				SampleRateHertz: int32(req.SampleRate),
			},
		})
		if err != nil {
			errs <- fmt.Errorf("synthesize speech: %w", err)
			return
		}

		// LINEAR16 responses carry a WAV header.
		pcm, rate, channels, ok, err := audio.DecodeWAV(resp.GetAudioContent())
		if err != nil {
			errs <- err
			return
		}
		if !ok {
			rate, channels = req.SampleRate, 1
		}
		chunks <- SynthChunk{SampleRate: rate, Channels: channels, PCM: pcm, Final: true}
	}()
	return chunks, errs
}
