package stt

import (
	"context"
	"errors"
	"fmt"
	"io"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"
)

// GoogleRecognizer streams audio to Cloud Speech-to-Text.
type GoogleRecognizer struct {
	client *speech.Client
}

func NewGoogleRecognizer(ctx context.Context, opts ...option.ClientOption) (*GoogleRecognizer, error) {
	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("speech client: %w", err)
	}
	return &GoogleRecognizer{client: client}, nil
}

func (g *GoogleRecognizer) Close() error {
	return g.client.Close()
}

func (g *GoogleRecognizer) Recognize(ctx context.Context, cfg StreamConfig, src FrameSource, onResponse func(Response)) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, gctx := errgroup.WithContext(streamCtx)

	stream, err := g.client.StreamingRecognize(gctx)
	if err != nil {
		return fmt.Errorf("open streaming recognize: %w", err)
	}
	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz:            int32(cfg.SampleRate),
					AudioChannelCount:          int32(cfg.Channels),
					LanguageCode:               cfg.Language,
					EnableAutomaticPunctuation: cfg.Punctuate,
				},
				InterimResults: cfg.InterimResults,
			},
		},
	}); err != nil {
		return fmt.Errorf("send streaming config: %w", err)
	}

	group.Go(func() error {
		for {
			frame, ok := src.Next(gctx)
			if !ok {
				return stream.CloseSend()
			}
			err := stream.Send(&speechpb.StreamingRecognizeRequest{
				StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: frame.PCM},
			})
			if err != nil {
				// The receive side reports the real status.
				if errors.Is(err, io.EOF) || gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("send audio: %w", err)
			}
		}
	})

	group.Go(func() error {
		defer cancel()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("receive: %w", err)
			}
			if status := resp.GetError(); status != nil && status.GetCode() != 0 {
				return fmt.Errorf("speech error %d: %s", status.GetCode(), status.GetMessage())
			}
			onResponse(convertGoogle(resp))
		}
	})

	return group.Wait()
}

func convertGoogle(resp *speechpb.StreamingRecognizeResponse) Response {
	out := Response{Results: make([]Result, 0, len(resp.GetResults()))}
	for _, r := range resp.GetResults() {
		result := Result{Final: r.GetIsFinal()}
		for _, alt := range r.GetAlternatives() {
			result.Alternatives = append(result.Alternatives, Alternative{
				Transcript: alt.GetTranscript(),
				Confidence: float64(alt.GetConfidence()),
			})
		}
		out.Results = append(out.Results, result)
	}
	return out
}
