package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/coder/websocket"
	"github.com/loqalabs/loqa-interpreter/internal/config"
	"golang.org/x/sync/errgroup"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	deepgramModel    = "nova-3"
)

// DeepgramRecognizer streams audio to the Deepgram live transcription API.
type DeepgramRecognizer struct {
	apiKey   string
	model    string
	endpoint string
}

func NewDeepgramRecognizer(cfg config.STTConfig) (*DeepgramRecognizer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("deepgram: api key must not be empty")
	}
	d := &DeepgramRecognizer{apiKey: cfg.APIKey, model: cfg.Model, endpoint: cfg.Endpoint}
	if d.model == "" {
		d.model = deepgramModel
	}
	if d.endpoint == "" {
		d.endpoint = deepgramEndpoint
	}
	return d, nil
}

func (d *DeepgramRecognizer) buildURL(cfg StreamConfig) (string, error) {
	u, err := url.Parse(d.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", d.model)
	q.Set("language", cfg.Language)
	q.Set("encoding", cfg.Encoding)
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("channels", strconv.Itoa(cfg.Channels))
	q.Set("punctuate", strconv.FormatBool(cfg.Punctuate))
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *DeepgramRecognizer) Recognize(ctx context.Context, cfg StreamConfig, src FrameSource, onResponse func(Response)) error {
	wsURL, err := d.buildURL(cfg)
	if err != nil {
		return fmt.Errorf("deepgram: build URL: %w", err)
	}
	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return fmt.Errorf("deepgram: dial: %w", err)
	}
	defer conn.CloseNow()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, gctx := errgroup.WithContext(streamCtx)

	group.Go(func() error {
		for {
			frame, ok := src.Next(gctx)
			if !ok {
				break
			}
			if err := conn.Write(gctx, websocket.MessageBinary, frame.PCM); err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("deepgram: write audio: %w", err)
			}
		}
		if gctx.Err() != nil {
			return nil
		}
		// Ask the server to flush pending results and close.
		if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
			return fmt.Errorf("deepgram: close stream: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		defer cancel()
		for {
			_, msg, err := conn.Read(gctx)
			if err != nil {
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					return nil
				}
				return fmt.Errorf("deepgram: read: %w", err)
			}
			if resp, ok := parseDeepgramResponse(msg); ok {
				onResponse(resp)
			}
		}
	})

	err = group.Wait()
	if err == nil {
		conn.Close(websocket.StatusNormalClosure, "stream finished")
	}
	return err
}

type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseDeepgramResponse keeps only Results messages; metadata and
// speech-started events are ignored.
func parseDeepgramResponse(data []byte) (Response, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return Response{}, false
	}
	result := Result{Final: resp.IsFinal}
	for _, alt := range resp.Channel.Alternatives {
		result.Alternatives = append(result.Alternatives, Alternative{Transcript: alt.Transcript, Confidence: alt.Confidence})
	}
	return Response{Results: []Result{result}}, true
}
