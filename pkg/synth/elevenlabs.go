package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const elevenLabsDefaultBaseURL = "https://api.elevenlabs.io"

// ElevenLabs streams PCM audio from the ElevenLabs HTTP streaming endpoint.
type ElevenLabs struct {
	apiKey     string
	baseURL    string
	modelID    string
	httpClient *http.Client
}

// NewElevenLabs builds the provider with the default HTTP client.
func NewElevenLabs(apiKey string) *ElevenLabs {
	return NewElevenLabsWithClient(apiKey, nil)
}

// NewElevenLabsWithClient allows injecting an HTTP client (tests point it at
// a local server).
func NewElevenLabsWithClient(apiKey string, client *http.Client) *ElevenLabs {
	if client == nil {
		client = &http.Client{}
	}
	return &ElevenLabs{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    elevenLabsDefaultBaseURL,
		modelID:    "eleven_flash_v2_5",
		httpClient: client,
	}
}

// WithBaseURL overrides the API base URL.
func (e *ElevenLabs) WithBaseURL(base string) *ElevenLabs {
	if e == nil {
		return e
	}
	base = strings.TrimSpace(base)
	if base != "" {
		e.baseURL = strings.TrimRight(base, "/")
	}
	return e
}

func (e *ElevenLabs) Name() string { return "elevenlabs" }

// Stream requests streamed synthesis for one sentence. previousText rides
// along as the `previous_text` field so prosody carries across sentence
// boundaries.
func (e *ElevenLabs) Stream(ctx context.Context, text, previousText string, opts Options) *AudioStream {
	stream := NewAudioStream()

	text = strings.TrimSpace(text)
	if text == "" {
		stream.Finish()
		return stream
	}
	if e == nil || e.apiKey == "" {
		stream.SetErr(fmt.Errorf("elevenlabs api key is required"))
		stream.Finish()
		return stream
	}
	voice := strings.TrimSpace(opts.Voice)
	if voice == "" {
		stream.SetErr(fmt.Errorf("voice id is required"))
		stream.Finish()
		return stream
	}
	sampleRate := opts.SampleRate
	if sampleRate <= 0 {
		sampleRate = 24000
	}

	body := map[string]any{
		"text":     text,
		"model_id": e.modelID,
	}
	if prev := strings.TrimSpace(TailForContext(previousText)); prev != "" {
		body["previous_text"] = prev
	}
	payload, err := json.Marshal(body)
	if err != nil {
		stream.SetErr(err)
		stream.Finish()
		return stream
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s/stream?output_format=pcm_%d",
		e.baseURL, url.PathEscape(voice), sampleRate)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		stream.SetErr(err)
		stream.Finish()
		return stream
	}
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	go func() {
		defer stream.Finish()

		resp, err := e.httpClient.Do(req)
		if err != nil {
			stream.SetErr(err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			stream.SetErr(fmt.Errorf("elevenlabs: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))))
			return
		}

		buf := make([]byte, 8192)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if !stream.Push(chunk) {
					return
				}
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					stream.SetErr(err)
				}
				return
			}
		}
	}()
	return stream
}
