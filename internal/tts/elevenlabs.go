package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/solhealth/solace/internal/reliability"
)

// ElevenLabsConfig configures the primary hosted voice backend.
type ElevenLabsConfig struct {
	APIKey       string
	BaseURL      string
	VoiceID      string
	ModelID      string
	OutputFormat string
	SampleRate   int
}

// ElevenLabsBackend synthesizes via the HTTP text-to-speech endpoint,
// requesting raw PCM so chunks can be scheduled without a decode step.
type ElevenLabsBackend struct {
	cfg    ElevenLabsConfig
	client *http.Client
}

func NewElevenLabsBackend(cfg ElevenLabsConfig) *ElevenLabsBackend {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "eleven_multilingual_v2"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "pcm_24000"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	return &ElevenLabsBackend{
		cfg:    cfg,
		client: &http.Client{Timeout: 20 * time.Second},
	}
}

func (b *ElevenLabsBackend) SampleRate() int { return b.cfg.SampleRate }

func (b *ElevenLabsBackend) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(b.cfg.APIKey) == "" {
		return nil, ErrMissingCredential
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty transcript", ErrInvalidResponse)
	}

	u, err := url.Parse(strings.TrimRight(b.cfg.BaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(b.cfg.VoiceID))
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("output_format", b.cfg.OutputFormat)
	u.RawQuery = q.Encode()

	payload, err := json.Marshal(map[string]any{
		"text":     text,
		"model_id": b.cfg.ModelID,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", b.cfg.APIKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case reliability.IsRetryableHTTPStatus(resp.StatusCode):
		return nil, &ServerError{Code: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: status %d", ErrInvalidResponse, resp.StatusCode)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read tts response: %w", err)
	}
	if len(audio) == 0 || len(audio)%2 != 0 {
		return nil, fmt.Errorf("%w: %d byte body", ErrInvalidResponse, len(audio))
	}
	return audio, nil
}
