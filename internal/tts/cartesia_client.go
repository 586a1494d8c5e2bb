package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lexiqai/interview-client/internal/observability"
	"github.com/lexiqai/interview-client/internal/resilience"
)

const (
	defaultCartesiaURL = "https://api.cartesia.ai/tts/bytes"
	cartesiaVersion    = "2024-06-10"
	cartesiaSampleRate = 24000
)

// CartesiaConfig configures the Cartesia client.
type CartesiaConfig struct {
	APIKey  string
	VoiceID string
	ModelID string
	// Language is a two-letter code, e.g. "en".
	Language string
	Timeout  time.Duration
	Breaker  *resilience.CircuitBreaker
}

// CartesiaClient implements Synthesizer with Cartesia's bytes endpoint.
type CartesiaClient struct {
	cfg        CartesiaConfig
	apiURL     string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	logger     zerolog.Logger
}

// CartesiaRequest is the request payload for the Cartesia TTS API.
type CartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        CartesiaVoice        `json:"voice"`
	OutputFormat CartesiaOutputFormat `json:"output_format"`
	Language     string               `json:"language,omitempty"`
}

// CartesiaVoice selects a voice by id.
type CartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

// CartesiaOutputFormat requests raw PCM.
type CartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// NewCartesiaClient creates a new Cartesia TTS client
func NewCartesiaClient(cfg CartesiaConfig) *CartesiaClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker("cartesia", 5, 30*time.Second)
	}
	return &CartesiaClient{
		cfg:    cfg,
		apiURL: defaultCartesiaURL,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: breaker,
		logger:  observability.WithComponent("tts.cartesia"),
	}
}

// Synthesize returns the whole utterance as 24 kHz PCM16.
func (c *CartesiaClient) Synthesize(ctx context.Context, text string) (*AudioChunk, error) {
	var chunk *AudioChunk
	err := c.breaker.Call(func() error {
		var err error
		chunk, err = c.synthesize(ctx, text)
		return err
	})

	observability.UpdateCircuitBreakerState("cartesia", int(c.breaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures("cartesia")
		return nil, err
	}
	return chunk, nil
}

func (c *CartesiaClient) synthesize(ctx context.Context, text string) (*AudioChunk, error) {
	reqBody := CartesiaRequest{
		ModelID:    c.cfg.ModelID,
		Transcript: text,
		Voice:      CartesiaVoice{Mode: "id", ID: c.cfg.VoiceID},
		OutputFormat: CartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: cartesiaSampleRate,
		},
		Language: c.cfg.Language,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.cfg.APIKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("cartesia API returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}
	if len(audioData) == 0 {
		return nil, fmt.Errorf("cartesia returned empty audio data")
	}

	c.logger.Debug().Int("bytes", len(audioData)).Int("chars", len(text)).Msg("Synthesized utterance")
	return &AudioChunk{Data: audioData, SampleRate: cartesiaSampleRate}, nil
}
