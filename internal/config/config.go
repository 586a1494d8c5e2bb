package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Speech recognition providers
const (
	STTProviderKeyboard = "keyboard"
	STTProviderDeepgram = "deepgram"
	STTProviderGoogle   = "google"
)

// Speech synthesis providers
const (
	TTSProviderNone     = "none"
	TTSProviderCartesia = "cartesia"
)

// Config holds all configuration for the interview client
type Config struct {
	// Interview service origin. The session handshake is POSTed here and the
	// websocket URL is derived from it (http -> ws, https -> wss).
	ServiceURL     string `envconfig:"SERVICE_URL" default:"http://localhost:8000"`
	RequestTimeout int    `envconfig:"REQUEST_TIMEOUT" default:"30"` // seconds

	// Speech recognition
	STTProvider     string `envconfig:"STT_PROVIDER" default:"keyboard"` // keyboard, deepgram, google
	DeepgramAPIKey  string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel   string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	SpeechLanguage  string `envconfig:"SPEECH_LANGUAGE" default:"en-US"`
	NoSpeechTimeout int    `envconfig:"NO_SPEECH_TIMEOUT" default:"8000"` // milliseconds

	// Voice activity detection used for no-speech detection on the microphone
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"`
	VADSilenceFrames   int     `envconfig:"VAD_SILENCE_FRAMES" default:"10"`

	// Speech synthesis
	TTSProvider     string `envconfig:"TTS_PROVIDER" default:"none"` // none, cartesia
	TTSEnabled      bool   `envconfig:"TTS_ENABLED" default:"true"`  // initial state of the AI voice toggle
	CartesiaAPIKey  string `envconfig:"CARTESIA_API_KEY" default:""`
	CartesiaVoiceID string `envconfig:"CARTESIA_VOICE_ID" default:"sonic-english"`
	CartesiaModelID string `envconfig:"CARTESIA_MODEL_ID" default:"sonic"`

	// Audio devices
	AudioSampleRate int `envconfig:"AUDIO_SAMPLE_RATE" default:"16000"`
	AudioBufferSize int `envconfig:"AUDIO_BUFFER_SIZE" default:"192000"` // playback ring buffer in bytes

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // seconds
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	LogFile        string `envconfig:"LOG_FILE" default:"interview-client.log"` // the terminal belongs to the UI
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"false"`
	MetricsAddr    string `envconfig:"METRICS_ADDR" default:":9090"`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks provider selections and their required credentials
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServiceURL)
	if err != nil {
		return fmt.Errorf("invalid SERVICE_URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("SERVICE_URL must use http or https, got %q", c.ServiceURL)
	}
	if u.Host == "" {
		return fmt.Errorf("SERVICE_URL must include a host")
	}

	c.STTProvider = strings.ToLower(strings.TrimSpace(c.STTProvider))
	switch c.STTProvider {
	case STTProviderKeyboard, STTProviderGoogle:
	case STTProviderDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required when STT_PROVIDER=deepgram")
		}
	default:
		return fmt.Errorf("unknown STT_PROVIDER %q", c.STTProvider)
	}

	c.TTSProvider = strings.ToLower(strings.TrimSpace(c.TTSProvider))
	switch c.TTSProvider {
	case TTSProviderNone:
	case TTSProviderCartesia:
		if c.CartesiaAPIKey == "" {
			return fmt.Errorf("CARTESIA_API_KEY is required when TTS_PROVIDER=cartesia")
		}
	default:
		return fmt.Errorf("unknown TTS_PROVIDER %q", c.TTSProvider)
	}

	if c.AudioSampleRate <= 0 {
		return fmt.Errorf("AUDIO_SAMPLE_RATE must be positive")
	}

	return nil
}

// NeedsAudioDevice reports whether a microphone or speaker is required
func (c *Config) NeedsAudioDevice() bool {
	return c.STTProvider == STTProviderDeepgram ||
		c.STTProvider == STTProviderGoogle ||
		c.TTSProvider == TTSProviderCartesia
}
