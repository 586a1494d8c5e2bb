package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/interview-client/internal/api"
	"github.com/lexiqai/interview-client/internal/audio"
	"github.com/lexiqai/interview-client/internal/audio/miniaudio"
	"github.com/lexiqai/interview-client/internal/config"
	"github.com/lexiqai/interview-client/internal/observability"
	"github.com/lexiqai/interview-client/internal/resilience"
	"github.com/lexiqai/interview-client/internal/session"
	"github.com/lexiqai/interview-client/internal/stt"
	"github.com/lexiqai/interview-client/internal/transport"
	"github.com/lexiqai/interview-client/internal/tts"
	"github.com/lexiqai/interview-client/internal/ui"
)

const version = "0.1.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// The terminal belongs to the UI, so logs go to a file
	logOut, err := openLog(cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer logOut.Close()

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty, logOut)
	logger := observability.GetLogger()

	logger.Info().
		Str("service_url", cfg.ServiceURL).
		Str("stt_provider", cfg.STTProvider).
		Str("tts_provider", cfg.TTSProvider).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Interview client starting")

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Interview client failed")
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	logger.Info().Msg("Interview client exited")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var device *miniaudio.Device
	if cfg.NeedsAudioDevice() {
		var err error
		device, err = miniaudio.Open(cfg.AudioSampleRate, cfg.AudioBufferSize)
		if err != nil {
			return fmt.Errorf("failed to open audio device: %w", err)
		}
		defer device.Close()
	}

	recognizer, keyboard, err := newRecognizer(ctx, cfg, device)
	if err != nil {
		return err
	}
	defer recognizer.Close()

	speaker := newSpeaker(cfg, device)

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond
	apiClient := api.NewClient(cfg.ServiceURL, time.Duration(cfg.RequestTimeout)*time.Second, retry)

	if cfg.MetricsEnabled {
		server := startMetricsServer(cfg.MetricsAddr, apiClient, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("Metrics server forced to shutdown")
			}
		}()
	}

	// Only the latest snapshot matters; older pending ones are replaced.
	updates := make(chan session.Snapshot, 1)
	orch := session.NewOrchestrator(session.Deps{
		Creator:    apiClient,
		Transport:  transport.NewClient(cfg.ServiceURL),
		Recognizer: recognizer,
		Voice:      speaker,
		OnChange: func(s session.Snapshot) {
			select {
			case <-updates:
			default:
			}
			updates <- s
		},
	})
	if !cfg.TTSEnabled {
		orch.SetVoiceOutput(false)
	}

	var kb ui.KeyboardInput
	if keyboard != nil {
		kb = keyboard
	}
	program := tea.NewProgram(ui.New(orch, kb), tea.WithAltScreen(), tea.WithContext(ctx))

	orchCtx, cancelOrch := context.WithCancel(ctx)
	orchDone := make(chan error, 1)
	go func() { orchDone <- orch.Run(orchCtx) }()
	go func() {
		for {
			select {
			case s := <-updates:
				program.Send(ui.SnapshotMsg(s))
			case <-orchCtx.Done():
				return
			}
		}
	}()

	_, uiErr := program.Run()

	cancelOrch()
	if err := <-orchDone; err != nil {
		logger.Error().Err(err).Msg("Orchestrator stopped with error")
	}
	speaker.Stop()
	speaker.Wait()

	if uiErr != nil && !errors.Is(uiErr, tea.ErrProgramKilled) && !errors.Is(uiErr, tea.ErrInterrupted) {
		return fmt.Errorf("terminal UI failed: %w", uiErr)
	}
	return nil
}

func openLog(path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopCloser{io.Discard}, nil
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// newBreaker creates a circuit breaker that logs its transitions.
func newBreaker(cfg *config.Config, name string) *resilience.CircuitBreaker {
	logger := observability.WithComponent("resilience")
	return resilience.NewCircuitBreaker(name, cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second).
		OnStateChange(func(name string, from, to resilience.CircuitState) {
			observability.UpdateCircuitBreakerState(name, int(to))
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		})
}

type closableRecognizer interface {
	session.Recognizer
	Close() error
}

// newRecognizer builds the configured speech recognizer. The keyboard
// recognizer is also returned when it is in use so the UI can feed it.
func newRecognizer(ctx context.Context, cfg *config.Config, device *miniaudio.Device) (closableRecognizer, *stt.KeyboardRecognizer, error) {
	noSpeech := time.Duration(cfg.NoSpeechTimeout) * time.Millisecond

	switch cfg.STTProvider {
	case config.STTProviderDeepgram:
		vad := audio.DefaultVADConfig(device.SampleRate())
		vad.EnergyThreshold = cfg.VADEnergyThreshold
		vad.SilenceFrames = cfg.VADSilenceFrames
		return stt.NewDeepgramRecognizer(stt.DeepgramConfig{
			APIKey:          cfg.DeepgramAPIKey,
			Model:           cfg.DeepgramModel,
			Language:        cfg.SpeechLanguage,
			NoSpeechTimeout: noSpeech,
			VAD:             vad,
			Breaker:         newBreaker(cfg, "deepgram"),
		}, device), nil, nil

	case config.STTProviderGoogle:
		g, err := stt.NewGoogleRecognizer(ctx, stt.GoogleConfig{
			Language:        cfg.SpeechLanguage,
			NoSpeechTimeout: noSpeech,
		}, device)
		if err != nil {
			return nil, nil, err
		}
		return g, nil, nil

	default:
		k := stt.NewKeyboardRecognizer()
		return k, k, nil
	}
}

func newSpeaker(cfg *config.Config, device *miniaudio.Device) *tts.Speaker {
	if cfg.TTSProvider != config.TTSProviderCartesia || device == nil {
		return tts.NewSpeaker(nil, nil)
	}
	synth := tts.NewCartesiaClient(tts.CartesiaConfig{
		APIKey:   cfg.CartesiaAPIKey,
		VoiceID:  cfg.CartesiaVoiceID,
		ModelID:  cfg.CartesiaModelID,
		Language: languageCode(cfg.SpeechLanguage),
		Timeout:  time.Duration(cfg.RequestTimeout) * time.Second,
		Breaker:  newBreaker(cfg, "cartesia"),
	})
	return tts.NewSpeaker(synth, device)
}

// languageCode turns a locale such as en-US into en.
func languageCode(locale string) string {
	if len(locale) >= 2 {
		return locale[:2]
	}
	return locale
}

func startMetricsServer(addr string, apiClient *api.Client, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", observability.HealthCheckHandler(version))
	mux.HandleFunc("/ready", observability.ReadinessHandler(version, map[string]observability.HealthCheckFunc{
		"interview_service": apiClient.Ping,
	}))
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("Metrics server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return server
}
