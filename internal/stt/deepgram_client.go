package stt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/interview-client/internal/audio"
	"github.com/lexiqai/interview-client/internal/observability"
	"github.com/lexiqai/interview-client/internal/resilience"
)

// DeepgramConfig configures live transcription.
type DeepgramConfig struct {
	APIKey          string
	Model           string
	Language        string
	NoSpeechTimeout time.Duration
	VAD             *audio.VADConfig
	Breaker         *resilience.CircuitBreaker
}

// messageCallbackHandler embeds the default handler and overrides only the
// events that drive an activation.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	session *deepgramSession
}

func (m *messageCallbackHandler) Message(msg *msginterfaces.MessageResponse) error {
	m.session.handleMessage(msg)
	return nil
}

func (m *messageCallbackHandler) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	m.session.logger.Debug().Msg("Deepgram: Utterance ended")
	m.session.complete(false)
	return nil
}

func (m *messageCallbackHandler) Error(er *msginterfaces.ErrorResponse) error {
	m.session.logger.Error().Str("type", er.Type).Str("code", er.ErrCode).Str("description", er.Description).Msg("Deepgram error")
	m.session.failure(ErrorNetwork, fmt.Sprintf("%s %s", er.ErrCode, er.Description))
	return nil
}

func (m *messageCallbackHandler) Close(*msginterfaces.CloseResponse) error {
	m.session.complete(true)
	return nil
}

// DeepgramRecognizer streams microphone audio to Deepgram's live API. Each
// activation opens its own websocket and ends at the first speech_final or
// UtteranceEnd.
type DeepgramRecognizer struct {
	cfg    DeepgramConfig
	source audio.Source
	logger zerolog.Logger

	// dial opens the live stream. It is the SDK handshake outside tests.
	dial func(ctx context.Context, opts *interfaces.LiveTranscriptionOptions, cb *messageCallbackHandler) (liveStream, error)

	mu     sync.Mutex
	active *deepgramSession
}

// NewDeepgramRecognizer creates a recognizer fed by source.
func NewDeepgramRecognizer(cfg DeepgramConfig, source audio.Source) *DeepgramRecognizer {
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewCircuitBreaker("deepgram", 5, 30*time.Second)
	}
	if cfg.VAD == nil {
		cfg.VAD = audio.DefaultVADConfig(source.SampleRate())
	}
	d := &DeepgramRecognizer{
		cfg:    cfg,
		source: source,
		logger: observability.WithComponent("stt.deepgram"),
	}
	d.dial = d.connect
	return d
}

func (d *DeepgramRecognizer) connect(ctx context.Context, opts *interfaces.LiveTranscriptionOptions, cb *messageCallbackHandler) (liveStream, error) {
	client, err := listenClient.NewWSUsingCallback(ctx, d.cfg.APIKey, nil, opts, cb)
	if err != nil {
		return nil, fmt.Errorf("failed to create Deepgram client: %w", err)
	}
	if !client.Connect() {
		return nil, fmt.Errorf("failed to connect to Deepgram")
	}
	return client, nil
}

// liveStream is the part of the SDK's live client a session uses.
type liveStream interface {
	Write(p []byte) (int, error)
	Finish()
}

type deepgramSession struct {
	recognizer *DeepgramRecognizer
	act        *activation
	vad        *audio.VADDetector
	cancel     context.CancelFunc
	logger     zerolog.Logger
	closing    atomic.Bool

	// client is set before capture starts, so feed reads it unlocked.
	mu          sync.Mutex
	client      liveStream
	capturing   bool
	timer       *time.Timer
	lastInterim string
}

// Start opens a live transcription stream and starts the microphone. The
// handshake runs without holding the recognizer lock, so Stop can end the
// activation while it is still connecting.
func (d *DeepgramRecognizer) Start(l Listener) (Handle, error) {
	d.mu.Lock()
	if d.active != nil {
		d.mu.Unlock()
		return nil, ErrAlreadyActive
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &deepgramSession{
		recognizer: d,
		vad:        audio.NewVADDetector(d.cfg.VAD),
		cancel:     cancel,
		logger:     d.logger,
	}
	s.act = newActivation(l, func() { d.release(s) })
	d.active = s
	d.mu.Unlock()

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.cfg.Model,
		Language:       d.cfg.Language,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     d.source.SampleRate(),
	}
	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		session:                s,
	}

	var client liveStream
	err := d.cfg.Breaker.Call(func() error {
		var err error
		client, err = d.dial(ctx, tOptions, callback)
		return err
	})
	d.recordBreaker(err)
	if err != nil {
		cancel()
		d.release(s)
		if s.act.done() {
			// Stopped during the handshake.
			return s, nil
		}
		return nil, err
	}

	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		client.Finish()
		cancel()
		return s, nil
	}
	s.client = client
	if err := d.source.StartCapture(s.feed); err != nil {
		s.mu.Unlock()
		s.closing.Store(true)
		client.Finish()
		cancel()
		d.release(s)
		return nil, fmt.Errorf("%s: %w", ErrorAudioCapture, err)
	}
	s.capturing = true
	if d.cfg.NoSpeechTimeout > 0 {
		s.timer = time.AfterFunc(d.cfg.NoSpeechTimeout, func() {
			if !s.heardSpeech() {
				s.failure(ErrorNoSpeech, "No speech was detected")
			}
		})
	}
	s.mu.Unlock()

	d.logger.Info().Str("model", d.cfg.Model).Str("language", d.cfg.Language).Msg("Deepgram listening")
	return s, nil
}

// Stop delivers what was heard so far and ends the activation.
func (d *DeepgramRecognizer) Stop() {
	d.mu.Lock()
	s := d.active
	d.mu.Unlock()
	if s != nil {
		s.Stop()
	}
}

// Close stops any activation.
func (d *DeepgramRecognizer) Close() error {
	d.Stop()
	return nil
}

func (d *DeepgramRecognizer) release(s *deepgramSession) {
	d.mu.Lock()
	if d.active == s {
		d.active = nil
	}
	d.mu.Unlock()
}

func (d *DeepgramRecognizer) recordBreaker(err error) {
	observability.UpdateCircuitBreakerState("deepgram", int(d.cfg.Breaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures("deepgram")
		observability.RecordError("connect", "stt.deepgram")
	}
}

// Stop ends this activation with what was heard so far.
func (s *deepgramSession) Stop() {
	s.complete(true)
}

// heardSpeech reports speech from either the recognizer or the local VAD.
func (s *deepgramSession) heardSpeech() bool {
	return s.act.heardSpeech() || s.vad.HeardSpeech()
}

// feed runs on the capture thread.
func (s *deepgramSession) feed(pcm []byte) {
	if s.act.done() {
		return
	}
	if started, _ := s.vad.Feed(pcm); started {
		s.logger.Debug().Msg("Speech detected")
	}

	err := s.recognizer.cfg.Breaker.Call(func() error {
		_, err := s.client.Write(pcm)
		return err
	})
	if err != nil {
		s.recognizer.recordBreaker(err)
		// Stopping the device from its own callback would deadlock.
		go s.failure(ErrorNetwork, fmt.Sprintf("failed to send audio to Deepgram: %v", err))
	}
}

func (s *deepgramSession) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return
	}

	transcript := msg.Channel.Alternatives[0].Transcript
	if msg.IsFinal {
		s.act.segment(transcript)
		s.mu.Lock()
		s.lastInterim = ""
		s.mu.Unlock()
		if msg.SpeechFinal {
			s.complete(true)
		}
		return
	}

	s.mu.Lock()
	s.lastInterim = transcript
	s.mu.Unlock()
	s.act.interim(transcript)
}

// complete ends the activation with whatever was recognized. Unless forced,
// an utterance end with nothing recognized keeps listening until the
// no-speech timer fires.
func (s *deepgramSession) complete(force bool) {
	s.act.mu.Lock()
	empty := len(s.act.segments) == 0
	s.act.mu.Unlock()
	if empty && !force {
		return
	}

	s.mu.Lock()
	pending := s.lastInterim
	s.mu.Unlock()
	if empty && pending != "" {
		s.act.segment(pending)
	}

	s.shutdown()
	s.act.finish()
}

func (s *deepgramSession) failure(code, message string) {
	s.shutdown()
	s.act.fail(code, message)
}

func (s *deepgramSession) shutdown() {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	// Start either sees closing and cleans up itself, or has finished its
	// setup before this lock is taken.
	s.mu.Lock()
	client, capturing, timer := s.client, s.capturing, s.timer
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if capturing {
		if err := s.recognizer.source.StopCapture(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to stop capture")
		}
	}
	// Finish flushes pending results and closes the socket; the SDK invokes
	// Close on the callback handler from its own goroutine.
	go func() {
		if client != nil {
			client.Finish()
		}
		s.cancel()
	}()
}
