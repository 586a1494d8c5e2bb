package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/lexiqai/interview-client/internal/audio"
	"github.com/lexiqai/interview-client/internal/observability"
)

// GoogleConfig configures Cloud Speech-to-Text streaming recognition.
type GoogleConfig struct {
	Language        string
	NoSpeechTimeout time.Duration
}

// GoogleRecognizer streams microphone audio to Google Cloud Speech-to-Text
// with single-utterance mode, which ends the stream when the user stops
// talking. Credentials come from GOOGLE_APPLICATION_CREDENTIALS.
type GoogleRecognizer struct {
	cfg    GoogleConfig
	client *speech.Client
	source audio.Source
	logger zerolog.Logger

	// open starts a stream and sends its config. Tests replace it.
	open func(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error)

	mu     sync.Mutex
	active *googleSession
}

// NewGoogleRecognizer creates the speech client.
func NewGoogleRecognizer(ctx context.Context, cfg GoogleConfig, source audio.Source) (*GoogleRecognizer, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Google speech client: %w", err)
	}
	g := &GoogleRecognizer{
		cfg:    cfg,
		client: client,
		source: source,
		logger: observability.WithComponent("stt.google"),
	}
	g.open = g.openStream
	return g, nil
}

func (g *GoogleRecognizer) openStream(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error) {
	stream, err := g.client.StreamingRecognize(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open recognition stream: %w", err)
	}

	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz:            int32(g.source.SampleRate()),
					LanguageCode:               g.cfg.Language,
					EnableAutomaticPunctuation: true,
				},
				InterimResults:  true,
				SingleUtterance: true,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send streaming config: %w", err)
	}
	return stream, nil
}

type googleSession struct {
	recognizer *GoogleRecognizer
	act        *activation
	cancel     context.CancelFunc
	audio      chan []byte
	stopOnce   sync.Once

	mu        sync.Mutex
	stream    speechpb.Speech_StreamingRecognizeClient
	capturing bool
	timer     *time.Timer
	audioDone bool
}

// Start opens a streaming recognition and starts the microphone. Stop may
// end the activation while the stream is still opening.
func (g *GoogleRecognizer) Start(l Listener) (Handle, error) {
	g.mu.Lock()
	if g.active != nil {
		g.mu.Unlock()
		return nil, ErrAlreadyActive
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &googleSession{
		recognizer: g,
		cancel:     cancel,
		audio:      make(chan []byte, 64),
	}
	s.act = newActivation(l, func() { g.release(s) })
	g.active = s
	g.mu.Unlock()

	stream, err := g.open(ctx)
	if err != nil {
		cancel()
		g.release(s)
		if s.act.done() {
			return s, nil
		}
		observability.RecordError("connect", "stt.google")
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audioDone {
		cancel()
		return s, nil
	}
	s.stream = stream
	if err := g.source.StartCapture(s.enqueue); err != nil {
		cancel()
		g.release(s)
		return nil, fmt.Errorf("%s: %w", ErrorAudioCapture, err)
	}
	s.capturing = true

	go s.sendLoop()
	go s.receiveLoop()

	if g.cfg.NoSpeechTimeout > 0 {
		s.timer = time.AfterFunc(g.cfg.NoSpeechTimeout, func() {
			if !s.act.heardSpeech() {
				s.stopAudio()
				s.cancel()
				s.act.fail(ErrorNoSpeech, "No speech was detected")
			}
		})
	}

	g.logger.Info().Str("language", g.cfg.Language).Msg("Google recognition listening")
	return s, nil
}

// Stop closes the audio side; results already heard are still delivered.
func (g *GoogleRecognizer) Stop() {
	g.mu.Lock()
	s := g.active
	g.mu.Unlock()
	if s != nil {
		s.Stop()
	}
}

// Close stops any activation and closes the client.
func (g *GoogleRecognizer) Close() error {
	g.mu.Lock()
	s := g.active
	g.mu.Unlock()
	if s != nil {
		s.stopAudio()
		s.cancel()
	}
	return g.client.Close()
}

func (g *GoogleRecognizer) release(s *googleSession) {
	g.mu.Lock()
	if g.active == s {
		g.active = nil
	}
	g.mu.Unlock()
}

// Stop closes the audio side of this activation.
func (s *googleSession) Stop() {
	s.stopAudio()
}

// enqueue runs on the capture thread and never blocks.
func (s *googleSession) enqueue(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audioDone {
		return
	}
	select {
	case s.audio <- pcm:
	default:
		s.recognizer.logger.Warn().Msg("Audio queue full, dropping chunk")
	}
}

func (s *googleSession) sendLoop() {
	for pcm := range s.audio {
		err := s.stream.Send(&speechpb.StreamingRecognizeRequest{
			StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
				AudioContent: pcm,
			},
		})
		if err != nil {
			// Recv reports the stream error.
			s.stopAudio()
			return
		}
	}
	_ = s.stream.CloseSend()
}

// stopAudio stops the microphone and half-closes the stream so the service
// returns its final result. Before the stream is open it ends the
// activation outright. The recognizer is free for a new Start afterwards.
func (s *googleSession) stopAudio() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.audioDone = true
		close(s.audio)
		stream, capturing, timer := s.stream, s.capturing, s.timer
		s.mu.Unlock()

		if timer != nil {
			timer.Stop()
		}
		if capturing {
			if err := s.recognizer.source.StopCapture(); err != nil {
				s.recognizer.logger.Warn().Err(err).Msg("Failed to stop capture")
			}
		}
		s.recognizer.release(s)
		if stream == nil {
			s.cancel()
			s.act.finish()
		}
	})
}

func (s *googleSession) receiveLoop() {
	defer s.cancel()

	for {
		resp, err := s.stream.Recv()
		if err == io.EOF {
			s.act.finish()
			return
		}
		if err != nil {
			s.stopAudio()
			if code, message, ok := recognitionError(err); ok {
				s.recognizer.logger.Error().Err(err).Str("code", code).Msg("Recognition failed")
				s.act.fail(code, message)
			} else {
				s.act.finish()
			}
			return
		}

		if resp.SpeechEventType == speechpb.StreamingRecognizeResponse_END_OF_SINGLE_UTTERANCE {
			s.stopAudio()
		}

		for _, r := range resp.Results {
			if len(r.Alternatives) == 0 {
				continue
			}
			alt := r.Alternatives[0]
			if r.IsFinal {
				s.act.segment(alt.Transcript)
			} else {
				s.act.interim(alt.Transcript)
			}
		}
	}
}

// recognitionError maps a stream error to a listener error code. Local
// cancellation is not an error.
func recognitionError(err error) (string, string, bool) {
	if errors.Is(err, context.Canceled) {
		return "", "", false
	}
	st, ok := status.FromError(err)
	if !ok {
		return ErrorNetwork, err.Error(), true
	}
	switch st.Code() {
	case codes.Canceled:
		return "", "", false
	case codes.PermissionDenied, codes.Unauthenticated:
		return ErrorNotAllowed, st.Message(), true
	case codes.OutOfRange, codes.DeadlineExceeded:
		return ErrorNoSpeech, st.Message(), true
	default:
		return ErrorNetwork, st.Message(), true
	}
}
