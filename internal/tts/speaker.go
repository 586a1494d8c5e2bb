package tts

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/interview-client/internal/audio"
	"github.com/lexiqai/interview-client/internal/observability"
)

// Speaker plays at most one utterance at a time. Requests that arrive while
// an utterance is in progress are dropped, not queued.
type Speaker struct {
	synth  Synthesizer
	sink   audio.Sink
	logger zerolog.Logger

	enabled atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSpeaker creates an enabled speaker. With a nil synthesizer or sink
// every request is dropped.
func NewSpeaker(synth Synthesizer, sink audio.Sink) *Speaker {
	s := &Speaker{
		synth:  synth,
		sink:   sink,
		logger: observability.WithComponent("tts.speaker"),
	}
	s.enabled.Store(true)
	return s
}

// SetEnabled toggles voice output. Disabling cuts off the current utterance.
func (s *Speaker) SetEnabled(enabled bool) {
	s.enabled.Store(enabled)
	if !enabled {
		s.Stop()
	}
}

// Enabled reports whether voice output is on.
func (s *Speaker) Enabled() bool {
	return s.enabled.Load()
}

// Speaking reports whether an utterance is in progress.
func (s *Speaker) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Speak starts synthesizing and playing text in the background. It returns
// false when the request was dropped.
func (s *Speaker) Speak(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	if !s.enabled.Load() || s.synth == nil || s.sink == nil {
		observability.RecordUtterance("disabled")
		return false
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		observability.RecordUtterance("dropped")
		s.logger.Debug().Msg("Utterance in progress, dropping request")
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(ctx, text)
	return true
}

// Stop cancels the utterance in progress, if any.
func (s *Speaker) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the utterance in progress has finished.
func (s *Speaker) Wait() {
	s.wg.Wait()
}

func (s *Speaker) run(ctx context.Context, text string) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.cancel()
		s.cancel = nil
		s.mu.Unlock()
	}()

	start := time.Now()
	chunk, err := s.synth.Synthesize(ctx, text)
	if err != nil {
		if ctx.Err() == nil {
			observability.RecordUtterance("error")
			observability.RecordError("synthesize", "tts")
			s.logger.Error().Err(err).Msg("Speech synthesis failed")
		}
		return
	}
	observability.ObserveTTSLatency(time.Since(start))

	pcm := chunk.Data
	if chunk.SampleRate != s.sink.SampleRate() {
		pcm, err = audio.ResamplePCM(chunk.Data, chunk.SampleRate, s.sink.SampleRate())
		if err != nil {
			observability.RecordUtterance("error")
			s.logger.Error().Err(err).Msg("Failed to resample synthesized audio")
			return
		}
	}

	if err := s.sink.Play(ctx, pcm); err != nil {
		if ctx.Err() == nil {
			observability.RecordUtterance("error")
			s.logger.Error().Err(err).Msg("Playback failed")
		}
		return
	}
	observability.RecordUtterance("spoken")
}
