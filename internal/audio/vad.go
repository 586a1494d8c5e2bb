package audio

import "sync/atomic"

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	EnergyThreshold float64 // RMS energy threshold for speech detection
	SilenceFrames   int     // Consecutive silent frames that end speech
	FrameSize       int     // Samples per frame
}

// DefaultVADConfig returns a default VAD configuration for 20ms frames at
// sampleRate.
func DefaultVADConfig(sampleRate int) *VADConfig {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   10, // 200ms
		FrameSize:       sampleRate / 50,
	}
}

// VADDetector is an energy-based voice activity detector. It is fed from a
// single goroutine; only HeardSpeech may be called from others.
type VADDetector struct {
	config         *VADConfig
	silenceCounter int
	isSpeaking     bool
	heardSpeech    atomic.Bool
	pending        []int16
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig(16000)
	}
	if config.FrameSize <= 0 {
		config.FrameSize = 320
	}
	return &VADDetector{config: config}
}

// ProcessFrame classifies one frame.
// Returns: (isSpeaking, speechStarted, speechEnded)
func (v *VADDetector) ProcessFrame(samples []int16) (bool, bool, bool) {
	frameHasSpeech := CalculateRMS(samples) > v.config.EnergyThreshold

	var speechStarted, speechEnded bool

	if frameHasSpeech {
		v.silenceCounter = 0
		if !v.isSpeaking {
			speechStarted = true
			v.isSpeaking = true
			v.heardSpeech.Store(true)
		}
	} else {
		v.silenceCounter++
		if v.isSpeaking && v.silenceCounter >= v.config.SilenceFrames {
			speechEnded = true
			v.isSpeaking = false
			v.silenceCounter = 0
		}
	}

	return v.isSpeaking, speechStarted, speechEnded
}

// Feed splits a captured PCM16 chunk into frames and processes each.
// Partial frames carry over to the next call. It reports whether speech
// started or ended anywhere in the chunk.
func (v *VADDetector) Feed(pcm []byte) (speechStarted, speechEnded bool) {
	samples, err := BytesToSamples(pcm)
	if err != nil {
		return false, false
	}

	v.pending = append(v.pending, samples...)
	size := v.config.FrameSize
	for len(v.pending) >= size {
		_, started, ended := v.ProcessFrame(v.pending[:size])
		speechStarted = speechStarted || started
		speechEnded = speechEnded || ended
		v.pending = v.pending[size:]
	}
	if len(v.pending) == 0 {
		v.pending = nil
	}
	return speechStarted, speechEnded
}

// Reset resets the VAD detector state
func (v *VADDetector) Reset() {
	v.silenceCounter = 0
	v.isSpeaking = false
	v.heardSpeech.Store(false)
	v.pending = nil
}

// IsSpeaking returns whether speech is currently detected
func (v *VADDetector) IsSpeaking() bool {
	return v.isSpeaking
}

// HeardSpeech reports whether any speech was detected since the last Reset.
func (v *VADDetector) HeardSpeech() bool {
	return v.heardSpeech.Load()
}
