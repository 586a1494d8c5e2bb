// Package tts speaks interviewer turns aloud.
package tts

import "context"

// AudioChunk is synthesized mono PCM16 audio.
type AudioChunk struct {
	Data       []byte
	SampleRate int
}

// Synthesizer converts text to audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (*AudioChunk, error)
}
