package audio

import "context"

// Source delivers captured microphone audio as PCM16 chunks. The callback
// runs on the device thread and must not block.
type Source interface {
	StartCapture(onAudio func(pcm []byte)) error
	StopCapture() error
	SampleRate() int
}

// Sink plays PCM16 audio at SampleRate.
type Sink interface {
	// Play blocks until pcm has been played or ctx is done. On cancellation
	// any queued audio is discarded.
	Play(ctx context.Context, pcm []byte) error
	SampleRate() int
}
