// Package stt turns user speech into text, one utterance per activation.
package stt

import "errors"

// Error codes reported through Listener.OnError.
const (
	ErrorNoSpeech     = "no-speech"
	ErrorAudioCapture = "audio-capture"
	ErrorNetwork      = "network"
	ErrorNotAllowed   = "not-allowed"
	ErrorAborted      = "aborted"
)

// ErrAlreadyActive is returned by Start while an activation is running.
var ErrAlreadyActive = errors.New("recognizer is already active")

// Listener receives the results of one activation. Callbacks may run on
// any goroutine and must not block. OnEnded fires exactly once per
// successful Start, after any OnFinal or OnError.
type Listener struct {
	OnInterim func(text string)
	OnFinal   func(text string)
	OnError   func(code, message string)
	OnEnded   func()
}

// Handle controls the activation returned by Start.
type Handle interface {
	// Stop ends this activation early. Audio heard so far is still delivered
	// as a final result. No-op once it has ended.
	Stop()
}

type stopFunc func()

func (f stopFunc) Stop() { f() }

// Recognizer is a single-shot speech recognizer: each Start captures one
// utterance, delivers at most one final result and then ends by itself.
type Recognizer interface {
	// Start begins an activation. It may block on the network; Stop and the
	// returned Handle never do.
	Start(l Listener) (Handle, error)
	// Stop ends whichever activation is current, including one whose Start
	// has not returned yet. No-op when idle.
	Stop()
	// Close releases the recognizer.
	Close() error
}
