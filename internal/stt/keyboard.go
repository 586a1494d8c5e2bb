package stt

import (
	"sync"
)

// KeyboardRecognizer treats typed answers as recognized speech, for
// terminals without a microphone. Text arrives from the presentation layer
// through Type and Submit.
type KeyboardRecognizer struct {
	mu     sync.Mutex
	active *activation
}

// NewKeyboardRecognizer creates a keyboard recognizer.
func NewKeyboardRecognizer() *KeyboardRecognizer {
	return &KeyboardRecognizer{}
}

// Start begins an activation.
func (k *KeyboardRecognizer) Start(l Listener) (Handle, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.active != nil {
		return nil, ErrAlreadyActive
	}
	var act *activation
	act = newActivation(l, func() { k.clear(act) })
	k.active = act
	return stopFunc(act.finish), nil
}

// Active reports whether typed text would currently be accepted.
func (k *KeyboardRecognizer) Active() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.active != nil
}

// Type reports the partially typed answer as an interim result.
func (k *KeyboardRecognizer) Type(text string) {
	if act := k.current(); act != nil {
		act.interim(text)
	}
}

// Submit delivers text as the final result and ends the activation. It
// returns false when no activation is running.
func (k *KeyboardRecognizer) Submit(text string) bool {
	act := k.current()
	if act == nil {
		return false
	}
	act.segment(text)
	act.finish()
	return true
}

// Stop ends the activation without a result.
func (k *KeyboardRecognizer) Stop() {
	if act := k.current(); act != nil {
		act.finish()
	}
}

// Close stops any activation.
func (k *KeyboardRecognizer) Close() error {
	k.Stop()
	return nil
}

func (k *KeyboardRecognizer) current() *activation {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.active
}

func (k *KeyboardRecognizer) clear(act *activation) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.active == act {
		k.active = nil
	}
}
