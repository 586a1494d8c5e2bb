package stt

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/lexiqai/interview-client/internal/observability"
)

// activation accumulates the results of one Start and guarantees the
// Listener contract: interims while running, at most one final, then one
// ended.
type activation struct {
	listener Listener

	mu       sync.Mutex
	segments []string
	heard    atomic.Bool
	ended    atomic.Bool
	onEnd    func()
}

func newActivation(l Listener, onEnd func()) *activation {
	return &activation{listener: l, onEnd: onEnd}
}

// interim reports an in-progress hypothesis, prefixed by the segments
// already finalized in this activation.
func (a *activation) interim(text string) {
	if a.ended.Load() || strings.TrimSpace(text) == "" {
		return
	}
	a.heard.Store(true)

	a.mu.Lock()
	full := strings.TrimSpace(strings.Join(append(append([]string(nil), a.segments...), text), " "))
	a.mu.Unlock()

	observability.RecordRecognition("interim")
	if a.listener.OnInterim != nil {
		a.listener.OnInterim(full)
	}
}

// segment stores a finalized piece of the utterance.
func (a *activation) segment(text string) {
	text = strings.TrimSpace(text)
	if a.ended.Load() || text == "" {
		return
	}
	a.heard.Store(true)

	a.mu.Lock()
	a.segments = append(a.segments, text)
	a.mu.Unlock()
}

// finish delivers the accumulated utterance, if any, and ends.
func (a *activation) finish() {
	if !a.ended.CompareAndSwap(false, true) {
		return
	}

	a.mu.Lock()
	text := strings.TrimSpace(strings.Join(a.segments, " "))
	a.segments = nil
	a.mu.Unlock()

	if text != "" {
		observability.RecordRecognition("final")
		if a.listener.OnFinal != nil {
			a.listener.OnFinal(text)
		}
	}
	a.end()
}

// fail reports an error and ends without a final result.
func (a *activation) fail(code, message string) {
	if !a.ended.CompareAndSwap(false, true) {
		return
	}

	observability.RecordRecognition("error")
	if a.listener.OnError != nil {
		a.listener.OnError(code, message)
	}
	a.end()
}

func (a *activation) end() {
	if a.onEnd != nil {
		a.onEnd()
	}
	if a.listener.OnEnded != nil {
		a.listener.OnEnded()
	}
}

func (a *activation) heardSpeech() bool {
	return a.heard.Load()
}

func (a *activation) done() bool {
	return a.ended.Load()
}
