package session

import (
	"sync"

	"github.com/lexiqai/interview-client/internal/protocol"
	"github.com/lexiqai/interview-client/internal/stt"
)

// event is anything the orchestrator processes. Intents come from the
// presentation layer; the rest are adapter callbacks tagged with the run,
// connection or activation they belong to so late arrivals can be dropped.
type event interface{ isEvent() }

type (
	submitJobDescription struct{ text, url string }
	selectRole           struct{ role protocol.Role }
	startInterview       struct{}
	startListening       struct{}
	stopListening        struct{}
	setVoiceOutput       struct{ enabled bool }
	startNewInterview    struct{}

	sessionCreated struct{ runID, sessionID string }
	sessionFailed  struct {
		runID string
		err   error
	}

	transportOpened  struct{ gen uint64 }
	transportMessage struct {
		gen uint64
		raw string
	}
	transportErrored struct {
		gen uint64
		err error
	}
	transportClosed struct {
		gen    uint64
		code   int
		reason string
	}

	recognitionStarted struct {
		act     uint64
		capture stt.Handle
		err     error
	}
	recognitionInterim struct {
		act  uint64
		text string
	}
	recognitionFinal struct {
		act  uint64
		text string
	}
	recognitionError struct {
		act           uint64
		code, message string
	}
	recognitionEnded struct{ act uint64 }
)

func (submitJobDescription) isEvent() {}
func (selectRole) isEvent()           {}
func (startInterview) isEvent()       {}
func (startListening) isEvent()       {}
func (stopListening) isEvent()        {}
func (setVoiceOutput) isEvent()       {}
func (startNewInterview) isEvent()    {}
func (sessionCreated) isEvent()       {}
func (sessionFailed) isEvent()        {}
func (transportOpened) isEvent()      {}
func (transportMessage) isEvent()     {}
func (transportErrored) isEvent()     {}
func (transportClosed) isEvent()      {}
func (recognitionStarted) isEvent()   {}
func (recognitionInterim) isEvent()   {}
func (recognitionFinal) isEvent()     {}
func (recognitionError) isEvent()     {}
func (recognitionEnded) isEvent()     {}

// mailbox is an unbounded FIFO. Adapters may post from any goroutine,
// including synchronously from inside a call the orchestrator made, so
// posting never blocks.
type mailbox struct {
	mu     sync.Mutex
	queue  []event
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) post(ev event) {
	m.mu.Lock()
	m.queue = append(m.queue, ev)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// pop returns the oldest event, if any.
func (m *mailbox) pop() (event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil, false
	}
	ev := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	return ev, true
}
