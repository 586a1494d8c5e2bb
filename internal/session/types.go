// Package session owns one interview session: the phase state machine,
// the transcript, and the wiring between the speech adapters and the
// interview transport. All state is mutated on the orchestrator goroutine.
package session

import (
	"context"
	"errors"

	"github.com/lexiqai/interview-client/internal/protocol"
	"github.com/lexiqai/interview-client/internal/stt"
	"github.com/lexiqai/interview-client/internal/transport"
)

// Phase is the top-level mode of the client.
type Phase int

const (
	PhaseConfig Phase = iota
	PhaseInterview
	PhaseFeedback
)

func (p Phase) String() string {
	switch p {
	case PhaseConfig:
		return "config"
	case PhaseInterview:
		return "interview"
	case PhaseFeedback:
		return "feedback"
	default:
		return "unknown"
	}
}

// TransportStatus tracks the interview connection independently of Phase.
type TransportStatus int

const (
	StatusDisconnected TransportStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s TransportStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Speaker identifies who said a transcript entry.
type Speaker string

const (
	SpeakerAI   Speaker = "AI"
	SpeakerUser Speaker = "You"
)

// Entry is one immutable transcript line.
type Entry struct {
	Speaker   Speaker
	Text      string
	Timestamp string
}

// Config is what the user chose before starting an interview.
type Config struct {
	JobDescription string
	Role           protocol.Role
}

// Snapshot is a read-only copy of everything the presentation layer shows.
type Snapshot struct {
	Phase      Phase
	Status     TransportStatus
	Listening  bool
	Transcript []Entry
	Interim    string
	// Feedback is nil until the service sends its summary.
	Feedback    *string
	SessionID   string
	RunID       string
	Config      Config
	STTError    string
	VoiceOutput bool
}

// Ready reports whether an interview can be started.
func (s Snapshot) Ready() bool {
	return s.Phase == PhaseConfig && s.Status != StatusConnecting && s.Config.JobDescription != ""
}

// CanListen reports whether voice capture may be armed.
func (s Snapshot) CanListen() bool {
	return s.Phase == PhaseInterview && s.Status == StatusConnected
}

var (
	// ErrEmptyJobDescription is returned when neither text nor URL is given.
	ErrEmptyJobDescription = errors.New("job description text or URL is required")
	// ErrInvalidRole is returned for an unknown interviewer role.
	ErrInvalidRole = errors.New("interviewer role must be HR or TECHNICAL_MANAGER")
)

// SessionCreator performs the session-create handshake.
type SessionCreator interface {
	CreateSession(ctx context.Context, jobDescription string, role protocol.Role) (string, error)
}

// Transport is the interview connection.
type Transport interface {
	Open(sessionID string, h transport.Handler) error
	Send(text string) bool
	Close(code int, reason string)
}

// Recognizer turns one spoken answer into text per activation.
type Recognizer interface {
	Start(l stt.Listener) (stt.Handle, error)
	Stop()
}

// Voice speaks interviewer turns.
type Voice interface {
	Speak(text string) bool
	SetEnabled(enabled bool)
	Stop()
}

// Transcript and notice texts.
const (
	textWelcome         = `Welcome! Configure the job and role, then click "Start Interview".`
	textJobReady        = "Job description ready. Confirm role and start."
	textNoJob           = "Please provide a job description before starting."
	textSettingUp       = "Setting up interview..."
	textSessionReady    = "Session %s ready. Connecting..."
	textConnected       = "Connected. Your interviewer will begin shortly."
	textStartError      = "Error starting: %s. Try again."
	textConnectionError = "Connection error with interview service. Please try again."
	textConnectionLost  = "Interview connection lost."
	textNotSent         = "(Message not sent - no connection)"
	textServiceError    = "Error from AI service: %s"
	textSTTError        = "STT Error: %s - %s. Mic access?"
	jobFromURL          = "JD from URL: %s"
	timestampLayout     = "15:04:05"
)
