// Package protocol defines the interview service wire formats: the
// session-create handshake and the frames exchanged over the interview
// websocket.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Role is the interviewer persona requested at session creation.
type Role string

const (
	RoleHR               Role = "HR"
	RoleTechnicalManager Role = "TECHNICAL_MANAGER"
)

// Valid reports whether r is a role the service accepts.
func (r Role) Valid() bool {
	return r == RoleHR || r == RoleTechnicalManager
}

// String returns a human-readable label.
func (r Role) String() string {
	switch r {
	case RoleHR:
		return "HR"
	case RoleTechnicalManager:
		return "Technical Manager"
	default:
		return fmt.Sprintf("Role(%s)", string(r))
	}
}

// StartInterviewRequest is the body of POST /start-interview/.
type StartInterviewRequest struct {
	JobDescriptionText string `json:"job_description_text"`
	InterviewerRole    Role   `json:"interviewer_role"`
}

// StartInterviewResponse is the 2xx body of POST /start-interview/.
type StartInterviewResponse struct {
	SessionID             string `json:"session_id"`
	Message               string `json:"message,omitempty"`
	Role                  string `json:"role,omitempty"`
	JobDescriptionPreview string `json:"job_description_preview,omitempty"`
}

// ErrorResponse is the non-2xx body of the handshake.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// Frame type names as they appear on the wire.
const (
	TypeQuestion = "question"
	TypeFeedback = "feedback"
	TypeControl  = "control"
	TypeError    = "error"
	TypeBare     = "bare"

	CommandEndInterview = "end_interview"
)

// Inbound is one decoded server frame. The concrete type is one of
// Question, Feedback, EndInterview, ServiceError or Bare.
type Inbound interface {
	Type() string
	inbound()
}

// Question is an interviewer turn.
type Question struct{ Content string }

// Feedback carries the end-of-interview summary.
type Feedback struct{ Content string }

// EndInterview is the control frame announcing the interview is over.
type EndInterview struct{ Message string }

// ServiceError is an error reported by the AI service.
type ServiceError struct{ Content string }

// Bare is any frame that does not match a known shape. It is shown as
// an interviewer turn with the raw frame as its text.
type Bare struct{ Raw string }

func (Question) Type() string     { return TypeQuestion }
func (Feedback) Type() string     { return TypeFeedback }
func (EndInterview) Type() string { return TypeControl }
func (ServiceError) Type() string { return TypeError }
func (Bare) Type() string         { return TypeBare }

func (Question) inbound()     {}
func (Feedback) inbound()     {}
func (EndInterview) inbound() {}
func (ServiceError) inbound() {}
func (Bare) inbound()         {}

type envelope struct {
	Type    *string `json:"type"`
	Content *string `json:"content"`
	Command *string `json:"command"`
	Message *string `json:"message"`
}

// Decode parses a raw text frame. It never fails: frames that are not
// JSON objects of a known shape decode to Bare.
func Decode(raw string) Inbound {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil || env.Type == nil {
		return Bare{Raw: raw}
	}

	switch *env.Type {
	case TypeQuestion:
		if env.Content != nil {
			return Question{Content: *env.Content}
		}
	case TypeFeedback:
		if env.Content != nil {
			return Feedback{Content: *env.Content}
		}
	case TypeControl:
		if env.Command != nil && *env.Command == CommandEndInterview && env.Message != nil {
			return EndInterview{Message: *env.Message}
		}
	case TypeError:
		if env.Content != nil {
			return ServiceError{Content: *env.Content}
		}
	}

	return Bare{Raw: raw}
}
