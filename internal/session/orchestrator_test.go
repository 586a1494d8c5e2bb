package session

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lexiqai/interview-client/internal/api"
	"github.com/lexiqai/interview-client/internal/protocol"
	"github.com/lexiqai/interview-client/internal/stt"
	"github.com/lexiqai/interview-client/internal/transport"
)

type fakeCreator struct {
	mu      sync.Mutex
	id      string
	err     error
	calls   []protocol.StartInterviewRequest
	release chan struct{}
}

func (f *fakeCreator) CreateSession(ctx context.Context, jd string, role protocol.Role) (string, error) {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, protocol.StartInterviewRequest{JobDescriptionText: jd, InterviewerRole: role})
	return f.id, f.err
}

type fakeTransport struct {
	opens    []string
	handler  transport.Handler
	openErr  error
	sent     []string
	closes   []int
	sendFail bool
}

func (f *fakeTransport) Open(id string, h transport.Handler) error {
	if f.openErr != nil {
		return f.openErr
	}
	f.opens = append(f.opens, id)
	f.handler = h
	return nil
}

func (f *fakeTransport) Send(text string) bool {
	if f.sendFail {
		return false
	}
	f.sent = append(f.sent, text)
	return true
}

func (f *fakeTransport) Close(code int, reason string) {
	f.closes = append(f.closes, code)
}

type fakeRecognizer struct {
	mu       sync.Mutex
	starts   int
	stops    int
	listener stt.Listener
	captures []*fakeCapture
	err      error
}

type fakeCapture struct {
	rec     *fakeRecognizer
	stopped bool
}

func (c *fakeCapture) Stop() {
	c.rec.mu.Lock()
	defer c.rec.mu.Unlock()
	c.stopped = true
	c.rec.stops++
}

func (f *fakeRecognizer) Start(l stt.Listener) (stt.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.starts++
	f.listener = l
	c := &fakeCapture{rec: f}
	f.captures = append(f.captures, c)
	return c, nil
}

func (f *fakeRecognizer) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeRecognizer) current() stt.Listener {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listener
}

type fakeVoice struct {
	spoken  []string
	enabled []bool
	stops   int
}

func (f *fakeVoice) Speak(text string) bool {
	f.spoken = append(f.spoken, text)
	return true
}

func (f *fakeVoice) SetEnabled(enabled bool) { f.enabled = append(f.enabled, enabled) }
func (f *fakeVoice) Stop()                   { f.stops++ }

type harness struct {
	o          *Orchestrator
	creator    *fakeCreator
	transport  *fakeTransport
	recognizer *fakeRecognizer
	voice      *fakeVoice
}

func newHarness() *harness {
	h := &harness{
		creator:    &fakeCreator{id: "abc123"},
		transport:  &fakeTransport{},
		recognizer: &fakeRecognizer{},
		voice:      &fakeVoice{},
	}
	h.o = NewOrchestrator(Deps{
		Creator:    h.creator,
		Transport:  h.transport,
		Recognizer: h.recognizer,
		Voice:      h.voice,
	})
	h.o.now = func() time.Time { return time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC) }
	return h
}

// step processes the next queued event, waiting for adapter goroutines.
func (h *harness) step(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ev, ok := h.o.inbox.pop(); ok {
			h.o.handle(ev)
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("Timed out waiting for an event")
}

func (h *harness) snap() Snapshot { return h.o.Snapshot() }

func (h *harness) startInterview(t *testing.T) {
	t.Helper()
	if err := h.o.SubmitJobDescription("Backend engineer role", ""); err != nil {
		t.Fatalf("SubmitJobDescription failed: %v", err)
	}
	h.step(t)
	if err := h.o.SelectRole(protocol.RoleHR); err != nil {
		t.Fatalf("SelectRole failed: %v", err)
	}
	h.step(t)
	h.o.StartInterview()
	h.step(t) // start
	h.step(t) // session created
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	h.startInterview(t)
	h.transport.handler.OnOpen()
	h.step(t)
}

func (h *harness) receive(t *testing.T, raw string) {
	t.Helper()
	h.transport.handler.OnMessage(raw)
	h.step(t)
}

func (h *harness) listen(t *testing.T) {
	t.Helper()
	h.o.StartListening()
	h.step(t) // intent
	h.step(t) // recognizer started
}

func texts(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Text
	}
	return out
}

func lastEntry(s Snapshot) Entry {
	return s.Transcript[len(s.Transcript)-1]
}

func TestNewOrchestrator_InitialState(t *testing.T) {
	h := newHarness()
	s := h.snap()

	if s.Phase != PhaseConfig || s.Status != StatusDisconnected {
		t.Errorf("Expected config/disconnected, got %s/%s", s.Phase, s.Status)
	}
	if len(s.Transcript) != 1 || s.Transcript[0].Text != textWelcome {
		t.Errorf("Expected the welcome greeting, got %v", texts(s.Transcript))
	}
	if !s.VoiceOutput {
		t.Error("Expected voice output to default on")
	}
	if s.Config.Role != protocol.RoleHR {
		t.Errorf("Expected default role HR, got %s", s.Config.Role)
	}
}

func TestSubmitJobDescription(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		url      string
		expected string
		err      error
	}{
		{"text", "Backend engineer role", "", "Backend engineer role", nil},
		{"text wins over url", "Backend engineer role", "https://jobs.example.com/1", "Backend engineer role", nil},
		{"url only", "", "https://jobs.example.com/1", "JD from URL: https://jobs.example.com/1", nil},
		{"empty", "  ", "", "", ErrEmptyJobDescription},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			err := h.o.SubmitJobDescription(tt.text, tt.url)
			if !errors.Is(err, tt.err) {
				t.Fatalf("Expected error %v, got %v", tt.err, err)
			}
			if err != nil {
				return
			}
			h.step(t)

			s := h.snap()
			if s.Config.JobDescription != tt.expected {
				t.Errorf("Expected job description %q, got %q", tt.expected, s.Config.JobDescription)
			}
			if len(s.Transcript) != 1 || s.Transcript[0].Text != textJobReady {
				t.Errorf("Expected transcript reset to the ready notice, got %v", texts(s.Transcript))
			}
			if !s.Ready() {
				t.Error("Expected snapshot to be ready to start")
			}
		})
	}
}

func TestSelectRole(t *testing.T) {
	h := newHarness()

	if err := h.o.SelectRole("CEO"); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("Expected ErrInvalidRole, got %v", err)
	}
	if err := h.o.SelectRole(protocol.RoleTechnicalManager); err != nil {
		t.Fatalf("SelectRole failed: %v", err)
	}
	h.step(t)

	if h.snap().Config.Role != protocol.RoleTechnicalManager {
		t.Errorf("Expected technical manager, got %s", h.snap().Config.Role)
	}
}

func TestStartInterview_WithoutJobDescription(t *testing.T) {
	h := newHarness()
	h.o.StartInterview()
	h.step(t)

	s := h.snap()
	if s.Status != StatusDisconnected {
		t.Errorf("Expected no connection attempt, got status %s", s.Status)
	}
	if len(h.creator.calls) != 0 {
		t.Errorf("Expected no session-create call, got %d", len(h.creator.calls))
	}
	if lastEntry(s).Text != textNoJob {
		t.Errorf("Expected a notice, got %q", lastEntry(s).Text)
	}
}

func TestStartInterviewConnects(t *testing.T) {
	h := newHarness()
	h.startInterview(t)

	s := h.snap()
	if s.Phase != PhaseConfig || s.Status != StatusConnecting {
		t.Errorf("Expected config/connecting before open, got %s/%s", s.Phase, s.Status)
	}
	if len(h.creator.calls) != 1 {
		t.Fatalf("Expected one create call, got %d", len(h.creator.calls))
	}
	if call := h.creator.calls[0]; call.JobDescriptionText != "Backend engineer role" || call.InterviewerRole != protocol.RoleHR {
		t.Errorf("Unexpected create request: %+v", call)
	}
	if len(h.transport.opens) != 1 || h.transport.opens[0] != "abc123" {
		t.Errorf("Expected transport opened for abc123, got %v", h.transport.opens)
	}

	h.transport.handler.OnOpen()
	h.step(t)

	s = h.snap()
	if s.Phase != PhaseInterview || s.Status != StatusConnected {
		t.Errorf("Expected interview/connected, got %s/%s", s.Phase, s.Status)
	}
	if s.SessionID != "abc123" || s.RunID == "" {
		t.Errorf("Expected session and run ids, got %q/%q", s.SessionID, s.RunID)
	}

	got := texts(s.Transcript)
	expected := []string{textSettingUp, "Session abc123 ready. Connecting...", textConnected}
	if strings.Join(got, "|") != strings.Join(expected, "|") {
		t.Errorf("Expected transcript %v, got %v", expected, got)
	}
	if s.Transcript[0].Timestamp != "10:30:00" {
		t.Errorf("Expected timestamp 10:30:00, got %s", s.Transcript[0].Timestamp)
	}
}

func TestStartInterview_CreateFailure(t *testing.T) {
	h := newHarness()
	h.creator.err = &api.StatusError{Code: 500, Detail: "LLM unavailable"}
	h.startInterview(t)

	s := h.snap()
	if s.Phase != PhaseConfig || s.Status != StatusError {
		t.Errorf("Expected config/error, got %s/%s", s.Phase, s.Status)
	}
	if s.SessionID != "" {
		t.Errorf("Expected identity discarded, got %q", s.SessionID)
	}
	if lastEntry(s).Text != "Error starting: LLM unavailable. Try again." {
		t.Errorf("Unexpected notice %q", lastEntry(s).Text)
	}
	if lastEntry(s).Speaker != SpeakerAI {
		t.Errorf("Expected an AI notice, got %s", lastEntry(s).Speaker)
	}
	if len(h.transport.opens) != 0 {
		t.Error("Expected no transport open after a failed handshake")
	}

	// The user can retry from Config
	h.creator.err = nil
	h.o.StartInterview()
	h.step(t)
	h.step(t)
	if len(h.transport.opens) != 1 {
		t.Errorf("Expected retry to open the transport, got %d opens", len(h.transport.opens))
	}
}

func TestStartInterview_OpenFailure(t *testing.T) {
	h := newHarness()
	h.transport.openErr = transport.ErrInvalidServiceURL
	h.startInterview(t)

	s := h.snap()
	if s.Phase != PhaseConfig || s.Status != StatusError {
		t.Errorf("Expected config/error, got %s/%s", s.Phase, s.Status)
	}
	if lastEntry(s).Text != textConnectionError {
		t.Errorf("Expected connection error notice, got %q", lastEntry(s).Text)
	}
}

func TestTransportErrorWhileConnecting(t *testing.T) {
	h := newHarness()
	h.startInterview(t)

	h.transport.handler.OnError(errors.New("dial tcp: connection refused"))
	h.step(t)
	h.transport.handler.OnClose(transport.CloseAbnormal, "")
	h.step(t)

	s := h.snap()
	if s.Phase != PhaseConfig || s.Status != StatusError {
		t.Errorf("Expected config/error, got %s/%s", s.Phase, s.Status)
	}
	if s.SessionID != "" {
		t.Errorf("Expected identity discarded, got %q", s.SessionID)
	}
	count := 0
	for _, e := range s.Transcript {
		if e.Text == textConnectionError {
			count++
		}
		if e.Text == textConnectionLost {
			t.Error("Did not expect a connection-lost notice outside the interview")
		}
	}
	if count != 1 {
		t.Errorf("Expected one connection error notice, got %d", count)
	}
}

func TestQuestionIsSpoken(t *testing.T) {
	h := newHarness()
	h.connect(t)

	h.receive(t, `{"type":"question","content":"Tell me about yourself"}`)

	e := lastEntry(h.snap())
	if e.Speaker != SpeakerAI || e.Text != "Tell me about yourself" {
		t.Errorf("Expected AI question entry, got %+v", e)
	}
	if len(h.voice.spoken) != 1 || h.voice.spoken[0] != "Tell me about yourself" {
		t.Errorf("Expected exactly one speak call, got %v", h.voice.spoken)
	}
}

func TestBareFrameIsAQuestion(t *testing.T) {
	h := newHarness()
	h.connect(t)

	h.receive(t, "What is your biggest weakness?")
	h.receive(t, `{"type":"unknown","content":"x"}`)

	s := h.snap()
	n := len(s.Transcript)
	if s.Transcript[n-2].Text != "What is your biggest weakness?" {
		t.Errorf("Expected plain text as a question, got %q", s.Transcript[n-2].Text)
	}
	if s.Transcript[n-1].Text != `{"type":"unknown","content":"x"}` {
		t.Errorf("Expected raw frame as a question, got %q", s.Transcript[n-1].Text)
	}
	if s.Phase != PhaseInterview {
		t.Errorf("Expected to stay in interview, got %s", s.Phase)
	}
}

func TestServiceErrorFrame(t *testing.T) {
	h := newHarness()
	h.connect(t)

	h.receive(t, `{"type":"error","content":"model overloaded"}`)

	s := h.snap()
	if lastEntry(s).Text != "Error from AI service: model overloaded" {
		t.Errorf("Unexpected notice %q", lastEntry(s).Text)
	}
	if s.Phase != PhaseInterview {
		t.Errorf("Expected to stay in interview, got %s", s.Phase)
	}
	if len(h.voice.spoken) != 0 {
		t.Errorf("Expected service errors not to be spoken, got %v", h.voice.spoken)
	}
}

func TestFeedbackEndsInterview(t *testing.T) {
	h := newHarness()
	h.connect(t)
	before := len(h.snap().Transcript)

	summary := "Strengths: ...\nAreas for improvement: ..."
	h.receive(t, `{"type":"feedback","content":"Strengths: ...\nAreas for improvement: ..."}`)

	s := h.snap()
	if s.Feedback == nil || *s.Feedback != summary {
		t.Fatalf("Expected feedback %q, got %v", summary, s.Feedback)
	}
	if s.Phase != PhaseFeedback {
		t.Errorf("Expected feedback phase, got %s", s.Phase)
	}
	if len(h.voice.spoken) != 0 {
		t.Errorf("Expected no speak call, got %v", h.voice.spoken)
	}
	if len(s.Transcript) != before {
		t.Errorf("Expected feedback not to be appended to the transcript")
	}
	if len(h.transport.closes) != 1 || h.transport.closes[0] != transport.CloseNormal {
		t.Errorf("Expected one normal close, got %v", h.transport.closes)
	}

	// The close that follows is expected, not a lost connection
	h.transport.handler.OnClose(transport.CloseNormal, "")
	h.step(t)
	s = h.snap()
	if s.Status != StatusDisconnected {
		t.Errorf("Expected disconnected, got %s", s.Status)
	}
	if lastEntry(s).Text == textConnectionLost {
		t.Error("Did not expect a connection-lost notice after feedback")
	}
}

func TestFeedbackThenEndInterview(t *testing.T) {
	h := newHarness()
	h.connect(t)

	h.receive(t, `{"type":"feedback","content":"Good job"}`)
	h.receive(t, `{"type":"control","command":"end_interview","message":"Thank you for your time."}`)
	h.receive(t, `{"type":"feedback","content":"Second summary"}`)

	s := h.snap()
	if s.Phase != PhaseFeedback {
		t.Errorf("Expected feedback phase, got %s", s.Phase)
	}
	if lastEntry(s).Text != "Thank you for your time." {
		t.Errorf("Expected the end message appended, got %q", lastEntry(s).Text)
	}
	if *s.Feedback != "Good job" {
		t.Errorf("Expected feedback set once, got %q", *s.Feedback)
	}
	if len(h.transport.closes) != 1 {
		t.Errorf("Expected a single close request, got %d", len(h.transport.closes))
	}
	if len(h.voice.spoken) != 0 {
		t.Errorf("Expected nothing spoken after the interview, got %v", h.voice.spoken)
	}
}

func TestEndInterviewControl(t *testing.T) {
	h := newHarness()
	h.connect(t)
	h.listen(t)

	h.receive(t, `{"type":"control","command":"end_interview","message":"That concludes our interview."}`)

	s := h.snap()
	if s.Phase != PhaseFeedback {
		t.Errorf("Expected feedback phase, got %s", s.Phase)
	}
	if s.Listening {
		t.Error("Expected capture disarmed when leaving the interview")
	}
	if lastEntry(s).Text != "That concludes our interview." {
		t.Errorf("Unexpected last entry %q", lastEntry(s).Text)
	}
	if len(h.transport.closes) != 1 || h.transport.closes[0] != transport.CloseNormal {
		t.Errorf("Expected a normal close, got %v", h.transport.closes)
	}
}

func TestFinalWhileDisconnectedIsNotSent(t *testing.T) {
	h := newHarness()
	h.connect(t)
	h.listen(t)
	l := h.recognizer.current()

	// The link drops while the user is still talking
	h.transport.handler.OnClose(transport.CloseAbnormal, "")
	h.step(t)
	if h.snap().Status != StatusDisconnected {
		t.Fatalf("Expected disconnected, got %s", h.snap().Status)
	}

	l.OnFinal("I have five years of experience")
	h.step(t)

	s := h.snap()
	n := len(s.Transcript)
	if s.Transcript[n-2].Speaker != SpeakerUser || s.Transcript[n-2].Text != "I have five years of experience" {
		t.Errorf("Expected the user entry, got %+v", s.Transcript[n-2])
	}
	if s.Transcript[n-1].Speaker != SpeakerAI || s.Transcript[n-1].Text != textNotSent {
		t.Errorf("Expected the not-sent notice, got %+v", s.Transcript[n-1])
	}
	if len(h.transport.sent) != 0 {
		t.Errorf("Expected no send, got %v", h.transport.sent)
	}
}

func TestFinalTranscriptIsSent(t *testing.T) {
	h := newHarness()
	h.connect(t)
	h.listen(t)
	l := h.recognizer.current()

	l.OnInterim("I led")
	h.step(t)
	if h.snap().Interim != "I led" {
		t.Errorf("Expected interim, got %q", h.snap().Interim)
	}

	l.OnFinal("  I led the migration to Go  ")
	h.step(t)
	l.OnEnded()
	h.step(t)

	s := h.snap()
	if len(h.transport.sent) != 1 || h.transport.sent[0] != "I led the migration to Go" {
		t.Errorf("Expected trimmed text sent, got %v", h.transport.sent)
	}
	if lastEntry(s).Speaker != SpeakerUser {
		t.Errorf("Expected the user entry last, got %+v", lastEntry(s))
	}
	if s.Interim != "" {
		t.Errorf("Expected interim cleared, got %q", s.Interim)
	}
	if s.Listening {
		t.Error("Expected listening to end with the activation")
	}
}

func TestSendFailureAppendsNotice(t *testing.T) {
	h := newHarness()
	h.connect(t)
	h.listen(t)
	h.transport.sendFail = true

	h.recognizer.current().OnFinal("hello")
	h.step(t)

	if lastEntry(h.snap()).Text != textNotSent {
		t.Errorf("Expected not-sent notice, got %q", lastEntry(h.snap()).Text)
	}
}

func TestConnectionLostOnce(t *testing.T) {
	h := newHarness()
	h.connect(t)
	h.listen(t)

	h.transport.handler.OnClose(transport.CloseAbnormal, "")
	h.step(t)
	h.transport.handler.OnClose(transport.CloseAbnormal, "")
	h.step(t)

	s := h.snap()
	if s.Phase != PhaseFeedback {
		t.Errorf("Expected feedback phase, got %s", s.Phase)
	}
	if s.Listening {
		t.Error("Expected capture disarmed")
	}
	count := 0
	for _, e := range s.Transcript {
		if e.Text == textConnectionLost {
			count++
		}
	}
	if count != 1 {
		t.Errorf("Expected connection lost exactly once, got %d", count)
	}
	if len(h.transport.closes) != 0 {
		t.Errorf("Expected no close request for an already closed link, got %v", h.transport.closes)
	}
}

func TestTransportErrorDuringInterview(t *testing.T) {
	h := newHarness()
	h.connect(t)
	h.listen(t)

	h.transport.handler.OnError(errors.New("read: connection reset"))
	h.step(t)
	h.transport.handler.OnClose(transport.CloseAbnormal, "")
	h.step(t)

	s := h.snap()
	if s.Phase != PhaseConfig || s.Status != StatusError {
		t.Errorf("Expected config/error, got %s/%s", s.Phase, s.Status)
	}
	if s.Listening {
		t.Error("Expected capture disarmed")
	}
	if h.recognizer.stops != 1 {
		t.Errorf("Expected recognizer stopped once, got %d", h.recognizer.stops)
	}
	if lastEntry(s).Text != textConnectionError {
		t.Errorf("Expected connection error notice last, got %q", lastEntry(s).Text)
	}
}

func TestStartListening_Guards(t *testing.T) {
	h := newHarness()

	h.o.StartListening()
	h.step(t)
	if h.snap().Listening {
		t.Error("Expected no listening outside the interview")
	}

	h.connect(t)
	h.listen(t)
	if !h.snap().Listening {
		t.Fatal("Expected listening during the interview")
	}

	h.o.StartListening()
	h.step(t)
	if h.recognizer.starts != 1 {
		t.Errorf("Expected a single recognizer start, got %d", h.recognizer.starts)
	}

	h.o.StopListening()
	h.step(t)
	h.o.StopListening()
	h.step(t)
	if h.snap().Listening {
		t.Error("Expected listening to stop")
	}
	if h.recognizer.stops != 1 {
		t.Errorf("Expected a single recognizer stop, got %d", h.recognizer.stops)
	}
}

func TestFinalAfterStopListeningIsKept(t *testing.T) {
	h := newHarness()
	h.connect(t)
	h.listen(t)
	l := h.recognizer.current()

	h.o.StopListening()
	h.step(t)
	l.OnFinal("what I said so far")
	h.step(t)

	if len(h.transport.sent) != 1 {
		t.Errorf("Expected the final heard before stopping to be sent, got %v", h.transport.sent)
	}
}

func TestLateStartDoesNotStopNewerActivation(t *testing.T) {
	h := newHarness()
	h.connect(t)

	h.o.handle(startListening{})
	h.o.handle(stopListening{})
	h.o.handle(startListening{})
	h.step(t) // first activation reports
	h.step(t) // second activation reports

	if h.recognizer.starts != 2 {
		t.Fatalf("Expected two recognizer starts, got %d", h.recognizer.starts)
	}
	if !h.recognizer.captures[0].stopped {
		t.Error("Expected the disarmed activation to be stopped")
	}
	if h.recognizer.captures[1].stopped {
		t.Error("Expected the newer activation to keep running")
	}
	if !h.snap().Listening {
		t.Error("Expected listening for the newer activation")
	}

	h.recognizer.current().OnFinal("second answer")
	h.step(t)
	if len(h.transport.sent) != 1 || h.transport.sent[0] != "second answer" {
		t.Errorf("Expected the newer activation's answer sent, got %v", h.transport.sent)
	}
}

func TestStopWhileStartingStopsThatActivation(t *testing.T) {
	h := newHarness()
	h.connect(t)

	h.o.handle(startListening{})
	h.o.handle(stopListening{})
	h.step(t)

	if len(h.recognizer.captures) != 1 || !h.recognizer.captures[0].stopped {
		t.Error("Expected the activation started after stop to be stopped")
	}
	if h.snap().Listening {
		t.Error("Expected listening off")
	}
}

func TestRecognitionError(t *testing.T) {
	h := newHarness()
	h.connect(t)
	h.listen(t)

	h.recognizer.current().OnError(stt.ErrorNoSpeech, "No speech was detected")
	h.step(t)

	s := h.snap()
	if s.STTError != "STT Error: no-speech - No speech was detected. Mic access?" {
		t.Errorf("Unexpected STT error %q", s.STTError)
	}
	if s.Listening {
		t.Error("Expected capture disarmed")
	}
	if s.Phase != PhaseInterview || s.Status != StatusConnected {
		t.Errorf("Expected phase and transport unaffected, got %s/%s", s.Phase, s.Status)
	}

	// Arming again clears the notice
	h.listen(t)
	if h.snap().STTError != "" {
		t.Errorf("Expected STT error cleared, got %q", h.snap().STTError)
	}
}

func TestRecognizerStartFailure(t *testing.T) {
	h := newHarness()
	h.connect(t)
	h.recognizer.err = errors.New("no capture device")

	h.listen(t)

	s := h.snap()
	if s.Listening {
		t.Error("Expected listening to be reset after a start failure")
	}
	if !strings.Contains(s.STTError, "no capture device") {
		t.Errorf("Expected the start error surfaced, got %q", s.STTError)
	}
}

func TestStaleActivationIgnored(t *testing.T) {
	h := newHarness()
	h.connect(t)
	h.listen(t)
	old := h.recognizer.current()
	old.OnEnded()
	h.step(t)

	h.listen(t)
	old.OnFinal("late words")
	h.step(t)
	old.OnEnded()
	h.step(t)

	if len(h.transport.sent) != 0 {
		t.Errorf("Expected late results of an old activation dropped, got %v", h.transport.sent)
	}
	if !h.snap().Listening {
		t.Error("Expected the old activation's end not to disarm the new one")
	}
}

func TestSetVoiceOutput(t *testing.T) {
	h := newHarness()
	h.o.SetVoiceOutput(false)
	h.step(t)

	if h.snap().VoiceOutput {
		t.Error("Expected voice output off")
	}
	if len(h.voice.enabled) != 1 || h.voice.enabled[0] {
		t.Errorf("Expected voice disabled once, got %v", h.voice.enabled)
	}
}

func TestStartNewInterviewResets(t *testing.T) {
	h := newHarness()
	h.connect(t)
	h.listen(t)
	h.receive(t, `{"type":"feedback","content":"Solid answers"}`)

	h.o.StartNewInterview()
	h.step(t)

	s := h.snap()
	if s.Phase != PhaseConfig || s.Status != StatusDisconnected {
		t.Errorf("Expected config/disconnected, got %s/%s", s.Phase, s.Status)
	}
	if len(s.Transcript) != 1 || s.Transcript[0].Text != textWelcome {
		t.Errorf("Expected only the greeting, got %v", texts(s.Transcript))
	}
	if s.Feedback != nil || s.SessionID != "" || s.Config.JobDescription != "" {
		t.Errorf("Expected feedback, identity and job cleared, got %+v", s)
	}
	if s.Config.Role != protocol.RoleHR {
		t.Errorf("Expected role kept, got %s", s.Config.Role)
	}
	if h.voice.stops != 1 {
		t.Errorf("Expected speech stopped, got %d", h.voice.stops)
	}
	if len(h.transport.closes) != 1 {
		t.Errorf("Expected no second close after feedback, got %v", h.transport.closes)
	}

	// Callbacks of the old connection no longer affect the new session
	h.transport.handler.OnClose(transport.CloseNormal, "")
	h.step(t)
	h.transport.handler.OnMessage(`{"type":"question","content":"stale"}`)
	h.step(t)
	if len(h.snap().Transcript) != 1 {
		t.Errorf("Expected stale callbacks ignored, got %v", texts(h.snap().Transcript))
	}
}

func TestStartNewInterviewClosesLiveConnection(t *testing.T) {
	h := newHarness()
	h.connect(t)

	h.o.StartNewInterview()
	h.step(t)

	if len(h.transport.closes) != 1 || h.transport.closes[0] != transport.CloseNormal {
		t.Errorf("Expected the live link closed normally, got %v", h.transport.closes)
	}
}

func TestStartNewInterviewDropsPendingHandshake(t *testing.T) {
	h := newHarness()
	h.creator.release = make(chan struct{})
	h.o.SubmitJobDescription("Backend engineer role", "")
	h.step(t)
	h.o.StartInterview()
	h.step(t)

	h.o.StartNewInterview()
	h.step(t)
	close(h.creator.release)
	h.step(t) // late session created

	if len(h.transport.opens) != 0 {
		t.Errorf("Expected no transport open for an abandoned run, got %v", h.transport.opens)
	}
	if h.snap().Status != StatusDisconnected {
		t.Errorf("Expected disconnected, got %s", h.snap().Status)
	}
}

func TestTranscriptIsAppendOnly(t *testing.T) {
	h := newHarness()
	h.connect(t)

	frames := []string{
		`{"type":"question","content":"Q"}`,
		`{"type":"error","content":"E"}`,
		`{"type":"feedback","content":"F"}`,
		`{"type":"control","command":"end_interview","message":"bye"}`,
		`not json`,
		`{"type":"control","command":"restart"}`,
		`{"type":"question"}`,
	}
	rng := rand.New(rand.NewSource(42))

	prev := h.snap().Transcript
	for i := 0; i < 50; i++ {
		h.receive(t, frames[rng.Intn(len(frames))])
		cur := h.snap().Transcript
		if len(cur) < len(prev) {
			t.Fatalf("Transcript shrank from %d to %d", len(prev), len(cur))
		}
		for j := range prev {
			if cur[j] != prev[j] {
				t.Fatalf("Entry %d changed from %+v to %+v", j, prev[j], cur[j])
			}
		}
		prev = cur
	}
}

func TestListeningOnlyWhileConnected(t *testing.T) {
	h := newHarness()
	h.connect(t)
	h.listen(t)

	frames := []string{
		`{"type":"question","content":"Next?"}`,
		`{"type":"feedback","content":"Done"}`,
	}
	for _, f := range frames {
		h.receive(t, f)
		s := h.snap()
		if s.Listening && !s.CanListen() {
			t.Errorf("Listening while %s/%s", s.Phase, s.Status)
		}
	}

	h.o.StartListening()
	h.step(t)
	if h.snap().Listening {
		t.Error("Expected start listening ignored in feedback phase")
	}
}

func TestRun_ProcessesEventsAndTearsDown(t *testing.T) {
	h := newHarness()
	changes := make(chan Snapshot, 64)
	h.o.deps.OnChange = func(s Snapshot) { changes <- s }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.o.Run(ctx) }()

	h.o.SubmitJobDescription("Backend engineer role", "")
	select {
	case s := <-changes:
		if s.Config.JobDescription != "Backend engineer role" {
			t.Errorf("Unexpected snapshot %+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for a snapshot")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	if h.voice.stops != 1 {
		t.Errorf("Expected speech stopped on shutdown, got %d", h.voice.stops)
	}
}
