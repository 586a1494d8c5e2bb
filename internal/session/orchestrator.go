package session

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/interview-client/internal/api"
	"github.com/lexiqai/interview-client/internal/observability"
	"github.com/lexiqai/interview-client/internal/protocol"
	"github.com/lexiqai/interview-client/internal/stt"
	"github.com/lexiqai/interview-client/internal/transport"
)

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Creator    SessionCreator
	Transport  Transport
	Recognizer Recognizer
	Voice      Voice
	// OnChange is called on the orchestrator goroutine after every event
	// that was processed. It must not block.
	OnChange func(Snapshot)
}

// state is owned by the orchestrator goroutine.
type state struct {
	phase      Phase
	status     TransportStatus
	listening  bool
	transcript []Entry
	interim    string
	feedback   *string
	sessionID  string
	config     Config
	sttError   string
	voice      bool

	runID          string
	gen            uint64
	act            uint64
	closeRequested bool
}

// Orchestrator serializes user intents, transport callbacks and recognizer
// callbacks into one session state. Intent methods only enqueue; Run
// processes events one at a time in arrival order.
type Orchestrator struct {
	deps    Deps
	inbox   *mailbox
	logger  zerolog.Logger
	now     func() time.Time
	ctx     context.Context
	metrics *observability.SessionMetrics

	st       state
	actSeq   uint64
	snapshot atomic.Pointer[Snapshot]

	// capture is the running activation of st.act, once its Start reported.
	capture stt.Handle
	// pendingAct is the activation whose Start has not reported yet. Starts
	// never overlap.
	pendingAct uint64
}

// NewOrchestrator creates an orchestrator in the Config phase. Voice output
// starts enabled.
func NewOrchestrator(deps Deps) *Orchestrator {
	o := &Orchestrator{
		deps:   deps,
		inbox:  newMailbox(),
		logger: observability.WithComponent("session"),
		now:    time.Now,
		ctx:    context.Background(),
	}
	o.st = state{
		config: Config{Role: protocol.RoleHR},
		voice:  true,
	}
	o.st.transcript = []Entry{o.entry(SpeakerAI, textWelcome)}
	o.publish()
	return o
}

// Run processes events until ctx is done, then tears the session down.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.ctx = ctx
	o.logger.Info().Msg("Session orchestrator started")

	for {
		for {
			ev, ok := o.inbox.pop()
			if !ok {
				break
			}
			o.handle(ev)
		}

		select {
		case <-ctx.Done():
			o.teardown()
			o.logger.Info().Msg("Session orchestrator stopped")
			return nil
		case <-o.inbox.notify:
		}
	}
}

// Snapshot returns the state as of the last processed event.
func (o *Orchestrator) Snapshot() Snapshot {
	return *o.snapshot.Load()
}

// SubmitJobDescription stores the job description for the next interview.
// A URL is used only when text is empty.
func (o *Orchestrator) SubmitJobDescription(text, url string) error {
	text, url = strings.TrimSpace(text), strings.TrimSpace(url)
	if text == "" && url == "" {
		return ErrEmptyJobDescription
	}
	o.inbox.post(submitJobDescription{text: text, url: url})
	return nil
}

// SelectRole picks the interviewer persona for the next interview.
func (o *Orchestrator) SelectRole(role protocol.Role) error {
	if !role.Valid() {
		return ErrInvalidRole
	}
	o.inbox.post(selectRole{role: role})
	return nil
}

// StartInterview creates a session and connects to it.
func (o *Orchestrator) StartInterview() { o.inbox.post(startInterview{}) }

// StartListening arms voice capture for one answer.
func (o *Orchestrator) StartListening() { o.inbox.post(startListening{}) }

// StopListening ends voice capture; what was heard so far is still sent.
func (o *Orchestrator) StopListening() { o.inbox.post(stopListening{}) }

// SetVoiceOutput toggles speaking interviewer turns aloud.
func (o *Orchestrator) SetVoiceOutput(enabled bool) { o.inbox.post(setVoiceOutput{enabled: enabled}) }

// StartNewInterview abandons the current session and returns to Config.
func (o *Orchestrator) StartNewInterview() { o.inbox.post(startNewInterview{}) }

func (o *Orchestrator) handle(ev event) {
	switch e := ev.(type) {
	case submitJobDescription:
		o.onSubmitJobDescription(e)
	case selectRole:
		if o.st.phase == PhaseConfig {
			o.st.config.Role = e.role
		}
	case startInterview:
		o.onStartInterview()
	case startListening:
		o.onStartListening()
	case stopListening:
		o.onStopListening()
	case setVoiceOutput:
		o.st.voice = e.enabled
		if o.deps.Voice != nil {
			o.deps.Voice.SetEnabled(e.enabled)
		}
	case startNewInterview:
		o.onStartNewInterview()
	case sessionCreated:
		o.onSessionCreated(e)
	case sessionFailed:
		o.onSessionFailed(e)
	case transportOpened:
		o.onTransportOpened(e)
	case transportMessage:
		o.onTransportMessage(e)
	case transportErrored:
		o.onTransportErrored(e)
	case transportClosed:
		o.onTransportClosed(e)
	case recognitionStarted:
		o.onRecognitionStarted(e)
	case recognitionInterim:
		if e.act == o.st.act && o.st.listening {
			o.st.interim = e.text
			observability.RecordRecognition("interim")
		}
	case recognitionFinal:
		o.onFinalTranscript(e)
	case recognitionError:
		o.onRecognitionError(e)
	case recognitionEnded:
		if e.act == o.st.act {
			o.st.listening = false
			o.st.interim = ""
			o.capture = nil
		}
	default:
		o.logger.Warn().Str("event", fmt.Sprintf("%T", ev)).Msg("Unhandled event")
		return
	}
	o.publish()
}

func (o *Orchestrator) onSubmitJobDescription(e submitJobDescription) {
	if o.st.phase != PhaseConfig || o.st.status == StatusConnecting {
		o.logger.Debug().Str("phase", o.st.phase.String()).Msg("Ignoring job description outside setup")
		return
	}
	if e.text != "" {
		o.st.config.JobDescription = e.text
	} else {
		o.st.config.JobDescription = fmt.Sprintf(jobFromURL, e.url)
	}
	o.resetTranscript(textJobReady)
}

func (o *Orchestrator) onStartInterview() {
	if o.st.phase != PhaseConfig || o.st.status == StatusConnecting {
		return
	}
	if o.st.config.JobDescription == "" {
		o.appendEntry(SpeakerAI, textNoJob)
		return
	}

	o.st.runID = observability.NewRunID()
	o.st.sessionID = ""
	o.st.feedback = nil
	o.st.status = StatusConnecting
	o.st.closeRequested = false
	o.resetTranscript(textSettingUp)
	o.logger = observability.WithRun(o.st.runID).With().Str("component", "session").Logger()
	o.metrics = observability.NewSessionMetrics(o.st.runID)

	runID, cfg := o.st.runID, o.st.config
	o.logger.Info().Str("role", string(cfg.Role)).Msg("Creating interview session")

	go func() {
		id, err := o.deps.Creator.CreateSession(o.ctx, cfg.JobDescription, cfg.Role)
		if err != nil {
			o.inbox.post(sessionFailed{runID: runID, err: err})
			return
		}
		o.inbox.post(sessionCreated{runID: runID, sessionID: id})
	}()
}

func (o *Orchestrator) onSessionCreated(e sessionCreated) {
	if e.runID != o.st.runID || o.st.status != StatusConnecting {
		o.logger.Debug().Str("session_id", e.sessionID).Msg("Dropping session from an abandoned run")
		return
	}
	o.metrics.RecordCreate(true)
	o.st.sessionID = e.sessionID
	o.appendEntry(SpeakerAI, fmt.Sprintf(textSessionReady, e.sessionID))

	o.st.gen++
	if err := o.deps.Transport.Open(e.sessionID, o.handler(o.st.gen)); err != nil {
		o.logger.Error().Err(err).Msg("Failed to open interview connection")
		observability.RecordError("open", "session")
		o.connectionFailed()
		return
	}
	o.logger.Info().Str("session_id", e.sessionID).Msg("Session created, connecting")
}

func (o *Orchestrator) onSessionFailed(e sessionFailed) {
	if e.runID != o.st.runID || o.st.status != StatusConnecting {
		return
	}
	o.metrics.RecordCreate(false)
	observability.RecordError("create_session", "session")
	o.logger.Error().Err(e.err).Msg("Failed to start interview session")

	o.st.status = StatusError
	o.st.sessionID = ""
	o.appendEntry(SpeakerAI, fmt.Sprintf(textStartError, api.Detail(e.err)))
}

// handler binds transport callbacks to one connection generation.
func (o *Orchestrator) handler(gen uint64) transport.Handler {
	return transport.Handler{
		OnOpen:    func() { o.inbox.post(transportOpened{gen: gen}) },
		OnMessage: func(raw string) { o.inbox.post(transportMessage{gen: gen, raw: raw}) },
		OnError:   func(err error) { o.inbox.post(transportErrored{gen: gen, err: err}) },
		OnClose: func(code int, reason string) {
			o.inbox.post(transportClosed{gen: gen, code: code, reason: reason})
		},
	}
}

func (o *Orchestrator) onTransportOpened(e transportOpened) {
	if e.gen != o.st.gen || o.st.phase != PhaseConfig || o.st.status != StatusConnecting {
		return
	}
	o.metrics.RecordOpen()
	o.st.status = StatusConnected
	o.setPhase(PhaseInterview)
	o.appendEntry(SpeakerAI, textConnected)
	o.logger.Info().Str("session_id", o.st.sessionID).Msg("Interview connected")
}

func (o *Orchestrator) onTransportMessage(e transportMessage) {
	if e.gen != o.st.gen || o.st.phase == PhaseConfig {
		return
	}

	msg := protocol.Decode(e.raw)
	observability.RecordInboundFrame(msg.Type())

	switch m := msg.(type) {
	case protocol.Question:
		o.interviewerTurn(m.Content)
	case protocol.Feedback:
		if o.st.feedback != nil {
			o.logger.Warn().Msg("Ignoring repeated feedback")
			return
		}
		summary := m.Content
		o.st.feedback = &summary
		if o.st.phase == PhaseInterview {
			o.enterFeedback("Interview complete")
		}
	case protocol.EndInterview:
		o.appendEntry(SpeakerAI, m.Message)
		if o.st.phase == PhaseInterview {
			o.enterFeedback("Interview ended by service")
		}
	case protocol.ServiceError:
		o.logger.Warn().Str("content", m.Content).Msg("Interview service reported an error")
		o.appendEntry(SpeakerAI, fmt.Sprintf(textServiceError, m.Content))
	case protocol.Bare:
		o.interviewerTurn(m.Raw)
	}
}

// interviewerTurn records a question and speaks it during the interview.
func (o *Orchestrator) interviewerTurn(text string) {
	o.appendEntry(SpeakerAI, text)
	if o.st.phase == PhaseInterview && o.deps.Voice != nil {
		o.deps.Voice.Speak(text)
	}
}

func (o *Orchestrator) onTransportErrored(e transportErrored) {
	if e.gen != o.st.gen {
		return
	}
	o.logger.Error().Err(e.err).Str("phase", o.st.phase.String()).Msg("Interview connection error")
	observability.RecordError("transport", "session")

	// In Feedback the interview is already over; the error is only logged.
	if o.st.phase == PhaseInterview || o.st.status == StatusConnecting {
		o.connectionFailed()
	}
}

// connectionFailed returns to setup after the link failed.
func (o *Orchestrator) connectionFailed() {
	o.disarm()
	o.st.status = StatusError
	o.st.sessionID = ""
	o.appendEntry(SpeakerAI, textConnectionError)
	o.setPhase(PhaseConfig)
}

func (o *Orchestrator) onTransportClosed(e transportClosed) {
	if e.gen != o.st.gen {
		return
	}
	o.logger.Info().Int("code", e.code).Str("reason", e.reason).Msg("Interview connection closed")
	if o.metrics != nil {
		o.metrics.RecordClose()
	}

	if o.st.status != StatusError {
		o.st.status = StatusDisconnected
	}
	if o.st.phase == PhaseInterview {
		o.st.closeRequested = true
		o.disarm()
		o.appendEntry(SpeakerAI, textConnectionLost)
		o.setPhase(PhaseFeedback)
	}
}

// enterFeedback ends the interview and asks the service to close.
func (o *Orchestrator) enterFeedback(reason string) {
	o.disarm()
	o.setPhase(PhaseFeedback)
	o.requestClose(reason)
}

func (o *Orchestrator) requestClose(reason string) {
	if o.st.closeRequested {
		return
	}
	o.st.closeRequested = true
	o.deps.Transport.Close(transport.CloseNormal, reason)
}

func (o *Orchestrator) onStartListening() {
	if o.st.phase != PhaseInterview || o.st.status != StatusConnected || o.st.listening {
		return
	}
	if o.deps.Recognizer == nil {
		return
	}

	o.actSeq++
	o.st.act = o.actSeq
	o.st.listening = true
	o.st.sttError = ""
	o.st.interim = ""

	// A previous Start is still in flight; this one follows its report.
	if o.pendingAct != 0 {
		return
	}
	o.startRecognizer(o.st.act)
}

func (o *Orchestrator) startRecognizer(act uint64) {
	o.pendingAct = act
	l := stt.Listener{
		OnInterim: func(text string) { o.inbox.post(recognitionInterim{act: act, text: text}) },
		OnFinal:   func(text string) { o.inbox.post(recognitionFinal{act: act, text: text}) },
		OnError: func(code, message string) {
			o.inbox.post(recognitionError{act: act, code: code, message: message})
		},
		OnEnded: func() { o.inbox.post(recognitionEnded{act: act}) },
	}
	recognizer := o.deps.Recognizer
	go func() {
		capture, err := recognizer.Start(l)
		o.inbox.post(recognitionStarted{act: act, capture: capture, err: err})
	}()
}

func (o *Orchestrator) onRecognitionStarted(e recognitionStarted) {
	if e.act == o.pendingAct {
		o.pendingAct = 0
	}

	current := e.act == o.st.act && o.st.listening
	switch {
	case e.err != nil:
		if current {
			o.logger.Error().Err(e.err).Msg("Failed to start speech recognition")
			observability.RecordRecognition("error")
			o.st.listening = false
			o.st.sttError = fmt.Sprintf(textSTTError, stt.ErrorAudioCapture, e.err.Error())
		}
	case current:
		o.capture = e.capture
	case e.capture != nil:
		// Disarmed while starting. Only this activation is stopped, never a
		// newer one.
		e.capture.Stop()
	}

	if o.pendingAct == 0 && o.st.listening && o.capture == nil && o.st.act != e.act {
		o.startRecognizer(o.st.act)
	}
}

func (o *Orchestrator) onStopListening() {
	if !o.st.listening {
		return
	}
	o.disarm()
}

// disarm stops voice capture. A final result for the current activation is
// still accepted afterwards.
func (o *Orchestrator) disarm() {
	if !o.st.listening {
		return
	}
	o.st.listening = false
	o.st.interim = ""
	switch {
	case o.capture != nil:
		o.capture.Stop()
		o.capture = nil
	case o.pendingAct == o.st.act && o.deps.Recognizer != nil:
		// Cancels the handshake in flight; nothing newer can be running.
		o.deps.Recognizer.Stop()
	}
}

func (o *Orchestrator) onFinalTranscript(e recognitionFinal) {
	if e.act != o.st.act || o.st.act == 0 || o.st.phase == PhaseConfig {
		return
	}
	text := strings.TrimSpace(e.text)
	if text == "" {
		return
	}
	observability.RecordRecognition("final")

	o.st.interim = ""
	o.appendEntry(SpeakerUser, text)

	sent := false
	if o.st.status == StatusConnected {
		sent = o.deps.Transport.Send(text)
	}
	observability.RecordOutbound(sent)
	if !sent {
		o.logger.Warn().Str("status", o.st.status.String()).Msg("Answer not sent")
		o.appendEntry(SpeakerAI, textNotSent)
	}
}

func (o *Orchestrator) onRecognitionError(e recognitionError) {
	if e.act != o.st.act {
		return
	}
	o.logger.Warn().Str("code", e.code).Str("message", e.message).Msg("Speech recognition error")
	observability.RecordRecognition("error")
	o.st.sttError = fmt.Sprintf(textSTTError, e.code, e.message)
	o.st.listening = false
	o.st.interim = ""
	o.capture = nil
}

func (o *Orchestrator) onStartNewInterview() {
	o.stopSession("User ended interview")

	o.setPhase(PhaseConfig)
	o.st.status = StatusDisconnected
	o.st.sessionID = ""
	o.st.runID = ""
	o.st.feedback = nil
	o.st.config.JobDescription = ""
	o.st.sttError = ""
	o.st.act = 0
	o.st.closeRequested = false
	o.resetTranscript(textWelcome)
	o.logger = observability.WithComponent("session")
	o.logger.Info().Msg("Ready for a new interview")
}

// stopSession closes the link, disarms capture and silences speech. Late
// callbacks of the old connection are ignored afterwards.
func (o *Orchestrator) stopSession(reason string) {
	if o.st.gen > 0 && o.st.status != StatusDisconnected {
		o.requestClose(reason)
	}
	o.st.gen++
	if o.metrics != nil {
		o.metrics.RecordClose()
	}
	o.disarm()
	if o.deps.Voice != nil {
		o.deps.Voice.Stop()
	}
}

func (o *Orchestrator) teardown() {
	o.stopSession("Client shutting down")
	o.publish()
}

func (o *Orchestrator) setPhase(p Phase) {
	if o.st.phase == p {
		return
	}
	observability.RecordPhase(o.st.phase.String(), p.String())
	o.logger.Debug().Str("from", o.st.phase.String()).Str("to", p.String()).Msg("Phase transition")
	o.st.phase = p
}

func (o *Orchestrator) entry(speaker Speaker, text string) Entry {
	return Entry{Speaker: speaker, Text: text, Timestamp: o.now().Format(timestampLayout)}
}

func (o *Orchestrator) appendEntry(speaker Speaker, text string) {
	o.st.transcript = append(o.st.transcript, o.entry(speaker, text))
	observability.RecordTranscriptEntry(string(speaker))
}

// resetTranscript starts a new transcript with a single AI line.
func (o *Orchestrator) resetTranscript(text string) {
	o.st.transcript = []Entry{o.entry(SpeakerAI, text)}
	observability.RecordTranscriptEntry(string(SpeakerAI))
}

func (o *Orchestrator) publish() {
	snap := &Snapshot{
		Phase:       o.st.phase,
		Status:      o.st.status,
		Listening:   o.st.listening,
		Transcript:  o.st.transcript[:len(o.st.transcript):len(o.st.transcript)],
		Interim:     o.st.interim,
		Feedback:    o.st.feedback,
		SessionID:   o.st.sessionID,
		RunID:       o.st.runID,
		Config:      o.st.config,
		STTError:    o.st.sttError,
		VoiceOutput: o.st.voice,
	}
	o.snapshot.Store(snap)
	if o.deps.OnChange != nil {
		o.deps.OnChange(*snap)
	}
}
