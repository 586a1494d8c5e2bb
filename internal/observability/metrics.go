package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "interview_client_active_sessions",
		Help: "Number of interview sessions with an open or connecting transport",
	})

	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_client_sessions_total",
		Help: "Total number of session-create handshakes by outcome",
	}, []string{"status"})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "interview_client_session_duration_seconds",
		Help:    "Duration of interview sessions from transport open to close",
		Buckets: []float64{30, 60, 120, 300, 600, 1200, 1800},
	})

	phaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_client_phase_transitions_total",
		Help: "Interview phase transitions",
	}, []string{"from", "to"})

	// Transcript and protocol metrics
	transcriptEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_client_transcript_entries_total",
		Help: "Transcript entries appended by speaker",
	}, []string{"speaker"})

	inboundFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_client_inbound_frames_total",
		Help: "Inbound protocol frames by decoded type",
	}, []string{"type"})

	outboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_client_outbound_messages_total",
		Help: "Outbound user utterances by outcome",
	}, []string{"status"}) // sent or dropped

	// Speech metrics
	recognitionResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_client_recognition_results_total",
		Help: "Speech recognition results by kind",
	}, []string{"kind"}) // interim, final, error

	utterances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_client_utterances_total",
		Help: "Speech synthesis requests by outcome",
	}, []string{"status"}) // spoken, dropped, disabled, error

	ttsLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "interview_client_tts_latency_seconds",
		Help:    "Speech synthesis latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_client_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "interview_client_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_client_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// SessionMetrics tracks metrics for a single interview run
type SessionMetrics struct {
	runID     string
	openedAt  time.Time
	connected bool
}

// NewSessionMetrics creates a metrics tracker for one interview run
func NewSessionMetrics(runID string) *SessionMetrics {
	return &SessionMetrics{runID: runID}
}

// RecordCreate records the outcome of the session-create handshake
func (m *SessionMetrics) RecordCreate(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	sessionsTotal.WithLabelValues(status).Inc()
}

// RecordOpen records that the transport for this run opened
func (m *SessionMetrics) RecordOpen() {
	if m.connected {
		return
	}
	m.connected = true
	m.openedAt = time.Now()
	activeSessions.Inc()
}

// RecordClose records the end of the transport for this run. Safe to call
// more than once.
func (m *SessionMetrics) RecordClose() {
	if !m.connected {
		return
	}
	m.connected = false
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.openedAt).Seconds())
}

// RecordPhase records an interview phase transition
func RecordPhase(from, to string) {
	phaseTransitions.WithLabelValues(from, to).Inc()
}

// RecordTranscriptEntry records an appended transcript entry
func RecordTranscriptEntry(speaker string) {
	transcriptEntries.WithLabelValues(speaker).Inc()
}

// RecordInboundFrame records a decoded inbound frame
func RecordInboundFrame(frameType string) {
	inboundFrames.WithLabelValues(frameType).Inc()
}

// RecordOutbound records whether a user utterance was sent or dropped
func RecordOutbound(sent bool) {
	status := "sent"
	if !sent {
		status = "dropped"
	}
	outboundMessages.WithLabelValues(status).Inc()
}

// RecordRecognition records a speech recognition result
func RecordRecognition(kind string) {
	recognitionResults.WithLabelValues(kind).Inc()
}

// RecordUtterance records the outcome of a speak request
func RecordUtterance(status string) {
	utterances.WithLabelValues(status).Inc()
}

// ObserveTTSLatency records how long synthesis took
func ObserveTTSLatency(d time.Duration) {
	ttsLatency.Observe(d.Seconds())
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
