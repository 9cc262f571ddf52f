package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lecture_transcriber_active_sessions",
		Help: "Number of recording sessions currently running",
	})

	totalSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lecture_transcriber_sessions_total",
		Help: "Total number of recording sessions by outcome",
	}, []string{"outcome"}) // outcome: finalized, failed, abandoned

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lecture_transcriber_session_duration_seconds",
		Help:    "Recorded (unpaused) duration of sessions in seconds",
		Buckets: []float64{30, 60, 300, 900, 1800, 3600, 5400},
	})

	serverReadyLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lecture_transcriber_server_ready_seconds",
		Help:    "Time from connect to SERVER_READY",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	// Audio metrics
	audioBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lecture_transcriber_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"stage"}) // stage: captured, sent

	audioChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lecture_transcriber_audio_chunks_total",
		Help: "Total fixed-size audio chunks emitted by the converter",
	})

	droppedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lecture_transcriber_dropped_frames_total",
		Help: "Audio units dropped before reaching the backend",
	}, []string{"reason"})

	lowSignalFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lecture_transcriber_low_signal_frames_total",
		Help: "Captured buffers whose RMS was under the low-signal threshold",
	})

	// Socket metrics
	socketMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lecture_transcriber_socket_messages_total",
		Help: "Inbound socket messages by kind",
	}, []string{"kind"})

	reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lecture_transcriber_reconnects_total",
		Help: "Reconnect attempts by result",
	}, []string{"result"}) // result: scheduled, refused

	// Transcript metrics
	segmentsMerged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lecture_transcriber_segments_total",
		Help: "Segments applied to the transcript buffer",
	}, []string{"op"}) // op: insert, revise, skip

	submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lecture_transcriber_api_requests_total",
		Help: "Course API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lecture_transcriber_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lecture_transcriber_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lecture_transcriber_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// SessionMetrics tracks metrics for a single recording session
type SessionMetrics struct {
	sessionID    string
	connectStart time.Time
	recordStart  time.Time
	recorded     time.Duration
	mu           sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{sessionID: sessionID}
}

// RecordConnectStart marks the beginning of the connect/handshake phase
func (m *SessionMetrics) RecordConnectStart() {
	activeSessions.Inc()
	m.mu.Lock()
	m.connectStart = time.Now()
	m.mu.Unlock()
}

// RecordServerReady observes handshake latency and starts the recording clock
func (m *SessionMetrics) RecordServerReady() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connectStart.IsZero() {
		serverReadyLatency.Observe(time.Since(m.connectStart).Seconds())
	}
	m.recordStart = time.Now()
}

// RecordPause accumulates recorded time up to a pause
func (m *SessionMetrics) RecordPause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.recordStart.IsZero() {
		m.recorded += time.Since(m.recordStart)
		m.recordStart = time.Time{}
	}
}

// RecordResume restarts the recording clock
func (m *SessionMetrics) RecordResume() {
	m.mu.Lock()
	m.recordStart = time.Now()
	m.mu.Unlock()
}

// RecordSessionEnd records the end of a session with the given outcome
func (m *SessionMetrics) RecordSessionEnd(outcome string) {
	m.RecordPause()
	activeSessions.Dec()
	totalSessions.WithLabelValues(outcome).Inc()

	m.mu.Lock()
	sessionDuration.Observe(m.recorded.Seconds())
	m.mu.Unlock()
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed at a pipeline stage
func RecordAudioBytes(stage string, bytes int) {
	audioBytes.WithLabelValues(stage).Add(float64(bytes))
}

// RecordChunkEmitted counts one fixed-size chunk
func RecordChunkEmitted() {
	audioChunks.Inc()
}

// RecordDroppedFrame counts an audio unit that was discarded
func RecordDroppedFrame(reason string) {
	droppedFrames.WithLabelValues(reason).Inc()
}

// RecordLowSignal counts a low-level capture buffer
func RecordLowSignal() {
	lowSignalFrames.Inc()
}

// RecordSocketMessage counts an inbound socket message by kind
func RecordSocketMessage(kind string) {
	socketMessages.WithLabelValues(kind).Inc()
}

// RecordReconnect counts a reconnect decision
func RecordReconnect(result string) {
	reconnects.WithLabelValues(result).Inc()
}

// RecordSegment counts a merge operation
func RecordSegment(op string) {
	segmentsMerged.WithLabelValues(op).Inc()
}

// RecordAPIRequest counts a course API request
func RecordAPIRequest(endpoint string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	submissions.WithLabelValues(endpoint, status).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
