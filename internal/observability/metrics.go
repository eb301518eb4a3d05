package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "capture_agent_active_sessions",
		Help: "Number of active workflow sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_agent_sessions_total",
		Help: "Total number of workflow sessions started",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "capture_agent_session_duration_seconds",
		Help:    "Duration of workflow sessions in seconds",
		Buckets: []float64{10, 30, 60, 120, 300, 600, 1800},
	})

	// Recording metrics
	recordings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_agent_recordings_total",
		Help: "Total number of audio recordings by outcome",
	}, []string{"status"})

	recordingSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "capture_agent_recording_seconds",
		Help:    "Length of finished audio recordings in seconds",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600},
	})

	audioBytesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_agent_audio_bytes_total",
		Help: "Total audio bytes captured from the device",
	})

	// Transcription metrics
	transcriptionRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_agent_transcription_requests_total",
		Help: "Total number of streaming transcription requests",
	}, []string{"status"})

	transcriptionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "capture_agent_transcription_latency_seconds",
		Help:    "Streaming transcription latency in seconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	})

	// Lab API metrics
	apiRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_agent_api_requests_total",
		Help: "Total number of lab API requests",
	}, []string{"endpoint", "status"})

	apiLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "capture_agent_api_latency_seconds",
		Help:    "Lab API request latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"endpoint"})

	// Workflow step metrics
	stepsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_agent_steps_total",
		Help: "Workflow step outcomes",
	}, []string{"step", "status"})

	// Progress connection metrics
	wsReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_agent_ws_reconnects_total",
		Help: "Total number of progress connection reconnect attempts",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_agent_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "capture_agent_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_agent_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// Metrics tracks metrics for a single workflow session
type Metrics struct {
	sessionID          string
	startTime          time.Time
	transcriptionStart time.Time
	apiStart           map[string]time.Time
	mu                 sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a workflow session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
		apiStart:  make(map[string]time.Time),
	}
}

// RecordSessionStart records the start of a workflow session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a workflow session
func (m *Metrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordRecording records a finished or failed recording
func (m *Metrics) RecordRecording(status string, seconds float64) {
	recordings.WithLabelValues(status).Inc()
	if seconds > 0 {
		recordingSeconds.Observe(seconds)
	}
}

// RecordAudioBytes records audio bytes captured from the device
func (m *Metrics) RecordAudioBytes(bytes int64) {
	audioBytesCaptured.Add(float64(bytes))
}

// RecordTranscriptionStart records the start of a streaming transcription
func (m *Metrics) RecordTranscriptionStart() {
	m.mu.Lock()
	m.transcriptionStart = time.Now()
	m.mu.Unlock()
}

// RecordTranscriptionEnd records the end of a streaming transcription
func (m *Metrics) RecordTranscriptionEnd(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.transcriptionStart.IsZero() {
		transcriptionLatency.Observe(time.Since(m.transcriptionStart).Seconds())
	}
	transcriptionRequests.WithLabelValues(status).Inc()
}

// RecordAPIStart records the start of a lab API request
func (m *Metrics) RecordAPIStart(endpoint string) {
	m.mu.Lock()
	m.apiStart[endpoint] = time.Now()
	m.mu.Unlock()
}

// RecordAPIEnd records the end of a lab API request
func (m *Metrics) RecordAPIEnd(endpoint string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if start, ok := m.apiStart[endpoint]; ok {
		apiLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		delete(m.apiStart, endpoint)
	}

	status := "success"
	if !success {
		status = "error"
	}
	apiRequests.WithLabelValues(endpoint, status).Inc()
}

// RecordStep records a workflow step outcome
func (m *Metrics) RecordStep(step, status string) {
	stepsCompleted.WithLabelValues(step, status).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordReconnect records a progress connection reconnect attempt
func RecordReconnect() {
	wsReconnects.Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
