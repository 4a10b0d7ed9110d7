package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline stages used as metric labels
const (
	StageTranscribe = "transcribe"
	StageGenerate   = "generate"
	StageSynthesize = "synthesize"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_server_active_sessions",
		Help: "Number of connected device sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_server_sessions_total",
		Help: "Total number of device sessions admitted",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_server_session_duration_seconds",
		Help:    "Duration of device sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	// Pipeline stage metrics
	stageRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_server_stage_requests_total",
		Help: "Total number of pipeline stage invocations",
	}, []string{"stage", "status"})

	stageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_server_stage_latency_seconds",
		Help:    "Pipeline stage latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"stage"})

	bargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_server_barge_ins_total",
		Help: "Pipeline runs cancelled because the user spoke again",
	})

	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_server_state_transitions_total",
		Help: "Session state machine transitions",
	}, []string{"to"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_server_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_server_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_server_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_server_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"

	// Shared inference engine
	inferenceQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_server_inference_queue_depth",
		Help: "Transcription requests waiting for the local inference engine",
	})

	historyEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_server_history_evictions_total",
		Help: "Turns evicted from conversation history by the size cap",
	})
)

// Metrics tracks metrics for a single device session
type Metrics struct {
	sessionID   string
	startTime   time.Time
	stageStarts map[string]time.Time
	mu          sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID:   sessionID,
		startTime:   time.Now(),
		stageStarts: make(map[string]time.Time),
	}
}

// RecordSessionStart records the admission of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *Metrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordStageStart records the start of a pipeline stage
func (m *Metrics) RecordStageStart(stage string) {
	m.mu.Lock()
	m.stageStarts[stage] = time.Now()
	m.mu.Unlock()
}

// RecordStageEnd records the outcome of a pipeline stage
func (m *Metrics) RecordStageEnd(stage string, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if start, ok := m.stageStarts[stage]; ok {
		stageLatency.WithLabelValues(stage).Observe(time.Since(start).Seconds())
		delete(m.stageStarts, stage)
	}
	stageRequests.WithLabelValues(stage, status).Inc()
}

// RecordBargeIn records an interrupted pipeline run
func (m *Metrics) RecordBargeIn() {
	bargeIns.Inc()
}

// RecordTransition records a state machine transition
func (m *Metrics) RecordTransition(to string) {
	stateTransitions.WithLabelValues(to).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

// SetInferenceQueueDepth reports the number of queued transcription requests
func SetInferenceQueueDepth(depth int) {
	inferenceQueueDepth.Set(float64(depth))
}

// RecordHistoryEvictions counts turns dropped by the history cap
func RecordHistoryEvictions(n int) {
	if n > 0 {
		historyEvictions.Add(float64(n))
	}
}
