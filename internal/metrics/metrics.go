package metrics

import "github.com/prometheus/client_golang/prometheus"

// WorkflowMetrics exposes counters/histograms for the claim pipeline.
type WorkflowMetrics struct {
	messagesTotal     *prometheus.CounterVec
	stageCallsTotal   *prometheus.CounterVec
	stageLatency      *prometheus.HistogramVec
	decisionsTotal    *prometheus.CounterVec
	persistenceErrors *prometheus.CounterVec
	notifyFailures    *prometheus.CounterVec
	pipelinesInFlight prometheus.Gauge
}

func NewWorkflowMetrics(reg prometheus.Registerer) *WorkflowMetrics {
	m := &WorkflowMetrics{
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "claimline",
			Subsystem: "engine",
			Name:      "messages_total",
			Help:      "Operator messages by classified intent and reply kind",
		}, []string{"intent", "reply"}),
		stageCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "claimline",
			Subsystem: "workflow",
			Name:      "stage_calls_total",
			Help:      "Evaluator calls by stage and outcome",
		}, []string{"stage", "outcome"}),
		stageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "claimline",
			Subsystem: "workflow",
			Name:      "stage_latency_seconds",
			Help:      "Latency of evaluator calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "claimline",
			Subsystem: "workflow",
			Name:      "decisions_total",
			Help:      "Final decisions by outcome and error kind",
		}, []string{"outcome", "error_kind"}),
		persistenceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "claimline",
			Subsystem: "steplog",
			Name:      "persistence_errors_total",
			Help:      "Event log writes that failed",
		}, []string{"op"}),
		notifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "claimline",
			Subsystem: "notify",
			Name:      "failures_total",
			Help:      "Observer pushes that failed or were dropped",
		}, []string{"sink", "reason"}),
		pipelinesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "claimline",
			Subsystem: "workflow",
			Name:      "pipelines_in_flight",
			Help:      "Pipelines currently running",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.messagesTotal, m.stageCallsTotal, m.stageLatency, m.decisionsTotal,
		m.persistenceErrors, m.notifyFailures, m.pipelinesInFlight)
	return m
}

func (m *WorkflowMetrics) ObserveMessage(intent, reply string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(intent, reply).Inc()
}

func (m *WorkflowMetrics) ObserveStage(stage, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.stageCallsTotal.WithLabelValues(stage, outcome).Inc()
	m.stageLatency.WithLabelValues(stage).Observe(seconds)
}

func (m *WorkflowMetrics) ObserveDecision(outcome, errorKind string) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(outcome, errorKind).Inc()
}

func (m *WorkflowMetrics) ObservePersistenceError(op string) {
	if m == nil {
		return
	}
	m.persistenceErrors.WithLabelValues(op).Inc()
}

func (m *WorkflowMetrics) ObserveNotifyFailure(sink, reason string) {
	if m == nil {
		return
	}
	m.notifyFailures.WithLabelValues(sink, reason).Inc()
}

func (m *WorkflowMetrics) PipelineStarted() {
	if m == nil {
		return
	}
	m.pipelinesInFlight.Inc()
}

func (m *WorkflowMetrics) PipelineFinished() {
	if m == nil {
		return
	}
	m.pipelinesInFlight.Dec()
}
