package triage

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	OutcomesTotal       *prometheus.CounterVec
	PipelineDuration    *prometheus.HistogramVec
	StageDuration       *prometheus.HistogramVec
	StageFailuresTotal  *prometheus.CounterVec
	SendsTotal          *prometheus.CounterVec
	StoreConflictsTotal *prometheus.CounterVec
	NotificationsTotal  *prometheus.CounterVec
	PipelinesInFlight   prometheus.Gauge
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helpdesk_triage_outcomes_total",
			Help: "Total triage outcomes by kind and escalation reason.",
		}, []string{"kind", "reason"}),
		PipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "helpdesk_triage_duration_seconds",
			Help:    "Duration of triage pipeline runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms .. ~41s
		}, []string{"kind"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "helpdesk_triage_stage_duration_seconds",
			Help:    "Duration of external pipeline calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms .. ~41s
		}, []string{"stage"}),
		StageFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helpdesk_triage_stage_failures_total",
			Help: "Total failed external pipeline calls by stage.",
		}, []string{"stage"}),
		SendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helpdesk_sends_total",
			Help: "Total inbound messages by result.",
		}, []string{"result"}),
		StoreConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helpdesk_store_conflicts_total",
			Help: "Optimistic concurrency conflicts on session writes by resolution.",
		}, []string{"resolution"}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helpdesk_escalation_notifications_total",
			Help: "Escalation notifications sent to human agents by status.",
		}, []string{"status"}),
		PipelinesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "helpdesk_triage_in_flight",
			Help: "Triage pipelines currently running.",
		}),
	}

	reg.MustRegister(
		m.OutcomesTotal,
		m.PipelineDuration,
		m.StageDuration,
		m.StageFailuresTotal,
		m.SendsTotal,
		m.StoreConflictsTotal,
		m.NotificationsTotal,
		m.PipelinesInFlight,
	)

	return m
}

// Hooks returns an EngineHooks that increments the corresponding metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnStage: func(stage Stage, seconds float64, err error) {
			m.StageDuration.WithLabelValues(string(stage)).Observe(seconds)
			if err != nil {
				m.StageFailuresTotal.WithLabelValues(string(stage)).Inc()
			}
		},
		OnOutcome: func(kind OutcomeKind, reason EscalationReason, seconds float64) {
			m.OutcomesTotal.WithLabelValues(string(kind), string(reason)).Inc()
			m.PipelineDuration.WithLabelValues(string(kind)).Observe(seconds)
		},
	}
}

func (m *Metrics) send(result string) {
	if m == nil {
		return
	}
	m.SendsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) conflict(resolution string) {
	if m == nil {
		return
	}
	m.StoreConflictsTotal.WithLabelValues(resolution).Inc()
}

func (m *Metrics) notification(status string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) inFlight(delta float64) {
	if m == nil {
		return
	}
	m.PipelinesInFlight.Add(delta)
}
