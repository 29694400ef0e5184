package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes counters/histograms for classification and ingestion.
type Metrics struct {
	classified    *prometheus.CounterVec
	fallbacks     *prometheus.CounterVec
	ingests       *prometheus.CounterVec
	ingestLatency prometheus.Histogram
	escalations   prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		classified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "triage",
			Subsystem: "classifier",
			Name:      "decisions_total",
			Help:      "Intent decisions by intent and deciding source",
		}, []string{"intent", "source"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "triage",
			Subsystem: "classifier",
			Name:      "fallbacks_total",
			Help:      "Model classifications that fell back to keywords",
		}, []string{"reason"}),
		ingests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "triage",
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Ingested messages by outcome",
		}, []string{"status"}),
		ingestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "triage",
			Subsystem: "ingest",
			Name:      "duration_seconds",
			Help:      "End-to-end ingestion latency",
			Buckets:   prometheus.DefBuckets,
		}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "triage",
			Subsystem: "ingest",
			Name:      "escalations_total",
			Help:      "Conversations that became high priority",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.classified, m.fallbacks, m.ingests, m.ingestLatency, m.escalations)
	return m
}

func (m *Metrics) ObserveClassification(intent, source string) {
	if m == nil {
		return
	}
	m.classified.WithLabelValues(intent, source).Inc()
}

func (m *Metrics) ObserveFallback(reason string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveIngest(status string, seconds float64) {
	if m == nil {
		return
	}
	m.ingests.WithLabelValues(status).Inc()
	m.ingestLatency.Observe(seconds)
}

func (m *Metrics) ObserveEscalation() {
	if m == nil {
		return
	}
	m.escalations.Inc()
}
