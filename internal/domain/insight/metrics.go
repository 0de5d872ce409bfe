package insight

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	providerRequests *prometheus.CounterVec
	providerDuration prometheus.Histogram
	parseFallbacks   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jeeva_insight_provider_requests_total",
			Help: "Calls to the AI provider by outcome.",
		}, []string{"outcome"}),
		providerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jeeva_insight_provider_duration_seconds",
			Help:    "AI provider call latency.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 45},
		}),
		parseFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jeeva_insight_parse_fallback_total",
			Help: "Provider replies stored as raw text because they were not JSON.",
		}),
	}
	reg.MustRegister(m.providerRequests, m.providerDuration, m.parseFallbacks)
	return m
}

func (m *Metrics) observeCall(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.providerRequests.WithLabelValues(outcome).Inc()
	m.providerDuration.Observe(seconds)
}

func (m *Metrics) parseFallback() {
	if m == nil {
		return
	}
	m.parseFallbacks.Inc()
}
