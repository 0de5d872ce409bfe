package consent

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	transitions *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jeeva_consent_transitions_total",
			Help: "Consent request status transitions.",
		}, []string{"from", "to"}),
	}
	reg.MustRegister(m.transitions)
	return m
}

func (m *Metrics) observe(from, to Status) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}
