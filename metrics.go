package tapproxy

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics reports session counters to prometheus. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	messages *prometheus.CounterVec
	errors   *prometheus.CounterVec
	sessions *prometheus.CounterVec
}

// NewMetrics creates the session collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tapproxy",
				Subsystem: "session",
				Name:      "messages_total",
				Help:      "Messages read per direction and outcome.",
			},
			[]string{"direction", "outcome"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tapproxy",
				Subsystem: "session",
				Name:      "errors_total",
				Help:      "Recorded errors per direction and kind.",
			},
			[]string{"direction", "kind"},
		),
		sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tapproxy",
				Name:      "sessions_total",
				Help:      "Completed sessions by result.",
			},
			[]string{"result"},
		),
	}
	for _, c := range []prometheus.Collector{m.messages, m.errors, m.sessions} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeMessage(dir Direction, forwarded bool) {
	if m == nil {
		return
	}
	outcome := "forwarded"
	if !forwarded {
		outcome = "dropped"
	}
	m.messages.WithLabelValues(dir.String(), outcome).Inc()
}

func (m *Metrics) observeError(dir Direction, kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(dir.String(), kind).Inc()
}

func (m *Metrics) observeSession(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.sessions.WithLabelValues(result).Inc()
}
