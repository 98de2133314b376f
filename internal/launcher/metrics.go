package launcher

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mpataki/simlaunch/internal/models"
)

// Metrics records step and entity activity. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	launches *prometheus.CounterVec
	exits    *prometheus.CounterVec
	running  prometheus.Gauge
	entities *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		launches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "simlaunch_step_launches_total",
				Help: "Steps submitted for execution",
			},
			[]string{"kind"},
		),
		exits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "simlaunch_step_exits_total",
				Help: "Step process exits by outcome",
			},
			[]string{"kind", "result"},
		),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simlaunch_steps_running",
			Help: "Step processes currently running",
		}),
		entities: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "simlaunch_entities",
				Help: "Entities by lifecycle state",
			},
			[]string{"state"},
		),
	}
	reg.MustRegister(m.launches, m.exits, m.running, m.entities)
	return m
}

func (m *Metrics) stepLaunched(kind models.StepKind) {
	if m == nil {
		return
	}
	m.launches.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) stepStarted() {
	if m == nil {
		return
	}
	m.running.Inc()
}

func (m *Metrics) stepExited(kind models.StepKind, started, success bool) {
	if m == nil {
		return
	}
	if started {
		m.running.Dec()
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.exits.WithLabelValues(string(kind), result).Inc()
}

func (m *Metrics) entityMoved(from, to models.EntityState) {
	if m == nil || from == to {
		return
	}
	if from != "" {
		m.entities.WithLabelValues(string(from)).Dec()
	}
	m.entities.WithLabelValues(string(to)).Inc()
}
