// metrics.go: Prometheus metrics for the rotation engine
package rotation

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the rotation engine metrics.
type Metrics struct {
	RotationsTotal     prometheus.Counter
	PromotionsTotal    prometheus.Counter
	ExpiredTotal       prometheus.Counter
	ConflictsTotal     prometheus.Counter
	QueueLength        prometheus.Gauge
	ScheduledLength    prometheus.Gauge
	TickFailuresTotal  *prometheus.CounterVec
}

// NewMetrics creates and registers the rotation metrics with the given
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RotationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rgboard_rotations_total",
			Help: "Number of active item transitions performed",
		}),
		PromotionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rgboard_promotions_total",
			Help: "Number of scheduled items promoted into the rotation",
		}),
		ExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rgboard_expired_items_total",
			Help: "Number of rotation items removed by the expiry sweep",
		}),
		ConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rgboard_schedule_conflicts_total",
			Help: "Number of schedule requests rejected for a taken time slot",
		}),
		QueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rgboard_rotation_queue_length",
			Help: "Current number of items in the rotation queue",
		}),
		ScheduledLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rgboard_scheduled_items_length",
			Help: "Current number of pending scheduled items",
		}),
		TickFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rgboard_tick_failures_total",
			Help: "Background maintenance tick failures by task",
		}, []string{"task"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.RotationsTotal,
			m.PromotionsTotal,
			m.ExpiredTotal,
			m.ConflictsTotal,
			m.QueueLength,
			m.ScheduledLength,
			m.TickFailuresTotal,
		)
	}
	return m
}

func (m *Metrics) rotation() {
	if m != nil {
		m.RotationsTotal.Inc()
	}
}

func (m *Metrics) promotions(n int) {
	if m != nil {
		m.PromotionsTotal.Add(float64(n))
	}
}

func (m *Metrics) expired(n int) {
	if m != nil {
		m.ExpiredTotal.Add(float64(n))
	}
}

func (m *Metrics) conflict() {
	if m != nil {
		m.ConflictsTotal.Inc()
	}
}

func (m *Metrics) queueLength(n int64) {
	if m != nil {
		m.QueueLength.Set(float64(n))
	}
}

func (m *Metrics) scheduledLength(n int64) {
	if m != nil {
		m.ScheduledLength.Set(float64(n))
	}
}

// TickFailure counts a failed background maintenance pass by task name.
func (m *Metrics) TickFailure(task string) {
	if m != nil {
		m.TickFailuresTotal.WithLabelValues(task).Inc()
	}
}
