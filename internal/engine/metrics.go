package engine

import "github.com/prometheus/client_golang/prometheus"

// Rejection reasons recorded on tripscan_samples_rejected_total.
const (
	ReasonOutOfOrder   = "out_of_order"
	ReasonBadTimestamp = "bad_timestamp"
	ReasonCancelled    = "cancelled"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	SamplesProcessed  prometheus.Counter
	SamplesRejected   *prometheus.CounterVec
	EventsEmitted     *prometheus.CounterVec
	EpisodesAbandoned prometheus.Counter
}

// NewMetrics creates the engine collectors and registers them with reg.
// Each engine should get its own registry in tests; the CLI passes the
// registry served on /metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SamplesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripscan_samples_processed_total",
			Help: "Samples fed to the detectors.",
		}),
		SamplesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripscan_samples_rejected_total",
			Help: "Samples refused before reaching the detectors.",
		}, []string{"reason"}),
		EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripscan_events_emitted_total",
			Help: "Detection events emitted, by kind.",
		}, []string{"kind"}),
		EpisodesAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripscan_episodes_abandoned_total",
			Help: "RPM instability episodes that ended because the idle gate closed.",
		}),
	}
	reg.MustRegister(m.SamplesProcessed, m.SamplesRejected, m.EventsEmitted, m.EpisodesAbandoned)
	return m
}
