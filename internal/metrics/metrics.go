package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Sessions          *prometheus.GaugeVec
	ClientMessages    *prometheus.CounterVec
	PBXEvents         *prometheus.CounterVec
	PendingActions    prometheus.Gauge
	Deliveries        *prometheus.CounterVec
	ActiveChannels    prometheus.Gauge
	PersistenceTiming *prometheus.HistogramVec
}

// New registers the hub's collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Sessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callhub_sessions",
			Help: "Connected client sessions by state",
		}, []string{"state"}),
		ClientMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callhub_client_messages_total",
			Help: "Client actions and requests by operation and outcome",
		}, []string{"operation", "outcome"}),
		PBXEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callhub_pbx_events_total",
			Help: "PBX events received by kind",
		}, []string{"event"}),
		PendingActions: f.NewGauge(prometheus.GaugeOpts{
			Name: "callhub_pbx_pending_actions",
			Help: "PBX actions awaiting a response",
		}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callhub_deliveries_total",
			Help: "Outbound client messages by result",
		}, []string{"result"}),
		ActiveChannels: f.NewGauge(prometheus.GaugeOpts{
			Name: "callhub_active_channels",
			Help: "Channels currently tracked by the registry",
		}),
		PersistenceTiming: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "callhub_persistence_duration_seconds",
			Help:    "Time taken by persistence gateway operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),
	}
}
