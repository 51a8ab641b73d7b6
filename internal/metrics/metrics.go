package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "test_sessions_started_total",
		Help: "The total number of test sessions created.",
	})
	SessionsEnded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "test_sessions_ended_total",
		Help: "The total number of test sessions ended.",
	})
	SessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "test_sessions_expired_total",
		Help: "The total number of stale test sessions marked abandoned.",
	})

	// Realtime metrics
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ws_clients_connected",
		Help: "The current number of connected websocket clients.",
	})
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "behavior_events_ingested_total",
		Help: "The total number of behavior events ingested, by kind.",
	}, []string{"kind"})
	LocationUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "location_updates_total",
		Help: "The total number of location updates ingested.",
	})

	// Anomaly metrics
	AlertsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anomaly_alerts_raised_total",
		Help: "The total number of anomaly alerts published, by type.",
	}, []string{"type"})
	FlagsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_flags_raised_total",
		Help: "The total number of session flags raised, by kind.",
	}, []string{"kind"})
)

// Handler returns the Prometheus scrape handler, mounted on the main router.
func Handler() http.Handler {
	return promhttp.Handler()
}
