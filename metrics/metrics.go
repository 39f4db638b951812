package metrics

import (
	"fmt"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WebSocket Metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signaling_connections_active",
		Help: "The current number of active WebSocket connections.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_connections_total",
		Help: "The total number of WebSocket connections accepted.",
	})
	EventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_events_received_total",
		Help: "The total number of protocol events received from clients.",
	})
	EventsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_events_sent_total",
		Help: "The total number of protocol events sent to clients.",
	})

	// Pairing Metrics
	MatchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_match_requests_total",
		Help: "The total number of pairing attempts by outcome.",
	}, []string{"outcome"})
	RoomsFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_rooms_finalized_total",
		Help: "The total number of rooms finalized.",
	})
	FinalizeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_finalize_retries_total",
		Help: "The total number of finalize side effects pushed to the retry queue.",
	})

	// Broker Metrics
	BrokerMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_broker_messages_published_total",
		Help: "The total number of frames published to the message broker.",
	}, []string{"broker_type"})

	// Auth Metrics
	AuthSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_auth_success_total",
		Help: "The total number of successful authentications.",
	})
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_auth_failures_total",
		Help: "The total number of failed authentications.",
	}, []string{"reason"})
)

// StartServer starts the HTTP server for Prometheus metrics.
func StartServer(port int, path string) {
	http.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	log.Printf("Starting metrics server on %s%s", addr, path)

	go func() {
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.Fatalf("Failed to start metrics server: %v", err)
		}
	}()
}
