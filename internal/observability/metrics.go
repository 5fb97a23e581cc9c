// Package observability registers the Prometheus metrics the service
// exports on /metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ValidationsTotal *prometheus.CounterVec
	AdmissionsTotal  *prometheus.CounterVec
	HeartbeatsTotal  *prometheus.CounterVec
	ReapedTotal      prometheus.Counter
	ActiveSeats      *prometheus.GaugeVec
)

// InitMetrics registers all collectors with the default registry. Call
// exactly once at startup.
func InitMetrics() {
	ValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seatgate",
			Name:      "validations_total",
			Help:      "License validation attempts by outcome.",
		},
		[]string{"outcome"},
	)
	AdmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seatgate",
			Name:      "admissions_total",
			Help:      "Seat admission decisions by outcome.",
		},
		[]string{"outcome"},
	)
	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seatgate",
			Name:      "heartbeats_total",
			Help:      "Heartbeat requests by outcome.",
		},
		[]string{"outcome"},
	)
	ReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "seatgate",
			Name:      "reaped_connections_total",
			Help:      "Stale connections reclaimed by the cleanup worker.",
		},
	)
	ActiveSeats = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "seatgate",
			Name:      "active_seats",
			Help:      "Currently occupied seats per customer and role.",
		},
		[]string{"customer_id", "role"},
	)

	prometheus.MustRegister(ValidationsTotal, AdmissionsTotal, HeartbeatsTotal, ReapedTotal, ActiveSeats)
}

// The record helpers tolerate an uninitialized registry so unit tests
// can exercise handler logic without registering collectors.

func RecordValidation(outcome string) {
	if ValidationsTotal != nil {
		ValidationsTotal.WithLabelValues(outcome).Inc()
	}
}

func RecordAdmission(outcome string) {
	if AdmissionsTotal != nil {
		AdmissionsTotal.WithLabelValues(outcome).Inc()
	}
}

func RecordHeartbeat(outcome string) {
	if HeartbeatsTotal != nil {
		HeartbeatsTotal.WithLabelValues(outcome).Inc()
	}
}

func RecordReaped(count int) {
	if ReapedTotal != nil && count > 0 {
		ReapedTotal.Add(float64(count))
	}
}

func SetActiveSeats(customerID, role string, count int) {
	if ActiveSeats != nil {
		ActiveSeats.WithLabelValues(customerID, role).Set(float64(count))
	}
}
