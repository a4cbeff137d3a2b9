// Package metrics exposes the application's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "callcore",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "callcore",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "callcore",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	callTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "callcore",
			Subsystem: "calls",
			Name:      "transitions_total",
			Help:      "Total call request state transitions.",
		},
		[]string{"transition"},
	)

	tokensHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "callcore",
			Subsystem: "escrow",
			Name:      "tokens_held",
			Help:      "Tokens currently held in escrow.",
		},
	)

	tokensCharged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "callcore",
			Subsystem: "escrow",
			Name:      "tokens_charged_total",
			Help:      "Tokens permanently charged at settlement.",
		},
	)

	tokensRefunded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "callcore",
			Subsystem: "escrow",
			Name:      "tokens_refunded_total",
			Help:      "Tokens refunded at settlement or release.",
		},
	)

	sessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "callcore",
			Subsystem: "calls",
			Name:      "session_duration_minutes",
			Help:      "Billed duration of ended call sessions.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8), // 1 to 128 minutes
		},
	)

	loyaltyUpgrades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "callcore",
			Subsystem: "loyalty",
			Name:      "upgrades_total",
			Help:      "Total loyalty tier upgrades.",
		},
		[]string{"level"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		callTransitions,
		tokensHeld,
		tokensCharged,
		tokensRefunded,
		sessionDuration,
		loyaltyUpgrades,
	)
}

// Handler serves the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveCallTransition counts a request state transition.
func ObserveCallTransition(transition string) {
	callTransitions.WithLabelValues(transition).Inc()
}

// AddTokensHeld adjusts the escrow gauge (negative on release/settle).
func AddTokensHeld(delta int64) {
	tokensHeld.Add(float64(delta))
}

// ObserveSettlement records the split of a settled hold.
func ObserveSettlement(charged, refunded int64) {
	tokensCharged.Add(float64(charged))
	tokensRefunded.Add(float64(refunded))
}

// ObserveSessionDuration records the billed minutes of an ended session.
func ObserveSessionDuration(minutes int64) {
	sessionDuration.Observe(float64(minutes))
}

// ObserveLoyaltyUpgrade counts a tier upgrade.
func ObserveLoyaltyUpgrade(level string) {
	loyaltyUpgrades.WithLabelValues(level).Inc()
}

// Middleware instruments an HTTP handler.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		httpRequests.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(wrapped.status)).Inc()
		httpDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
