// Package metrics exposes Prometheus collectors for the pool.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the pool-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pool_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pool_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pool_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	deposits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pool_layer",
			Subsystem: "pool",
			Name:      "deposits_total",
			Help:      "Total number of accepted deposits.",
		},
	)

	redemptions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pool_layer",
			Subsystem: "pool",
			Name:      "redemptions_total",
			Help:      "Total number of completed redemptions.",
		},
	)

	drawsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pool_layer",
			Subsystem: "pool",
			Name:      "draws_started_total",
			Help:      "Total number of draws started.",
		},
	)

	drawsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pool_layer",
			Subsystem: "pool",
			Name:      "draws_completed_total",
			Help:      "Total number of draws completed with a winner.",
		},
	)

	drawFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pool_layer",
			Subsystem: "pool",
			Name:      "draw_failures_total",
			Help:      "Total number of failed draw attempts.",
		},
		[]string{"reason"},
	)

	prizeAmount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pool_layer",
			Subsystem: "pool",
			Name:      "prize_amount_total",
			Help:      "Cumulative prize amount awarded, in smallest asset units.",
		},
	)

	totalStake = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pool_layer",
			Subsystem: "pool",
			Name:      "total_stake",
			Help:      "Current total outstanding stake.",
		},
	)

	prizePool = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pool_layer",
			Subsystem: "pool",
			Name:      "prize_pool",
			Help:      "Current prize pool surplus.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		deposits,
		redemptions,
		drawsStarted,
		drawsCompleted,
		drawFailures,
		prizeAmount,
		totalStake,
		prizePool,
	)
}

// RecordDeposit counts an accepted deposit.
func RecordDeposit() { deposits.Inc() }

// RecordRedemption counts a completed redemption.
func RecordRedemption() { redemptions.Inc() }

// RecordDrawStarted counts a draw entering the awarding state.
func RecordDrawStarted() { drawsStarted.Inc() }

// RecordDrawCompleted counts an awarded draw and its prize.
func RecordDrawCompleted(prize int64) {
	drawsCompleted.Inc()
	prizeAmount.Add(float64(prize))
}

// RecordDrawFailure counts a failed draw attempt by reason.
func RecordDrawFailure(reason string) { drawFailures.WithLabelValues(reason).Inc() }

// SetTotalStake updates the outstanding stake gauge.
func SetTotalStake(v int64) { totalStake.Set(float64(v)) }

// SetPrizePool updates the prize pool gauge.
func SetPrizePool(v int64) { prizePool.Set(float64(v)) }

// Handler returns the /metrics HTTP handler for the pool registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Middleware records request count, duration, and in-flight gauge for each
// HTTP request, using the mux route template as the path label.
func Middleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			httpInFlight.Inc()
			defer httpInFlight.Dec()

			wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tpl, err := route.GetPathTemplate(); err == nil {
					path = tpl
				}
			}

			httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
			httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
