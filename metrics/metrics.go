package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	syncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspace_sync_runs_total",
			Help: "Workspace sync runs by credential strategy and outcome.",
		},
		[]string{"strategy", "outcome"},
	)

	syncUsers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspace_sync_users_total",
			Help: "Directory users processed by sync runs, by action.",
		},
		[]string{"action"},
	)

	syncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workspace_sync_duration_seconds",
			Help:    "Wall time of workspace sync runs.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"strategy"},
	)
)

var initOnce sync.Once

// Init registers the collectors with the default registry. Safe to call more
// than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration,
			syncRuns, syncUsers, syncDuration)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument measures requests of one route. The route label is fixed so
// unknown paths cannot grow the label set.
func Instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// SyncRecorder feeds finished sync runs into the workspace_sync_* collectors.
type SyncRecorder struct{}

func (SyncRecorder) SyncFinished(strategy string, success bool, elapsed time.Duration, counts map[string]int) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	syncRuns.WithLabelValues(strategy, outcome).Inc()
	syncDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())
	for action, n := range counts {
		if n > 0 {
			syncUsers.WithLabelValues(action).Add(float64(n))
		}
	}
}
