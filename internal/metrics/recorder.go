// Package metrics records pipeline measurements in a Prometheus registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/i474232898/weather-feature-pipeline/internal/weather"
	"github.com/i474232898/weather-feature-pipeline/internal/weather/providers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "weather_pipeline"

// PrometheusRecorder implements weather.Recorder and providers.FetchObserver.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	runDurationSeconds *prometheus.HistogramVec
	runStatusCounter   *prometheus.CounterVec
	rowsGauge          prometheus.Gauge
	lastSuccess        prometheus.Gauge

	fetchDurationSeconds *prometheus.HistogramVec
	fetchCounter         *prometheus.CounterVec
	fallbackCounter      *prometheus.CounterVec
	cacheCounter         *prometheus.CounterVec

	sinkWriteCounter *prometheus.CounterVec
	sinkRowsCounter  *prometheus.CounterVec
}

var (
	_ weather.Recorder        = (*PrometheusRecorder)(nil)
	_ providers.FetchObserver = (*PrometheusRecorder)(nil)
)

// NewPrometheusRecorder creates a recorder with its own registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	registry := prometheus.NewRegistry()

	// Register Go standard metrics and process/OS metrics.
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &PrometheusRecorder{
		registry: registry,
		runDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of pipeline runs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		runStatusCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of pipeline runs by status.",
		}, []string{"status"}),
		rowsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_rows",
			Help:      "Rows produced by the most recent run.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the most recent successful run.",
		}),
		fetchDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of upstream weather requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		fetchCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Upstream weather requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		fallbackCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_fallback_total",
			Help:      "Fetches that fell back to the archive endpoint.",
		}, []string{"city"}),
		cacheCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Payload cache lookups by result.",
		}, []string{"result"}),
		sinkWriteCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_writes_total",
			Help:      "Sink writes by sink and success.",
		}, []string{"sink", "success"}),
		sinkRowsCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_rows_total",
			Help:      "Rows successfully written per sink.",
		}, []string{"sink"}),
	}

	registry.MustRegister(
		r.runDurationSeconds,
		r.runStatusCounter,
		r.rowsGauge,
		r.lastSuccess,
		r.fetchDurationSeconds,
		r.fetchCounter,
		r.fallbackCounter,
		r.cacheCounter,
		r.sinkWriteCounter,
		r.sinkRowsCounter,
	)
	return r
}

// Registry exposes the underlying registry.
func (r *PrometheusRecorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// RunFinished counts the run by status and records its rows and duration.
func (r *PrometheusRecorder) RunFinished(status weather.RunStatus, rows int, elapsed time.Duration) {
	r.runDurationSeconds.WithLabelValues(string(status)).Observe(elapsed.Seconds())
	r.runStatusCounter.WithLabelValues(string(status)).Inc()
	r.rowsGauge.Set(float64(rows))
	if status == weather.RunSucceeded {
		r.lastSuccess.SetToCurrentTime()
	}
}

func (r *PrometheusRecorder) SinkWrite(sink string, rows int, err error) {
	r.sinkWriteCounter.WithLabelValues(sink, strconv.FormatBool(err == nil)).Inc()
	if err == nil {
		r.sinkRowsCounter.WithLabelValues(sink).Add(float64(rows))
	}
}

// ObserveFetch records one upstream request by endpoint and outcome.
func (r *PrometheusRecorder) ObserveFetch(endpoint, outcome string, elapsed time.Duration) {
	r.fetchDurationSeconds.WithLabelValues(endpoint).Observe(elapsed.Seconds())
	r.fetchCounter.WithLabelValues(endpoint, outcome).Inc()
}

func (r *PrometheusRecorder) ObserveFallback(city string) {
	r.fallbackCounter.WithLabelValues(city).Inc()
}

func (r *PrometheusRecorder) ObserveCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheCounter.WithLabelValues(result).Inc()
}
