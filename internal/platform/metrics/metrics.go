package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the transcoder.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry           *prometheus.Registry
	requestsTotal      prometheus.Counter
	errorsTotal        prometheus.Counter
	jobsStartedTotal   prometheus.Counter
	spawnFailuresTotal prometheus.Counter
	jobCrashesTotal    prometheus.Counter
	jobRestartsTotal   prometheus.Counter
	stopTimeoutsTotal  prometheus.Counter
	segmentsSynced     prometheus.Counter
	syncErrorsTotal    prometheus.Counter
	activeJobs         prometheus.Gauge
}

// New creates and registers Prometheus metrics for the transcoder.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	newCounter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	}

	m := &Metrics{
		registry:           registry,
		requestsTotal:      newCounter("abr_requests_total", "Total number of HTTP requests received"),
		errorsTotal:        newCounter("abr_errors_total", "Total number of HTTP responses with error status (4xx or 5xx)"),
		jobsStartedTotal:   newCounter("abr_jobs_started_total", "Total number of encoder processes spawned"),
		spawnFailuresTotal: newCounter("abr_spawn_failures_total", "Total number of encoder spawn attempts that failed"),
		jobCrashesTotal:    newCounter("abr_job_crashes_total", "Total number of encoders that exited while running"),
		jobRestartsTotal:   newCounter("abr_job_restarts_total", "Total number of automatic encoder restarts"),
		stopTimeoutsTotal:  newCounter("abr_stop_timeouts_total", "Total number of stops that escalated to a forced kill"),
		segmentsSynced:     newCounter("abr_segments_synced_total", "Total number of output files uploaded to object storage"),
		syncErrorsTotal:    newCounter("abr_sync_errors_total", "Total number of failed output file uploads"),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "abr_active_jobs",
			Help: "Number of jobs in the Starting or Running state",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.jobsStartedTotal,
		m.spawnFailuresTotal,
		m.jobCrashesTotal,
		m.jobRestartsTotal,
		m.stopTimeoutsTotal,
		m.segmentsSynced,
		m.syncErrorsTotal,
		m.activeJobs,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m != nil {
		m.requestsTotal.Inc()
	}
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m != nil {
		m.errorsTotal.Inc()
	}
}

// IncJobsStarted increments the spawned encoder counter.
func (m *Metrics) IncJobsStarted() {
	if m != nil {
		m.jobsStartedTotal.Inc()
	}
}

// IncSpawnFailures increments the failed spawn counter.
func (m *Metrics) IncSpawnFailures() {
	if m != nil {
		m.spawnFailuresTotal.Inc()
	}
}

// IncJobCrashes increments the crashed encoder counter.
func (m *Metrics) IncJobCrashes() {
	if m != nil {
		m.jobCrashesTotal.Inc()
	}
}

// IncJobRestarts increments the automatic restart counter.
func (m *Metrics) IncJobRestarts() {
	if m != nil {
		m.jobRestartsTotal.Inc()
	}
}

// IncStopTimeouts increments the forced kill counter.
func (m *Metrics) IncStopTimeouts() {
	if m != nil {
		m.stopTimeoutsTotal.Inc()
	}
}

// IncSegmentsSynced increments the uploaded segment counter.
func (m *Metrics) IncSegmentsSynced() {
	if m != nil {
		m.segmentsSynced.Inc()
	}
}

// IncSyncErrors increments the failed upload counter.
func (m *Metrics) IncSyncErrors() {
	if m != nil {
		m.syncErrorsTotal.Inc()
	}
}

// SetActiveJobs sets the active jobs gauge.
func (m *Metrics) SetActiveJobs(n int) {
	if m != nil {
		m.activeJobs.Set(float64(n))
	}
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active jobs).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
