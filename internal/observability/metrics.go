package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	poolSize    prometheus.Gauge
	poolFree    prometheus.Gauge
	poolInUse   prometheus.Gauge
	poolPending prometheus.Gauge

	acquireTotal          *prometheus.CounterVec
	sessionCreateTotal    *prometheus.CounterVec
	sessionCreateDuration *prometheus.HistogramVec
	sessionsEvictedTotal  prometheus.Counter

	relayRequestTotal *prometheus.CounterVec
	relayDuration     prometheus.Histogram
	wireMessagesTotal *prometheus.CounterVec

	transcriptAppendDuration prometheus.Histogram
	transcriptLoadDuration   prometheus.Histogram
	activeTranscripts        prometheus.Gauge

	jobRunTotal *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec

	connectedClients       prometheus.Gauge
	gatewayRequestTotal    *prometheus.CounterVec
	gatewayRequestDuration *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			poolSize: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "pool_size",
					Help: "Current pooled session count.",
				},
			),
			poolFree: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "pool_free",
					Help: "Current free pooled session count.",
				},
			),
			poolInUse: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "pool_in_use",
					Help: "Current in-use pooled session count.",
				},
			),
			poolPending: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "pool_pending_creations",
					Help: "Session creations currently in flight.",
				},
			),
			acquireTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pool_acquire_total",
					Help: "Total acquire calls by outcome.",
				},
				[]string{"outcome"},
			),
			sessionCreateTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "session_create_total",
					Help: "Total session handle creations by provider and status.",
				},
				[]string{"provider", "status"},
			),
			sessionCreateDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "session_create_duration_seconds",
					Help:    "Session handle creation duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			sessionsEvictedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "sessions_evicted_total",
					Help: "Total idle sessions evicted.",
				},
			),
			relayRequestTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "relay_request_total",
					Help: "Total relayed requests by status.",
				},
				[]string{"status"},
			),
			relayDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "relay_request_duration_seconds",
					Help:    "Relay request duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			wireMessagesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "wire_messages_total",
					Help: "Total wire messages emitted by type.",
				},
				[]string{"type"},
			),
			transcriptAppendDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "transcript_append_duration_seconds",
					Help:    "Transcript append duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			transcriptLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "transcript_load_duration_seconds",
					Help:    "Transcript load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			activeTranscripts: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_transcripts",
					Help: "Transcript files currently on disk.",
				},
			),
			jobRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "maintenance_job_run_total",
					Help: "Total maintenance job runs by job and status.",
				},
				[]string{"job", "status"},
			),
			jobDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "maintenance_job_duration_seconds",
					Help:    "Maintenance job duration in seconds by job.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"job"},
			),
			connectedClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "gateway_connected_clients",
					Help: "Currently connected gateway clients.",
				},
			),
			gatewayRequestTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gateway_request_total",
					Help: "Total gateway requests by method and status.",
				},
				[]string{"method", "status"},
			),
			gatewayRequestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "gateway_request_duration_seconds",
					Help:    "Gateway request duration in seconds by method.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method"},
			),
		}

		prometheus.MustRegister(
			m.poolSize,
			m.poolFree,
			m.poolInUse,
			m.poolPending,
			m.acquireTotal,
			m.sessionCreateTotal,
			m.sessionCreateDuration,
			m.sessionsEvictedTotal,
			m.relayRequestTotal,
			m.relayDuration,
			m.wireMessagesTotal,
			m.transcriptAppendDuration,
			m.transcriptLoadDuration,
			m.activeTranscripts,
			m.jobRunTotal,
			m.jobDuration,
			m.connectedClients,
			m.gatewayRequestTotal,
			m.gatewayRequestDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func SetPoolGauges(size, free, inUse, pending int) {
	m := getMetrics()
	m.poolSize.Set(float64(size))
	m.poolFree.Set(float64(free))
	m.poolInUse.Set(float64(inUse))
	m.poolPending.Set(float64(pending))
}

func RecordPoolAcquire(outcome string) {
	m := getMetrics()
	m.acquireTotal.WithLabelValues(outcome).Inc()
}

func RecordSessionCreate(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.sessionCreateTotal.WithLabelValues(provider, status).Inc()
	m.sessionCreateDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordSessionsEvicted(count int) {
	m := getMetrics()
	m.sessionsEvictedTotal.Add(float64(count))
}

func RecordRelayRequest(status string, duration time.Duration) {
	m := getMetrics()
	m.relayRequestTotal.WithLabelValues(status).Inc()
	m.relayDuration.Observe(duration.Seconds())
}

func RecordWireMessage(messageType string) {
	m := getMetrics()
	m.wireMessagesTotal.WithLabelValues(messageType).Inc()
}

func RecordTranscriptAppend(duration time.Duration) {
	m := getMetrics()
	m.transcriptAppendDuration.Observe(duration.Seconds())
}

func RecordTranscriptLoad(duration time.Duration) {
	m := getMetrics()
	m.transcriptLoadDuration.Observe(duration.Seconds())
}

func SetActiveTranscripts(count int) {
	m := getMetrics()
	m.activeTranscripts.Set(float64(count))
}

func RecordJobRun(job string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.jobRunTotal.WithLabelValues(job, status).Inc()
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func SetConnectedClients(count int) {
	m := getMetrics()
	m.connectedClients.Set(float64(count))
}

func RecordGatewayRequest(method string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.gatewayRequestTotal.WithLabelValues(method, status).Inc()
	m.gatewayRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}
