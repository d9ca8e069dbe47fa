// Package telemetry implements this instance's operator-facing status and
// metrics surface: a Prometheus registry tracking ECM accept/reject/failover
// counts, output ring overflow, PCR pacer drift, and CAM round-trip latency,
// served over plain net/http alongside a small JSON status endpoint. This is
// the replacement for the teacher's WebTransport/MoQ viewer console, which
// has nothing in this domain to attach to (see DESIGN.md).
package telemetry

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds this instance's Prometheus collectors. It implements
// decrypt.Metrics and cam.LatencyObserver via duck typing so neither package
// needs to import prometheus directly.
type Metrics struct {
	registry *prometheus.Registry

	ecmAccepted *prometheus.CounterVec
	ecmRejected *prometheus.CounterVec
	ecmFailover *prometheus.CounterVec

	ringOverflow *prometheus.CounterVec
	pacerDrift   *prometheus.GaugeVec
	casCAID      *prometheus.GaugeVec
	casECMPID    *prometheus.GaugeVec
	camReady     *prometheus.GaugeVec

	camLatency prometheus.Histogram
}

// New constructs a Metrics instance on a private registry (not the global
// DefaultRegisterer, so multiple instances in the same process, e.g. under
// test, never collide).
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ecmAccepted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "castun",
			Name:      "ecm_accepted_total",
			Help:      "ECM responses accepted as checksum-valid, per stream.",
		}, []string{"stream"}),
		ecmRejected: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "castun",
			Name:      "ecm_rejected_total",
			Help:      "ECM responses rejected, per stream and reason.",
		}, []string{"stream", "reason"}),
		ecmFailover: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "castun",
			Name:      "ecm_failover_total",
			Help:      "Active ECM PID swaps to a backup candidate, per stream.",
		}, []string{"stream"}),
		ringOverflow: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "castun",
			Name:      "output_ring_overflow_total",
			Help:      "Packets dropped because the output pacing ring was full, per stream.",
		}, []string{"stream"}),
		pacerDrift: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "castun",
			Name:      "output_pacer_drift_ms",
			Help:      "Most recently observed PCR pacer drift in milliseconds, per stream.",
		}, []string{"stream"}),
		casCAID: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "castun",
			Name:      "cas_caid",
			Help:      "Active CAID, per stream.",
		}, []string{"stream"}),
		casECMPID: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "castun",
			Name:      "cas_ecm_pid",
			Help:      "Forced ECM PID (0 if none), per stream.",
		}, []string{"stream"}),
		camReady: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "castun",
			Name:      "cam_ready",
			Help:      "1 if the attached CAM is ready, 0 otherwise, per stream.",
		}, []string{"stream"}),
		camLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "castun",
			Name:      "cam_round_trip_seconds",
			Help:      "CAM EM submission-to-response round-trip latency.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	return m
}

// ECMAccepted implements decrypt.Metrics.
func (m *Metrics) ECMAccepted(stream string) {
	m.ecmAccepted.WithLabelValues(stream).Inc()
}

// ECMRejected implements decrypt.Metrics.
func (m *Metrics) ECMRejected(stream, reason string) {
	m.ecmRejected.WithLabelValues(stream, reason).Inc()
}

// ECMFailover implements decrypt.Metrics.
func (m *Metrics) ECMFailover(stream string) {
	m.ecmFailover.WithLabelValues(stream).Inc()
}

// ObserveEMLatency implements cam.LatencyObserver.
func (m *Metrics) ObserveEMLatency(d time.Duration) {
	m.camLatency.Observe(d.Seconds())
}

// AddRingOverflow implements engine.MetricsSampler.
func (m *Metrics) AddRingOverflow(stream string, n int64) {
	if n <= 0 {
		return
	}
	m.ringOverflow.WithLabelValues(stream).Add(float64(n))
}

// SamplePacerDrift implements engine.MetricsSampler.
func (m *Metrics) SamplePacerDrift(stream string, ms float64) {
	m.pacerDrift.WithLabelValues(stream).Set(ms)
}

// SampleCAS implements engine.MetricsSampler.
func (m *Metrics) SampleCAS(stream string, caid, ecmPID uint16, camReady bool) {
	m.casCAID.WithLabelValues(stream).Set(float64(caid))
	m.casECMPID.WithLabelValues(stream).Set(float64(ecmPID))
	ready := 0.0
	if camReady {
		ready = 1.0
	}
	m.camReady.WithLabelValues(stream).Set(ready)
}

// Handler returns the /metrics HTTP handler for this Metrics' registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StatusReporter is queried by the status endpoint for a point-in-time
// summary of every active stream, independent of what Prometheus has
// scraped so far.
type StatusReporter interface {
	Status() []StreamStatus
}

// StreamStatus is one stream's point-in-time summary for the JSON status
// endpoint.
type StreamStatus struct {
	Name       string  `json:"name"`
	CAID       uint16  `json:"caid"`
	ECMPID     uint16  `json:"ecmPid"`
	CAMReady   bool    `json:"camReady"`
	PacerState string  `json:"pacerState,omitempty"`
	DriftMs    float64 `json:"driftMs,omitempty"`
}

// NewServer builds the status/metrics HTTP server (astra has no equivalent;
// grounded on the teacher's plain net/http API server pattern in
// cmd/prism/main.go, minus TLS since there is no browser client here).
func NewServer(addr string, m *Metrics, reporter StatusReporter) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(reporter.Status())
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return &http.Server{Addr: addr, Handler: mux}
}
