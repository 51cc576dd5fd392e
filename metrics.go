package rpctable

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels recorded per dispatched request.
const (
	OutcomeOK          = "ok"
	OutcomeNotFound    = "not_found"
	OutcomeError       = "error"
	OutcomePanic       = "panic"
	OutcomeInvalid     = "invalid"
	OutcomeReplyFailed = "reply_failed"
)

// Metrics records dispatch statistics for a Server.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inflight prometheus.Gauge
}

// NewMetrics creates the dispatch collectors and registers them with reg.
// A nil reg leaves the collectors unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rpctable_requests_total",
				Help: "Number of dispatched RPC requests by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rpctable_request_duration_seconds",
				Help:    "Time spent executing RPC commands",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rpctable_requests_inflight",
				Help: "Number of RPC commands currently executing",
			},
		),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.requests, m.duration, m.inflight} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) recordRequest(method, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) observe(method string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) begin() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

func (m *Metrics) end() {
	if m == nil {
		return
	}
	m.inflight.Dec()
}
