// Package metrics collects and exposes Prometheus metrics of the chat relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector is used by the session hub and the protocol engine.
type MetricsCollector interface {
	SessionOpened()
	SessionClosed(cause string)
	AuthRejected(reason string)
	FrameReceived(kind string)
	FrameRejected(code string)
	Broadcast(recipients int)
	SendFailure()
	PersistenceFailure(op string)
}

// Collector is the Prometheus backed MetricsCollector.
type Collector struct {
	sessions       prometheus.Gauge
	sessionsOpened prometheus.Counter
	sessionsClosed *prometheus.CounterVec
	authRejected   *prometheus.CounterVec
	framesIn       *prometheus.CounterVec
	framesRejected *prometheus.CounterVec
	fanout         prometheus.Histogram
	sendFailures   prometheus.Counter
	storeFailures  *prometheus.CounterVec
}

// NewCollector creates a Collector and registers its metrics to reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lineweb_sessions",
			Help: "Number of live sessions.",
		}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lineweb_sessions_opened_total",
			Help: "Sessions admitted after authentication.",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lineweb_sessions_closed_total",
			Help: "Sessions closed, by cause.",
		}, []string{"cause"}),
		authRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lineweb_auth_rejected_total",
			Help: "Refused upgrade attempts, by reason.",
		}, []string{"reason"}),
		framesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lineweb_frames_received_total",
			Help: "Accepted inbound frames, by type.",
		}, []string{"type"}),
		framesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lineweb_frames_rejected_total",
			Help: "Error frames sent back to clients, by code.",
		}, []string{"code"}),
		fanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lineweb_broadcast_recipients",
			Help:    "Recipients per broadcast.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lineweb_send_failures_total",
			Help: "Enqueue failures that evicted a session.",
		}),
		storeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lineweb_persistence_failures_total",
			Help: "History store errors, by operation.",
		}, []string{"op"}),
	}

	reg.MustRegister(
		c.sessions,
		c.sessionsOpened,
		c.sessionsClosed,
		c.authRejected,
		c.framesIn,
		c.framesRejected,
		c.fanout,
		c.sendFailures,
		c.storeFailures,
	)

	return c
}

func (c *Collector) SessionOpened() {
	c.sessions.Inc()
	c.sessionsOpened.Inc()
}

func (c *Collector) SessionClosed(cause string) {
	c.sessions.Dec()
	c.sessionsClosed.WithLabelValues(cause).Inc()
}

func (c *Collector) AuthRejected(reason string) {
	c.authRejected.WithLabelValues(reason).Inc()
}

func (c *Collector) FrameReceived(kind string) {
	c.framesIn.WithLabelValues(kind).Inc()
}

func (c *Collector) FrameRejected(code string) {
	c.framesRejected.WithLabelValues(code).Inc()
}

func (c *Collector) Broadcast(recipients int) {
	c.fanout.Observe(float64(recipients))
}

func (c *Collector) SendFailure() {
	c.sendFailures.Inc()
}

func (c *Collector) PersistenceFailure(op string) {
	c.storeFailures.WithLabelValues(op).Inc()
}

// Nop discards everything.
type Nop struct{}

func (Nop) SessionOpened()            {}
func (Nop) SessionClosed(string)      {}
func (Nop) AuthRejected(string)       {}
func (Nop) FrameReceived(string)      {}
func (Nop) FrameRejected(string)      {}
func (Nop) Broadcast(int)             {}
func (Nop) SendFailure()              {}
func (Nop) PersistenceFailure(string) {}

// Handler returns the scrape handler of gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
