package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cloudlaunch"

// Metrics holds the Prometheus collectors of the service. Every method is
// safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	TicksTotal      *prometheus.CounterVec
	TickDuration    prometheus.Histogram
	LaunchesTotal   *prometheus.CounterVec
	SourceFetches   *prometheus.CounterVec
	SourceTokens    *prometheus.HistogramVec
	AgentCalls      *prometheus.CounterVec
	RunnersActive   prometheus.Gauge
	ActivityEntries prometheus.Counter
	HTTPRequests    *prometheus.CounterVec
}

// NewMetrics creates collectors on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TicksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "driver",
			Name:      "ticks_total",
			Help:      "Driver ticks by outcome",
		}, []string{"outcome"}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "driver",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of executed ticks",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		}),
		LaunchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "driver",
			Name:      "launch_attempts_total",
			Help:      "Launch attempts by result",
		}, []string{"result"}),
		SourceFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sources",
			Name:      "fetches_total",
			Help:      "Source fetches by label and result",
		}, []string{"source", "result"}),
		SourceTokens: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sources",
			Name:      "batch_tokens",
			Help:      "Candidates per fetched batch",
			Buckets:   []float64{0, 1, 3, 5, 10, 15},
		}, []string{"source"}),
		AgentCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "calls_total",
			Help:      "Agent API calls by step and result",
		}, []string{"step", "result"}),
		RunnersActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "driver",
			Name:      "runners_active",
			Help:      "In-process interval runners currently looping",
		}),
		ActivityEntries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "activity",
			Name:      "entries_total",
			Help:      "Entries published to the activity feed",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "code"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveTick records one tick. outcome is executed or a skip reason.
func (m *Metrics) ObserveTick(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TicksTotal.WithLabelValues(outcome).Inc()
	if outcome == "executed" {
		m.TickDuration.Observe(d.Seconds())
	}
}

// ObserveLaunch records one launch attempt.
func (m *Metrics) ObserveLaunch(ok bool) {
	if m == nil {
		return
	}
	m.LaunchesTotal.WithLabelValues(result(ok)).Inc()
}

// ObserveFetch matches the sources observer signature.
func (m *Metrics) ObserveFetch(label string, ok bool, n int) {
	if m == nil {
		return
	}
	m.SourceFetches.WithLabelValues(label, result(ok)).Inc()
	m.SourceTokens.WithLabelValues(label).Observe(float64(n))
}

// ObserveAgentCall matches the agent observer signature.
func (m *Metrics) ObserveAgentCall(step string, err error) {
	if m == nil {
		return
	}
	m.AgentCalls.WithLabelValues(step, result(err == nil)).Inc()
}

// RunnerStarted and RunnerStopped track live runners.
func (m *Metrics) RunnerStarted() {
	if m != nil {
		m.RunnersActive.Inc()
	}
}

func (m *Metrics) RunnerStopped() {
	if m != nil {
		m.RunnersActive.Dec()
	}
}

// ObserveActivity counts one feed entry.
func (m *Metrics) ObserveActivity() {
	if m != nil {
		m.ActivityEntries.Inc()
	}
}

// ObserveHTTP counts one request.
func (m *Metrics) ObserveHTTP(route string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
