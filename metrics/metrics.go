// Package metrics exposes Prometheus instrumentation for bound objects.
//
// A Collector owns its own registry so several buses or test cases never
// collide on the global default registry. All recording methods are safe
// on a nil *Collector, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Config holds metric naming options.
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig returns the default naming.
func DefaultConfig() Config {
	return Config{Namespace: "busbind"}
}

// Collector records dispatch, call and signal activity.
type Collector struct {
	registry *prometheus.Registry

	Dispatched       *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	Calls            *prometheus.CounterVec
	CallDuration     *prometheus.HistogramVec
	UnmappedErrors   *prometheus.CounterVec
	SignalsEmitted   *prometheus.CounterVec
	SignalsDelivered *prometheus.CounterVec
	BoundObjects     *prometheus.GaugeVec
}

// New creates a collector with DefaultConfig.
func New() *Collector {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a collector with its own registry.
func NewWithConfig(cfg Config) *Collector {
	reg := prometheus.NewRegistry()
	ns, sub := cfg.Namespace, cfg.Subsystem

	c := &Collector{
		registry: reg,
		Dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "dispatched_total",
			Help:      "Inbound method calls and property accesses handled.",
		}, []string{"interface", "member", "outcome"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent in inbound handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"interface", "member"}),
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "calls_total",
			Help:      "Outbound member accesses made through proxies.",
		}, []string{"interface", "member", "outcome"}),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "call_duration_seconds",
			Help:      "Round-trip time of outbound member accesses.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"interface", "member"}),
		UnmappedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "unmapped_errors_total",
			Help:      "Handler errors replied with the generic Failed name.",
		}, []string{"interface", "member"}),
		SignalsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "signals_emitted_total",
			Help:      "Signals emitted by local objects.",
		}, []string{"interface", "member"}),
		SignalsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "signals_delivered_total",
			Help:      "Signal events queued to live subscriptions.",
		}, []string{"interface", "member"}),
		BoundObjects: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "bound_objects",
			Help:      "Objects currently serving or proxying.",
		}, []string{"state"}),
	}

	reg.MustRegister(
		c.Dispatched,
		c.DispatchDuration,
		c.Calls,
		c.CallDuration,
		c.UnmappedErrors,
		c.SignalsEmitted,
		c.SignalsDelivered,
		c.BoundObjects,
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler serving the collector's metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}

// ObserveDispatch records one inbound handler invocation.
func (c *Collector) ObserveDispatch(iface, member string, d time.Duration, err error) {
	if c == nil {
		return
	}
	c.Dispatched.WithLabelValues(iface, member, outcome(err)).Inc()
	c.DispatchDuration.WithLabelValues(iface, member).Observe(d.Seconds())
}

// ObserveCall records one outbound member access.
func (c *Collector) ObserveCall(iface, member string, d time.Duration, err error) {
	if c == nil {
		return
	}
	c.Calls.WithLabelValues(iface, member, outcome(err)).Inc()
	c.CallDuration.WithLabelValues(iface, member).Observe(d.Seconds())
}

// UnmappedError counts a handler error without a bus error name.
func (c *Collector) UnmappedError(iface, member string) {
	if c == nil {
		return
	}
	c.UnmappedErrors.WithLabelValues(iface, member).Inc()
}

// SignalEmitted counts one emitted signal.
func (c *Collector) SignalEmitted(iface, member string) {
	if c == nil {
		return
	}
	c.SignalsEmitted.WithLabelValues(iface, member).Inc()
}

// SignalDelivered counts events queued to n subscriptions.
func (c *Collector) SignalDelivered(iface, member string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.SignalsDelivered.WithLabelValues(iface, member).Add(float64(n))
}

// ObjectBound tracks an object entering state.
func (c *Collector) ObjectBound(state string) {
	if c == nil {
		return
	}
	c.BoundObjects.WithLabelValues(state).Inc()
}

// ObjectReleased tracks an object leaving state.
func (c *Collector) ObjectReleased(state string) {
	if c == nil {
		return
	}
	c.BoundObjects.WithLabelValues(state).Dec()
}
