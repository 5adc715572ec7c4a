// Package metrics exports realtime stream activity as Prometheus metrics by
// implementing rtconfig.Observer.
package metrics

import (
	"time"

	rtconfig "github.com/ggoodman/rtconfig-go"
	"github.com/prometheus/client_golang/prometheus"
)

var allStates = []rtconfig.State{
	rtconfig.StateIdle,
	rtconfig.StateConnecting,
	rtconfig.StateOpen,
	rtconfig.StateRetryScheduled,
	rtconfig.StateClosed,
}

// Collector records manager notifications. Pass it to rtconfig.WithObserver
// and register it with a prometheus.Registerer.
type Collector struct {
	state         *prometheus.GaugeVec
	transitions   *prometheus.CounterVec
	signals       prometheus.Counter
	lastVersion   prometheus.Gauge
	fetches       *prometheus.CounterVec
	listenerFails *prometheus.CounterVec
	retries       prometheus.Counter
	retryDelay    prometheus.Histogram
	retriesLeft   prometheus.Gauge
}

// NewCollector builds a collector whose metric names start with namespace,
// for example "myapp_rtconfig_signals_total". An empty namespace omits the
// prefix.
func NewCollector(namespace string) *Collector {
	const subsystem = "rtconfig"

	c := &Collector{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stream_state",
			Help:      "1 for the current stream state, 0 otherwise",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Stream state transitions by destination state",
		}, []string{"to"}),
		signals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "signals_total",
			Help:      "Fresh invalidation signals received",
		}),
		lastVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "last_version",
			Help:      "Highest configuration version announced by the server",
		}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fetches_total",
			Help:      "Configuration fetches by outcome",
		}, []string{"outcome"}),
		listenerFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "listener_failures_total",
			Help:      "Listener notifications that returned an error or panicked",
		}, []string{"listener"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retries_total",
			Help:      "Reopens scheduled after a stream failure",
		}),
		retryDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retry_delay_seconds",
			Help:      "Backoff delay before each scheduled reopen",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10), // 1s ~ 512s
		}),
		retriesLeft: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retries_remaining",
			Help:      "Retry budget left before the stream is declared unavailable",
		}),
	}

	for _, s := range allStates {
		c.state.WithLabelValues(s.String()).Set(0)
	}
	c.state.WithLabelValues(rtconfig.StateIdle.String()).Set(1)
	for _, o := range []rtconfig.FetchOutcome{rtconfig.FetchSucceeded, rtconfig.FetchThrottled, rtconfig.FetchFailed} {
		c.fetches.WithLabelValues(string(o))
	}
	return c
}

// Register registers every metric with reg.
func (c *Collector) Register(reg prometheus.Registerer) error {
	for _, m := range c.collectors() {
		if err := reg.Register(m); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.state,
		c.transitions,
		c.signals,
		c.lastVersion,
		c.fetches,
		c.listenerFails,
		c.retries,
		c.retryDelay,
		c.retriesLeft,
	}
}

// StateChanged implements rtconfig.Observer.
func (c *Collector) StateChanged(from, to rtconfig.State) {
	c.state.WithLabelValues(from.String()).Set(0)
	c.state.WithLabelValues(to.String()).Set(1)
	c.transitions.WithLabelValues(to.String()).Inc()
}

// SignalReceived implements rtconfig.Observer.
func (c *Collector) SignalReceived(version uint64) {
	c.signals.Inc()
	if version != 0 {
		c.lastVersion.Set(float64(version))
	}
}

// FetchCompleted implements rtconfig.Observer.
func (c *Collector) FetchCompleted(outcome rtconfig.FetchOutcome) {
	c.fetches.WithLabelValues(string(outcome)).Inc()
}

// ListenerFailed implements rtconfig.Observer.
func (c *Collector) ListenerFailed(name string) {
	c.listenerFails.WithLabelValues(name).Inc()
}

// RetryScheduled implements rtconfig.Observer.
func (c *Collector) RetryScheduled(delay time.Duration, remaining int) {
	c.retries.Inc()
	c.retryDelay.Observe(delay.Seconds())
	c.retriesLeft.Set(float64(remaining))
}

// Compile-time interface checks
var _ rtconfig.Observer = (*Collector)(nil)
