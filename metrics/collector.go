package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glimte/servicebus-go/interceptors"
	"github.com/glimte/servicebus-go/messaging"
)

var (
	_ messaging.MetricsCollector    = (*Collector)(nil)
	_ interceptors.MetricsCollector = (*Collector)(nil)
)

// Collector records messaging metrics into its own Prometheus registry, so
// several clients in one process never collide on registration
type Collector struct {
	registry *prometheus.Registry

	sendTotal        *prometheus.CounterVec
	sendDuration     *prometheus.HistogramVec
	messagesSent     *prometheus.CounterVec
	receiveTotal     *prometheus.CounterVec
	receiveDuration  *prometheus.HistogramVec
	messagesReceived *prometheus.CounterVec
	settlementTotal  *prometheus.CounterVec
	duplicateTotal   *prometheus.CounterVec
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	activeServices   prometheus.Gauge
}

// Option configures the collector
type Option func(*options)

type options struct {
	namespace       string
	runtimeMetrics  bool
	durationBuckets []float64
}

// WithNamespace prefixes every metric name. The default is "servicebus".
func WithNamespace(namespace string) Option {
	return func(o *options) {
		o.namespace = namespace
	}
}

// WithRuntimeMetrics adds the Go runtime and process collectors
func WithRuntimeMetrics() Option {
	return func(o *options) {
		o.runtimeMetrics = true
	}
}

// WithDurationBuckets overrides the latency histogram buckets
func WithDurationBuckets(buckets ...float64) Option {
	return func(o *options) {
		if len(buckets) > 0 {
			o.durationBuckets = buckets
		}
	}
}

// NewCollector creates a collector with every metric registered
func NewCollector(opts ...Option) *Collector {
	o := options{
		namespace:       "servicebus",
		durationBuckets: prometheus.DefBuckets,
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),

		sendTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: o.namespace,
				Name:      "send_total",
				Help:      "Total number of send operations",
			},
			[]string{"entity", "status"}, // status: success, error
		),
		sendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: o.namespace,
				Name:      "send_duration_seconds",
				Help:      "Time spent sending",
				Buckets:   o.durationBuckets,
			},
			[]string{"entity"},
		),
		messagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: o.namespace,
				Name:      "messages_sent_total",
				Help:      "Total number of messages sent",
			},
			[]string{"entity"},
		),
		receiveTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: o.namespace,
				Name:      "receive_total",
				Help:      "Total number of receive operations",
			},
			[]string{"entity", "status"}, // status: success, error, empty
		),
		receiveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: o.namespace,
				Name:      "receive_duration_seconds",
				Help:      "Time spent receiving, including the server wait",
				Buckets:   o.durationBuckets,
			},
			[]string{"entity"},
		),
		messagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: o.namespace,
				Name:      "messages_received_total",
				Help:      "Total number of messages received",
			},
			[]string{"entity"},
		),
		settlementTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: o.namespace,
				Name:      "settlement_total",
				Help:      "Total number of settlements and lock renewals",
			},
			[]string{"entity", "op", "status"},
		),
		duplicateTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: o.namespace,
				Name:      "duplicate_messages_total",
				Help:      "Total number of repeated message ids caught by the duplicate guard",
			},
			[]string{"entity"},
		),
		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: o.namespace,
				Name:      "dispatch_total",
				Help:      "Total number of handler invocations by listener services",
			},
			[]string{"service", "entity", "decision", "status"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: o.namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Time spent in message handlers",
				Buckets:   o.durationBuckets,
			},
			[]string{"service", "entity"},
		),
		activeServices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: o.namespace,
				Name:      "listener_active_services",
				Help:      "Number of listener services with a running receive loop",
			},
		),
	}

	if o.runtimeMetrics {
		c.registry.MustRegister(collectors.NewGoCollector())
		c.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	c.registry.MustRegister(
		c.sendTotal,
		c.sendDuration,
		c.messagesSent,
		c.receiveTotal,
		c.receiveDuration,
		c.messagesReceived,
		c.settlementTotal,
		c.duplicateTotal,
		c.dispatchTotal,
		c.dispatchDuration,
		c.activeServices,
	)

	return c
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          c.registry,
	})
}

// RecordSend implements messaging.MetricsCollector
func (c *Collector) RecordSend(entity string, count int, duration time.Duration, err error) {
	c.sendTotal.WithLabelValues(entity, status(err)).Inc()
	c.sendDuration.WithLabelValues(entity).Observe(duration.Seconds())
	if err == nil && count > 0 {
		c.messagesSent.WithLabelValues(entity).Add(float64(count))
	}
}

// RecordReceive implements messaging.MetricsCollector
func (c *Collector) RecordReceive(entity string, count int, duration time.Duration, err error) {
	s := status(err)
	if err == nil && count == 0 {
		s = "empty"
	}

	c.receiveTotal.WithLabelValues(entity, s).Inc()
	c.receiveDuration.WithLabelValues(entity).Observe(duration.Seconds())
	if count > 0 {
		c.messagesReceived.WithLabelValues(entity).Add(float64(count))
	}
}

// RecordSettlement implements messaging.MetricsCollector
func (c *Collector) RecordSettlement(entity string, op string, err error) {
	c.settlementTotal.WithLabelValues(entity, op, status(err)).Inc()
}

// RecordDuplicate implements messaging.MetricsCollector
func (c *Collector) RecordDuplicate(entity string) {
	c.duplicateTotal.WithLabelValues(entity).Inc()
}

// RecordDispatch implements messaging.MetricsCollector
func (c *Collector) RecordDispatch(service, entity string, decision string, duration time.Duration, err error) {
	c.dispatchTotal.WithLabelValues(service, entity, decision, status(err)).Inc()
	c.dispatchDuration.WithLabelValues(service, entity).Observe(duration.Seconds())
}

// SetActiveServices implements messaging.MetricsCollector
func (c *Collector) SetActiveServices(count int) {
	c.activeServices.Set(float64(count))
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
