// Package metrics exports messaging metrics to Prometheus.
//
// A Collector implements messaging.MetricsCollector and the interceptors
// metrics contract. Pass it to senders, receivers and listeners, and mount
// Handler on the scrape endpoint:
//
//	collector := metrics.NewCollector(metrics.WithRuntimeMetrics())
//	http.Handle("/metrics", collector.Handler())
package metrics
