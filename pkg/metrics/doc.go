// Package metrics defines the Prometheus instruments exposed by every
// taskctl binary at /metrics, plus health.go's /health, /ready and /live
// handlers and a Collector that polls cluster-wide gauges on a timer.
package metrics
