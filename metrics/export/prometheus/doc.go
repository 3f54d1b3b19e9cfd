// Package prometheus exposes authcore engine metrics through
// client_golang.
//
// [Collector] implements prometheus.Collector over
// Engine.MetricsSnapshot; register it on any Registerer, or mount
// [Handler] for a self-contained endpoint. Counter names are
// authcore_*_total; latency histograms are authcore_*_latency_seconds.
//
// # What this package must NOT do
//
//   - Register on the global default registry.
//   - Mutate engine state.
package prometheus
