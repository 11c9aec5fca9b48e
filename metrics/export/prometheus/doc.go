// Package prometheus provides Prometheus collectors for otpforge metrics.
//
// [NewPrometheusExporter] accepts an [otpforge.Engine] and exposes an [http.Handler]
// that renders all otpforge counters and histograms in Prometheus text exposition
// format. Counter names are prefixed otpforge_*_total; the single histogram is
// otpforge_check_latency_seconds.
//
// # What this package must NOT do
//
//   - Register metrics in a global Prometheus registry — callers mount the Handler.
//   - Mutate engine state.
package prometheus
