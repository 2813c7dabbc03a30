// Package metrics counts aggregator activity and renders it in the
// Prometheus text exposition format (client_model families encoded with
// expfmt). The coordinator serves the output on GET /metrics.
package metrics
