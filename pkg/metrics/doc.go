// Package metrics defines the Prometheus series of the mail E2E exporter:
// per-route send/receive gauges, per-step error counters, build info and
// exporter-config singletons, plus the text exposition handler and the
// structured error summary consumed by the HTTP API.
package metrics
