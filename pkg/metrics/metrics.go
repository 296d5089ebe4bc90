package metrics

import (
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

var routeLabels = []string{"route", "from", "to"}

// Metrics is the exporter's metric registry. It owns a dedicated prometheus
// registry and is injected into every component that records results; nothing
// writes through package-level state. The label-keyed vectors are safe under
// concurrent route tasks.
type Metrics struct {
	registry *prometheus.Registry

	SendSuccess      *prometheus.GaugeVec
	ReceiveSuccess   *prometheus.GaugeVec
	Roundtrip        *prometheus.GaugeVec
	LastSend         *prometheus.GaugeVec
	LastReceive      *prometheus.GaugeVec
	SendUncertain    *prometheus.GaugeVec
	ReceiveAttempted *prometheus.GaugeVec
	ReceiveSkipped   *prometheus.GaugeVec
	TestInfo         *prometheus.GaugeVec
	LastError        *prometheus.GaugeVec
	Errors           *prometheus.CounterVec
	RateLimited      *prometheus.CounterVec
	BuildInfo        *prometheus.GaugeVec

	ConfigDelete         prometheus.Gauge
	ConfigReceiveTimeout prometheus.Gauge
	ConfigReceivePoll    prometheus.Gauge
	ConfigCheckInterval  prometheus.Gauge
	ConfigSMTPTimeout    prometheus.Gauge

	errorFamily     string
	lastErrorFamily string
}

// New creates a Metrics registry with all series registered under the given
// name prefix (exporter.metrics_prefix, default "mail_").
func New(prefix string) *Metrics {
	m := &Metrics{
		registry:        prometheus.NewRegistry(),
		errorFamily:     prefix + "test_errors_total",
		lastErrorFamily: prefix + "last_error_info",
	}

	m.SendSuccess = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: prefix + "send_success",
		Help: "1 if SMTP send ok else 0",
	}, routeLabels)
	m.ReceiveSuccess = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: prefix + "receive_success",
		Help: "1 if IMAP receive ok else 0",
	}, routeLabels)
	m.Roundtrip = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: prefix + "roundtrip_seconds",
		Help: "Roundtrip seconds from send to receive",
	}, routeLabels)
	m.LastSend = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: prefix + "last_send_timestamp",
		Help: "Unix ts of last send attempt",
	}, routeLabels)
	m.LastReceive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: prefix + "last_receive_timestamp",
		Help: "Unix ts of last receive",
	}, routeLabels)
	m.SendUncertain = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: prefix + "send_uncertain",
		Help: "1 if send result is uncertain (timeout/disconnect likely after DATA)",
	}, routeLabels)
	m.ReceiveAttempted = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: prefix + "receive_attempted",
		Help: "1 if receive was attempted in the current cycle; else 0",
	}, routeLabels)
	m.ReceiveSkipped = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: prefix + "receive_skipped",
		Help: "1 if receive was skipped due to send failure; else 0",
	}, routeLabels)
	m.TestInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: prefix + "test_info",
		Help: "Info metric mapping each test route to from/to accounts (always 1)",
	}, routeLabels)
	m.LastError = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: prefix + "last_error_info",
		Help: "Fingerprint of the last error for the route",
	}, routeLabels)
	m.Errors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prefix + "test_errors_total",
		Help: "Errors total labeled by route, from, to and step",
	}, []string{"route", "from", "to", "step"})
	m.RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prefix + "send_rate_limited_total",
		Help: "SMTP temporary failures (4xx) during send; labeled by route, from, to, and server reply code",
	}, []string{"route", "from", "to", "code"})
	m.BuildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: prefix + "build_info",
		Help: "Build and version information for the exporter",
	}, []string{"version", "revision", "build_date"})

	m.ConfigDelete = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: prefix + "config_delete_testmail_after_verify",
		Help: "1 if exporter.delete_testmail_after_verify else 0",
	})
	m.ConfigReceiveTimeout = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: prefix + "config_receive_timeout_seconds",
		Help: "Configured receive timeout seconds",
	})
	m.ConfigReceivePoll = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: prefix + "config_receive_poll_seconds",
		Help: "Configured receive poll seconds",
	})
	m.ConfigCheckInterval = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: prefix + "config_check_interval_seconds",
		Help: "Configured check interval seconds",
	})
	m.ConfigSMTPTimeout = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: prefix + "config_smtp_timeout_seconds",
		Help: "Configured SMTP timeout seconds (effective global or per-route)",
	})

	m.registry.MustRegister(
		m.SendSuccess, m.ReceiveSuccess, m.Roundtrip, m.LastSend, m.LastReceive,
		m.SendUncertain, m.ReceiveAttempted, m.ReceiveSkipped, m.TestInfo, m.LastError,
		m.Errors, m.RateLimited, m.BuildInfo,
		m.ConfigDelete, m.ConfigReceiveTimeout, m.ConfigReceivePoll,
		m.ConfigCheckInterval, m.ConfigSMTPTimeout,
	)
	return m
}

// BoolValue converts a flag to its 0/1 gauge value.
func BoolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// ResetRoute moves a route's per-cycle gauges back to their baseline before
// any work happens, so a route failing early never carries a previous
// cycle's success values into the new one.
func (m *Metrics) ResetRoute(route, from, to string) {
	m.ReceiveSuccess.WithLabelValues(route, from, to).Set(0)
	m.ReceiveAttempted.WithLabelValues(route, from, to).Set(0)
	m.ReceiveSkipped.WithLabelValues(route, from, to).Set(0)
	m.SendUncertain.WithLabelValues(route, from, to).Set(0)
	m.Roundtrip.WithLabelValues(route, from, to).Set(0)
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ErrorEntry is one row of the structured error summary served by /errors.
type ErrorEntry struct {
	Route    string  `json:"route"`
	From     string  `json:"from"`
	To       string  `json:"to"`
	Step     string  `json:"step"`
	Count    float64 `json:"count"`
	LastHash float64 `json:"last_hash"`
}

// ErrorSummary joins the error counters with the last-error fingerprint per
// (route, from, to) into a stable, sorted slice.
func (m *Metrics) ErrorSummary() ([]ErrorEntry, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}

	lastByKey := map[string]float64{}
	var entries []ErrorEntry
	for _, fam := range families {
		switch fam.GetName() {
		case m.lastErrorFamily:
			for _, metric := range fam.GetMetric() {
				labels := labelMap(metric)
				key := labels["route"] + "|" + labels["from"] + "|" + labels["to"]
				lastByKey[key] = metric.GetGauge().GetValue()
			}
		case m.errorFamily:
			for _, metric := range fam.GetMetric() {
				labels := labelMap(metric)
				entries = append(entries, ErrorEntry{
					Route: labels["route"],
					From:  labels["from"],
					To:    labels["to"],
					Step:  labels["step"],
					Count: metric.GetCounter().GetValue(),
				})
			}
		}
	}

	for i := range entries {
		key := entries[i].Route + "|" + entries[i].From + "|" + entries[i].To
		entries[i].LastHash = lastByKey[key]
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Route != entries[j].Route {
			return entries[i].Route < entries[j].Route
		}
		return entries[i].Step < entries[j].Step
	})
	return entries, nil
}

func labelMap(metric *dto.Metric) map[string]string {
	labels := make(map[string]string, len(metric.GetLabel()))
	for _, pair := range metric.GetLabel() {
		labels[pair.GetName()] = pair.GetValue()
	}
	return labels
}
