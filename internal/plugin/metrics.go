// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandhost Contributors

package plugin

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors for plugin activity. A nil
// *Metrics records nothing.
type Metrics struct {
	Executions        *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	Plugins           *prometheus.GaugeVec
	PermissionDenials *prometheus.CounterVec
	CallbackErrors    *prometheus.CounterVec
}

// NewMetrics creates and registers plugin metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandhost_plugin_executions_total",
				Help: "Total number of guest function calls by plugin and result",
			},
			[]string{"plugin", "result"},
		),
		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sandhost_plugin_execution_duration_seconds",
				Help:    "Duration of guest function calls",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
			},
			[]string{"plugin"},
		),
		Plugins: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sandhost_plugins",
				Help: "Number of registered plugins by lifecycle status",
			},
			[]string{"status"},
		),
		PermissionDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandhost_plugin_permission_denials_total",
				Help: "Total number of denied capability calls by plugin and operation",
			},
			[]string{"plugin", "op"},
		),
		CallbackErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandhost_plugin_callback_errors_total",
				Help: "Total number of failed timer and event callbacks by plugin",
			},
			[]string{"plugin", "source"},
		),
	}

	reg.MustRegister(m.Executions)
	reg.MustRegister(m.ExecutionDuration)
	reg.MustRegister(m.Plugins)
	reg.MustRegister(m.PermissionDenials)
	reg.MustRegister(m.CallbackErrors)

	return m
}

// executionResult labels a record for the executions counter.
func executionResult(rec ExecutionRecord) string {
	switch {
	case rec.Success:
		return "success"
	case rec.TimedOut:
		return "timeout"
	default:
		return "error"
	}
}

func (m *Metrics) observe(rec ExecutionRecord) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(rec.Plugin, executionResult(rec)).Inc()
	m.ExecutionDuration.WithLabelValues(rec.Plugin).Observe(rec.Duration.Seconds())
}

// PermissionDenied counts a denied capability call. Its signature matches
// hostfunc.WithDenialHook.
func (m *Metrics) PermissionDenied(pluginID, op string) {
	if m == nil {
		return
	}
	m.PermissionDenials.WithLabelValues(pluginID, op).Inc()
}

func (m *Metrics) callbackFailed(pluginID, source string) {
	if m == nil {
		return
	}
	kind, _, _ := strings.Cut(source, ":")
	m.CallbackErrors.WithLabelValues(pluginID, kind).Inc()
}

// setStatusCounts publishes the per-status plugin counts. Every status is
// set so that emptied states drop back to zero.
func (m *Metrics) setStatusCounts(counts map[Status]int) {
	if m == nil {
		return
	}
	for _, s := range Statuses() {
		m.Plugins.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
