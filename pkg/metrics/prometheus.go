// Package metrics exposes Prometheus instrumentation for the
// coordinator and booter daemons: command throughput, node lifecycle
// counts, graph-status transitions, and booter error counts.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the instrumentation container passed into the coordinator
// and booter daemons.
type Metrics struct {
	CommandsTotal    *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	NodeLaunchTotal  *prometheus.CounterVec
	NodeTermination  *prometheus.CounterVec
	GraphStatus      *prometheus.GaugeVec
	BooterErrorTotal *prometheus.CounterVec
	ParameterUpdates *prometheus.CounterVec
	ServiceInfo      *prometheus.GaugeVec
}

// InitMetrics registers and returns a Metrics container under the given
// namespace/subsystem. Call once per process.
func InitMetrics(namespace, subsystem string) *Metrics {
	return &Metrics{
		CommandsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "commands_total",
				Help:      "Total number of operator commands processed",
			},
			[]string{"command", "status"},
		),

		CommandDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "command_duration_seconds",
				Help:      "Duration of command handling",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"command"},
		),

		NodeLaunchTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "node_launch_total",
				Help:      "Total number of node process launches",
			},
			[]string{"machine", "status"},
		),

		NodeTermination: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "node_termination_total",
				Help:      "Total number of node terminations by final state",
			},
			[]string{"machine", "state"}, // state: gone, stuck
		),

		GraphStatus: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "graph_status",
				Help:      "Current graph status (1 for the active status, 0 otherwise)",
			},
			[]string{"graph", "status"},
		),

		BooterErrorTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "booter_error_total",
				Help:      "Total number of errors reported by booters",
			},
			[]string{"machine", "code"},
		),

		ParameterUpdates: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "parameter_updates_total",
				Help:      "Total number of updateParameters commands, by outcome",
			},
			[]string{"status"},
		),

		ServiceInfo: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "service_info",
				Help:      "Static service build information",
			},
			[]string{"version", "environment"},
		),
	}
}

// RecordCommand records the outcome and duration of a dispatched command.
func (m *Metrics) RecordCommand(command string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	m.CommandsTotal.WithLabelValues(command, status).Inc()
	m.CommandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// RecordNodeLaunch records a node process launch attempt.
func (m *Metrics) RecordNodeLaunch(machine string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.NodeLaunchTotal.WithLabelValues(machine, status).Inc()
}

// RecordNodeTermination records the final state a node reached after
// staged termination: "gone" or "stuck".
func (m *Metrics) RecordNodeTermination(machine, state string) {
	m.NodeTermination.WithLabelValues(machine, state).Inc()
}

// SetGraphStatus marks status as the graph's current status, zeroing
// any other status label previously set for the same graph. Callers
// pass the full status enum so stale gauges don't linger.
func (m *Metrics) SetGraphStatus(graph, status string, allStatuses []string) {
	for _, s := range allStatuses {
		if s == status {
			m.GraphStatus.WithLabelValues(graph, s).Set(1)
		} else {
			m.GraphStatus.WithLabelValues(graph, s).Set(0)
		}
	}
}

// RecordBooterError records an error reported by a booter on the
// booter_status stream.
func (m *Metrics) RecordBooterError(machine, code string) {
	m.BooterErrorTotal.WithLabelValues(machine, code).Inc()
}

// RecordParameterUpdate records the outcome of an updateParameters command.
func (m *Metrics) RecordParameterUpdate(success bool) {
	status := "success"
	if !success {
		status = "rejected"
	}
	m.ParameterUpdates.WithLabelValues(status).Inc()
}

// SetServiceInfo stamps the build version and environment.
func (m *Metrics) SetServiceInfo(version, environment string) {
	m.ServiceInfo.WithLabelValues(version, environment).Set(1)
}

// Handler returns the HTTP handler serving /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer starts a blocking HTTP server exposing /metrics
// and /health on port.
func StartMetricsServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
