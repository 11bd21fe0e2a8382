// Package metrics exposes Prometheus instrumentation for the connection,
// ELM327, ISO-TP and UDS layers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommandCount counts AT/raw commands sent to the adapter.
	CommandCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obd_commands_total",
		Help: "The total number of commands sent to the ELM327 adapter",
	}, []string{"command", "status"})

	// UDSRequestCount counts UDS service requests.
	UDSRequestCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obd_uds_requests_total",
		Help: "The total number of UDS requests sent",
	}, []string{"service", "status"})

	// IsoTpErrorCount counts ISO-TP reassembly failures by kind.
	IsoTpErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obd_isotp_errors_total",
		Help: "The total number of ISO-TP parse/reassembly errors",
	}, []string{"kind"})

	// TesterPresentTicks counts tester-present keep-alive attempts.
	TesterPresentTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obd_tester_present_ticks_total",
		Help: "The total number of tester-present keep-alive ticks",
	}, []string{"status"})

	// ConnectionState reports 1 when the active connection is open.
	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "obd_connection_state",
		Help: "1 if the adapter connection is currently open, 0 otherwise",
	})
)

// Status label values.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// IncCommand increments the command counter.
func IncCommand(command, status string) {
	CommandCount.WithLabelValues(command, status).Inc()
}

// IncUDSRequest increments the UDS request counter.
func IncUDSRequest(service string, status string) {
	UDSRequestCount.WithLabelValues(service, status).Inc()
}

// IncIsoTpError increments the ISO-TP error counter.
func IncIsoTpError(kind string) {
	IsoTpErrorCount.WithLabelValues(kind).Inc()
}

// IncTesterPresentTick increments the tester-present tick counter.
func IncTesterPresentTick(status string) {
	TesterPresentTicks.WithLabelValues(status).Inc()
}

// SetConnectionState sets the connection state gauge.
func SetConnectionState(open bool) {
	if open {
		ConnectionState.Set(1)
		return
	}
	ConnectionState.Set(0)
}
