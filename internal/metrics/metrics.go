// SPDX-License-Identifier: MIT
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vent_commands_total",
		Help: "Dispatcher commands processed by command and outcome",
	}, []string{"command", "outcome"}) // outcome=success|failure

	clientConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vent_client_connected",
		Help: "Whether a CSC client is currently connected (1) or not (0)",
	})

	gateState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vent_gate_state",
		Help: "Vent gate state per gate (-1 fault, 0 closed, 1 partially open, 2 open)",
	}, []string{"gate"})

	fanFrequencyHz = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vent_fan_frequency_hz",
		Help: "Commanded extraction fan frequency in Hz (last poll)",
	})

	driveVoltage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vent_drive_voltage_volts",
		Help: "Fan drive mains voltage in volts (last poll)",
	})

	driveFaultCode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vent_drive_fault_code",
		Help: "Most recent fan drive fault code (0 = none)",
	})

	monitorPollErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vent_monitor_poll_errors_total",
		Help: "Total number of failed monitor polls",
	})
)

func IncCommand(command, outcome string) { commandsTotal.WithLabelValues(command, outcome).Inc() }

func SetClientConnected(connected bool) {
	if connected {
		clientConnected.Set(1)
	} else {
		clientConnected.Set(0)
	}
}

func RecordGateState(gate string, state int) { gateState.WithLabelValues(gate).Set(float64(state)) }

func RecordTelemetry(frequencyHz, voltage float64) {
	fanFrequencyHz.Set(frequencyHz)
	driveVoltage.Set(voltage)
}

func RecordFaultCode(code int) { driveFaultCode.Set(float64(code)) }

func IncMonitorPollError() { monitorPollErrors.Inc() }
