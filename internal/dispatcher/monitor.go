package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lsst-ts/ts-atbuilding-vents/internal/controller"
	"github.com/lsst-ts/ts-atbuilding-vents/internal/metrics"
	"github.com/lsst-ts/ts-atbuilding-vents/internal/vfd"
)

// MonitorConfig tunes the status monitor. Tests shorten both values.
type MonitorConfig struct {
	// PollInterval is the time between hardware polls.
	PollInterval time.Duration
	// TelemetryInterval is the number of polls between unconditional
	// telemetry lines; changed values are sent immediately.
	TelemetryInterval int
}

type monitorConfig MonitorConfig

func defaultMonitorConfig() monitorConfig {
	return monitorConfig{
		PollInterval:      100 * time.Millisecond,
		TelemetryInterval: 100,
	}
}

// runMonitor polls the hardware while a client is connected, pushing
// gate-state, drive-fault and drive-state events on change and
// periodic fan telemetry. Poll failures are logged and the loop keeps
// going; the hardware may come back.
func (s *Server) runMonitor(ctx context.Context, cl *client) {
	ticker := time.NewTicker(s.monitor.PollInterval)
	defer ticker.Stop()

	var (
		first          = true
		gates          [4]controller.VentGateState
		fault          int
		state          vfd.DriveState
		frequency      float64
		voltage        float64
		telemetryCount int
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		newGates, newFault, newState, err := s.pollStatus()
		if err != nil {
			metrics.IncMonitorPollError()
			s.log.Warn().Err(err).Str("event", "monitor.poll_failed").Msg("status poll failed")
			continue
		}

		if first || newGates != gates {
			s.log.Info().
				Str("event", "monitor.gate_state").
				Str("old", fmt.Sprint(gates)).
				Str("new", fmt.Sprint(newGates)).
				Msg("vent gate state changed")
			data := make([]int, len(newGates))
			for i, g := range newGates {
				data[i] = int(g)
				metrics.RecordGateState(strconv.Itoa(i), int(g))
			}
			cl.send(eventResponse{Command: "evt_vent_gate_state", Data: data})
			gates = newGates
		}

		if first || newFault != fault {
			s.log.Info().
				Str("event", "monitor.drive_fault").
				Int("old", fault).
				Int("new", newFault).
				Msg("drive fault code changed")
			metrics.RecordFaultCode(newFault)
			cl.send(eventResponse{Command: "evt_extraction_fan_drive_fault_code", Data: newFault})
			fault = newFault
		}

		if first || newState != state {
			s.log.Debug().
				Str("event", "monitor.drive_state").
				Str("old", state.String()).
				Str("new", newState.String()).
				Msg("drive state changed")
			cl.send(eventResponse{Command: "evt_extraction_fan_drive_state", Data: int(newState)})
			state = newState
		}

		newFrequency, err := s.ctrl.FanFrequency()
		if err != nil {
			metrics.IncMonitorPollError()
			s.log.Warn().Err(err).Str("event", "monitor.poll_failed").Msg("frequency poll failed")
			continue
		}
		newVoltage, err := s.ctrl.DriveVoltage()
		if err != nil {
			metrics.IncMonitorPollError()
			s.log.Warn().Err(err).Str("event", "monitor.poll_failed").Msg("voltage poll failed")
			continue
		}

		telemetryCount--
		if telemetryCount < 0 || newFrequency != frequency || newVoltage != voltage {
			frequency = newFrequency
			voltage = newVoltage
			telemetryCount = s.monitor.TelemetryInterval
			metrics.RecordTelemetry(frequency, voltage)
			cl.send(eventResponse{
				Command: "telemetry",
				Data: map[string]float64{
					"tel_extraction_fan": frequency,
					"tel_drive_voltage":  voltage,
				},
			})
		}

		first = false
	}
}

// pollStatus gathers gate states, the most recent drive fault and the
// drive state. Vents that are not installed report closed.
func (s *Server) pollStatus() ([4]controller.VentGateState, int, vfd.DriveState, error) {
	var gates [4]controller.VentGateState
	for i := range gates {
		st, err := s.ctrl.VentState(i)
		if err != nil {
			if errors.Is(err, controller.ErrInvalid) {
				gates[i] = controller.GateClosed
				continue
			}
			return gates, 0, 0, fmt.Errorf("vent %d state: %w", i, err)
		}
		gates[i] = st
	}

	faults, err := s.ctrl.LastEightFaults()
	if err != nil {
		return gates, 0, 0, fmt.Errorf("fault history: %w", err)
	}
	if len(faults) == 0 {
		return gates, 0, 0, errors.New("empty fault history")
	}

	state, err := s.ctrl.DriveState()
	if err != nil {
		return gates, 0, 0, fmt.Errorf("drive state: %w", err)
	}
	return gates, faults[0].Code, state, nil
}
