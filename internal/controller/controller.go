// Package controller implements the vent gate and extraction fan
// domain logic for the AT building Raspberry Pi.
package controller

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lsst-ts/ts-atbuilding-vents/internal/config"
	"github.com/lsst-ts/ts-atbuilding-vents/internal/log"
	"github.com/lsst-ts/ts-atbuilding-vents/internal/vfd"
)

// ErrInvalid marks a request the hardware was never asked to perform:
// bad vent numbers, uninstalled vents, out-of-range frequencies. The
// dispatcher reports these differently from transport failures.
var ErrInvalid = errors.New("invalid request")

// VentGateState is the observed position of a vent gate, derived from
// its two limit switches.
type VentGateState int

const (
	// GateFault means both limit switches are active at once.
	GateFault VentGateState = -1
	// GateClosed means the closed limit switch is active.
	GateClosed VentGateState = 0
	// GatePartiallyOpen means neither limit switch is active.
	GatePartiallyOpen VentGateState = 1
	// GateOpened means the open limit switch is active.
	GateOpened VentGateState = 2
)

func (s VentGateState) String() string {
	switch s {
	case GateClosed:
		return "closed"
	case GatePartiallyOpen:
		return "partially open"
	case GateOpened:
		return "opened"
	case GateFault:
		return "fault"
	default:
		return "unknown"
	}
}

// FanDrive is the drive surface the controller needs; *vfd.Drive
// implements it, and the simulator provides its own.
type FanDrive interface {
	Connect() error
	Close() error
	ControlMode() (manual bool, err error)
	SetControlMode(manual bool) error
	Frequency() (float64, error)
	SetFrequency(hz float64) error
	FaultReset() error
	LastFaults() ([]vfd.Fault, error)
	State() (vfd.DriveState, error)
	Voltage() (float64, error)
}

// OutputCard drives the vent gate signal channels.
type OutputCard interface {
	SetChannel(channel int, high bool) error
}

// InputCard reads the vent gate limit switches.
type InputCard interface {
	ReadChannel(channel int) (int, error)
}

// Controller commands the components associated with the AT dome vents
// and extraction fan.
type Controller struct {
	cfg     config.Config
	drive   FanDrive
	outputs OutputCard
	inputs  InputCard
	log     zerolog.Logger
}

// New assembles a controller from a drive and the two I/O cards.
func New(cfg config.Config, drive FanDrive, outputs OutputCard, inputs InputCard) *Controller {
	return &Controller{
		cfg:     cfg,
		drive:   drive,
		outputs: outputs,
		inputs:  inputs,
		log:     log.WithComponent("controller"),
	}
}

// Connect establishes the modbus connection to the fan drive.
func (c *Controller) Connect() error {
	return c.drive.Connect()
}

// Close shuts down the drive connection.
func (c *Controller) Close() error {
	return c.drive.Close()
}

// FanManualControl reports whether the drive is configured for manual
// (local) control rather than modbus control.
func (c *Controller) FanManualControl() (bool, error) {
	manual, err := c.drive.ControlMode()
	if errors.Is(err, vfd.ErrBadProfile) {
		return false, fmt.Errorf("%w: %s", ErrInvalid, err)
	}
	return manual, err
}

// SetFanManualControl switches the drive between manual and modbus
// control.
func (c *Controller) SetFanManualControl(manual bool) error {
	return c.drive.SetControlMode(manual)
}

// StartFan runs the extraction fan at the configured maximum frequency.
func (c *Controller) StartFan() error {
	return c.SetFanFrequency(c.cfg.MaxFrequency)
}

// StopFan stops the extraction fan.
func (c *Controller) StopFan() error {
	return c.SetFanFrequency(0)
}

// FanFrequency returns the commanded fan frequency in Hz.
func (c *Controller) FanFrequency() (float64, error) {
	return c.drive.Frequency()
}

// SetFanFrequency commands the fan to the given frequency. The value
// must lie between zero and the configured maximum.
func (c *Controller) SetFanFrequency(hz float64) error {
	if hz < 0 || hz > c.cfg.MaxFrequency {
		return fmt.Errorf("%w: frequency %.1f must be between 0 and %.1f", ErrInvalid, hz, c.cfg.MaxFrequency)
	}
	c.log.Debug().Str("event", "fan.set_frequency").Float64("hz", hz).Msg("setting fan frequency")
	return c.drive.SetFrequency(hz)
}

// MaxFrequency returns the highest frequency the controller will
// command.
func (c *Controller) MaxFrequency() float64 {
	return c.cfg.MaxFrequency
}

// ResetFanDrive clears a latched fault on the drive.
func (c *Controller) ResetFanDrive() error {
	return c.drive.FaultReset()
}

// LastEightFaults returns the drive's fault history, most recent first.
func (c *Controller) LastEightFaults() ([]vfd.Fault, error) {
	return c.drive.LastFaults()
}

// DriveState returns the drive's coarse operating state.
func (c *Controller) DriveState() (vfd.DriveState, error) {
	return c.drive.State()
}

// DriveVoltage returns the drive's measured mains voltage in volts.
func (c *Controller) DriveVoltage() (float64, error) {
	return c.drive.Voltage()
}

func (c *Controller) signalChannel(vent int) (int, error) {
	if vent < 0 || vent > 3 {
		return 0, fmt.Errorf("%w: vent %d must be between 0 and 3", ErrInvalid, vent)
	}
	ch := c.cfg.VentSignalCh[vent]
	if ch == -1 {
		return 0, fmt.Errorf("%w: vent %d is not installed", ErrInvalid, vent)
	}
	return ch, nil
}

// VentOpen raises the gate signal for the given vent (0..3).
func (c *Controller) VentOpen(vent int) error {
	ch, err := c.signalChannel(vent)
	if err != nil {
		return err
	}
	c.log.Debug().Str("event", "vent.open").Int("vent", vent).Msg("opening vent")
	return c.outputs.SetChannel(ch, true)
}

// VentClose lowers the gate signal for the given vent (0..3).
func (c *Controller) VentClose(vent int) error {
	ch, err := c.signalChannel(vent)
	if err != nil {
		return err
	}
	c.log.Debug().Str("event", "vent.close").Int("vent", vent).Msg("closing vent")
	return c.outputs.SetChannel(ch, false)
}

// VentState reads both limit switches of the given vent and reports
// the gate position.
func (c *Controller) VentState(vent int) (VentGateState, error) {
	if vent < 0 || vent > 3 {
		return GateFault, fmt.Errorf("%w: vent %d must be between 0 and 3", ErrInvalid, vent)
	}
	openCh := c.cfg.VentOpenLimitCh[vent]
	closeCh := c.cfg.VentCloseLimitCh[vent]
	if openCh == -1 || closeCh == -1 {
		return GateFault, fmt.Errorf("%w: vent %d is not installed", ErrInvalid, vent)
	}

	openState, err := c.inputs.ReadChannel(openCh)
	if err != nil {
		return GateFault, fmt.Errorf("read open limit for vent %d: %w", vent, err)
	}
	closeState, err := c.inputs.ReadChannel(closeCh)
	if err != nil {
		return GateFault, fmt.Errorf("read close limit for vent %d: %w", vent, err)
	}

	switch {
	case openState == 1 && closeState == 0:
		return GateOpened, nil
	case openState == 0 && closeState == 0:
		return GatePartiallyOpen, nil
	case openState == 0 && closeState == 1:
		return GateClosed, nil
	default:
		return GateFault, nil
	}
}
