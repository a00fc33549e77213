package vfd

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/simonvetter/modbus"

	"github.com/lsst-ts/ts-atbuilding-vents/internal/log"
)

// ErrBadProfile reports that the drive's command-channel registers
// match neither the manual nor the modbus profile. Somebody has been
// editing settings on the front panel.
var ErrBadProfile = errors.New("drive command channel registers match no known profile")

const faultHistoryLen = 8

// Drive is a modbus-TCP client for the extraction fan drive. All
// methods issue one or more short transactions bounded by the client
// timeout; the drive serialises access internally so Drive is safe for
// use from a single goroutine at a time.
type Drive struct {
	client *modbus.ModbusClient
	log    zerolog.Logger
}

// NewDrive prepares a client for the drive at url ("tcp://host:port")
// with the given modbus unit id. Connect must be called before use.
func NewDrive(url string, deviceID uint8, timeout time.Duration) (*Drive, error) {
	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     url,
		Timeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create modbus client for %s: %w", url, err)
	}
	if err := client.SetUnitId(deviceID); err != nil {
		return nil, fmt.Errorf("set modbus unit id %d: %w", deviceID, err)
	}
	return &Drive{
		client: client,
		log:    log.WithComponent("drive"),
	}, nil
}

// Connect opens the modbus-TCP connection.
func (d *Drive) Connect() error {
	if err := d.client.Open(); err != nil {
		return fmt.Errorf("connect to drive: %w", err)
	}
	d.log.Info().Str("event", "drive.connected").Msg("connected to fan drive")
	return nil
}

// Close shuts down the modbus-TCP connection.
func (d *Drive) Close() error {
	return d.client.Close()
}

// ControlMode reports whether the drive is configured for manual
// (local) control. It returns ErrBadProfile if the registers match
// neither profile.
func (d *Drive) ControlMode() (manual bool, err error) {
	var settings [5]uint16
	for i, reg := range ConfigRegisters {
		v, err := d.client.ReadRegister(uint16(reg), modbus.HOLDING_REGISTER)
		if err != nil {
			return false, fmt.Errorf("read config register %d: %w", reg, err)
		}
		settings[i] = v
	}
	switch settings {
	case ManualProfile:
		return true, nil
	case AutoProfile:
		return false, nil
	}
	d.log.Warn().
		Str("event", "drive.bad_profile").
		Uints16("settings", settings[:]).
		Msg("unexpected command channel settings")
	return false, ErrBadProfile
}

// SetControlMode switches the drive between manual (local) and modbus
// control by rewriting the command-channel registers.
func (d *Drive) SetControlMode(manual bool) error {
	profile := AutoProfile
	if manual {
		profile = ManualProfile
	}
	for i, reg := range ConfigRegisters {
		if err := d.client.WriteRegister(uint16(reg), profile[i]); err != nil {
			return fmt.Errorf("write config register %d: %w", reg, err)
		}
	}
	d.log.Debug().Str("event", "drive.control_mode").Bool("manual", manual).Msg("control mode set")
	return nil
}

// Frequency returns the commanded fan frequency in Hz. A zeroed command
// word reads as 0 Hz regardless of the stored setpoint.
func (d *Drive) Frequency() (float64, error) {
	cmd, err := d.client.ReadRegister(uint16(CMDRegister), modbus.HOLDING_REGISTER)
	if err != nil {
		return 0, fmt.Errorf("read command word: %w", err)
	}
	if cmd == 0 {
		return 0, nil
	}
	lfr, err := d.client.ReadRegister(uint16(LFRRegister), modbus.HOLDING_REGISTER)
	if err != nil {
		return 0, fmt.Errorf("read frequency setpoint: %w", err)
	}
	return 0.1 * float64(lfr), nil
}

// SetFrequency commands the fan to the given frequency in Hz. Zero
// stops the fan. Range validation is the controller's job.
func (d *Drive) SetFrequency(hz float64) error {
	cmd := uint16(1)
	if hz == 0 {
		cmd = 0
	}
	if err := d.client.WriteRegister(uint16(CMDRegister), cmd); err != nil {
		return fmt.Errorf("write command word: %w", err)
	}
	if err := d.client.WriteRegister(uint16(LFRRegister), uint16(math.Round(hz*10))); err != nil {
		return fmt.Errorf("write frequency setpoint: %w", err)
	}
	return nil
}

// FaultReset clears a latched fault so the drive will run again.
func (d *Drive) FaultReset() error {
	for _, step := range FaultResetSequence {
		if err := d.client.WriteRegister(uint16(step.Register), step.Value); err != nil {
			return fmt.Errorf("fault reset write %d=%d: %w", step.Register, step.Value, err)
		}
	}
	d.log.Info().Str("event", "drive.fault_reset").Msg("fault reset sequence sent")
	return nil
}

// LastFaults returns the eight most recent fault history entries, most
// recent first.
func (d *Drive) LastFaults() ([]Fault, error) {
	regs, err := d.client.ReadRegisters(uint16(FaultRegister), faultHistoryLen, modbus.HOLDING_REGISTER)
	if err != nil {
		return nil, fmt.Errorf("read fault history: %w", err)
	}
	faults := make([]Fault, 0, len(regs))
	for _, r := range regs {
		code := int(r)
		faults = append(faults, Fault{Code: code, Description: Describe(code)})
	}
	return faults, nil
}

// State reads and decodes the Drivecom status word.
func (d *Drive) State() (DriveState, error) {
	eta, err := d.client.ReadRegister(uint16(ETARegister), modbus.HOLDING_REGISTER)
	if err != nil {
		return StateStopped, fmt.Errorf("read status word: %w", err)
	}
	return StateFromStatus(eta), nil
}

// Voltage returns the measured mains voltage in volts.
func (d *Drive) Voltage() (float64, error) {
	uln, err := d.client.ReadRegister(uint16(ULNRegister), modbus.HOLDING_REGISTER)
	if err != nil {
		return 0, fmt.Errorf("read mains voltage: %w", err)
	}
	return 0.1 * float64(uln), nil
}
