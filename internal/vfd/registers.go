// Package vfd talks modbus-TCP to the Schneider ATV variable frequency
// drive that powers the dome extraction fan.
package vfd

import "fmt"

// Register is a modbus holding-register address on the ATV drive.
type Register uint16

const (
	// SLL: modbus timeout fault management.
	SLLRegister Register = 7010
	// RSF: fault reset assignment.
	RSFRegister Register = 7124
	// FaultRegister is the head of the eight-entry fault history.
	FaultRegister Register = 7201
	// CHCF: command and reference channel profile.
	CHCFRegister Register = 8401
	// FR1: reference frequency channel 1.
	FR1Register Register = 8413
	// CD1: command channel 1.
	CD1Register Register = 8423
	// CMD: Drivecom command word.
	CMDRegister Register = 8501
	// LFR: frequency setpoint, 0.1 Hz units.
	LFRRegister Register = 8502
	// LFRD: speed setpoint, rpm.
	LFRDRegister Register = 8602
	// ETA: Drivecom status word.
	ETARegister Register = 3201
	// ULN: mains voltage, 0.1 V units.
	ULNRegister Register = 3207
)

// ConfigRegisters are the registers that select between local (manual)
// and modbus control of the drive. Order matters: SetControlMode writes
// them in sequence and ControlMode compares them positionally.
var ConfigRegisters = [5]Register{
	FR1Register,
	CHCFRegister,
	CD1Register,
	RSFRegister,
	SLLRegister,
}

// ManualProfile is the ConfigRegisters contents for local operation:
// reference A1, separate channels, terminal command, no remote reset,
// modbus timeout fault enabled.
var ManualProfile = [5]uint16{1, 1, 1, 0, 1}

// AutoProfile is the ConfigRegisters contents for modbus operation.
var AutoProfile = [5]uint16{164, 3, 10, 162, 0}

// FaultResetSequence is the register write sequence that clears a
// latched drive fault.
var FaultResetSequence = [6]struct {
	Register Register
	Value    uint16
}{
	{CMDRegister, 0},
	{LFRDRegister, 0},
	{CMDRegister, 4},
	{LFRDRegister, 0},
	{CMDRegister, 0},
	{LFRDRegister, 0},
}

// Fault is one entry of the drive fault history.
type Fault struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
}

// Describe returns the human-readable description for a drive fault
// code, or a formatted fallback for codes missing from the table.
func Describe(code int) string {
	if s, ok := faultDescriptions[code]; ok {
		return s
	}
	return fmt.Sprintf("Unknown fault code %d", code)
}

var faultDescriptions = map[int]string{
	0:   "No fault saved",
	2:   "EEprom control fault",
	3:   "Incorrect configuration",
	4:   "Invalid config parameters",
	5:   "Modbus coms fault",
	6:   "Com Internal link fault",
	7:   "Network fault",
	8:   "External fault logic input",
	9:   "Overcurrent fault",
	10:  "Precharge",
	11:  "Speed feedback loss",
	12:  "Output speed <> ref",
	16:  "Drive overheating fault",
	17:  "Motor overload fault",
	18:  "DC bus overvoltage fault",
	19:  "Supply overvoltage fault",
	20:  "1 motor phase loss fault",
	21:  "Supply phase loss fault",
	22:  "Supply undervolt fault",
	23:  "Motor short circuit",
	24:  "Motor overspeed fault",
	25:  "Auto-tuning fault",
	26:  "Rating error",
	27:  "Incompatible control card",
	28:  "Internal coms link fault",
	29:  "Internal manu zone fault",
	30:  "EEprom power fault",
	32:  "Ground short circuit",
	33:  "3 motor phase loss fault",
	34:  "Comms fault CANopen",
	35:  "Brake control fault",
	38:  "External fault comms",
	41:  "Brake feedback fault",
	42:  "PC coms fault",
	44:  "Torque/current limit fault",
	45:  "HMI coms fault",
	49:  "LI6=PTC failed",
	50:  "LI6=PTC overheat fault",
	51:  "Internal I measure fault",
	52:  "Internal i/p volt circuit flt",
	53:  "Internal temperature fault",
	54:  "IGBT overheat fault",
	55:  "IGBT short circuit fault",
	56:  "motor short circuit",
	58:  "Output cont close fault",
	59:  "Output cont open fault",
	64:  "input contactor",
	67:  "IGBT desaturation",
	68:  "Internal option fault",
	69:  "internal- CPU",
	71:  "AI3 4-20mA loss",
	73:  "Cards pairing",
	76:  "Dynamic load fault",
	77:  "Interrupted config.",
	99:  "Channel switching fault",
	100: "Process Underlaod Fault",
	101: "Process Overload Fault",
	105: "Angle error",
	107: "Safety fault",
	108: "FB fault",
	109: "FB stop fault",
}
