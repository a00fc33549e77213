package vfd

// DriveState is the coarse operating state of the fan drive, reported
// to the CSC through the evt_extraction_fan_drive_state event.
type DriveState int

const (
	StateStopped DriveState = iota
	StateOperating
	StateFault
)

// Drivecom status word bits in the ETA register.
const (
	etaOperationEnabled = 1 << 2
	etaFault            = 1 << 3
)

// StateFromStatus decodes the Drivecom ETA status word.
func StateFromStatus(eta uint16) DriveState {
	switch {
	case eta&etaFault != 0:
		return StateFault
	case eta&etaOperationEnabled != 0:
		return StateOperating
	default:
		return StateStopped
	}
}

func (s DriveState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateOperating:
		return "operating"
	case StateFault:
		return "fault"
	default:
		return "unknown"
	}
}
