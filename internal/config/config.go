// Package config holds the runtime configuration for the vent
// controller daemon. Values come from environment variables with
// sensible defaults; main may override individual fields from flags.
package config

import (
	"fmt"
)

// Config describes the hardware attached to the Raspberry Pi and the
// network surfaces the daemon exposes.
type Config struct {
	// DispatcherPort is the TCP port the command dispatcher listens on.
	DispatcherPort int

	// AdminAddr is the listen address for the HTTP admin server
	// (health probes and prometheus metrics). Empty disables it.
	AdminAddr string

	// Modbus endpoint of the extraction fan variable frequency drive.
	// DriveDeviceID is the modbus unit id; Validate bounds it to 0..255.
	DriveHost     string
	DrivePort     int
	DriveDeviceID int

	// MaxFrequency is the highest fan frequency (Hz) the controller
	// will command; StartFan targets this value.
	MaxFrequency float64

	// Megaind output card (gate open/close signals).
	MegaindBus   int
	MegaindStack int

	// 16inpind input card (gate limit switches).
	SixteenBus   int
	SixteenStack int

	// Per-vent channel assignments; -1 marks a vent that is not
	// installed. Signal channels live on the megaind outputs, limit
	// channels on the 16inpind inputs.
	VentSignalCh     [4]int
	VentOpenLimitCh  [4]int
	VentCloseLimitCh [4]int

	// Simulate replaces the drive and the I/O cards with in-process
	// simulators.
	Simulate bool

	LogLevel string
}

// Default returns the configuration matching the production wiring of
// the AT building Raspberry Pi: one vent installed, drive on the local
// modbus gateway.
func Default() Config {
	return Config{
		DispatcherPort:   23,
		AdminAddr:        ":9722",
		DriveHost:        "localhost",
		DrivePort:        502,
		DriveDeviceID:    1,
		MaxFrequency:     50.0,
		MegaindBus:       1,
		MegaindStack:     1,
		SixteenBus:       2,
		SixteenStack:     1,
		VentSignalCh:     [4]int{4, -1, -1, -1},
		VentOpenLimitCh:  [4]int{1, -1, -1, -1},
		VentCloseLimitCh: [4]int{2, -1, -1, -1},
		LogLevel:         "info",
	}
}

// FromEnv builds a Config from defaults overridden by VENT_* environment
// variables.
func FromEnv() Config {
	def := Default()
	return Config{
		DispatcherPort:   ParseInt("VENT_DISPATCHER_PORT", def.DispatcherPort),
		AdminAddr:        ParseString("VENT_ADMIN_ADDR", def.AdminAddr),
		DriveHost:        ParseString("VENT_DRIVE_HOST", def.DriveHost),
		DrivePort:        ParseInt("VENT_DRIVE_PORT", def.DrivePort),
		DriveDeviceID:    ParseInt("VENT_DRIVE_DEVICE_ID", def.DriveDeviceID),
		MaxFrequency:     ParseFloat("VENT_MAX_FREQUENCY", def.MaxFrequency),
		MegaindBus:       ParseInt("VENT_MEGAIND_BUS", def.MegaindBus),
		MegaindStack:     ParseInt("VENT_MEGAIND_STACK", def.MegaindStack),
		SixteenBus:       ParseInt("VENT_SIXTEEN_BUS", def.SixteenBus),
		SixteenStack:     ParseInt("VENT_SIXTEEN_STACK", def.SixteenStack),
		VentSignalCh:     ParseChannels("VENT_SIGNAL_CHANNELS", def.VentSignalCh),
		VentOpenLimitCh:  ParseChannels("VENT_OPEN_LIMIT_CHANNELS", def.VentOpenLimitCh),
		VentCloseLimitCh: ParseChannels("VENT_CLOSE_LIMIT_CHANNELS", def.VentCloseLimitCh),
		Simulate:         ParseBool("VENT_SIMULATE", def.Simulate),
		LogLevel:         ParseString("VENT_LOG_LEVEL", def.LogLevel),
	}
}

// Validate rejects configurations the hardware cannot satisfy. It is
// called once at startup so bad deployments fail fast.
func (c Config) Validate() error {
	if c.DispatcherPort < 1 || c.DispatcherPort > 65535 {
		return fmt.Errorf("dispatcher port %d out of range", c.DispatcherPort)
	}
	if c.DrivePort < 1 || c.DrivePort > 65535 {
		return fmt.Errorf("drive port %d out of range", c.DrivePort)
	}
	if c.DriveHost == "" {
		return fmt.Errorf("drive host must not be empty")
	}
	if c.DriveDeviceID < 0 || c.DriveDeviceID > 255 {
		return fmt.Errorf("drive device id %d out of range 0..255", c.DriveDeviceID)
	}
	if c.MaxFrequency <= 0 {
		return fmt.Errorf("max frequency %.1f must be positive", c.MaxFrequency)
	}
	if c.MegaindStack < 0 || c.MegaindStack > 7 {
		return fmt.Errorf("megaind stack %d out of range 0..7", c.MegaindStack)
	}
	if c.SixteenStack < 0 || c.SixteenStack > 7 {
		return fmt.Errorf("16inpind stack %d out of range 0..7", c.SixteenStack)
	}
	for i := 0; i < 4; i++ {
		if ch := c.VentSignalCh[i]; ch != -1 && (ch < 1 || ch > 4) {
			return fmt.Errorf("vent %d signal channel %d out of range 1..4", i, ch)
		}
		if ch := c.VentOpenLimitCh[i]; ch != -1 && (ch < 1 || ch > 16) {
			return fmt.Errorf("vent %d open limit channel %d out of range 1..16", i, ch)
		}
		if ch := c.VentCloseLimitCh[i]; ch != -1 && (ch < 1 || ch > 16) {
			return fmt.Errorf("vent %d close limit channel %d out of range 1..16", i, ch)
		}
	}
	return nil
}

// DriveAddr returns the modbus-TCP URL of the drive.
func (c Config) DriveAddr() string {
	return fmt.Sprintf("tcp://%s:%d", c.DriveHost, c.DrivePort)
}
