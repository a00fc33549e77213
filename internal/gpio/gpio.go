// Package gpio drives the Sequent Microsystems I/O cards stacked on
// the Raspberry Pi: a megaind card whose digital outputs carry the
// vent gate signals and a 16inpind card that reads the gate limit
// switches.
package gpio

import (
	"fmt"
	"strconv"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

const (
	megaDeviceAddress = 0x50 // megaind base address, plus stack
	megaRelaySet      = 1    // command register: set output active
	megaRelayClear    = 2    // command register: set output inactive

	inputsDeviceAddress = 0x20 // 16inpind base address, plus inverted stack
	inputsPortRegister  = 0    // input word register
)

// inputMasks maps a 1-indexed input channel to its bit in the input
// word. The card wires channels 1..8 to the high byte and 9..16 to the
// low byte.
var inputMasks = [16]uint16{
	0x8000, 0x4000, 0x2000, 0x1000, 0x0800, 0x0400, 0x0200, 0x0100,
	0x0080, 0x0040, 0x0020, 0x0010, 0x0008, 0x0004, 0x0002, 0x0001,
}

var hostInit sync.Once

func openBus(busNumber int) (i2c.BusCloser, error) {
	var initErr error
	hostInit.Do(func() {
		_, initErr = host.Init()
	})
	if initErr != nil {
		return nil, fmt.Errorf("init periph host: %w", initErr)
	}
	bus, err := i2creg.Open(strconv.Itoa(busNumber))
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %d: %w", busNumber, err)
	}
	return bus, nil
}

// Megaind is the output card carrying the vent gate signals.
type Megaind struct {
	bus i2c.BusCloser
	dev *i2c.Dev
}

// OpenMegaind opens the megaind card at the given bus number and stack
// level (0..7).
func OpenMegaind(busNumber, stack int) (*Megaind, error) {
	if stack < 0 || stack > 7 {
		return nil, fmt.Errorf("invalid megaind stack level %d", stack)
	}
	bus, err := openBus(busNumber)
	if err != nil {
		return nil, err
	}
	return &Megaind{
		bus: bus,
		dev: &i2c.Dev{Addr: uint16(megaDeviceAddress + stack), Bus: bus},
	}, nil
}

// SetChannel drives a digital output channel (1..4) high or low.
func (m *Megaind) SetChannel(channel int, high bool) error {
	if channel < 1 || channel > 4 {
		return fmt.Errorf("invalid megaind output channel %d", channel)
	}
	cmd := byte(megaRelayClear)
	if high {
		cmd = megaRelaySet
	}
	if err := m.dev.Tx([]byte{cmd, byte(channel)}, nil); err != nil {
		return fmt.Errorf("write megaind channel %d: %w", channel, err)
	}
	return nil
}

// Close releases the underlying I2C bus.
func (m *Megaind) Close() error {
	return m.bus.Close()
}

// Inpind16 is the input card reading the gate limit switches.
type Inpind16 struct {
	bus i2c.BusCloser
	dev *i2c.Dev
}

// OpenInpind16 opens the 16inpind card at the given bus number and
// stack level (0..7). The card puts its stack jumpers on inverted
// address lines, hence the XOR.
func OpenInpind16(busNumber, stack int) (*Inpind16, error) {
	if stack < 0 || stack > 7 {
		return nil, fmt.Errorf("invalid 16inpind stack level %d", stack)
	}
	bus, err := openBus(busNumber)
	if err != nil {
		return nil, err
	}
	return &Inpind16{
		bus: bus,
		dev: &i2c.Dev{Addr: uint16(inputsDeviceAddress + (0x07 ^ stack)), Bus: bus},
	}, nil
}

// ReadChannel reads an input channel (1..16) and returns 1 if active.
// The inputs are active-low on the wire.
func (c *Inpind16) ReadChannel(channel int) (int, error) {
	if channel < 1 || channel > 16 {
		return 0, fmt.Errorf("invalid 16inpind input channel %d", channel)
	}
	var buf [2]byte
	if err := c.dev.Tx([]byte{inputsPortRegister}, buf[:]); err != nil {
		return 0, fmt.Errorf("read 16inpind input word: %w", err)
	}
	word := uint16(buf[0]) | uint16(buf[1])<<8
	return decodeInput(word, channel), nil
}

func decodeInput(word uint16, channel int) int {
	if word&inputMasks[channel-1] == 0 {
		return 1
	}
	return 0
}

// Close releases the underlying I2C bus.
func (c *Inpind16) Close() error {
	return c.bus.Close()
}
