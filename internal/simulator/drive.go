// Package simulator provides in-process stand-ins for the fan drive
// and the Sequent I/O cards, used by simulation mode and the tests.
package simulator

import (
	"fmt"
	"net"

	"github.com/tbrandon/mbserver"

	"github.com/lsst-ts/ts-atbuilding-vents/internal/vfd"
)

// Drive is a modbus-TCP server that mimics the extraction fan drive:
// it starts in manual mode with the fan stopped and a fault history
// full of supply-undervolt entries, and behaves like real holding
// registers (reads observe prior writes).
type Drive struct {
	server *mbserver.Server
	addr   string
}

// NewDrive starts the simulated drive on an ephemeral localhost port.
func NewDrive() (*Drive, error) {
	addr, err := freeLocalAddr()
	if err != nil {
		return nil, err
	}

	server := mbserver.NewServer()
	if err := server.ListenTCP(addr); err != nil {
		return nil, fmt.Errorf("start simulated drive: %w", err)
	}

	for i, reg := range vfd.ConfigRegisters {
		server.HoldingRegisters[reg] = vfd.ManualProfile[i]
	}
	for i := 0; i < 8; i++ {
		server.HoldingRegisters[int(vfd.FaultRegister)+i] = 22
	}
	server.HoldingRegisters[vfd.ULNRegister] = 2304 // 230.4 V mains

	return &Drive{server: server, addr: addr}, nil
}

// Addr returns the host:port the simulated drive listens on.
func (d *Drive) Addr() string {
	return d.addr
}

// URL returns the modbus-TCP URL of the simulated drive.
func (d *Drive) URL() string {
	return "tcp://" + d.addr
}

// SetRegister pokes a holding register, letting tests stage drive
// states the client code never writes (status word, mains voltage,
// fault history).
func (d *Drive) SetRegister(reg vfd.Register, value uint16) {
	d.server.HoldingRegisters[reg] = value
}

// Register reads back a holding register.
func (d *Drive) Register(reg vfd.Register) uint16 {
	return d.server.HoldingRegisters[reg]
}

// Close stops the simulated drive.
func (d *Drive) Close() {
	d.server.Close()
}

// freeLocalAddr asks the kernel for an unused localhost port. There is
// a small window between closing the probe listener and binding the
// modbus server, which is acceptable for a simulator.
func freeLocalAddr() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("probe for free port: %w", err)
	}
	addr := l.Addr().String()
	if err := l.Close(); err != nil {
		return "", fmt.Errorf("close port probe: %w", err)
	}
	return addr, nil
}
