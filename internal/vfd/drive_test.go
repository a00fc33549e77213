package vfd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tbrandon/mbserver"
)

const testAddr = "127.0.0.1:26020"

func newTestDrive(t *testing.T) (*Drive, *mbserver.Server) {
	t.Helper()

	server := mbserver.NewServer()
	require.NoError(t, server.ListenTCP(testAddr))
	t.Cleanup(server.Close)

	// Power-on defaults: manual profile, fan stopped, undervolt
	// faults in the history.
	for i, reg := range ConfigRegisters {
		server.HoldingRegisters[reg] = ManualProfile[i]
	}
	for i := 0; i < faultHistoryLen; i++ {
		server.HoldingRegisters[int(FaultRegister)+i] = 22
	}

	drive, err := NewDrive("tcp://"+testAddr, 1, time.Second)
	require.NoError(t, err)
	require.NoError(t, drive.Connect())
	t.Cleanup(func() { _ = drive.Close() })
	return drive, server
}

func TestControlMode(t *testing.T) {
	drive, _ := newTestDrive(t)

	manual, err := drive.ControlMode()
	require.NoError(t, err)
	assert.True(t, manual, "simulated drive expected to start in manual mode")

	require.NoError(t, drive.SetControlMode(false))
	manual, err = drive.ControlMode()
	require.NoError(t, err)
	assert.False(t, manual)

	require.NoError(t, drive.SetControlMode(true))
	manual, err = drive.ControlMode()
	require.NoError(t, err)
	assert.True(t, manual)
}

func TestControlModeBadProfile(t *testing.T) {
	drive, server := newTestDrive(t)

	server.HoldingRegisters[CHCFRegister] = 99
	_, err := drive.ControlMode()
	assert.ErrorIs(t, err, ErrBadProfile)
}

func TestFrequencyRoundTrip(t *testing.T) {
	drive, _ := newTestDrive(t)

	hz, err := drive.Frequency()
	require.NoError(t, err)
	assert.Equal(t, 0.0, hz, "fan expected to start stopped")

	require.NoError(t, drive.SetFrequency(25.5))
	hz, err = drive.Frequency()
	require.NoError(t, err)
	assert.InDelta(t, 25.5, hz, 0.05)

	require.NoError(t, drive.SetFrequency(0))
	hz, err = drive.Frequency()
	require.NoError(t, err)
	assert.Equal(t, 0.0, hz)
}

func TestFrequencyZeroCommandWordMasksSetpoint(t *testing.T) {
	drive, server := newTestDrive(t)

	server.HoldingRegisters[LFRRegister] = 300 // 30.0 Hz left over
	server.HoldingRegisters[CMDRegister] = 0
	hz, err := drive.Frequency()
	require.NoError(t, err)
	assert.Equal(t, 0.0, hz)
}

func TestFaultReset(t *testing.T) {
	drive, server := newTestDrive(t)

	server.HoldingRegisters[CMDRegister] = 1
	require.NoError(t, drive.FaultReset())
	assert.Equal(t, uint16(0), server.HoldingRegisters[CMDRegister])
	assert.Equal(t, uint16(0), server.HoldingRegisters[LFRDRegister])
}

func TestLastFaults(t *testing.T) {
	drive, _ := newTestDrive(t)

	faults, err := drive.LastFaults()
	require.NoError(t, err)
	require.Len(t, faults, 8)
	for _, f := range faults {
		assert.Equal(t, 22, f.Code)
		assert.Contains(t, f.Description, "undervolt")
	}
}

func TestStateAndVoltage(t *testing.T) {
	drive, server := newTestDrive(t)

	state, err := drive.State()
	require.NoError(t, err)
	assert.Equal(t, StateStopped, state)

	server.HoldingRegisters[ETARegister] = etaOperationEnabled
	state, err = drive.State()
	require.NoError(t, err)
	assert.Equal(t, StateOperating, state)

	server.HoldingRegisters[ETARegister] = etaFault
	state, err = drive.State()
	require.NoError(t, err)
	assert.Equal(t, StateFault, state)

	server.HoldingRegisters[ULNRegister] = 3829
	volts, err := drive.Voltage()
	require.NoError(t, err)
	assert.InDelta(t, 382.9, volts, 0.05)
}

func TestDescribeUnknownCode(t *testing.T) {
	assert.Equal(t, "Supply undervolt fault", Describe(22))
	assert.Contains(t, Describe(9999), "9999")
}
