package dispatcher_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lsst-ts/ts-atbuilding-vents/internal/controller"
	"github.com/lsst-ts/ts-atbuilding-vents/internal/dispatcher"
	"github.com/lsst-ts/ts-atbuilding-vents/internal/vfd"
)

const tcpTimeout = 10 * time.Second

func TestMain(m *testing.M) {
	// mbserver never stops the handler goroutine it spawns in NewServer,
	// even after Close, so the simulated drives used by the full-stack
	// tests would trip the leak check.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/tbrandon/mbserver.(*Server).handler"))
}

// fakeController stands in for the hardware controller and records the
// calls the dispatcher makes.
type fakeController struct {
	mu           sync.Mutex
	calls        []string
	maxFrequency float64
	frequency    float64
	voltage      float64
	ventState    controller.VentGateState
	faultCode    int
	driveState   vfd.DriveState
}

func (f *fakeController) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeController) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeController) VentOpen(vent int) error {
	f.record(fmt.Sprintf("vent_open %d", vent))
	return nil
}

func (f *fakeController) VentClose(vent int) error {
	f.record(fmt.Sprintf("vent_close %d", vent))
	return nil
}

func (f *fakeController) VentState(int) (controller.VentGateState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ventState, nil
}

func (f *fakeController) setVentState(s controller.VentGateState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ventState = s
}

func (f *fakeController) MaxFrequency() float64 { return f.maxFrequency }

func (f *fakeController) ResetFanDrive() error {
	f.record("reset_fan_drive")
	return nil
}

func (f *fakeController) SetFanFrequency(hz float64) error {
	f.record(fmt.Sprintf("set_fan_frequency %.1f", hz))
	return nil
}

func (f *fakeController) SetFanManualControl(manual bool) error {
	f.record(fmt.Sprintf("set_fan_manual_control %t", manual))
	return nil
}

func (f *fakeController) StartFan() error {
	f.record("start_fan")
	return nil
}

func (f *fakeController) StopFan() error {
	f.record("stop_fan")
	return nil
}

func (f *fakeController) FanFrequency() (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frequency, nil
}

func (f *fakeController) DriveState() (vfd.DriveState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.driveState, nil
}

func (f *fakeController) DriveVoltage() (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.voltage, nil
}

func (f *fakeController) LastEightFaults() ([]vfd.Fault, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	faults := make([]vfd.Fault, 8)
	for i := range faults {
		faults[i] = vfd.Fault{Code: f.faultCode, Description: "Description of error"}
	}
	return faults, nil
}

func (f *fakeController) setFaultCode(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faultCode = code
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func newClientConn(t *testing.T, conn net.Conn) *testClient {
	return &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func newTestSetup(t *testing.T) (*fakeController, *testClient) {
	t.Helper()

	ctrl := &fakeController{
		maxFrequency: 123.4,
		voltage:      382.9,
		faultCode:    22,
	}

	srv := dispatcher.New(ctrl)
	srv.SetMonitorConfig(dispatcher.MonitorConfig{
		PollInterval:      5 * time.Millisecond,
		TelemetryInterval: 5,
	})
	require.NoError(t, srv.Listen(0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", srv.Port()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return ctrl, newClientConn(t, conn)
}

func (c *testClient) write(message string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(tcpTimeout)))
	_, err := fmt.Fprintf(c.conn, "%s\r\n", message)
	require.NoError(c.t, err)
}

func (c *testClient) readLine() map[string]any {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(tcpTimeout)))
	line, err := c.reader.ReadString('\n')
	require.NoError(c.t, err)
	var data map[string]any
	require.NoError(c.t, json.Unmarshal([]byte(strings.TrimSpace(line)), &data))
	return data
}

// sendAndReceive writes a command and reads until a command response
// arrives, skipping event and telemetry lines unless asked to stop on
// them.
func (c *testClient) sendAndReceive(message string) map[string]any {
	c.t.Helper()
	c.write(message)
	for i := 0; i < 1000; i++ {
		data := c.readLine()
		command, _ := data["command"].(string)
		if strings.HasPrefix(command, "evt_") || command == "telemetry" {
			continue
		}
		return data
	}
	c.t.Fatal("no command response received")
	return nil
}

// waitFor reads until a line with the given command name arrives.
func (c *testClient) waitFor(command string) map[string]any {
	c.t.Helper()
	for i := 0; i < 1000; i++ {
		data := c.readLine()
		if data["command"] == command {
			return data
		}
	}
	c.t.Fatalf("no %s line received", command)
	return nil
}

func checkResponse(t *testing.T, data map[string]any, command string, expectedError string) {
	t.Helper()
	assert.Equal(t, command, data["command"])
	if expectedError == "" {
		assert.EqualValues(t, 0, data["error"])
	} else {
		assert.EqualValues(t, 1, data["error"])
		assert.Equal(t, expectedError, data["exception_name"])
		assert.Contains(t, data, "message")
	}
}

func TestPing(t *testing.T) {
	_, client := newTestSetup(t)
	checkResponse(t, client.sendAndReceive("ping"), "ping", "")
}

func TestCloseVentGate(t *testing.T) {
	ctrl, client := newTestSetup(t)
	checkResponse(t, client.sendAndReceive("close_vent_gate 1 -1 -1 -1"), "close_vent_gate", "")
	assert.Equal(t, []string{"vent_close 1"}, ctrl.recorded())
}

func TestOpenVentGate(t *testing.T) {
	ctrl, client := newTestSetup(t)
	checkResponse(t, client.sendAndReceive("open_vent_gate 2 -1 -1 -1"), "open_vent_gate", "")
	assert.Equal(t, []string{"vent_open 2"}, ctrl.recorded())
}

func TestCloseVentGateMultiple(t *testing.T) {
	ctrl, client := newTestSetup(t)
	checkResponse(t, client.sendAndReceive("close_vent_gate 1 2 3 -1"), "close_vent_gate", "")
	assert.Equal(t, []string{"vent_close 1", "vent_close 2", "vent_close 3"}, ctrl.recorded())
}

func TestOpenVentGateMultiple(t *testing.T) {
	ctrl, client := newTestSetup(t)
	checkResponse(t, client.sendAndReceive("open_vent_gate -1 1 2 3"), "open_vent_gate", "")
	assert.Equal(t, []string{"vent_open 1", "vent_open 2", "vent_open 3"}, ctrl.recorded())
}

func TestOpenVentGateOutOfRange(t *testing.T) {
	ctrl, client := newTestSetup(t)
	checkResponse(t, client.sendAndReceive("open_vent_gate 456 -1 -1 -1"), "open_vent_gate", "ValueError")
	assert.Empty(t, ctrl.recorded())
}

func TestResetExtractionFanDrive(t *testing.T) {
	ctrl, client := newTestSetup(t)
	checkResponse(t, client.sendAndReceive("reset_extraction_fan_drive"), "reset_extraction_fan_drive", "")
	assert.Equal(t, []string{"reset_fan_drive"}, ctrl.recorded())
}

func TestSetExtractionFanDriveFreq(t *testing.T) {
	ctrl, client := newTestSetup(t)
	checkResponse(t, client.sendAndReceive("set_extraction_fan_drive_freq 22.5"), "set_extraction_fan_drive_freq", "")
	assert.Equal(t, []string{"set_fan_frequency 22.5"}, ctrl.recorded())
}

func TestSetExtractionFanManualControlMode(t *testing.T) {
	ctrl, client := newTestSetup(t)
	checkResponse(t, client.sendAndReceive("set_extraction_fan_manual_control_mode True"),
		"set_extraction_fan_manual_control_mode", "")
	checkResponse(t, client.sendAndReceive("set_extraction_fan_manual_control_mode False"),
		"set_extraction_fan_manual_control_mode", "")
	assert.Equal(t, []string{"set_fan_manual_control true", "set_fan_manual_control false"}, ctrl.recorded())
}

func TestSetExtractionFanManualControlModeBadValue(t *testing.T) {
	_, client := newTestSetup(t)
	checkResponse(t, client.sendAndReceive("set_extraction_fan_manual_control_mode Nachos"),
		"set_extraction_fan_manual_control_mode", "ValueError")
	checkResponse(t, client.sendAndReceive("set_extraction_fan_manual_control_mode sour cream"),
		"set_extraction_fan_manual_control_mode", "TypeError")
}

func TestStartExtractionFan(t *testing.T) {
	ctrl, client := newTestSetup(t)
	checkResponse(t, client.sendAndReceive("start_extraction_fan"), "start_extraction_fan", "")
	assert.Equal(t, []string{"start_fan"}, ctrl.recorded())
}

func TestStopExtractionFan(t *testing.T) {
	ctrl, client := newTestSetup(t)
	checkResponse(t, client.sendAndReceive("stop_extraction_fan"), "stop_extraction_fan", "")
	assert.Equal(t, []string{"stop_fan"}, ctrl.recorded())
}

func TestBadCommand(t *testing.T) {
	_, client := newTestSetup(t)
	checkResponse(t, client.sendAndReceive("thisisnotacommand"), "thisisnotacommand", "NotImplementedError")
}

func TestWrongArgumentType(t *testing.T) {
	_, client := newTestSetup(t)
	checkResponse(t, client.sendAndReceive("close_vent_gate 0.5 0.5 0.5 0.5"), "close_vent_gate", "ValueError")
}

func TestWrongArgumentCount(t *testing.T) {
	_, client := newTestSetup(t)
	checkResponse(t, client.sendAndReceive("close_vent_gate"), "close_vent_gate", "TypeError")
	checkResponse(t, client.sendAndReceive("open_vent_gate 1 2 3"), "open_vent_gate", "TypeError")
	checkResponse(t, client.sendAndReceive("ping 3.14159"), "ping", "TypeError")
}

func TestGetMaximumFrequency(t *testing.T) {
	_, client := newTestSetup(t)
	data := client.sendAndReceive("get_fan_drive_max_frequency")
	checkResponse(t, data, "get_fan_drive_max_frequency", "")
	assert.InDelta(t, 123.4, data["return_value"], 0.05)
}

func TestTelemetry(t *testing.T) {
	_, client := newTestSetup(t)

	data := client.waitFor("telemetry")
	checkResponse(t, data, "telemetry", "")

	want := map[string]any{
		"tel_extraction_fan": 0.0,
		"tel_drive_voltage":  382.9,
	}
	if diff := cmp.Diff(want, data["data"]); diff != "" {
		t.Errorf("telemetry payload mismatch (-want +got):\n%s", diff)
	}
}

func TestGateEvent(t *testing.T) {
	ctrl, client := newTestSetup(t)

	data := client.waitFor("evt_vent_gate_state")
	want := []any{0.0, 0.0, 0.0, 0.0}
	if diff := cmp.Diff(want, data["data"]); diff != "" {
		t.Errorf("gate state mismatch (-want +got):\n%s", diff)
	}

	ctrl.setVentState(controller.GatePartiallyOpen)
	data = client.waitFor("evt_vent_gate_state")
	want = []any{1.0, 1.0, 1.0, 1.0}
	if diff := cmp.Diff(want, data["data"]); diff != "" {
		t.Errorf("gate state mismatch (-want +got):\n%s", diff)
	}
}

func TestDriveFaultEvent(t *testing.T) {
	ctrl, client := newTestSetup(t)

	data := client.waitFor("evt_extraction_fan_drive_fault_code")
	assert.EqualValues(t, 22, data["data"])

	ctrl.setFaultCode(123)
	data = client.waitFor("evt_extraction_fan_drive_fault_code")
	assert.EqualValues(t, 123, data["data"])
}

func TestDriveStateEvent(t *testing.T) {
	_, client := newTestSetup(t)
	data := client.waitFor("evt_extraction_fan_drive_state")
	assert.EqualValues(t, int(vfd.StateStopped), data["data"])
}

func TestListeningReflectsShutdown(t *testing.T) {
	srv := dispatcher.New(&fakeController{maxFrequency: 50})
	assert.False(t, srv.Listening(), "not listening before Listen")

	require.NoError(t, srv.Listen(0))
	assert.True(t, srv.Listening())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()

	cancel()
	<-done
	assert.False(t, srv.Listening(), "readiness must degrade after shutdown")
}

func TestNewClientSupersedesOld(t *testing.T) {
	_, client := newTestSetup(t)
	checkResponse(t, client.sendAndReceive("ping"), "ping", "")

	conn2, err := net.Dial("tcp", client.conn.RemoteAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn2.Close() })
	second := newClientConn(t, conn2)

	checkResponse(t, second.sendAndReceive("ping"), "ping", "")

	// The first connection is closed once the second one takes over.
	require.NoError(t, client.conn.SetReadDeadline(time.Now().Add(tcpTimeout)))
	for {
		if _, err := client.reader.ReadString('\n'); err != nil {
			break
		}
	}
}
