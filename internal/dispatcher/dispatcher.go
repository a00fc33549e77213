// Package dispatcher exposes the controller over the line-oriented TCP
// protocol spoken by the upstream ATBuilding CSC: ASCII commands in,
// one JSON object per line out, with unsolicited event and telemetry
// lines pushed by a background monitor while a client is connected.
package dispatcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/lsst-ts/ts-atbuilding-vents/internal/controller"
	"github.com/lsst-ts/ts-atbuilding-vents/internal/log"
	"github.com/lsst-ts/ts-atbuilding-vents/internal/metrics"
	"github.com/lsst-ts/ts-atbuilding-vents/internal/vfd"
)

// Commander is the controller surface the dispatcher drives.
type Commander interface {
	VentOpen(vent int) error
	VentClose(vent int) error
	VentState(vent int) (controller.VentGateState, error)
	MaxFrequency() float64
	ResetFanDrive() error
	SetFanFrequency(hz float64) error
	SetFanManualControl(manual bool) error
	StartFan() error
	StopFan() error
	FanFrequency() (float64, error)
	DriveState() (vfd.DriveState, error)
	DriveVoltage() (float64, error)
	LastEightFaults() ([]vfd.Fault, error)
}

// Exception names preserved from the original service; the CSC matches
// on them, so they are part of the wire protocol.
const (
	excNotImplemented = "NotImplementedError"
	excType           = "TypeError"
	excValue          = "ValueError"
	excRuntime        = "RuntimeError"
)

type argType int

const (
	intArg argType = iota
	floatArg
	boolArg
)

type command struct {
	argTypes []argType
	run      func(args []any) (any, error)
}

// Server accepts one CSC client at a time; a new connection supersedes
// the previous one.
type Server struct {
	ctrl Commander
	log  zerolog.Logger

	commands map[string]command

	lis       net.Listener
	listening atomic.Bool

	mu      sync.Mutex
	current net.Conn

	wg sync.WaitGroup

	monitor monitorConfig
}

// New creates a dispatcher for the given controller.
func New(ctrl Commander) *Server {
	s := &Server{
		ctrl:    ctrl,
		log:     log.WithComponent("dispatcher"),
		monitor: defaultMonitorConfig(),
	}
	s.commands = map[string]command{
		"close_vent_gate": {
			argTypes: []argType{intArg, intArg, intArg, intArg},
			run:      func(args []any) (any, error) { return nil, s.moveVentGates(args, ctrl.VentClose) },
		},
		"open_vent_gate": {
			argTypes: []argType{intArg, intArg, intArg, intArg},
			run:      func(args []any) (any, error) { return nil, s.moveVentGates(args, ctrl.VentOpen) },
		},
		"get_fan_drive_max_frequency": {
			run: func([]any) (any, error) { return ctrl.MaxFrequency(), nil },
		},
		"reset_extraction_fan_drive": {
			run: func([]any) (any, error) { return nil, ctrl.ResetFanDrive() },
		},
		"set_extraction_fan_drive_freq": {
			argTypes: []argType{floatArg},
			run:      func(args []any) (any, error) { return nil, ctrl.SetFanFrequency(args[0].(float64)) },
		},
		"set_extraction_fan_manual_control_mode": {
			argTypes: []argType{boolArg},
			run:      func(args []any) (any, error) { return nil, ctrl.SetFanManualControl(args[0].(bool)) },
		},
		"start_extraction_fan": {
			run: func([]any) (any, error) { return nil, ctrl.StartFan() },
		},
		"stop_extraction_fan": {
			run: func([]any) (any, error) { return nil, ctrl.StopFan() },
		},
		"ping": {
			run: func([]any) (any, error) { return nil, nil },
		},
	}
	return s
}

// SetMonitorConfig overrides the monitor cadence; tests shorten it.
func (s *Server) SetMonitorConfig(cfg MonitorConfig) {
	s.monitor = monitorConfig(cfg)
}

// Listen binds the dispatcher to the given TCP port. Port 0 picks an
// ephemeral port; see Port.
func (s *Server) Listen(port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}
	s.lis = lis
	s.listening.Store(true)
	s.log.Info().Str("event", "dispatcher.listening").Str("addr", lis.Addr().String()).Msg("dispatcher listening")
	return nil
}

// Port returns the bound TCP port. Listen must have succeeded.
func (s *Server) Port() int {
	return s.lis.Addr().(*net.TCPAddr).Port
}

// Listening reports whether the dispatcher is accepting connections.
// It goes false once the listener is closed during shutdown, so the
// readiness probe degrades with it.
func (s *Server) Listening() bool {
	return s.listening.Load()
}

// Serve accepts clients until ctx is cancelled. Only the most recent
// client is served; accepting a new one closes its predecessor.
func (s *Server) Serve(ctx context.Context) error {
	if s.lis == nil {
		return errors.New("dispatcher: Serve called before Listen")
	}

	go func() {
		<-ctx.Done()
		_ = s.lis.Close()
	}()

	defer s.wg.Wait()
	defer s.closeCurrent()
	defer s.listening.Store(false)

	for {
		conn, err := s.lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.takeOver(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveClient(ctx, conn)
		}()
	}
}

// takeOver makes conn the active client, disconnecting any previous one.
func (s *Server) takeOver(conn net.Conn) {
	s.mu.Lock()
	prev := s.current
	s.current = conn
	s.mu.Unlock()
	if prev != nil {
		s.log.Info().Str("event", "dispatcher.superseded").Msg("new client connected, dropping previous client")
		_ = prev.Close()
	}
}

func (s *Server) closeCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		_ = s.current.Close()
		s.current = nil
	}
}

func (s *Server) serveClient(ctx context.Context, conn net.Conn) {
	s.log.Info().Str("event", "dispatcher.connected").Str("remote", conn.RemoteAddr().String()).Msg("client connected")
	metrics.SetClientConnected(true)
	defer metrics.SetClientConnected(false)

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-cctx.Done()
		_ = conn.Close()
	}()

	cl := &client{conn: conn}

	var monitorDone sync.WaitGroup
	monitorDone.Add(1)
	go func() {
		defer monitorDone.Done()
		s.runMonitor(cctx, cl)
	}()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			s.dispatch(cl, line)
		}
		if err != nil {
			break
		}
	}
	cancel()
	monitorDone.Wait()
	s.log.Info().Str("event", "dispatcher.disconnected").Msg("client disconnected")
}

// dispatch parses and executes one command line and sends the response.
func (s *Server) dispatch(cl *client, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	s.log.Debug().Str("event", "dispatcher.command").Str("line", line).Msg("received command")

	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]

	cmd, ok := s.commands[name]
	if !ok {
		metrics.IncCommand(name, "failure")
		cl.send(errorResponse{
			Command:       name,
			Error:         1,
			ExceptionName: excNotImplemented,
			Message:       "No such command",
		})
		return
	}

	if len(args) != len(cmd.argTypes) {
		metrics.IncCommand(name, "failure")
		cl.send(errorResponse{
			Command:       name,
			Error:         1,
			ExceptionName: excType,
			Message:       fmt.Sprintf("Error while handling command %s.", name),
		})
		return
	}

	parsed, err := parseArgs(cmd.argTypes, args)
	if err == nil {
		var ret any
		ret, err = cmd.run(parsed)
		if err == nil {
			metrics.IncCommand(name, "success")
			cl.send(successResponse{Command: name, ReturnValue: ret})
			return
		}
	}

	metrics.IncCommand(name, "failure")
	s.log.Warn().Err(err).Str("event", "dispatcher.command_failed").Str("command", name).Msg("command failed")
	cl.send(errorResponse{
		Command:       name,
		Error:         1,
		ExceptionName: exceptionName(err),
		Message:       err.Error(),
	})
}

// moveVentGates applies move to each gate argument; -1 entries are
// placeholders for "no gate" and are skipped.
func (s *Server) moveVentGates(args []any, move func(int) error) error {
	for _, a := range args {
		gate := a.(int)
		switch {
		case gate >= 0 && gate <= 3:
			if err := move(gate); err != nil {
				return err
			}
		case gate != -1:
			return fmt.Errorf("%w: invalid vent (%d) must be between 0 and 3", controller.ErrInvalid, gate)
		}
	}
	return nil
}

// exceptionName maps an error to the Python exception name the CSC
// expects: validation failures are ValueError, everything else is a
// hardware or transport problem.
func exceptionName(err error) string {
	if errors.Is(err, controller.ErrInvalid) {
		return excValue
	}
	return excRuntime
}
