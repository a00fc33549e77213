package dispatcher

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/lsst-ts/ts-atbuilding-vents/internal/controller"
)

// successResponse acknowledges a completed command. Field names and the
// always-empty traceback are kept for CSC compatibility.
type successResponse struct {
	Command       string `json:"command"`
	ReturnValue   any    `json:"return_value"`
	Error         int    `json:"error"`
	ExceptionName string `json:"exception_name"`
	Message       string `json:"message"`
	Traceback     string `json:"traceback"`
}

// errorResponse reports a failed command.
type errorResponse struct {
	Command       string `json:"command"`
	Error         int    `json:"error"`
	ExceptionName string `json:"exception_name"`
	Message       string `json:"message"`
	Traceback     string `json:"traceback"`
}

// eventResponse carries an unsolicited event or telemetry payload.
type eventResponse struct {
	Command       string `json:"command"`
	Error         int    `json:"error"`
	ExceptionName string `json:"exception_name"`
	Message       string `json:"message"`
	Traceback     string `json:"traceback"`
	Data          any    `json:"data"`
}

// client serialises writes to one connection; the command loop and the
// monitor share it.
type client struct {
	conn net.Conn
	mu   sync.Mutex
}

func (c *client) send(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		// All response types marshal cleanly; nothing useful to tell
		// the client if one ever does not.
		return
	}
	b = append(b, '\r', '\n')
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.conn.Write(b)
}

func parseArgs(types []argType, args []string) ([]any, error) {
	parsed := make([]any, len(args))
	for i, arg := range args {
		switch types[i] {
		case intArg:
			n, err := strconv.Atoi(arg)
			if err != nil {
				return nil, fmt.Errorf("%w: expected integer but got %q", controller.ErrInvalid, arg)
			}
			parsed[i] = n
		case floatArg:
			f, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: expected float but got %q", controller.ErrInvalid, arg)
			}
			parsed[i] = f
		case boolArg:
			b, err := parseBoolArg(arg)
			if err != nil {
				return nil, err
			}
			parsed[i] = b
		}
	}
	return parsed, nil
}

// parseBoolArg accepts the spellings the original service accepted.
func parseBoolArg(arg string) (bool, error) {
	switch strings.ToLower(arg) {
	case "true", "t", "1":
		return true, nil
	case "false", "f", "0":
		return false, nil
	default:
		return false, fmt.Errorf(
			"%w: expected bool value ('true', 't', '1', 'false', 'f', '0') but got %q",
			controller.ErrInvalid, arg)
	}
}
