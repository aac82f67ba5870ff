// Package command parses the controller's text command protocol and renders
// its replies.
//
//	STAT                 status snapshot of every channel
//	SET <name> ON|OFF    enable or disable a channel
//	SET <name> <int>     absolute setpoint
//	SET <name> +N | -N   relative setpoint adjustment
//	DUTY <name> <0-100>  duty-cycle percentage
//	END                  de-energize relays and stop
//
// Verbs, keywords and channel names are case-insensitive.
package command

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/thatsimonsguy/seedling-controller/internal/faults"
	"github.com/thatsimonsguy/seedling-controller/internal/model"
)

type Verb string

const (
	Stat Verb = "STAT"
	Set  Verb = "SET"
	Duty Verb = "DUTY"
	End  Verb = "END"
)

// Op distinguishes the forms of SET.
type Op int

const (
	OpNone Op = iota
	OpEnable
	OpSetpoint
	OpAdjust
)

type Command struct {
	Verb    Verb
	Channel string // upper-cased
	Op      Op
	Enable  bool
	Value   int // setpoint, adjustment or duty percent
}

func (c Command) String() string {
	switch {
	case c.Verb == Set && c.Op == OpEnable:
		if c.Enable {
			return fmt.Sprintf("SET %s ON", c.Channel)
		}
		return fmt.Sprintf("SET %s OFF", c.Channel)
	case c.Verb == Set && c.Op == OpAdjust:
		return fmt.Sprintf("SET %s %+d", c.Channel, c.Value)
	case c.Verb == Set || c.Verb == Duty:
		return fmt.Sprintf("%s %s %d", c.Verb, c.Channel, c.Value)
	default:
		return string(c.Verb)
	}
}

// Parse reads one command line. Errors wrap faults.ErrProtocol.
func Parse(text string) (Command, error) {
	fields := strings.Fields(strings.ToUpper(text))
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("%w: empty command", faults.ErrProtocol)
	}
	verb := Verb(fields[0])
	args := fields[1:]

	switch verb {
	case Stat, End:
		if len(args) != 0 {
			return Command{}, fmt.Errorf("%w: %s takes no arguments", faults.ErrProtocol, verb)
		}
		return Command{Verb: verb}, nil

	case Set:
		if len(args) != 2 {
			return Command{}, fmt.Errorf("%w: usage: SET <name> ON|OFF|<int>|+<int>|-<int>", faults.ErrProtocol)
		}
		cmd := Command{Verb: Set, Channel: args[0]}
		switch v := args[1]; {
		case v == "ON" || v == "OFF":
			cmd.Op = OpEnable
			cmd.Enable = v == "ON"
		case strings.HasPrefix(v, "+") || strings.HasPrefix(v, "-"):
			n, err := strconv.Atoi(v)
			if err != nil {
				return Command{}, fmt.Errorf("%w: bad adjustment %q", faults.ErrProtocol, v)
			}
			cmd.Op = OpAdjust
			cmd.Value = n
		default:
			n, err := strconv.Atoi(v)
			if err != nil {
				return Command{}, fmt.Errorf("%w: bad setpoint %q", faults.ErrProtocol, v)
			}
			cmd.Op = OpSetpoint
			cmd.Value = n
		}
		return cmd, nil

	case Duty:
		if len(args) != 2 {
			return Command{}, fmt.Errorf("%w: usage: DUTY <name> <0-100>", faults.ErrProtocol)
		}
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 || n > 100 {
			return Command{}, fmt.Errorf("%w: duty %q must be 0-100", faults.ErrProtocol, args[1])
		}
		return Command{Verb: Duty, Channel: args[0], Value: n}, nil
	}
	return Command{}, fmt.Errorf("%w: unknown command %q", faults.ErrProtocol, fields[0])
}

// Response is the reply to one command: an acknowledgement, a status
// snapshot, or an error.
type Response struct {
	Status *model.Status
	Err    error
}

// OK is the plain acknowledgement.
func OK() Response {
	return Response{}
}

func StatusOf(s model.Status) Response {
	return Response{Status: &s}
}

func Error(err error) Response {
	return Response{Err: err}
}

// String renders the wire form: "OK", the status as JSON, or
// "ERROR: <reason>".
func (r Response) String() string {
	switch {
	case r.Err != nil:
		return "ERROR: " + reason(r.Err)
	case r.Status != nil:
		b, err := json.Marshal(r.Status)
		if err != nil {
			return "ERROR: " + err.Error()
		}
		return string(b)
	default:
		return "OK"
	}
}

// Reason is the error text without its fault kind, empty on success.
func (r Response) Reason() string {
	if r.Err == nil {
		return ""
	}
	return reason(r.Err)
}

// reason strips the fault kind prefix so the reply reads as a sentence.
func reason(err error) string {
	msg := err.Error()
	for _, kind := range []error{faults.ErrProtocol, faults.ErrConfig, faults.ErrTransport} {
		if p := kind.Error() + ": "; strings.HasPrefix(msg, p) {
			return strings.TrimPrefix(msg, p)
		}
	}
	return msg
}
