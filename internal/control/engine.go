// Package control holds the per-channel control state and turns it, once
// per tick, into a single relay mask for the whole bank.
//
// The Engine is not safe for concurrent use. The scheduler loop owns it and
// is the only caller; other goroutines read published Status copies.
package control

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/seedling-controller/internal/command"
	"github.com/thatsimonsguy/seedling-controller/internal/faults"
	"github.com/thatsimonsguy/seedling-controller/internal/model"
)

// Options are the engine's limits and timings, shared by every channel.
type Options struct {
	DutyPeriod    time.Duration
	SetpointMin   float64
	SetpointMax   float64
	FaultOffAfter int // failed ticks before a hysteresis channel is forced off, 0 disables
}

// Engine owns every channel and the committed relay mask. It is not safe
// for concurrent use; the control loop is its only caller.
type Engine struct {
	channels []*model.Channel
	byName   map[string]*model.Channel
	ports    model.RelayMask
	relays   model.RelayMask
	opts     Options
}

// New indexes channels by upper-cased name and rejects duplicate names or
// shared relay ports.
func New(channels []*model.Channel, opts Options) (*Engine, error) {
	e := &Engine{
		channels: channels,
		byName:   make(map[string]*model.Channel, len(channels)),
		opts:     opts,
	}
	for _, ch := range channels {
		key := strings.ToUpper(ch.Name)
		if _, dup := e.byName[key]; dup {
			return nil, fmt.Errorf("%w: duplicate channel %q", faults.ErrConfig, ch.Name)
		}
		if ch.Mask&e.ports != 0 {
			return nil, fmt.Errorf("%w: channel %q shares a relay port", faults.ErrConfig, ch.Name)
		}
		e.byName[key] = ch
		e.ports |= ch.Mask
	}
	return e, nil
}

// Ports is the mask of every relay owned by a channel.
func (e *Engine) Ports() model.RelayMask {
	return e.ports
}

// Relays is the mask committed by the last completed tick.
func (e *Engine) Relays() model.RelayMask {
	return e.relays
}

func (e *Engine) Channels() []*model.Channel {
	return e.channels
}

func (e *Engine) lookup(name string) (*model.Channel, error) {
	ch, ok := e.byName[strings.ToUpper(name)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown channel %q", faults.ErrProtocol, name)
	}
	return ch, nil
}

// Observe records this tick's sensor readings, keyed by sensor name. The
// first fresh reading of a channel's group drives control. With none the
// last value is kept, marked stale, and the fault count grows.
func (e *Engine) Observe(readings map[string]model.SensorReading) {
	for _, ch := range e.channels {
		if len(ch.Sensors) == 0 {
			continue
		}
		ch.Readings = ch.Readings[:0]
		var fresh, retained *model.SensorReading
		for _, name := range ch.Sensors {
			r, ok := readings[name]
			if !ok {
				continue
			}
			ch.Readings = append(ch.Readings, r)
			rr := r
			switch {
			case r.Valid && !r.Stale && fresh == nil:
				fresh = &rr
			case r.Valid && retained == nil:
				retained = &rr
			}
		}
		switch {
		case fresh != nil:
			if ch.Faults > 0 {
				log.Info().Str("channel", ch.Name).Int("failed_ticks", ch.Faults).Msg("Channel temperature recovered")
			}
			ch.Temperature = *fresh
			ch.Faults = 0
		case retained != nil:
			ch.Temperature = *retained
			ch.Temperature.Stale = true
			ch.Faults++
		default:
			ch.Temperature.Stale = true
			ch.Faults++
		}
	}
}

// Evaluate computes the next relay mask from channel state. Nothing is
// changed until Commit.
func (e *Engine) Evaluate(now time.Time) model.RelayMask {
	var mask model.RelayMask
	elapsed := elapsedInPeriod(now, e.opts.DutyPeriod)
	for _, ch := range e.channels {
		if ch.HasPort() && e.wantOn(ch, elapsed) {
			mask |= ch.Mask
		}
	}
	return mask
}

func (e *Engine) wantOn(ch *model.Channel, elapsed time.Duration) bool {
	if !ch.Enabled {
		return false
	}
	switch ch.Strategy {
	case model.StrategyDutyCycle:
		return DutyCycle(ch.Duty, elapsed, e.opts.DutyPeriod)
	case model.StrategyHysteresis:
		if !ch.HasSetpoint || !ch.Temperature.Valid {
			return false
		}
		if e.opts.FaultOffAfter > 0 && ch.Faults >= e.opts.FaultOffAfter {
			return false
		}
		return Hysteresis(ch.Relay, ch.Temperature.Temperature, ch.Setpoint, ch.Band)
	}
	return false
}

// Commit records mask as written to the bank.
func (e *Engine) Commit(mask model.RelayMask) {
	mask &= e.ports
	for _, ch := range e.channels {
		if !ch.HasPort() {
			continue
		}
		on := mask&ch.Mask != 0
		if on != ch.Relay {
			log.Info().Str("channel", ch.Name).Bool("relay", on).Msg("Relay changed")
		}
		ch.Relay = on
	}
	e.relays = mask
}

// Snapshot copies the state of every channel.
func (e *Engine) Snapshot(now time.Time) model.Status {
	st := model.Status{
		Timestamp: now,
		Relays:    e.relays,
		Channels:  make([]model.ChannelStatus, 0, len(e.channels)),
	}
	for _, ch := range e.channels {
		st.Channels = append(st.Channels, ch.Status())
	}
	return st
}

// Schedule lists the turn-on offsets of the enabled duty-cycle channels.
func (e *Engine) Schedule() []model.DutyScheduleEvent {
	var events []model.DutyScheduleEvent
	for _, ch := range e.channels {
		if ch.Strategy != model.StrategyDutyCycle || !ch.HasPort() || !ch.Enabled || ch.Duty <= 0 {
			continue
		}
		events = append(events, model.DutyScheduleEvent{
			Channel: ch.Name,
			Offset:  TurnOnOffset(ch.Duty, e.opts.DutyPeriod),
			Period:  e.opts.DutyPeriod,
		})
	}
	return events
}

// Apply executes STAT, SET and DUTY. Rejected commands leave every channel
// untouched. END is the scheduler's to handle.
func (e *Engine) Apply(cmd command.Command, now time.Time) command.Response {
	switch cmd.Verb {
	case command.Stat:
		return command.StatusOf(e.Snapshot(now))
	case command.Set:
		if err := e.set(cmd); err != nil {
			return command.Error(err)
		}
		return command.OK()
	case command.Duty:
		if err := e.duty(cmd); err != nil {
			return command.Error(err)
		}
		return command.OK()
	}
	return command.Error(fmt.Errorf("%w: %s not handled by the engine", faults.ErrProtocol, cmd.Verb))
}

func (e *Engine) set(cmd command.Command) error {
	ch, err := e.lookup(cmd.Channel)
	if err != nil {
		return err
	}
	if !ch.HasPort() {
		return fmt.Errorf("%w: channel %s has no relay", faults.ErrProtocol, ch.Name)
	}

	switch cmd.Op {
	case command.OpEnable:
		ch.Enabled = cmd.Enable
		return nil
	case command.OpSetpoint, command.OpAdjust:
		if ch.Strategy != model.StrategyHysteresis {
			return fmt.Errorf("%w: channel %s is duty-cycle, use DUTY", faults.ErrProtocol, ch.Name)
		}
		sp := float64(cmd.Value)
		if cmd.Op == command.OpAdjust {
			if !ch.HasSetpoint {
				return fmt.Errorf("%w: channel %s has no setpoint to adjust", faults.ErrProtocol, ch.Name)
			}
			sp = ch.Setpoint + float64(cmd.Value)
		}
		if err := e.checkSetpoint(sp); err != nil {
			return err
		}
		ch.Setpoint = sp
		ch.HasSetpoint = true
		return nil
	}
	return fmt.Errorf("%w: malformed SET", faults.ErrProtocol)
}

func (e *Engine) duty(cmd command.Command) error {
	ch, err := e.lookup(cmd.Channel)
	if err != nil {
		return err
	}
	if !ch.HasPort() {
		return fmt.Errorf("%w: channel %s has no relay", faults.ErrProtocol, ch.Name)
	}
	if ch.Strategy != model.StrategyDutyCycle {
		return fmt.Errorf("%w: channel %s is hysteresis, use SET", faults.ErrProtocol, ch.Name)
	}
	if cmd.Value < 0 || cmd.Value > 100 {
		return fmt.Errorf("%w: duty %d must be 0-100", faults.ErrProtocol, cmd.Value)
	}
	ch.Duty = float64(cmd.Value) / 100
	return nil
}

func (e *Engine) checkSetpoint(sp float64) error {
	if e.opts.SetpointMin == 0 && e.opts.SetpointMax == 0 {
		return nil
	}
	if sp < e.opts.SetpointMin || sp > e.opts.SetpointMax {
		return fmt.Errorf("%w: setpoint %g outside %g-%g", faults.ErrProtocol, sp, e.opts.SetpointMin, e.opts.SetpointMax)
	}
	return nil
}

// Preset applies a startup default. For a duty-cycle channel value is the
// duty percentage, otherwise the setpoint.
func (e *Engine) Preset(name string, value float64, enabled bool) error {
	ch, ok := e.byName[strings.ToUpper(name)]
	if !ok {
		return fmt.Errorf("%w: unknown channel %q", faults.ErrConfig, name)
	}
	if !ch.HasPort() {
		return fmt.Errorf("%w: channel %s has no relay", faults.ErrConfig, ch.Name)
	}
	switch ch.Strategy {
	case model.StrategyDutyCycle:
		if value < 0 || value > 100 {
			return fmt.Errorf("%w: channel %s duty %g must be 0-100", faults.ErrConfig, ch.Name, value)
		}
		ch.Duty = value / 100
	default:
		if math.IsNaN(value) || e.checkSetpoint(value) != nil {
			return fmt.Errorf("%w: channel %s setpoint %g out of range", faults.ErrConfig, ch.Name, value)
		}
		ch.Setpoint = value
		ch.HasSetpoint = true
	}
	ch.Enabled = enabled
	return nil
}
