// Package scheduler runs the control loop: a tick on every multiple of the
// cycle length, with the command queue served in between.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/seedling-controller/internal/command"
	"github.com/thatsimonsguy/seedling-controller/internal/control"
	"github.com/thatsimonsguy/seedling-controller/internal/datadog"
	"github.com/thatsimonsguy/seedling-controller/internal/faults"
	"github.com/thatsimonsguy/seedling-controller/internal/model"
)

// Sampler reads every configured sensor once. A failed sensor comes back
// invalid or stale; it never holds up the others.
type Sampler interface {
	Sample(ctx context.Context) map[string]model.SensorReading
}

// Actuator writes relay masks to the bank.
type Actuator interface {
	Apply(ports, on model.RelayMask) error
	Shutdown(ports model.RelayMask) error
}

// Sink receives history rows.
type Sink interface {
	RecordTemperature(ts time.Time, sensor string, temp float64) error
	RecordRelay(ts time.Time, channel string, duty float64, on bool) error
}

// Publisher receives the status after every tick and accepted command.
type Publisher interface {
	Publish(model.Status)
}

// DefaultsSaver persists operator settings after they change.
type DefaultsSaver interface {
	Save(channels []*model.Channel) error
}

type Loop struct {
	engine   *control.Engine
	sensors  Sampler
	relays   Actuator
	queue    *Queue
	cycle    time.Duration
	sinks    []Sink
	board    Publisher
	defaults DefaultsSaver

	now func() time.Time
}

type Option func(*Loop)

func WithSinks(sinks ...Sink) Option {
	return func(l *Loop) { l.sinks = append(l.sinks, sinks...) }
}

func WithPublisher(p Publisher) Option {
	return func(l *Loop) { l.board = p }
}

func WithDefaults(d DefaultsSaver) Option {
	return func(l *Loop) { l.defaults = d }
}

// New builds the loop. cycle must be positive.
func New(engine *control.Engine, sensors Sampler, relays Actuator, queue *Queue, cycle time.Duration, opts ...Option) (*Loop, error) {
	if cycle <= 0 {
		return nil, fmt.Errorf("%w: cycle %s must be positive", faults.ErrConfig, cycle)
	}
	l := &Loop{
		engine:  engine,
		sensors: sensors,
		relays:  relays,
		queue:   queue,
		cycle:   cycle,
		now:     time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// NextWake is the smallest multiple of cycle, counted from the Unix epoch,
// strictly after now. cycle must be positive.
func NextWake(now time.Time, cycle time.Duration) time.Time {
	n, c := now.UnixNano(), int64(cycle)
	q := n / c
	if n%c < 0 {
		q--
	}
	return time.Unix(0, (q+1)*c)
}

// Run ticks until an END command arrives, then de-energizes the bank and
// replies to it. ctx is passed to sensor reads only; stopping the loop
// from outside is done with Queue.Terminate so a relay write is never cut
// short.
func (l *Loop) Run(ctx context.Context) error {
	log.Info().Dur("cycle", l.cycle).Int("channels", len(l.engine.Channels())).Msg("Control loop starting")

	l.tick(ctx)
	for {
		if end := l.wait(NextWake(l.now(), l.cycle)); end != nil {
			err := l.shutdown()
			if err != nil {
				end.Reply <- command.Error(err)
			} else {
				end.Reply <- command.OK()
			}
			return err
		}
		l.tick(ctx)
	}
}

// wait serves commands until wake. It returns the END request if one
// arrives.
func (l *Loop) wait(wake time.Time) *Request {
	for {
		remaining := wake.Sub(l.now())
		if remaining <= 0 {
			return nil
		}
		timer := time.NewTimer(remaining)
		select {
		case req := <-l.queue.ch:
			timer.Stop()
			if l.handle(req) {
				return &req
			}
		case <-timer.C:
			return nil
		}
	}
}

// handle answers one request and reports whether it was END.
func (l *Loop) handle(req Request) bool {
	cmd, err := command.Parse(req.Text)
	if err != nil {
		log.Warn().Err(err).Str("command", req.Text).Msg("Rejected command")
		req.Reply <- command.Error(err)
		return false
	}
	if cmd.Verb == command.End {
		log.Info().Msg("END received")
		return true
	}

	now := l.now()
	resp := l.engine.Apply(cmd, now)
	if resp.Err != nil {
		log.Warn().Err(resp.Err).Str("command", cmd.String()).Msg("Rejected command")
		req.Reply <- resp
		return false
	}
	if cmd.Verb != command.Stat {
		log.Info().Str("command", cmd.String()).Msg("Command applied")
		l.publish(now)
		if l.defaults != nil {
			if err := l.defaults.Save(l.engine.Channels()); err != nil {
				log.Warn().Err(err).Msg("Failed to save channel defaults")
			}
		}
	}
	req.Reply <- resp
	return false
}

func (l *Loop) tick(ctx context.Context) {
	now := l.now()
	readings := l.sensors.Sample(ctx)
	l.engine.Observe(readings)

	next := l.engine.Evaluate(now)
	if err := l.relays.Apply(l.engine.Ports(), next); err != nil {
		log.Error().Err(err).Msg("Relay write failed, keeping previous relay state")
	} else {
		l.engine.Commit(next)
	}

	l.record(now, readings)
	l.publish(now)
}

func (l *Loop) record(now time.Time, readings map[string]model.SensorReading) {
	for name, r := range readings {
		if !r.Valid || r.Stale {
			datadog.Incr("sensor.fault", "sensor:"+name)
			continue
		}
		datadog.Gauge("sensor.temperature", r.Temperature, "sensor:"+name)
		for _, s := range l.sinks {
			if err := s.RecordTemperature(now, name, r.Temperature); err != nil {
				log.Warn().Err(err).Str("sensor", name).Msg("Failed to record temperature")
			}
		}
	}

	for _, ch := range l.engine.Channels() {
		tag := "channel:" + ch.Name
		if ch.Temperature.Valid {
			datadog.Gauge("channel.temperature", ch.Temperature.Temperature, tag)
		}
		if !ch.HasPort() {
			continue
		}
		datadog.Gauge("channel.relay", boolGauge(ch.Relay), tag)
		datadog.Gauge("channel.duty", ch.Duty, tag)
		for _, s := range l.sinks {
			if err := s.RecordRelay(now, ch.Name, ch.Duty, ch.Relay); err != nil {
				log.Warn().Err(err).Str("channel", ch.Name).Msg("Failed to record relay state")
			}
		}
	}
}

func (l *Loop) publish(now time.Time) {
	if l.board != nil {
		l.board.Publish(l.engine.Snapshot(now))
	}
}

func (l *Loop) shutdown() error {
	log.Info().Msg("De-energizing relay bank")
	err := l.relays.Shutdown(l.engine.Ports())
	if err != nil {
		log.Error().Err(err).Msg("Relay shutdown failed")
		return err
	}
	l.engine.Commit(0)
	l.publish(l.now())
	return nil
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
