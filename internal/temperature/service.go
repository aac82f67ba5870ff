// Package temperature samples the configured DS18B20 sensors once per
// control tick and keeps the last good value of each.
package temperature

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/seedling-controller/internal/ds18b20"
	"github.com/thatsimonsguy/seedling-controller/internal/model"
	"github.com/thatsimonsguy/seedling-controller/internal/notifications"
)

// powerOnCelsius is the scratchpad value of a sensor that lost power and has
// not converted since.
const powerOnCelsius = 85.0

// Sensor is one probe. *ds18b20.Dev satisfies it.
type Sensor interface {
	Sense(ctx context.Context) (float64, error)
	Resolution() ds18b20.Resolution
}

// Notifier delivers operator notices. Alert is used for failures.
type Notifier interface {
	Send(title, message string) error
	Alert(title, message string) error
}

type Options struct {
	Retries    int           // extra attempts per sensor per tick
	RetryDelay time.Duration // pause between attempts
	FaultAfter int           // consecutive failed ticks before the fault is reported
	MaxDelta   float64       // °F jump from the last good value held back until a second read confirms it, 0 disables
}

type history struct {
	last     model.SensorReading
	failures int
	reported bool

	// jumped is the last reading rejected for exceeding MaxDelta. A second
	// reading within MaxDelta of it confirms a real step change.
	jumped    float64
	hasJumped bool
}

type Service struct {
	names   []string
	sensors map[string]Sensor
	history map[string]*history
	mutex   sync.RWMutex
	opts    Options

	notifier Notifier
	now      func() time.Time
}

func NewService(names []string, sensors map[string]Sensor, opts Options) *Service {
	return NewServiceForTest(names, sensors, opts, &realNotifier{}, time.Now)
}

// NewServiceForTest creates a service with injectable dependencies for testing
func NewServiceForTest(names []string, sensors map[string]Sensor, opts Options, n Notifier, now func() time.Time) *Service {
	s := &Service{
		names:    names,
		sensors:  sensors,
		history:  make(map[string]*history, len(names)),
		opts:     opts,
		notifier: n,
		now:      now,
	}
	for _, name := range names {
		s.history[name] = &history{}
	}
	return s
}

type realNotifier struct{}

func (r *realNotifier) Send(title, message string) error {
	return notifications.Send(title, message)
}

func (r *realNotifier) Alert(title, message string) error {
	return notifications.Alert(title, message)
}

// Sample reads every sensor in configuration order. Sensors are read one
// after another; each read takes the bus lock on its own.
func (s *Service) Sample(ctx context.Context) map[string]model.SensorReading {
	out := make(map[string]model.SensorReading, len(s.names))
	for _, name := range s.names {
		out[name] = s.sample(ctx, name)
	}
	return out
}

func (s *Service) sample(ctx context.Context, name string) model.SensorReading {
	dev := s.sensors[name]
	var (
		temp float64
		err  error
	)
	for attempt := 0; attempt <= s.opts.Retries; attempt++ {
		if attempt > 0 {
			log.Warn().Err(err).Str("sensor", name).Int("attempt", attempt+1).Msg("Retrying sensor read")
			if s.opts.RetryDelay > 0 {
				select {
				case <-ctx.Done():
					return s.process(name, 0, ctx.Err())
				case <-time.After(s.opts.RetryDelay):
				}
			}
		}
		var c float64
		c, err = dev.Sense(ctx)
		if err == nil {
			temp = ds18b20.Fahrenheit(c)
			if err = s.plausible(name, c, temp); err == nil {
				return s.process(name, temp, nil)
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	return s.process(name, temp, err)
}

func (s *Service) plausible(name string, celsius, temp float64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	h := s.history[name]
	last := h.last

	if celsius == powerOnCelsius && (!last.Valid || math.Abs(last.Temperature-temp) > 1) {
		return fmt.Errorf("sensor %s reports the power-on value", name)
	}
	if s.opts.MaxDelta <= 0 || !last.Valid || math.Abs(temp-last.Temperature) <= s.opts.MaxDelta {
		h.hasJumped = false
		return nil
	}
	if h.hasJumped && math.Abs(temp-h.jumped) <= s.opts.MaxDelta {
		log.Info().Str("sensor", name).Float64("from_f", last.Temperature).Float64("temp_f", temp).Msg("Step change confirmed by consecutive reads")
		h.hasJumped = false
		return nil
	}
	h.jumped = temp
	h.hasJumped = true
	return fmt.Errorf("sensor %s jumped %.1f°F from %.1f°F", name, temp-last.Temperature, last.Temperature)
}

// process folds one tick's outcome into the sensor history and returns the
// reading handed to the engine.
func (s *Service) process(name string, temp float64, err error) model.SensorReading {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	h := s.history[name]
	now := s.now()
	if err == nil {
		if h.reported {
			log.Info().Str("sensor", name).Float64("temp_f", temp).Msg("Sensor recovered")
			s.report(s.notifier.Send, "Seedling Sensor Recovery", fmt.Sprintf("%s: %.1f°F after %d failed reads", name, temp, h.failures))
		}
		h.failures = 0
		h.reported = false
		h.last = model.SensorReading{
			Sensor:      name,
			Temperature: temp,
			Resolution:  int(s.sensors[name].Resolution()),
			Timestamp:   now,
			Valid:       true,
		}
		log.Debug().Str("sensor", name).Float64("temp_f", temp).Msg("Temperature reading accepted")
		return h.last
	}

	h.failures++
	log.Warn().Err(err).Str("sensor", name).Int("failures", h.failures).Msg("Sensor read failed")
	if s.opts.FaultAfter > 0 && h.failures >= s.opts.FaultAfter && !h.reported {
		h.reported = true
		log.Error().Str("sensor", name).Int("failures", h.failures).Msg("Sensor failed, dependent channels forced off")
		msg := fmt.Sprintf("%s: %d consecutive failed reads", name, h.failures)
		if h.last.Valid {
			msg += fmt.Sprintf(" (last good: %.1f°F)", h.last.Temperature)
		}
		s.report(s.notifier.Alert, "Seedling Sensor Failure", msg)
	}

	if !h.last.Valid {
		return model.SensorReading{Sensor: name, Timestamp: now}
	}
	r := h.last
	r.Stale = true
	return r
}

func (s *Service) report(deliver func(title, message string) error, title, message string) {
	if err := deliver(title, message); err != nil {
		log.Error().Err(err).Msg("Failed to send sensor notification")
	}
}

// Readings returns the last good reading of every sensor that has one.
func (s *Service) Readings() map[string]model.SensorReading {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make(map[string]model.SensorReading)
	for k, h := range s.history {
		if h.last.Valid {
			result[k] = h.last
		}
	}
	return result
}
