package model

import "time"

type Strategy string

const (
	StrategyHysteresis Strategy = "hysteresis"
	StrategyDutyCycle  Strategy = "duty_cycle"
)

// RelayMask is a relay bank bitmask, bit set = relay energized.
type RelayMask uint8

func PortMask(port int) RelayMask {
	return RelayMask(1) << uint(port)
}

type SensorReading struct {
	Sensor      string    `json:"sensor"`
	Temperature float64   `json:"temperature"` // Fahrenheit
	Resolution  int       `json:"resolution"`
	Timestamp   time.Time `json:"timestamp"`
	Valid       bool      `json:"valid"`
	Stale       bool      `json:"stale"`
}

type Channel struct {
	Name        string
	Mask        RelayMask // zero for an auxiliary, read-only channel
	Sensors     []string  // the first valid reading drives control
	Strategy    Strategy
	Enabled     bool
	Setpoint    float64
	HasSetpoint bool
	Band        float64
	Duty        float64
	Temperature SensorReading
	Readings    []SensorReading
	Relay       bool
	Faults      int // consecutive ticks without a valid reading
}

func (c *Channel) HasPort() bool {
	return c.Mask != 0
}

type ChannelStatus struct {
	Name        string          `json:"name"`
	Strategy    Strategy        `json:"strategy"`
	Auxiliary   bool            `json:"auxiliary"`
	Enabled     bool            `json:"enabled"`
	Setpoint    *float64        `json:"setpoint"`
	Band        float64         `json:"band,omitempty"`
	Duty        float64         `json:"duty"`
	Temperature *float64        `json:"temperature"`
	Stale       bool            `json:"stale"`
	Relay       bool            `json:"relay"`
	Readings    []SensorReading `json:"readings,omitempty"`
}

func (c *Channel) Status() ChannelStatus {
	st := ChannelStatus{
		Name:      c.Name,
		Strategy:  c.Strategy,
		Auxiliary: !c.HasPort(),
		Enabled:   c.Enabled,
		Band:      c.Band,
		Duty:      c.Duty,
		Stale:     c.Temperature.Stale,
		Relay:     c.Relay,
		Readings:  append([]SensorReading(nil), c.Readings...),
	}
	if c.HasSetpoint {
		sp := c.Setpoint
		st.Setpoint = &sp
	}
	if c.Temperature.Valid {
		t := c.Temperature.Temperature
		st.Temperature = &t
	}
	return st
}

// Status is a point-in-time copy of every channel, safe to hand to other
// goroutines.
type Status struct {
	Timestamp time.Time       `json:"timestamp"`
	Relays    RelayMask       `json:"relays"`
	Channels  []ChannelStatus `json:"channels"`
}

func (s Status) Channel(name string) (ChannelStatus, bool) {
	for _, c := range s.Channels {
		if c.Name == name {
			return c, true
		}
	}
	return ChannelStatus{}, false
}

// DutyScheduleEvent is when a duty-cycle channel switches on within its
// repeating period.
type DutyScheduleEvent struct {
	Channel string        `json:"channel"`
	Offset  time.Duration `json:"offset"`
	Period  time.Duration `json:"period"`
}
