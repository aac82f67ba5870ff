package control

import "time"

// Hysteresis is the dead-band thermostat: on below setpoint-band, off at or
// above setpoint+band, and prev anywhere in between.
func Hysteresis(prev bool, temp, setpoint, band float64) bool {
	switch {
	case temp < setpoint-band:
		return true
	// Off at exactly setpoint+band: 71 must turn a 70±1 channel off.
	case temp >= setpoint+band:
		return false
	}
	return prev
}

// DutyCycle reports whether a relay with the given duty fraction is on at
// elapsed time into its period. The relay is off from the start of the
// period until TurnOnOffset and on from there to the end.
func DutyCycle(duty float64, elapsed, period time.Duration) bool {
	switch {
	case duty <= 0:
		return false
	case duty >= 1:
		return true
	}
	return elapsed >= TurnOnOffset(duty, period)
}

// TurnOnOffset is (1-duty)*period, clamped to the period.
func TurnOnOffset(duty float64, period time.Duration) time.Duration {
	if duty <= 0 {
		return period
	}
	if duty >= 1 {
		return 0
	}
	return time.Duration((1 - duty) * float64(period))
}

// elapsedInPeriod is the time since the last period boundary, with periods
// aligned to the Unix epoch so every channel's period starts together.
func elapsedInPeriod(now time.Time, period time.Duration) time.Duration {
	if period <= 0 {
		return 0
	}
	return time.Duration(now.UnixNano() % int64(period))
}
