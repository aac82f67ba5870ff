package ds18b20

import "time"

// Resolution is the number of significant temperature bits, 9 to 12.
type Resolution int

const (
	Res9  Resolution = 9
	Res10 Resolution = 10
	Res11 Resolution = 11
	Res12 Resolution = 12
)

// Valid reports whether r is one of the four supported resolutions.
func (r Resolution) Valid() bool {
	return r >= Res9 && r <= Res12
}

// ConversionTime is the worst case conversion latency at r.
func (r Resolution) ConversionTime() time.Duration {
	switch r {
	case Res9:
		return 100 * time.Millisecond
	case Res10:
		return 200 * time.Millisecond
	case Res11:
		return 375 * time.Millisecond
	default:
		return 750 * time.Millisecond
	}
}

// configByte is the scratchpad configuration register value for r.
func (r Resolution) configByte() byte {
	return byte(r-Res9)<<5 | 0x1f
}

// lowBits are the raw temperature bits left undefined at r.
func (r Resolution) lowBits() int16 {
	switch r {
	case Res9:
		return 0x07
	case Res10:
		return 0x03
	case Res11:
		return 0x01
	default:
		return 0x00
	}
}

func resolutionFromConfig(b byte) Resolution {
	return Res9 + Resolution(b>>5&0x03)
}

// Scratchpad is the 9-byte device memory: temperature LSB and MSB, alarm
// high (TH), alarm low (TL), configuration, three reserved bytes, CRC.
type Scratchpad [9]byte

// Valid reports whether the trailing CRC matches the first 8 bytes.
func (s Scratchpad) Valid() bool {
	return checkCRC(s[:])
}

// Resolution decodes the configuration byte.
func (s Scratchpad) Resolution() Resolution {
	return resolutionFromConfig(s[4])
}

// Alarms returns the TH and TL bytes.
func (s Scratchpad) Alarms() (th, tl byte) {
	return s[2], s[3]
}

// Celsius decodes the temperature at resolution r.
func (s Scratchpad) Celsius(r Resolution) float64 {
	return DecodeCelsius(s[0], s[1], r)
}

// DecodeCelsius converts the raw little-endian temperature bytes to degrees
// Celsius, discarding the bits that are undefined at resolution r.
func DecodeCelsius(lsb, msb byte, r Resolution) float64 {
	raw := int16(uint16(msb)<<8 | uint16(lsb))
	raw &^= r.lowBits()
	return float64(raw) / 16.0
}

// Fahrenheit converts degrees Celsius.
func Fahrenheit(c float64) float64 {
	return c*1.8 + 32
}
