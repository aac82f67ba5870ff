// Package mcp23008 drives relays wired to an MCP23008 i2c port expander.
//
// Relays are active low: a pin driven low energizes its relay. Callers see
// an active-high view (bit set = relay on) and the inversion happens here
// on both the read and the write path.
package mcp23008

import (
	"fmt"

	"periph.io/x/conn/v3/i2c"
)

// DefaultAddress is the expander address used by the relay board.
const DefaultAddress uint16 = 0x22

// Dev is an MCP23008 on an i2c bus. It does not lock; callers serialize
// access to the shared bus.
type Dev struct {
	i2c *i2c.Dev

	iodir register
	ipol  register
	gppu  register
	iocon register
	gpio  register
	olat  register
}

// New returns a Dev and puts IOCON into its power-on state (sequential
// addressing, active driver interrupt output).
func New(b i2c.Bus, addr uint16) (*Dev, error) {
	d := &i2c.Dev{Bus: b, Addr: addr}
	dev := &Dev{
		i2c:   d,
		iodir: register{i2c: d, addr: regIODIR, name: "IODIR"},
		ipol:  register{i2c: d, addr: regIPOL, name: "IPOL"},
		gppu:  register{i2c: d, addr: regGPPU, name: "GPPU"},
		iocon: register{i2c: d, addr: regIOCON, name: "IOCON"},
		gpio:  register{i2c: d, addr: regGPIO, name: "GPIO"},
		olat:  register{i2c: d, addr: regOLAT, name: "OLAT"},
	}
	if err := dev.iocon.write(0); err != nil {
		return nil, err
	}
	return dev, nil
}

func (d *Dev) String() string {
	return fmt.Sprintf("MCP23008{%s}", d.i2c)
}

// Start de-energizes every relay in mask and then makes the pins outputs,
// so no relay can pull in while the direction changes.
func (d *Dev) Start(mask uint8) error {
	if err := d.outputHigh(mask); err != nil {
		return err
	}
	return d.ConfigOutput(mask)
}

// Shutdown de-energizes every relay in mask and then releases the pins as
// inputs.
func (d *Dev) Shutdown(mask uint8) error {
	if err := d.outputHigh(mask); err != nil {
		return err
	}
	return d.ConfigInput(mask)
}

// SetRelays switches the relays under mask to the logical state in on:
// a set bit energizes the relay.
func (d *Dev) SetRelays(mask, on uint8) error {
	return d.olat.update(mask, ^on)
}

// Relays returns the logical relay state latched for the pins in mask.
func (d *Dev) Relays(mask uint8) (uint8, error) {
	v, err := d.olat.read()
	if err != nil {
		return 0, err
	}
	return ^v & mask, nil
}

// Input returns the logical level on the pins in mask, low reading as set.
func (d *Dev) Input(mask uint8) (uint8, error) {
	v, err := d.gpio.read()
	if err != nil {
		return 0, err
	}
	return ^v & mask, nil
}

// ConfigOutput makes the pins in mask outputs.
func (d *Dev) ConfigOutput(mask uint8) error {
	return d.iodir.update(mask, 0x00)
}

// ConfigInput makes the pins in mask inputs.
func (d *Dev) ConfigInput(mask uint8) error {
	return d.iodir.update(mask, 0xff)
}

// ConfigPullup enables or disables the 100k pull-ups on the pins in mask.
func (d *Dev) ConfigPullup(mask uint8, enable bool) error {
	return d.gppu.update(mask, fill(enable))
}

// ConfigInvert sets input polarity inversion on the pins in mask.
func (d *Dev) ConfigInvert(mask uint8, invert bool) error {
	return d.ipol.update(mask, fill(invert))
}

func (d *Dev) outputHigh(mask uint8) error {
	return d.olat.update(mask, 0xff)
}

func fill(b bool) uint8 {
	if b {
		return 0xff
	}
	return 0x00
}
