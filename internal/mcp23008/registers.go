package mcp23008

import (
	"fmt"

	"periph.io/x/conn/v3/i2c"

	"github.com/thatsimonsguy/seedling-controller/internal/faults"
)

// register is one 8-bit device register. Nothing is cached: every update
// reads the live byte first, since the device has no masked write and
// another process may have touched it.
type register struct {
	i2c  *i2c.Dev
	addr uint8
	name string
}

func (r register) read() (uint8, error) {
	var rx [1]byte
	if err := r.i2c.Tx([]byte{r.addr}, rx[:]); err != nil {
		return 0, fmt.Errorf("%w: mcp23008 read %s: %w", faults.ErrTransport, r.name, err)
	}
	return rx[0], nil
}

func (r register) write(v uint8) error {
	if err := r.i2c.Tx([]byte{r.addr, v}, nil); err != nil {
		return fmt.Errorf("%w: mcp23008 write %s: %w", faults.ErrTransport, r.name, err)
	}
	return nil
}

// update sets the bits selected by mask to the matching bits of data and
// leaves every other bit as read.
func (r register) update(mask, data uint8) error {
	v, err := r.read()
	if err != nil {
		return err
	}
	return r.write(merge(v, mask, data))
}

func merge(v, mask, data uint8) uint8 {
	return v&^mask | data&mask
}

const (
	regIODIR   = 0x00
	regIPOL    = 0x01
	regGPINTEN = 0x02
	regDEFVAL  = 0x03
	regINTCON  = 0x04
	regIOCON   = 0x05
	regGPPU    = 0x06
	regINTF    = 0x07
	regINTCAP  = 0x08
	regGPIO    = 0x09
	regOLAT    = 0x0a
)
