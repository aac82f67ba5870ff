// Package ds2482 drives a one-wire bus through a DS2482-100 i2c bridge.
//
// Every primitive issues one bridge command and then busy-polls the status
// register until the bridge reports idle. The poll is bounded: once the
// budget is spent the primitive fails with faults.ErrTransport and the
// caller decides whether to retry. The Dev does no locking of its own;
// callers serialize access to the shared i2c bus.
package ds2482

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/i2c"

	"github.com/thatsimonsguy/seedling-controller/internal/faults"
)

// DefaultAddress is the bridge address with AD0 and AD1 tied low.
const DefaultAddress uint16 = 0x18

// Opts configures the bridge at construction.
type Opts struct {
	ActivePullup bool          // drive the line high actively on rising edges
	Overdrive    bool          // one-wire overdrive speed
	PollBudget   int           // status reads before a primitive is abandoned
	PollInterval time.Duration // pause between status reads
}

// DefaultOpts matches a short standard-speed bus with a few sensors on it.
var DefaultOpts = Opts{
	ActivePullup: true,
	PollBudget:   40,
	PollInterval: 100 * time.Microsecond,
}

// Config is the logical content of the bridge configuration register.
type Config struct {
	ActivePullup bool
	StrongPullup bool
	Overdrive    bool
}

func (c Config) bits() byte {
	var b byte
	if c.ActivePullup {
		b |= confActivePullup
	}
	if c.StrongPullup {
		b |= confStrongPullup
	}
	if c.Overdrive {
		b |= confOverdrive
	}
	return b
}

// encodeConfig builds the byte written to the configuration register: the
// upper nibble must be the one's complement of the lower nibble or the
// bridge ignores the write.
func encodeConfig(b byte) byte {
	return b&0x0f | (^b<<4)&0xf0
}

// Dev is a DS2482-100 bridge.
type Dev struct {
	i2c      *i2c.Dev
	conf     Config
	budget   int
	interval time.Duration
}

// New resets the bridge, confirms it answers and writes the initial
// configuration.
func New(b i2c.Bus, addr uint16, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	d := &Dev{
		i2c:      &i2c.Dev{Bus: b, Addr: addr},
		budget:   opts.PollBudget,
		interval: opts.PollInterval,
	}
	if d.budget <= 0 {
		d.budget = DefaultOpts.PollBudget
	}
	if err := d.MasterReset(); err != nil {
		return nil, err
	}
	if err := d.Configure(Config{ActivePullup: opts.ActivePullup, Overdrive: opts.Overdrive}); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dev) String() string {
	return fmt.Sprintf("DS2482-100{%s}", d.i2c)
}

// MasterReset resets the bridge itself, terminating any one-wire activity.
func (d *Dev) MasterReset() error {
	if err := d.i2c.Tx([]byte{cmdDeviceReset}, nil); err != nil {
		return fmt.Errorf("%w: ds2482 device reset: %w", faults.ErrTransport, err)
	}
	var st [1]byte
	if err := d.i2c.Tx([]byte{cmdSetReadPtr, regStatus}, st[:]); err != nil {
		return fmt.Errorf("%w: ds2482 status read: %w", faults.ErrTransport, err)
	}
	if st[0]&statusDeviceReset == 0 {
		return fmt.Errorf("%w: ds2482 did not report reset, status %#02x", faults.ErrTransport, st[0])
	}
	return nil
}

// Configure writes the configuration register and checks the read-back.
func (d *Dev) Configure(c Config) error {
	if err := d.writeConfig(c.bits()); err != nil {
		return err
	}
	// Strong pull-up self-clears after the next one-wire operation.
	c.StrongPullup = false
	d.conf = c
	return nil
}

// Config returns the configuration last written.
func (d *Dev) Config() Config {
	return d.conf
}

func (d *Dev) writeConfig(bits byte) error {
	var rb [1]byte
	if err := d.i2c.Tx([]byte{cmdWriteConfig, encodeConfig(bits)}, rb[:]); err != nil {
		return fmt.Errorf("%w: ds2482 write config: %w", faults.ErrTransport, err)
	}
	// Only the lower nibble reads back.
	if rb[0] != bits&0x0f {
		return fmt.Errorf("%w: ds2482 config wrote %#02x read %#02x", faults.ErrTransport, bits, rb[0])
	}
	return nil
}

// armStrongPullup makes the bridge drive the line hard after the next
// byte or bit completes, until the next one-wire command.
func (d *Dev) armStrongPullup() error {
	return d.writeConfig(d.conf.bits() | confStrongPullup)
}

// Reset issues a one-wire reset pulse and reports whether any device
// answered with a presence pulse.
func (d *Dev) Reset() (bool, error) {
	if err := d.command(cmd1WReset); err != nil {
		return false, err
	}
	st, err := d.waitIdle()
	if err != nil {
		return false, err
	}
	if st&statusShort != 0 {
		return false, fmt.Errorf("%w: one-wire bus short detected", faults.ErrTransport)
	}
	return st&statusPresence != 0, nil
}

// WriteBit writes one time slot. With strongPullup set the line is held
// hard high once the slot ends.
func (d *Dev) WriteBit(bit, strongPullup bool) error {
	if strongPullup {
		if err := d.armStrongPullup(); err != nil {
			return err
		}
	}
	var v byte
	if bit {
		v = 0x80
	}
	if err := d.command(cmd1WSingleBit, v); err != nil {
		return err
	}
	_, err := d.waitIdle()
	return err
}

// ReadBit generates a read time slot and returns the sampled level.
func (d *Dev) ReadBit() (bool, error) {
	if err := d.command(cmd1WSingleBit, 0x80); err != nil {
		return false, err
	}
	st, err := d.waitIdle()
	if err != nil {
		return false, err
	}
	return st&statusSingleBit != 0, nil
}

// WriteByte writes b LSB first. With strongPullup set the line is held
// hard high once the byte ends, which parasitically powered devices need
// during conversions and EEPROM writes.
func (d *Dev) WriteByte(b byte, strongPullup bool) error {
	if strongPullup {
		if err := d.armStrongPullup(); err != nil {
			return err
		}
	}
	if err := d.command(cmd1WWriteByte, b); err != nil {
		return err
	}
	_, err := d.waitIdle()
	return err
}

// ReadByte reads 8 time slots and returns the assembled byte.
func (d *Dev) ReadByte() (byte, error) {
	if err := d.command(cmd1WReadByte); err != nil {
		return 0, err
	}
	if _, err := d.waitIdle(); err != nil {
		return 0, err
	}
	var r [1]byte
	if err := d.i2c.Tx([]byte{cmdSetReadPtr, regData}, r[:]); err != nil {
		return 0, fmt.Errorf("%w: ds2482 data read: %w", faults.ErrTransport, err)
	}
	return r[0], nil
}

// Status reads the status register without issuing a one-wire command.
func (d *Dev) Status() (byte, error) {
	var st [1]byte
	if err := d.i2c.Tx([]byte{cmdSetReadPtr, regStatus}, st[:]); err != nil {
		return 0, fmt.Errorf("%w: ds2482 status read: %w", faults.ErrTransport, err)
	}
	return st[0], nil
}

func (d *Dev) command(w ...byte) error {
	if err := d.i2c.Tx(w, nil); err != nil {
		return fmt.Errorf("%w: ds2482 command %#02x: %w", faults.ErrTransport, w[0], err)
	}
	return nil
}

// waitIdle polls the status register, which the bridge selects
// automatically after every one-wire command, until the busy bit clears.
func (d *Dev) waitIdle() (byte, error) {
	for i := 0; i < d.budget; i++ {
		var st [1]byte
		if err := d.i2c.Tx(nil, st[:]); err != nil {
			return 0, fmt.Errorf("%w: ds2482 status poll: %w", faults.ErrTransport, err)
		}
		if st[0]&statusBusy == 0 {
			return st[0], nil
		}
		sleep(d.interval)
	}
	return 0, fmt.Errorf("%w: ds2482 still busy after %d polls", faults.ErrTransport, d.budget)
}

const (
	cmdDeviceReset = 0xf0
	cmdSetReadPtr  = 0xe1
	cmdWriteConfig = 0xd2
	cmd1WReset     = 0xb4
	cmd1WSingleBit = 0x87
	cmd1WWriteByte = 0xa5
	cmd1WReadByte  = 0x96

	regStatus = 0xf0
	regData   = 0xe1

	statusBusy        = 0x01
	statusPresence    = 0x02
	statusShort       = 0x04
	statusDeviceReset = 0x10
	statusSingleBit   = 0x20

	confActivePullup = 0x01
	confStrongPullup = 0x04
	confOverdrive    = 0x08
)

var sleep = time.Sleep
