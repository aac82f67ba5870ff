// Package ds18b20 reads DS18B20 temperature sensors over a one-wire bus.
//
// A Dev addresses one sensor by its ROM code, or by skip ROM when it is the
// only device on the wire. Parasitically powered sensors get a strong
// pull-up for the full conversion time with the bus lock held; externally
// powered ones are polled for completion and the lock is released between
// polls.
package ds18b20

import (
	"context"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/onewire"

	"github.com/thatsimonsguy/seedling-controller/internal/faults"
)

// Bus is the set of one-wire primitives the driver uses. *ds2482.Dev
// satisfies it.
type Bus interface {
	Reset() (bool, error)
	WriteByte(b byte, strongPullup bool) error
	ReadByte() (byte, error)
	ReadBit() (bool, error)
}

// Opts configures a Dev.
type Opts struct {
	Resolution Resolution
	// SkipROM addresses the sensor without its ROM code. Only valid when it
	// is the sole device on the bus.
	SkipROM bool
	// Persist copies the scratchpad to EEPROM after a resolution change so
	// the setting survives a power cycle.
	Persist bool
	// PollInterval is the pause between completion polls for externally
	// powered sensors.
	PollInterval time.Duration
}

// DefaultOpts is 11-bit resolution, matched by ROM.
var DefaultOpts = Opts{
	Resolution:   Res11,
	PollInterval: 10 * time.Millisecond,
}

// Dev is one DS18B20 on a shared bus.
type Dev struct {
	bus       Bus
	lock      sync.Locker
	addr      onewire.Address
	skip      bool
	res       Resolution
	parasitic bool
	interval  time.Duration
}

// New probes the power mode of the sensor at addr and programs its
// resolution. lock serializes access to bus; it may be nil when nothing
// else shares the bus.
func New(bus Bus, lock sync.Locker, addr onewire.Address, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	if !opts.Resolution.Valid() {
		return nil, fmt.Errorf("%w: ds18b20 resolution %d, want 9..12", faults.ErrConfig, opts.Resolution)
	}
	if lock == nil {
		lock = nopLocker{}
	}
	d := &Dev{
		bus:      bus,
		lock:     lock,
		addr:     addr,
		skip:     opts.SkipROM,
		res:      opts.Resolution,
		interval: opts.PollInterval,
	}
	if d.interval <= 0 {
		d.interval = DefaultOpts.PollInterval
	}

	parasitic, err := d.readPowerSupply()
	if err != nil {
		return nil, err
	}
	d.parasitic = parasitic

	changed, err := d.SetResolution(opts.Resolution)
	if err != nil {
		return nil, err
	}
	if changed && opts.Persist {
		if err := d.CopyScratchpad(); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Dev) String() string {
	if d.skip {
		return "DS18B20{skip}"
	}
	return "DS18B20{" + FormatAddress(d.addr) + "}"
}

// Address is the ROM code the Dev was built with.
func (d *Dev) Address() onewire.Address {
	return d.addr
}

// Parasitic reports whether the sensor draws power from the data line.
func (d *Dev) Parasitic() bool {
	return d.parasitic
}

// Resolution is the resolution currently programmed.
func (d *Dev) Resolution() Resolution {
	return d.res
}

// Sense runs one conversion and returns the temperature in Celsius.
func (d *Dev) Sense(ctx context.Context) (float64, error) {
	conv, err := d.StartConversion()
	if err != nil {
		return 0, err
	}
	if err := conv.Wait(ctx); err != nil {
		return 0, err
	}
	spad, err := d.ReadScratchpad()
	if err != nil {
		return 0, err
	}
	return spad.Celsius(d.res), nil
}

// Conversion is an in-flight temperature conversion. Wait must be called
// once; for parasitic sensors the bus lock is held until it returns.
type Conversion struct {
	d       *Dev
	t       *txn
	holding bool
}

// StartConversion selects the device and issues Convert T.
func (d *Dev) StartConversion() (*Conversion, error) {
	d.lock.Lock()
	t := d.begin()
	t.selectDevice()
	t.issue(cmdConvert, d.parasitic)
	if t.err != nil {
		d.lock.Unlock()
		return nil, t.err
	}
	if !d.parasitic {
		d.lock.Unlock()
	}
	return &Conversion{d: d, t: t, holding: d.parasitic}, nil
}

// Wait blocks until the conversion is complete or its budget is spent.
func (c *Conversion) Wait(ctx context.Context) error {
	if c.t.phase == phaseComplete || c.t.phase == phaseFault {
		return c.t.err
	}
	conv := c.d.res.ConversionTime()
	if c.holding {
		defer c.d.lock.Unlock()
		c.t.awaitSleep(ctx, conv)
	} else {
		budget := int(2*conv/c.d.interval) + 1
		c.t.awaitBit(ctx, c.d.lock, c.d.interval, budget)
	}
	return c.t.finish()
}

// ReadScratchpad reads all 9 bytes and checks the CRC.
func (d *Dev) ReadScratchpad() (Scratchpad, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.readScratchpad()
}

func (d *Dev) readScratchpad() (Scratchpad, error) {
	var spad Scratchpad
	t := d.begin()
	t.selectDevice()
	t.issue(cmdReadScratchpad, false)
	t.read(spad[:])
	if err := t.finish(); err != nil {
		return spad, err
	}
	if !spad.Valid() {
		return spad, fmt.Errorf("%w: ds18b20 %s: scratchpad crc %#02x, computed %#02x",
			faults.ErrDataIntegrity, d, spad[8], CRC8(spad[:8]))
	}
	return spad, nil
}

// SetResolution programs r into the configuration byte, keeping the alarm
// bytes. It reports whether the device needed changing.
func (d *Dev) SetResolution(r Resolution) (bool, error) {
	if !r.Valid() {
		return false, fmt.Errorf("%w: ds18b20 resolution %d, want 9..12", faults.ErrConfig, r)
	}
	d.lock.Lock()
	defer d.lock.Unlock()

	spad, err := d.readScratchpad()
	if err != nil {
		return false, err
	}
	if spad.Resolution() == r {
		d.res = r
		return false, nil
	}
	th, tl := spad.Alarms()
	t := d.begin()
	t.selectDevice()
	t.issue(cmdWriteScratchpad, false)
	t.write(th, tl, r.configByte())
	if err := t.finish(); err != nil {
		return false, err
	}

	spad, err = d.readScratchpad()
	if err != nil {
		return false, err
	}
	if spad.Resolution() != r {
		return false, fmt.Errorf("%w: ds18b20 %s: resolution reads back %d, wrote %d",
			faults.ErrDataIntegrity, d, spad.Resolution(), r)
	}
	d.res = r
	return true, nil
}

// CopyScratchpad stores TH, TL and configuration to EEPROM.
func (d *Dev) CopyScratchpad() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	t := d.begin()
	t.selectDevice()
	t.issue(cmdCopyScratchpad, d.parasitic)
	t.awaitSleep(context.Background(), eepromWriteTime)
	return t.finish()
}

// RecallEEPROM reloads TH, TL and configuration from EEPROM into the
// scratchpad.
func (d *Dev) RecallEEPROM() error {
	d.lock.Lock()
	t := d.begin()
	t.selectDevice()
	t.issue(cmdRecallEEPROM, false)
	if t.err != nil {
		d.lock.Unlock()
		return t.err
	}
	d.lock.Unlock()
	t.awaitBit(context.Background(), d.lock, d.interval, 10)
	if err := t.finish(); err != nil {
		return err
	}
	spad, err := d.ReadScratchpad()
	if err != nil {
		return err
	}
	d.res = spad.Resolution()
	return nil
}

// readPowerSupply returns true when the device signals it is parasitic.
func (d *Dev) readPowerSupply() (bool, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	t := d.begin()
	t.selectDevice()
	t.issue(cmdReadPowerSupply, false)
	external := t.readBit()
	if err := t.finish(); err != nil {
		return false, err
	}
	return !external, nil
}

// ReadROM reads the ROM code of the only device on the bus.
func ReadROM(bus Bus) (onewire.Address, error) {
	present, err := bus.Reset()
	if err != nil {
		return 0, err
	}
	if !present {
		return 0, fmt.Errorf("%w: read rom: no presence pulse", faults.ErrTransport)
	}
	if err := bus.WriteByte(cmdReadROM, false); err != nil {
		return 0, err
	}
	var rom [8]byte
	for i := range rom {
		if rom[i], err = bus.ReadByte(); err != nil {
			return 0, err
		}
	}
	if !checkCRC(rom[:]) {
		return 0, fmt.Errorf("%w: read rom: crc %#02x, computed %#02x", faults.ErrDataIntegrity, rom[7], CRC8(rom[:7]))
	}
	var addr uint64
	for i := 7; i >= 0; i-- {
		addr = addr<<8 | uint64(rom[i])
	}
	return onewire.Address(addr), nil
}

type nopLocker struct{}

func (nopLocker) Lock()   {}
func (nopLocker) Unlock() {}

const (
	cmdReadROM  = 0x33
	cmdMatchROM = 0x55
	cmdSkipROM  = 0xcc

	cmdConvert         = 0x44
	cmdWriteScratchpad = 0x4e
	cmdReadScratchpad  = 0xbe
	cmdCopyScratchpad  = 0x48
	cmdRecallEEPROM    = 0xb8
	cmdReadPowerSupply = 0xb4

	eepromWriteTime = 10 * time.Millisecond
)

var sleep = time.Sleep
