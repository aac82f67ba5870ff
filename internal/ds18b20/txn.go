package ds18b20

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/thatsimonsguy/seedling-controller/internal/faults"
)

type phase uint8

const (
	phaseIdle phase = iota
	phaseSelected
	phaseIssued
	phaseAwaiting
	phaseComplete
	phaseFault
)

func (p phase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseSelected:
		return "selected"
	case phaseIssued:
		return "issued"
	case phaseAwaiting:
		return "awaiting"
	case phaseComplete:
		return "complete"
	default:
		return "fault"
	}
}

// txn is one select, command, complete exchange with a single device. Each
// step is a no-op once the txn has faulted, so a sequence of steps can be
// written straight through and the error checked once at the end.
type txn struct {
	d     *Dev
	phase phase
	err   error
}

func (d *Dev) begin() *txn {
	return &txn{d: d}
}

func (t *txn) fail(err error) {
	if t.err == nil {
		t.err = err
	}
	t.phase = phaseFault
}

func (t *txn) expect(p phase, step string) bool {
	if t.err != nil {
		return false
	}
	if t.phase != p {
		t.fail(fmt.Errorf("ds18b20 %s: %s while %s", t.d, step, t.phase))
		return false
	}
	return true
}

// selectDevice resets the wire and addresses the device, by ROM match or by
// skip ROM when it is the only one on the bus.
func (t *txn) selectDevice() {
	if !t.expect(phaseIdle, "select") {
		return
	}
	present, err := t.d.bus.Reset()
	if err != nil {
		t.fail(err)
		return
	}
	if !present {
		t.fail(fmt.Errorf("%w: ds18b20 %s: no presence pulse", faults.ErrTransport, t.d))
		return
	}
	if t.d.skip {
		t.writeRaw(cmdSkipROM, false)
	} else {
		t.writeRaw(cmdMatchROM, false)
		rom := romBytes(t.d.addr)
		for _, b := range rom {
			t.writeRaw(b, false)
		}
	}
	if t.err == nil {
		t.phase = phaseSelected
	}
}

// issue sends a function command to the selected device.
func (t *txn) issue(cmd byte, strongPullup bool) {
	if !t.expect(phaseSelected, "issue") {
		return
	}
	t.writeRaw(cmd, strongPullup)
	if t.err == nil {
		t.phase = phaseIssued
	}
}

func (t *txn) write(b ...byte) {
	if !t.expect(phaseIssued, "write") {
		return
	}
	for _, v := range b {
		t.writeRaw(v, false)
	}
}

func (t *txn) read(buf []byte) {
	if !t.expect(phaseIssued, "read") {
		return
	}
	for i := range buf {
		v, err := t.d.bus.ReadByte()
		if err != nil {
			t.fail(err)
			return
		}
		buf[i] = v
	}
}

func (t *txn) readBit() bool {
	if !t.expect(phaseIssued, "read bit") {
		return false
	}
	bit, err := t.d.bus.ReadBit()
	if err != nil {
		t.fail(err)
	}
	return bit
}

func (t *txn) writeRaw(b byte, strongPullup bool) {
	if t.err != nil {
		return
	}
	if err := t.d.bus.WriteByte(b, strongPullup); err != nil {
		t.fail(err)
	}
}

// awaitSleep waits a fixed time with the line held by strong pull-up. The
// bus stays addressed, so the caller keeps the bus lock throughout.
func (t *txn) awaitSleep(ctx context.Context, d time.Duration) {
	if !t.expect(phaseIssued, "await") {
		return
	}
	t.phase = phaseAwaiting
	if err := ctx.Err(); err != nil {
		t.fail(err)
		return
	}
	sleep(d)
	t.phase = phaseComplete
}

// awaitBit polls read slots until the device answers 1, taking the bus
// lock only around each slot. The poll count is bounded by budget.
func (t *txn) awaitBit(ctx context.Context, lk sync.Locker, interval time.Duration, budget int) {
	if !t.expect(phaseIssued, "await") {
		return
	}
	t.phase = phaseAwaiting
	for i := 0; i < budget; i++ {
		if err := ctx.Err(); err != nil {
			t.fail(err)
			return
		}
		sleep(interval)
		lk.Lock()
		done, err := t.d.bus.ReadBit()
		lk.Unlock()
		if err != nil {
			t.fail(err)
			return
		}
		if done {
			t.phase = phaseComplete
			return
		}
	}
	t.fail(fmt.Errorf("%w: ds18b20 %s: not complete after %d polls", faults.ErrTransport, t.d, budget))
}

// finish closes the exchange and returns its error, if any.
func (t *txn) finish() error {
	if t.err != nil {
		return t.err
	}
	t.phase = phaseComplete
	return nil
}
