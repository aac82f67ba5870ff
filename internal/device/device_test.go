package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2ctest"

	"github.com/thatsimonsguy/seedling-controller/internal/bus"
	"github.com/thatsimonsguy/seedling-controller/internal/model"
)

// fakeRelays touches the guarded bus on every call so an unlocked call
// fails with bus.ErrUnserialized.
type fakeRelays struct {
	b      i2c.Bus
	calls  []string
	olat   uint8
	output uint8
}

func (f *fakeRelays) touch(name string) error {
	f.calls = append(f.calls, name)
	return f.b.Tx(0x22, []byte{0x0a}, nil)
}

func (f *fakeRelays) Start(mask uint8) error {
	f.output |= mask
	return f.touch("start")
}

func (f *fakeRelays) Shutdown(mask uint8) error {
	f.output &^= mask
	f.olat &^= mask
	return f.touch("shutdown")
}

func (f *fakeRelays) SetRelays(mask, on uint8) error {
	f.olat = f.olat&^mask | on&mask
	return f.touch("set")
}

func (f *fakeRelays) Relays(mask uint8) (uint8, error) {
	return f.olat & mask, f.touch("read")
}

func newBank(t *testing.T, safe bool) (*Bank, *fakeRelays, *i2ctest.Record) {
	t.Helper()
	rec := &i2ctest.Record{}
	shared := bus.New(rec)
	f := &fakeRelays{b: shared.Bus()}
	return NewBank(f, shared, map[int]string{0: "A", 1: "B"}, safe), f, rec
}

func TestBankUnderArbiter(t *testing.T) {
	b, f, rec := newBank(t, false)
	ports := model.PortMask(0) | model.PortMask(1)

	require.NoError(t, b.Start(ports))
	require.NoError(t, b.Apply(ports, 0xff))
	on, err := b.State(ports)
	require.NoError(t, err)
	assert.Equal(t, ports, on)

	require.NoError(t, b.Apply(ports, model.PortMask(1)))
	on, err = b.State(ports)
	require.NoError(t, err)
	assert.Equal(t, model.PortMask(1), on)

	require.NoError(t, b.Halt(ports)())
	assert.Equal(t, []string{"start", "set", "read", "set", "read", "shutdown"}, f.calls)
	assert.Len(t, rec.Ops, 6)
	assert.Zero(t, f.olat)
}

func TestBankSafeModeSkipsWrites(t *testing.T) {
	b, f, rec := newBank(t, true)

	require.NoError(t, b.Start(0x03))
	require.NoError(t, b.Apply(0x03, 0x01))
	require.NoError(t, b.Shutdown(0x03))
	assert.Empty(t, f.calls)
	assert.Empty(t, rec.Ops)
}
