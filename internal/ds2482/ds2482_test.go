package ds2482

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/i2c/i2ctest"

	"github.com/thatsimonsguy/seedling-controller/internal/faults"
)

var initOps = []i2ctest.IO{
	{Addr: 0x18, W: []byte{0xf0}},
	{Addr: 0x18, W: []byte{0xe1, 0xf0}, R: []byte{0x18}},
	{Addr: 0x18, W: []byte{0xd2, 0xe1}, R: []byte{0x01}},
}

func newTestDev(t *testing.T, ops ...i2ctest.IO) (*Dev, *i2ctest.Playback) {
	t.Helper()
	sleep = func(time.Duration) {}
	t.Cleanup(func() { sleep = time.Sleep })

	bus := &i2ctest.Playback{Ops: append(append([]i2ctest.IO{}, initOps...), ops...), DontPanic: true}
	opts := DefaultOpts
	opts.PollBudget = 3
	d, err := New(bus, DefaultAddress, &opts)
	require.NoError(t, err)
	return d, bus
}

func TestEncodeConfig(t *testing.T) {
	assert.Equal(t, byte(0xe1), encodeConfig(confActivePullup))
	assert.Equal(t, byte(0xa5), encodeConfig(confActivePullup|confStrongPullup))
	assert.Equal(t, byte(0x78), encodeConfig(confOverdrive))
	assert.Equal(t, byte(0xf0), encodeConfig(0))
}

func TestNewRejectsSilentBridge(t *testing.T) {
	bus := &i2ctest.Playback{Ops: []i2ctest.IO{
		{Addr: 0x18, W: []byte{0xf0}},
		{Addr: 0x18, W: []byte{0xe1, 0xf0}, R: []byte{0x00}},
	}, DontPanic: true}

	_, err := New(bus, DefaultAddress, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrTransport)
	require.NoError(t, bus.Close())
}

func TestNewRejectsBadConfigReadback(t *testing.T) {
	bus := &i2ctest.Playback{Ops: []i2ctest.IO{
		initOps[0],
		initOps[1],
		{Addr: 0x18, W: []byte{0xd2, 0xe1}, R: []byte{0x00}},
	}, DontPanic: true}

	_, err := New(bus, DefaultAddress, nil)
	assert.ErrorIs(t, err, faults.ErrTransport)
}

func TestResetPresence(t *testing.T) {
	d, bus := newTestDev(t,
		i2ctest.IO{Addr: 0x18, W: []byte{0xb4}},
		i2ctest.IO{Addr: 0x18, R: []byte{0x01}},
		i2ctest.IO{Addr: 0x18, R: []byte{0x0a}},
		i2ctest.IO{Addr: 0x18, W: []byte{0xb4}},
		i2ctest.IO{Addr: 0x18, R: []byte{0x08}},
	)

	present, err := d.Reset()
	require.NoError(t, err)
	assert.True(t, present)

	present, err = d.Reset()
	require.NoError(t, err)
	assert.False(t, present)
	require.NoError(t, bus.Close())
}

func TestResetShort(t *testing.T) {
	d, _ := newTestDev(t,
		i2ctest.IO{Addr: 0x18, W: []byte{0xb4}},
		i2ctest.IO{Addr: 0x18, R: []byte{0x06}},
	)

	_, err := d.Reset()
	assert.ErrorIs(t, err, faults.ErrTransport)
}

func TestBusyBudgetExhausted(t *testing.T) {
	d, bus := newTestDev(t,
		i2ctest.IO{Addr: 0x18, W: []byte{0xa5, 0xcc}},
		i2ctest.IO{Addr: 0x18, R: []byte{0x01}},
		i2ctest.IO{Addr: 0x18, R: []byte{0x01}},
		i2ctest.IO{Addr: 0x18, R: []byte{0x01}},
	)

	err := d.WriteByte(0xcc, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrTransport)
	require.NoError(t, bus.Close())
}

func TestWriteByteStrongPullup(t *testing.T) {
	d, bus := newTestDev(t,
		i2ctest.IO{Addr: 0x18, W: []byte{0xd2, 0xa5}, R: []byte{0x05}},
		i2ctest.IO{Addr: 0x18, W: []byte{0xa5, 0x44}},
		i2ctest.IO{Addr: 0x18, R: []byte{0x00}},
	)

	require.NoError(t, d.WriteByte(0x44, true))
	assert.False(t, d.Config().StrongPullup)
	require.NoError(t, bus.Close())
}

func TestReadByte(t *testing.T) {
	d, bus := newTestDev(t,
		i2ctest.IO{Addr: 0x18, W: []byte{0x96}},
		i2ctest.IO{Addr: 0x18, R: []byte{0x01}},
		i2ctest.IO{Addr: 0x18, R: []byte{0x00}},
		i2ctest.IO{Addr: 0x18, W: []byte{0xe1, 0xe1}, R: []byte{0x5a}},
	)

	b, err := d.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x5a), b)
	require.NoError(t, bus.Close())
}

func TestBits(t *testing.T) {
	d, bus := newTestDev(t,
		i2ctest.IO{Addr: 0x18, W: []byte{0x87, 0x80}},
		i2ctest.IO{Addr: 0x18, R: []byte{0x20}},
		i2ctest.IO{Addr: 0x18, W: []byte{0x87, 0x80}},
		i2ctest.IO{Addr: 0x18, R: []byte{0x00}},
		i2ctest.IO{Addr: 0x18, W: []byte{0x87, 0x00}},
		i2ctest.IO{Addr: 0x18, R: []byte{0x00}},
	)

	bit, err := d.ReadBit()
	require.NoError(t, err)
	assert.True(t, bit)

	bit, err = d.ReadBit()
	require.NoError(t, err)
	assert.False(t, bit)

	require.NoError(t, d.WriteBit(false, false))
	require.NoError(t, bus.Close())
}

func TestConfigureOverdrive(t *testing.T) {
	d, bus := newTestDev(t,
		i2ctest.IO{Addr: 0x18, W: []byte{0xd2, 0x69}, R: []byte{0x09}},
	)

	require.NoError(t, d.Configure(Config{ActivePullup: true, Overdrive: true}))
	assert.Equal(t, Config{ActivePullup: true, Overdrive: true}, d.Config())
	require.NoError(t, bus.Close())
}
