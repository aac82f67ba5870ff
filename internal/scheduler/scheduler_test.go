package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/seedling-controller/internal/control"
	"github.com/thatsimonsguy/seedling-controller/internal/faults"
	"github.com/thatsimonsguy/seedling-controller/internal/model"
)

type fakeSampler struct {
	mu     sync.Mutex
	calls  int
	series []float64 // successive readings for sensor S1
}

func (f *fakeSampler) Sample(context.Context) map[string]model.SensorReading {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := model.SensorReading{Sensor: "S1"}
	if f.calls < len(f.series) {
		r.Temperature = f.series[f.calls]
		r.Valid = true
	}
	f.calls++
	return map[string]model.SensorReading{"S1": r}
}

func (f *fakeSampler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeBank struct {
	mu        sync.Mutex
	writes    []model.RelayMask
	shutdowns int
	fail      bool
}

func (b *fakeBank) Apply(ports, on model.RelayMask) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return errors.New("nack")
	}
	b.writes = append(b.writes, on&ports)
	return nil
}

func (b *fakeBank) Shutdown(model.RelayMask) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shutdowns++
	return nil
}

type recordingSink struct {
	temps  int
	relays int
}

func (s *recordingSink) RecordTemperature(time.Time, string, float64) error {
	s.temps++
	return nil
}

func (s *recordingSink) RecordRelay(time.Time, string, float64, bool) error {
	s.relays++
	return nil
}

type lastStatus struct {
	mu sync.Mutex
	st model.Status
	n  int
}

func (p *lastStatus) Publish(s model.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.st = s
	p.n++
}

type countingSaver struct {
	mu    sync.Mutex
	saves int
}

func (c *countingSaver) Save([]*model.Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saves++
	return nil
}

func threeChannels(t *testing.T) *control.Engine {
	t.Helper()
	e, err := control.New([]*model.Channel{
		{Name: "A", Mask: model.PortMask(0), Sensors: []string{"S1"}, Strategy: model.StrategyHysteresis, Band: 1},
		{Name: "B", Mask: model.PortMask(1), Strategy: model.StrategyHysteresis, Band: 1},
		{Name: "C", Mask: model.PortMask(2), Strategy: model.StrategyDutyCycle},
	}, control.Options{DutyPeriod: 600 * time.Second, SetpointMin: 32, SetpointMax: 110})
	require.NoError(t, err)
	return e
}

func TestNextWake(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 1000; i++ {
		cycle := time.Duration(1+rng.Intn(600)) * time.Second
		if i%3 == 0 {
			cycle = time.Duration(1+rng.Intn(5000)) * time.Millisecond
		}
		now := time.Unix(0, rng.Int63n(2_000_000_000)*int64(time.Second)+rng.Int63n(int64(time.Second)))

		next := NextWake(now, cycle)
		assert.Zero(t, next.UnixNano()%int64(cycle), "now=%v cycle=%v", now, cycle)
		assert.True(t, next.After(now), "now=%v cycle=%v next=%v", now, cycle, next)
		assert.LessOrEqual(t, next.Sub(now), cycle)
	}

	exact := time.Unix(1700000000, 0)
	assert.Equal(t, exact.Add(5*time.Second), NextWake(exact, 5*time.Second))
}

func TestEndToEndHysteresis(t *testing.T) {
	e := threeChannels(t)
	require.NoError(t, e.Preset("A", 70, true))
	sampler := &fakeSampler{series: []float64{65, 71, 69}}
	bank := &fakeBank{}
	sink := &recordingSink{}
	l, err := New(e, sampler, bank, NewQueue(4, time.Second), 5*time.Second, WithSinks(sink))
	require.NoError(t, err)

	start := time.Unix(1700000000, 0)
	for i := 0; i < 3; i++ {
		now := start.Add(time.Duration(i) * 5 * time.Second)
		l.now = func() time.Time { return now }
		l.tick(context.Background())
	}

	require.Len(t, bank.writes, 3)
	var relayA []bool
	for _, m := range bank.writes {
		relayA = append(relayA, m&model.PortMask(0) != 0)
	}
	assert.Equal(t, []bool{true, false, false}, relayA)
	assert.Equal(t, 3, sink.temps)
	assert.Equal(t, 9, sink.relays)
}

func TestNewRejectsNonPositiveCycle(t *testing.T) {
	e := threeChannels(t)
	for _, cycle := range []time.Duration{0, -time.Second} {
		l, err := New(e, &fakeSampler{}, &fakeBank{}, NewQueue(1, time.Second), cycle)
		assert.ErrorIs(t, err, faults.ErrConfig)
		assert.Nil(t, l)
	}
}

func TestFailedWriteKeepsCommittedState(t *testing.T) {
	e := threeChannels(t)
	require.NoError(t, e.Preset("A", 70, true))
	bank := &fakeBank{fail: true}
	l, err := New(e, &fakeSampler{series: []float64{60}}, bank, NewQueue(1, time.Second), 5*time.Second)
	require.NoError(t, err)

	l.tick(context.Background())
	assert.Zero(t, e.Relays())
	assert.False(t, e.Channels()[0].Relay)
}

func startLoop(t *testing.T, e *control.Engine, opts ...Option) (*Loop, *fakeSampler, *fakeBank, chan error) {
	t.Helper()
	sampler := &fakeSampler{}
	bank := &fakeBank{}
	l, err := New(e, sampler, bank, NewQueue(2, 2*time.Second), time.Hour, opts...)
	require.NoError(t, err)
	// Pin the clock just past a cycle boundary so the loop sleeps an hour.
	pinned := time.Unix(3600*500000, 1)
	l.now = func() time.Time { return pinned }

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()
	return l, sampler, bank, done
}

func TestCommandsServedBetweenTicks(t *testing.T) {
	board := &lastStatus{}
	saver := &countingSaver{}
	l, sampler, bank, done := startLoop(t, threeChannels(t), WithPublisher(board), WithDefaults(saver))
	ctx := context.Background()

	resp, err := l.queue.Submit(ctx, "SET A 72")
	require.NoError(t, err)
	assert.Equal(t, "OK", resp.String())

	resp, err = l.queue.Submit(ctx, "set a +3")
	require.NoError(t, err)
	assert.Equal(t, "OK", resp.String())

	resp, err = l.queue.Submit(ctx, "STAT")
	require.NoError(t, err)
	require.NotNil(t, resp.Status)
	a, ok := resp.Status.Channel("A")
	require.True(t, ok)
	assert.Equal(t, 75.0, *a.Setpoint)

	resp, err = l.queue.Submit(ctx, "SET ZZZ 10")
	require.NoError(t, err)
	assert.ErrorIs(t, resp.Err, faults.ErrProtocol)

	resp, err = l.queue.Submit(ctx, "FROB")
	require.NoError(t, err)
	assert.ErrorIs(t, resp.Err, faults.ErrProtocol)

	// Only the startup tick ran; commands never fall through to a tick.
	assert.Equal(t, 1, sampler.count())

	require.NoError(t, l.queue.Terminate(ctx))
	require.NoError(t, <-done)

	bank.mu.Lock()
	assert.Equal(t, 1, bank.shutdowns)
	assert.Len(t, bank.writes, 1)
	bank.mu.Unlock()

	saver.mu.Lock()
	assert.Equal(t, 2, saver.saves)
	saver.mu.Unlock()

	board.mu.Lock()
	assert.Zero(t, board.st.Relays)
	board.mu.Unlock()
}

func TestQueueFull(t *testing.T) {
	q := NewQueue(1, 20*time.Millisecond)
	q.ch <- Request{Text: "STAT"}

	_, err := q.Submit(context.Background(), "STAT")
	assert.ErrorIs(t, err, faults.ErrQueueFull)
}
