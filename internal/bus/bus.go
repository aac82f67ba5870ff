// Package bus owns the single i2c bus shared by the one-wire bridge and the
// relay expander.
//
// Drivers are built on Shared.Bus(), which refuses any transaction made
// while the arbiter lock is free. That turns a missing Lock into an error
// instead of an interleaved register access.
package bus

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

// ErrUnserialized is returned by a transaction attempted without holding
// the arbiter lock.
var ErrUnserialized = errors.New("bus: transaction without arbiter lock")

// Shared is the arbiter for one physical bus.
type Shared struct {
	mu     sync.Mutex
	raw    i2c.Bus
	guard  *guarded
	closer io.Closer
}

// New takes ownership of b. If b is an io.Closer, Close closes it.
func New(b i2c.Bus) *Shared {
	s := &Shared{raw: b}
	s.guard = &guarded{s: s}
	if c, ok := b.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// Bus is the handle drivers are constructed on.
func (s *Shared) Bus() i2c.Bus {
	return s.guard
}

// Lock acquires exclusive use of the bus.
func (s *Shared) Lock() {
	s.mu.Lock()
}

// Unlock releases the bus.
func (s *Shared) Unlock() {
	s.mu.Unlock()
}

// Do runs fn with the bus held.
func (s *Shared) Do(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

// Close releases the underlying bus.
func (s *Shared) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func (s *Shared) String() string {
	return fmt.Sprintf("shared(%s)", s.raw)
}

// guarded forwards to the raw bus only while the arbiter is held.
type guarded struct {
	s *Shared
}

func (g *guarded) String() string {
	return g.s.raw.String()
}

func (g *guarded) Tx(addr uint16, w, r []byte) error {
	if g.s.mu.TryLock() {
		g.s.mu.Unlock()
		return fmt.Errorf("%w: addr %#02x", ErrUnserialized, addr)
	}
	return g.s.raw.Tx(addr, w, r)
}

func (g *guarded) SetSpeed(f physic.Frequency) error {
	return g.s.raw.SetSpeed(f)
}
