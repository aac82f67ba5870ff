// Package device drives the relay bank for the control loop. Every bank
// access goes through the bus arbiter.
package device

import (
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/seedling-controller/internal/bus"
	"github.com/thatsimonsguy/seedling-controller/internal/model"
)

// Relays is the part of the MCP23008 driver the bank needs.
type Relays interface {
	Start(mask uint8) error
	Shutdown(mask uint8) error
	SetRelays(mask, on uint8) error
	Relays(mask uint8) (uint8, error)
}

// Bank drives the relay expander for the control loop, taking the bus lock
// for every register access.
type Bank struct {
	dev      Relays
	bus      *bus.Shared
	safeMode bool
	names    map[int]string
}

// NewBank wraps dev. names labels ports in log output. In safe mode
// writes are only logged.
func NewBank(dev Relays, b *bus.Shared, names map[int]string, safeMode bool) *Bank {
	return &Bank{dev: dev, bus: b, names: names, safeMode: safeMode}
}

// Start drives the used ports off and turns them into outputs.
func (b *Bank) Start(ports model.RelayMask) error {
	if b.safeMode {
		log.Warn().Uint8("ports", uint8(ports)).Msg("Safe mode: relay bank left untouched")
		return nil
	}
	log.Info().Uint8("ports", uint8(ports)).Msg("Activating relay bank outputs")
	return b.bus.Do(func() error { return b.dev.Start(uint8(ports)) })
}

// Apply writes on for the given ports in one read-modify-write.
func (b *Bank) Apply(ports, on model.RelayMask) error {
	on &= ports
	if b.safeMode {
		log.Info().Uint8("relays", uint8(on)).Msg("Safe mode: skipping relay write")
		return nil
	}
	log.Debug().Uint8("relays", uint8(on)).Msg("Writing relay mask")
	return b.bus.Do(func() error { return b.dev.SetRelays(uint8(ports), uint8(on)) })
}

// Shutdown de-energizes the ports and releases them to inputs.
func (b *Bank) Shutdown(ports model.RelayMask) error {
	if b.safeMode {
		return nil
	}
	for port := 0; port < 8; port++ {
		if ports&model.PortMask(port) != 0 {
			log.Info().Int("port", port).Str("channel", b.names[port]).Msg("Deactivating relay")
		}
	}
	return b.bus.Do(func() error { return b.dev.Shutdown(uint8(ports)) })
}

// Halt is the shutdown hook form of Shutdown.
func (b *Bank) Halt(ports model.RelayMask) func() error {
	return func() error { return b.Shutdown(ports) }
}

// State reads back the energized relays among ports.
func (b *Bank) State(ports model.RelayMask) (model.RelayMask, error) {
	var on uint8
	err := b.bus.Do(func() error {
		var err error
		on, err = b.dev.Relays(uint8(ports))
		return err
	})
	return model.RelayMask(on), err
}
