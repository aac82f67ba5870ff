// Package state holds the latest published controller status for readers
// outside the control loop.
package state

import (
	"sync"

	"github.com/thatsimonsguy/seedling-controller/internal/model"
)

// Board is written by the control loop and read by the api and mqtt
// bridges. Readers get copies.
type Board struct {
	mu      sync.RWMutex
	status  model.Status
	ok      bool
	updates chan model.Status
}

func NewBoard() *Board {
	return &Board{updates: make(chan model.Status, 1)}
}

// Publish replaces the current status. A subscriber that has not drained
// the previous update only sees the newest one.
func (b *Board) Publish(s model.Status) {
	s = clone(s)

	b.mu.Lock()
	b.status = s
	b.ok = true
	b.mu.Unlock()

	for {
		select {
		case b.updates <- s:
			return
		default:
		}
		select {
		case <-b.updates:
		default:
		}
	}
}

// Snapshot returns the last published status and whether there is one.
func (b *Board) Snapshot() (model.Status, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return clone(b.status), b.ok
}

func (b *Board) Updates() <-chan model.Status {
	return b.updates
}

func clone(s model.Status) model.Status {
	out := s
	out.Channels = make([]model.ChannelStatus, len(s.Channels))
	copy(out.Channels, s.Channels)
	return out
}
