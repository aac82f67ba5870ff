package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/seedling-controller/internal/model"
)

func TestBoardSnapshot(t *testing.T) {
	b := NewBoard()
	_, ok := b.Snapshot()
	assert.False(t, ok)

	s := model.Status{Timestamp: time.Unix(100, 0), Relays: 0x03, Channels: []model.ChannelStatus{{Name: "A", Relay: true}}}
	b.Publish(s)
	s.Channels[0].Name = "mutated"

	got, ok := b.Snapshot()
	require.True(t, ok)
	assert.Equal(t, model.RelayMask(0x03), got.Relays)
	assert.Equal(t, "A", got.Channels[0].Name)
}

func TestBoardKeepsNewestUpdate(t *testing.T) {
	b := NewBoard()
	for i := 1; i <= 5; i++ {
		b.Publish(model.Status{Relays: model.RelayMask(i)})
	}

	select {
	case s := <-b.Updates():
		assert.Equal(t, model.RelayMask(5), s.Relays)
	default:
		t.Fatal("no update pending")
	}

	select {
	case s := <-b.Updates():
		t.Fatalf("unexpected second update %v", s)
	default:
	}
}
