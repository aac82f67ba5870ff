package shutdown

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/seedling-controller/internal/notifications"
)

var (
	mu      sync.Mutex
	halters []func() error
	exit    = os.Exit
)

// Register adds a hook that puts hardware into its safe state. Hooks run
// in reverse registration order.
func Register(h func() error) {
	mu.Lock()
	defer mu.Unlock()
	halters = append(halters, h)
}

// Halt runs every hook, continuing past failures, and reports whether all
// of them succeeded.
func Halt() bool {
	mu.Lock()
	hs := make([]func() error, len(halters))
	copy(hs, halters)
	mu.Unlock()

	ok := true
	for i := len(hs) - 1; i >= 0; i-- {
		if err := hs[i](); err != nil {
			log.Error().Err(err).Msg("Shutdown hook failed")
			ok = false
		}
	}
	return ok
}

// Shutdown de-energizes everything registered and exits.
func Shutdown() {
	code := 0
	if !Halt() {
		code = 1
	}
	log.Info().Msg("Relays de-energized, exiting")
	exit(code)
}

// ShutdownWithError de-energizes, alerts the operator and exits 1.
func ShutdownWithError(err error, msg string) {
	log.Error().Err(err).Msg(msg)
	halted := Halt()
	body := fmt.Sprintf("%s: %v", msg, err)
	if !halted {
		body += " (relay shutdown failed, check hardware)"
	}
	if nerr := notifications.Alert("Seedling Controller Fault Shutdown", body); nerr != nil {
		log.Error().Err(nerr).Msg("Failed to send shutdown alert")
	}
	exit(1)
}
