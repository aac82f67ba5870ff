package shutdown

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func reset(t *testing.T) *int {
	t.Helper()
	code := -1
	exit = func(c int) { code = c }
	halters = nil
	t.Cleanup(func() { halters = nil })
	return &code
}

func TestShutdownRunsHooksInReverse(t *testing.T) {
	code := reset(t)
	var order []string
	Register(func() error { order = append(order, "bus"); return nil })
	Register(func() error { order = append(order, "relays"); return nil })

	Shutdown()
	assert.Equal(t, []string{"relays", "bus"}, order)
	assert.Equal(t, 0, *code)
}

func TestShutdownContinuesPastFailure(t *testing.T) {
	code := reset(t)
	ran := false
	Register(func() error { ran = true; return nil })
	Register(func() error { return errors.New("nack") })

	Shutdown()
	assert.True(t, ran)
	assert.Equal(t, 1, *code)
}

func TestShutdownWithError(t *testing.T) {
	code := reset(t)
	ran := false
	Register(func() error { ran = true; return nil })

	ShutdownWithError(errors.New("bus gone"), "fatal")
	assert.True(t, ran)
	assert.Equal(t, 1, *code)
}
