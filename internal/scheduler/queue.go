package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/thatsimonsguy/seedling-controller/internal/command"
	"github.com/thatsimonsguy/seedling-controller/internal/faults"
)

// Request is one command line waiting for the loop, with the channel its
// reply goes back on.
type Request struct {
	Text  string
	Reply chan command.Response
}

// Queue is the bounded command inbox of the loop. Any number of goroutines
// may submit; only the loop receives.
type Queue struct {
	ch      chan Request
	timeout time.Duration
}

func NewQueue(size int, timeout time.Duration) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{ch: make(chan Request, size), timeout: timeout}
}

// Submit enqueues text and waits for the reply. A queue that stays full
// for the whole timeout fails with faults.ErrQueueFull.
func (q *Queue) Submit(ctx context.Context, text string) (command.Response, error) {
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	req := Request{Text: text, Reply: make(chan command.Response, 1)}
	select {
	case q.ch <- req:
	case <-ctx.Done():
		return command.Response{}, fmt.Errorf("%w: %q not accepted: %w", faults.ErrQueueFull, text, ctx.Err())
	}
	select {
	case resp := <-req.Reply:
		return resp, nil
	case <-ctx.Done():
		return command.Response{}, fmt.Errorf("command %q: no reply: %w", text, ctx.Err())
	}
}

// Terminate injects END, waiting as long as ctx allows for room in the
// queue and for the loop to finish de-energizing the relays.
func (q *Queue) Terminate(ctx context.Context) error {
	req := Request{Text: string(command.End), Reply: make(chan command.Response, 1)}
	select {
	case q.ch <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case resp := <-req.Reply:
		return resp.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}
