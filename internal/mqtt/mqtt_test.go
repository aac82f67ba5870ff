package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/seedling-controller/internal/command"
	"github.com/thatsimonsguy/seedling-controller/internal/config"
	"github.com/thatsimonsguy/seedling-controller/internal/faults"
	"github.com/thatsimonsguy/seedling-controller/internal/model"
)

type message struct {
	topic    string
	retained bool
	payload  string
}

type recorder struct {
	mu   sync.Mutex
	msgs []message
}

func (r *recorder) publish(topic string, retained bool, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, message{topic, retained, string(payload)})
	return nil
}

type mockQueue struct {
	texts []string
	resp  command.Response
	err   error
}

func (m *mockQueue) Submit(_ context.Context, text string) (command.Response, error) {
	m.texts = append(m.texts, text)
	return m.resp, m.err
}

func newTestBridge(q Submitter) (*Bridge, *recorder) {
	rec := &recorder{}
	return &Bridge{topics: Topics{Prefix: "seedling"}, queue: q, publish: rec.publish}, rec
}

func TestHandleCommandReplies(t *testing.T) {
	q := &mockQueue{}
	b, rec := newTestBridge(q)

	b.HandleCommand(context.Background(), []byte(" SET A 72\n"))
	assert.Equal(t, []string{"SET A 72"}, q.texts)
	assert.Equal(t, []message{{"seedling/response", false, "OK"}}, rec.msgs)
}

func TestHandleCommandErrors(t *testing.T) {
	q := &mockQueue{resp: command.Error(fmt.Errorf("%w: unknown verb %q", faults.ErrProtocol, "FROB"))}
	b, rec := newTestBridge(q)

	b.HandleCommand(context.Background(), []byte("FROB"))
	q.resp, q.err = command.Response{}, faults.ErrQueueFull
	b.HandleCommand(context.Background(), []byte("STAT"))

	require.Len(t, rec.msgs, 2)
	assert.Equal(t, `ERROR: unknown verb "FROB"`, rec.msgs[0].payload)
	assert.Equal(t, "ERROR: "+faults.ErrQueueFull.Error(), rec.msgs[1].payload)
}

func TestRunPublishesRetainedStatus(t *testing.T) {
	b, rec := newTestBridge(&mockQueue{})
	updates := make(chan model.Status, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { b.Run(ctx, updates); close(done) }()

	updates <- model.Status{Timestamp: time.Unix(1700000000, 0).UTC(), Relays: 0x05}
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.msgs) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	msg := rec.msgs[0]
	assert.Equal(t, "seedling/status", msg.topic)
	assert.True(t, msg.retained)
	var st model.Status
	require.NoError(t, json.Unmarshal([]byte(msg.payload), &st))
	assert.Equal(t, model.RelayMask(0x05), st.Relays)
}

func TestClientOptions(t *testing.T) {
	opts := buildClientOptions(config.MQTT{Broker: "tcp://broker:1883", ClientID: "seedling", Username: "u", Password: "p"}, Topics{Prefix: "gh"})
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "broker:1883", opts.Servers[0].Host)
	assert.Equal(t, "seedling", opts.ClientID)
	assert.Equal(t, "u", opts.Username)
	assert.True(t, opts.WillEnabled)
	assert.Equal(t, "gh/online", opts.WillTopic)
	assert.True(t, opts.WillRetained)
}
