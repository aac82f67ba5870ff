package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/seedling-controller/db"
	"github.com/thatsimonsguy/seedling-controller/internal/command"
	"github.com/thatsimonsguy/seedling-controller/internal/faults"
	"github.com/thatsimonsguy/seedling-controller/internal/model"
	"github.com/thatsimonsguy/seedling-controller/internal/state"
)

type mockQueue struct {
	texts []string
	resp  command.Response
	err   error
}

func (m *mockQueue) Submit(_ context.Context, text string) (command.Response, error) {
	m.texts = append(m.texts, text)
	return m.resp, m.err
}

func setupTestServer(t *testing.T) (*Server, *mockQueue, *state.Board) {
	t.Helper()
	conn, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	sink := db.NewSink(conn)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, temp := range []float64{65, 71, 69} {
		require.NoError(t, sink.RecordTemperature(base.Add(time.Duration(i)*5*time.Second), "C1", temp))
	}

	sp := 70.0
	temp := 69.0
	board := state.NewBoard()
	board.Publish(model.Status{
		Timestamp: base,
		Relays:    0x01,
		Channels: []model.ChannelStatus{
			{Name: "A", Strategy: model.StrategyHysteresis, Enabled: true, Setpoint: &sp, Temperature: &temp, Relay: true},
			{Name: "AMBIENT", Strategy: model.StrategyHysteresis, Auxiliary: true},
		},
	})

	q := &mockQueue{}
	return NewServer(q, board, conn), q, board
}

func do(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestGetStatus(t *testing.T) {
	server, _, _ := setupTestServer(t)

	w := do(t, server, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	var st model.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, model.RelayMask(0x01), st.Relays)
	require.Len(t, st.Channels, 2)
	assert.Equal(t, 70.0, *st.Channels[0].Setpoint)
}

func TestGetStatusBeforeFirstTick(t *testing.T) {
	server := NewServer(&mockQueue{}, state.NewBoard(), nil)

	w := do(t, server, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGetChannel(t *testing.T) {
	server, _, _ := setupTestServer(t)

	w := do(t, server, http.MethodGet, "/api/channels/a", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var ch model.ChannelStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ch))
	assert.Equal(t, "A", ch.Name)
	assert.True(t, ch.Relay)

	w = do(t, server, http.MethodGet, "/api/channels/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, server, http.MethodPut, "/api/channels/a/frob", EnabledRequest{Enabled: true})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, server, http.MethodPost, "/api/channels/a/setpoint", SetpointRequest{Setpoint: 70})
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestChannelOperationsSubmitCommands(t *testing.T) {
	tests := []struct {
		name string
		path string
		body interface{}
		want string
	}{
		{"setpoint", "/api/channels/a/setpoint", SetpointRequest{Setpoint: 72}, "SET A 72"},
		{"enable", "/api/channels/a/enabled", EnabledRequest{Enabled: true}, "SET A ON"},
		{"disable", "/api/channels/b/enabled", EnabledRequest{Enabled: false}, "SET B OFF"},
		{"duty", "/api/channels/heat/duty", DutyRequest{Duty: 25}, "DUTY HEAT 25"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, q, _ := setupTestServer(t)

			w := do(t, server, http.MethodPut, tt.path, tt.body)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, []string{tt.want}, q.texts)

			var resp CommandResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, "OK", resp.Result)
		})
	}
}

func TestFractionalSetpointRejected(t *testing.T) {
	server, q, _ := setupTestServer(t)

	w := do(t, server, http.MethodPut, "/api/channels/a/setpoint", SetpointRequest{Setpoint: 70.5})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, q.texts)
}

func TestCommandErrors(t *testing.T) {
	server, q, _ := setupTestServer(t)

	q.resp = command.Error(fmt.Errorf("%w: unknown channel %q", faults.ErrProtocol, "ZZZ"))
	w := do(t, server, http.MethodPost, "/api/command", CommandRequest{Command: "SET ZZZ 70"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	assert.Equal(t, `unknown channel "ZZZ"`, e.Error)

	q.resp = command.Response{}
	q.err = fmt.Errorf("%w: queue busy", faults.ErrQueueFull)
	w = do(t, server, http.MethodPost, "/api/command", CommandRequest{Command: "STAT"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = do(t, server, http.MethodPost, "/api/command", "invalid json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, server, http.MethodGet, "/api/command", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestCommandReturnsStatus(t *testing.T) {
	server, q, board := setupTestServer(t)
	st, _ := board.Snapshot()
	q.resp = command.StatusOf(st)

	w := do(t, server, http.MethodPost, "/api/command", CommandRequest{Command: "STAT"})
	assert.Equal(t, http.StatusOK, w.Code)

	var resp CommandResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Status)
	assert.Len(t, resp.Status.Channels, 2)
}

func TestHistory(t *testing.T) {
	server, _, _ := setupTestServer(t)

	w := do(t, server, http.MethodGet, "/api/history/C1?limit=2", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var rows []db.TemperatureRow
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, 69.0, rows[0].Temperature)

	w = do(t, server, http.MethodGet, "/api/history/C1?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, server, http.MethodGet, "/api/history/C9", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestPreflight(t *testing.T) {
	server, _, _ := setupTestServer(t)

	w := do(t, server, http.MethodOptions, "/api/command", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "PUT")
}
