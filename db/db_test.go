package db

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinkAndQueries(t *testing.T) {
	conn, err := Open(":memory:")
	require.NoError(t, err)
	defer conn.Close()

	sink := NewSink(conn)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, temp := range []float64{65, 71, 69} {
		ts := base.Add(time.Duration(i) * 5 * time.Second)
		require.NoError(t, sink.RecordTemperature(ts, "C1", temp))
		require.NoError(t, sink.RecordRelay(ts, "A", 0, i == 0))
		require.NoError(t, sink.RecordRelay(ts, "HEAT", 0.25, i == 2))
	}
	require.NoError(t, sink.RecordTemperature(base, "C2", 50))

	temps, err := GetRecentTemperatures(conn, "C1", 2)
	require.NoError(t, err)
	require.Len(t, temps, 2)
	assert.Equal(t, 69.0, temps[0].Temperature)
	assert.Equal(t, base.Add(10*time.Second), temps[0].Time)
	assert.Equal(t, 71.0, temps[1].Temperature)

	relays, err := GetLatestRelays(conn)
	require.NoError(t, err)
	assert.Equal(t, []RelayRow{
		{Time: base.Add(10 * time.Second), Channel: "A", Duty: 0, On: false},
		{Time: base.Add(10 * time.Second), Channel: "HEAT", Duty: 0.25, On: true},
	}, relays)
}

func TestPrune(t *testing.T) {
	conn, err := Open(":memory:")
	require.NoError(t, err)
	defer conn.Close()

	sink := NewSink(conn)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, sink.RecordTemperature(now.Add(-13*time.Hour), "C1", 60))
	require.NoError(t, sink.RecordTemperature(now.Add(-11*time.Hour), "C1", 61))
	require.NoError(t, sink.RecordRelay(now.Add(-24*time.Hour), "A", 0, true))
	require.NoError(t, sink.RecordRelay(now, "A", 0, false))

	temps, relays, err := Prune(conn, now.Add(-12*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), temps)
	assert.Equal(t, int64(1), relays)

	left, err := GetRecentTemperatures(conn, "C1", 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, 61.0, left[0].Temperature)
}

func TestApplySchemaIdempotent(t *testing.T) {
	conn, err := Open(":memory:")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, ApplySchema(conn))
}

func TestHistoryCLI(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "seedling.db")
	conn, err := Open(path)
	require.NoError(t, err)
	sink := NewSink(conn)
	require.NoError(t, sink.RecordTemperature(time.Now(), "C1", 68.3))
	require.NoError(t, sink.RecordRelay(time.Now(), "A", 0, true))
	require.NoError(t, conn.Close())

	var buf bytes.Buffer
	require.NoError(t, HistoryCLI(&buf, path, "C1", 5))
	assert.Contains(t, buf.String(), "68.3°F")
	assert.Contains(t, buf.String(), "A        ON ")

	require.NoError(t, PruneCLI(path, 0))
}
