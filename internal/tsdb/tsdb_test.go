package tsdb

import (
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/seedling-controller/internal/config"
)

func TestPoints(t *testing.T) {
	ts := time.Unix(1700000000, 0)

	line := write.PointToLineProtocol(temperaturePoint(ts, "C1", 68.5), time.Second)
	assert.Equal(t, "temperature,sensor=C1 value=68.5 1700000000", strings.TrimSpace(line))

	line = write.PointToLineProtocol(relayPoint(ts, "A", 0.25, true), time.Second)
	assert.Equal(t, "relay,channel=A duty=0.25,on=true 1700000000", strings.TrimSpace(line))
}

func TestConnectDisabled(t *testing.T) {
	_, err := Connect(config.InfluxDB{})
	require.ErrorIs(t, err, ErrDisabled)
}
