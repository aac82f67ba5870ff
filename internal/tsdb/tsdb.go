// Package tsdb mirrors history rows to InfluxDB.
package tsdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/seedling-controller/internal/config"
)

const (
	connectTimeout = 10 * time.Second
	batchSize      = 50
	flushInterval  = 10 * time.Second
)

var ErrDisabled = errors.New("influxdb disabled")

type Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI

	mu        sync.RWMutex
	connected bool
}

// Connect pings the server and starts the batching writer.
func Connect(cfg config.InfluxDB) (*Sink, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batchSize).
			SetFlushInterval(uint(flushInterval/time.Millisecond)),
	)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb ping failed: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, errors.New("influxdb server not healthy")
	}

	s := &Sink{
		client:    client,
		writeAPI:  client.WriteAPI(cfg.Org, cfg.Bucket),
		connected: true,
	}
	go s.logWriteErrors(s.writeAPI.Errors())

	log.Info().Str("url", cfg.URL).Str("bucket", cfg.Bucket).Msg("InfluxDB mirror connected")
	return s, nil
}

func (s *Sink) logWriteErrors(errs <-chan error) {
	for err := range errs {
		log.Warn().Err(err).Msg("InfluxDB write failed")
	}
}

func (s *Sink) isConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *Sink) RecordTemperature(ts time.Time, sensor string, temp float64) error {
	if !s.isConnected() {
		return nil
	}
	s.writeAPI.WritePoint(temperaturePoint(ts, sensor, temp))
	return nil
}

func (s *Sink) RecordRelay(ts time.Time, channel string, duty float64, on bool) error {
	if !s.isConnected() {
		return nil
	}
	s.writeAPI.WritePoint(relayPoint(ts, channel, duty, on))
	return nil
}

// Close flushes pending points.
func (s *Sink) Close() error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()

	s.writeAPI.Flush()
	s.client.Close()
	return nil
}

func temperaturePoint(ts time.Time, sensor string, temp float64) *write.Point {
	return write.NewPoint(
		"temperature",
		map[string]string{"sensor": sensor},
		map[string]interface{}{"value": temp},
		ts,
	)
}

func relayPoint(ts time.Time, channel string, duty float64, on bool) *write.Point {
	return write.NewPoint(
		"relay",
		map[string]string{"channel": channel},
		map[string]interface{}{"on": on, "duty": duty},
		ts,
	)
}
