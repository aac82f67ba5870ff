package db

import (
	"database/sql"
	"fmt"
	"time"
)

type TemperatureRow struct {
	Time        time.Time `json:"time"`
	Sensor      string    `json:"sensor"`
	Temperature float64   `json:"temperature"`
}

type RelayRow struct {
	Time    time.Time `json:"time"`
	Channel string    `json:"channel"`
	Duty    float64   `json:"duty"`
	On      bool      `json:"on"`
}

// Sink writes control loop history rows.
type Sink struct {
	db *sql.DB
}

func NewSink(db *sql.DB) *Sink {
	return &Sink{db: db}
}

func (s *Sink) RecordTemperature(ts time.Time, sensor string, temp float64) error {
	_, err := s.db.Exec(`INSERT INTO temperature (dt, id, temp) VALUES (?, ?, ?)`,
		ts.UTC().Format(timeFormat), sensor, temp)
	if err != nil {
		return fmt.Errorf("insert temperature %s: %w", sensor, err)
	}
	return nil
}

func (s *Sink) RecordRelay(ts time.Time, channel string, duty float64, on bool) error {
	_, err := s.db.Exec(`INSERT INTO relay (dt, id, duty, state) VALUES (?, ?, ?, ?)`,
		ts.UTC().Format(timeFormat), channel, duty, on)
	if err != nil {
		return fmt.Errorf("insert relay %s: %w", channel, err)
	}
	return nil
}

// GetRecentTemperatures returns up to limit rows for a sensor, newest first.
func GetRecentTemperatures(db *sql.DB, sensor string, limit int) ([]TemperatureRow, error) {
	rows, err := db.Query(`SELECT dt, id, temp FROM temperature WHERE id = ? ORDER BY dt DESC LIMIT ?`, sensor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query temperatures: %w", err)
	}
	defer rows.Close()

	var out []TemperatureRow
	for rows.Next() {
		var r TemperatureRow
		var dt string
		if err := rows.Scan(&dt, &r.Sensor, &r.Temperature); err != nil {
			return nil, fmt.Errorf("failed to scan temperature: %w", err)
		}
		if r.Time, err = parseTime(dt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetLatestRelays returns the newest row of every channel.
func GetLatestRelays(db *sql.DB) ([]RelayRow, error) {
	rows, err := db.Query(`
		SELECT r.dt, r.id, r.duty, r.state FROM relay r
		JOIN (SELECT id, MAX(dt) AS dt FROM relay GROUP BY id) latest
		  ON r.id = latest.id AND r.dt = latest.dt
		GROUP BY r.id
		ORDER BY r.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query relays: %w", err)
	}
	defer rows.Close()

	var out []RelayRow
	for rows.Next() {
		var r RelayRow
		var dt string
		if err := rows.Scan(&dt, &r.Channel, &r.Duty, &r.On); err != nil {
			return nil, fmt.Errorf("failed to scan relay: %w", err)
		}
		if r.Time, err = parseTime(dt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func parseTime(dt string) (time.Time, error) {
	t, err := time.ParseInLocation(timeFormat, dt, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", dt, err)
	}
	return t, nil
}
