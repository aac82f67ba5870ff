package db

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
)

// PruneCLI opens the database at dbPath and drops rows older than
// retention.
func PruneCLI(dbPath string, retention time.Duration) error {
	conn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	temps, relays, err := Prune(conn, time.Now().Add(-retention))
	if err != nil {
		return err
	}
	log.Info().Int64("temperature_rows", temps).Int64("relay_rows", relays).Msg("Pruned history")
	return nil
}

// HistoryCLI prints the latest rows of a sensor and every channel's last
// relay state.
func HistoryCLI(w io.Writer, dbPath, sensor string, limit int) error {
	conn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	temps, err := GetRecentTemperatures(conn, sensor, limit)
	if err != nil {
		return err
	}
	for _, t := range temps {
		fmt.Fprintf(w, "%s  %-6s %6.1f°F\n", t.Time.Local().Format("15:04:05"), t.Sensor, t.Temperature)
	}

	relays, err := GetLatestRelays(conn)
	if err != nil {
		return err
	}
	for _, r := range relays {
		state := "OFF"
		if r.On {
			state = "ON"
		}
		fmt.Fprintf(w, "%-8s %-3s duty %.2f  (%s)\n", r.Channel, state, r.Duty, r.Time.Local().Format("15:04:05"))
	}
	return nil
}
