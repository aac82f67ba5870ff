// Package store reads and writes the channel defaults file: one
// NAME:VALUE:ON|OFF line per relay channel, where VALUE is the setpoint of
// a hysteresis channel or the duty percentage of a duty-cycle channel.
package store

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/seedling-controller/internal/faults"
	"github.com/thatsimonsguy/seedling-controller/internal/model"
)

type Default struct {
	Name    string
	Value   float64
	Enabled bool
}

type Store struct {
	path string
}

func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

// Load parses the defaults file. A missing file is not an error. Malformed
// lines are logged and skipped.
func (s *Store) Load() ([]Default, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		log.Info().Str("path", s.path).Msg("No defaults file, starting from configuration")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open defaults: %w", faults.ErrConfig, err)
	}
	defer f.Close()

	var out []Default
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		d, err := ParseLine(line)
		if err != nil {
			log.Warn().Err(err).Str("path", s.path).Int("line", n).Msg("Ignoring defaults line")
			continue
		}
		out = append(out, d)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("%w: read defaults: %w", faults.ErrConfig, err)
	}
	return out, nil
}

func ParseLine(line string) (Default, error) {
	parts := strings.Split(line, ":")
	if len(parts) != 3 {
		return Default{}, fmt.Errorf("%w: %q: want NAME:VALUE:ON|OFF", faults.ErrConfig, line)
	}
	name := strings.ToUpper(strings.TrimSpace(parts[0]))
	if name == "" {
		return Default{}, fmt.Errorf("%w: %q: empty name", faults.ErrConfig, line)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return Default{}, fmt.Errorf("%w: %q: bad value", faults.ErrConfig, line)
	}
	d := Default{Name: name, Value: v}
	switch strings.ToUpper(strings.TrimSpace(parts[2])) {
	case "ON":
		d.Enabled = true
	case "OFF":
	default:
		return Default{}, fmt.Errorf("%w: %q: state must be ON or OFF", faults.ErrConfig, line)
	}
	return d, nil
}

// Save rewrites the file from the relay channels through a temporary file
// and a rename, so a crash leaves either the old or the new version.
func (s *Store) Save(channels []*model.Channel) error {
	tmpPath := s.path + ".tmp"
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	file, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(file)
	fmt.Fprintln(w, "# NAME:VALUE:ON|OFF")
	for _, ch := range channels {
		if !ch.HasPort() {
			continue
		}
		if ch.Strategy != model.StrategyDutyCycle && !ch.HasSetpoint {
			continue
		}
		fmt.Fprintln(w, FormatLine(ch))
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return err
	}
	file.Sync()
	file.Close()

	return os.Rename(tmpPath, s.path)
}

func FormatLine(ch *model.Channel) string {
	state := "OFF"
	if ch.Enabled {
		state = "ON"
	}
	v := ch.Setpoint
	if ch.Strategy == model.StrategyDutyCycle {
		v = ch.Duty * 100
	}
	return fmt.Sprintf("%s:%s:%s", ch.Name, strconv.FormatFloat(v, 'f', -1, 64), state)
}
