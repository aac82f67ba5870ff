// Package startup opens the hardware named in the configuration.
package startup

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/thatsimonsguy/seedling-controller/internal/bus"
	"github.com/thatsimonsguy/seedling-controller/internal/config"
	"github.com/thatsimonsguy/seedling-controller/internal/ds18b20"
	"github.com/thatsimonsguy/seedling-controller/internal/ds2482"
	"github.com/thatsimonsguy/seedling-controller/internal/mcp23008"
	"github.com/thatsimonsguy/seedling-controller/internal/temperature"
)

type Hardware struct {
	Bus    *bus.Shared
	Bridge *ds2482.Dev
	Relays *mcp23008.Dev
}

// OpenHardware initializes the host drivers, takes the i2c bus and
// resets the one-wire bridge and the relay expander.
func OpenHardware(cfg *config.Config) (*Hardware, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	raw, err := i2creg.Open(cfg.I2C.Bus)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %q: %w", cfg.I2C.Bus, err)
	}
	hw := &Hardware{Bus: bus.New(raw)}

	err = hw.Bus.Do(func() error {
		var err error
		hw.Bridge, err = ds2482.New(hw.Bus.Bus(), cfg.OneWire.Address, &ds2482.Opts{
			ActivePullup: cfg.OneWire.ActivePullup,
			Overdrive:    cfg.OneWire.Overdrive,
			PollBudget:   cfg.OneWire.PollBudget,
			PollInterval: cfg.OneWire.PollInterval,
		})
		if err != nil {
			return err
		}
		hw.Relays, err = mcp23008.New(hw.Bus.Bus(), cfg.RelayBank.Address)
		return err
	})
	if err != nil {
		hw.Bus.Close()
		return nil, err
	}
	log.Info().Str("bus", hw.Bus.String()).Str("bridge", hw.Bridge.String()).Str("relays", hw.Relays.String()).Msg("Hardware ready")
	return hw, nil
}

func (hw *Hardware) SensorOpts(cfg *config.Config) *ds18b20.Opts {
	return &ds18b20.Opts{
		Resolution:   ds18b20.Resolution(cfg.Sensors.Resolution),
		SkipROM:      cfg.Sensors.SkipROM,
		Persist:      cfg.Sensors.PersistResolution,
		PollInterval: ds18b20.DefaultOpts.PollInterval,
	}
}

// OpenSensors constructs every configured sensor. One that does not answer
// is returned as a temperature.Lazy so it joins when it comes back.
func (hw *Hardware) OpenSensors(cfg *config.Config) map[string]temperature.Sensor {
	opts := hw.SensorOpts(cfg)
	out := make(map[string]temperature.Sensor, len(cfg.Sensors.Devices))
	for _, name := range cfg.SensorNames() {
		// Validated at config load.
		addr, _ := ds18b20.ParseAddress(cfg.Sensors.Devices[name])
		open := func() (temperature.Sensor, error) {
			dev, err := ds18b20.New(hw.Bridge, hw.Bus, addr, opts)
			if err != nil {
				return nil, err
			}
			return dev, nil
		}
		dev, err := ds18b20.New(hw.Bridge, hw.Bus, addr, opts)
		if err != nil {
			log.Error().Err(err).Str("sensor", name).Str("rom", ds18b20.FormatAddress(addr)).Msg("Sensor not responding, will retry every tick")
			out[name] = temperature.NewLazy(name, opts.Resolution, open)
			continue
		}
		log.Info().Str("sensor", name).Str("device", dev.String()).Bool("parasitic", dev.Parasitic()).Msg("Sensor ready")
		out[name] = dev
	}
	return out
}

func (hw *Hardware) Close() error {
	return hw.Bus.Close()
}

// ServiceUnit renders the systemd unit that runs the controller.
func ServiceUnit(binary, configFile string) string {
	return fmt.Sprintf(`[Unit]
Description=Seedling growing-zone controller
After=network.target

[Service]
Type=simple
ExecStart=%s -config-file %s
KillSignal=SIGTERM
TimeoutStopSec=30
Restart=on-failure
RestartSec=5s

[Install]
WantedBy=multi-user.target
`, binary, configFile)
}

func InstallService(path, binary, configFile string) error {
	return os.WriteFile(path, []byte(ServiceUnit(binary, configFile)), 0644)
}
