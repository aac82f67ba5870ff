package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/thatsimonsguy/seedling-controller/db"
	"github.com/thatsimonsguy/seedling-controller/internal/config"
	"github.com/thatsimonsguy/seedling-controller/internal/ds18b20"
	"github.com/thatsimonsguy/seedling-controller/internal/logging"
	"github.com/thatsimonsguy/seedling-controller/internal/model"
	"github.com/thatsimonsguy/seedling-controller/system/startup"
)

func main() {
	DebugCLI()
}

func DebugCLI() {
	var configFile, command, sensor, unitPath, binary string
	var limit int
	flag.StringVar(&configFile, "config-file", "seedling.yaml", "Path to controller config file")
	flag.StringVar(&command, "cmd", "", "Command to run: read-rom, scratchpad, recall, relays, relays-off, history, prune, install-service")
	flag.StringVar(&sensor, "sensor", "", "Sensor name for scratchpad, recall and history")
	flag.IntVar(&limit, "limit", 20, "Rows to show for history")
	flag.StringVar(&unitPath, "unit", "/etc/systemd/system/seedling.service", "Unit file written by install-service")
	flag.StringVar(&binary, "binary", "/usr/local/bin/seedling", "Controller binary for install-service")
	help := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *help || command == "" {
		fmt.Println("\nUsage of seedling-debug:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	f, err := os.Open(configFile)
	if err != nil {
		fail(command, err)
	}
	cfg, err := config.Decode(f)
	f.Close()
	if err != nil {
		fail(command, err)
	}
	logging.Init(zerolog.InfoLevel, "")

	switch command {
	case "history":
		err = db.HistoryCLI(os.Stdout, cfg.Database.Path, sensor, limit)
	case "prune":
		err = db.PruneCLI(cfg.Database.Path, cfg.Database.Retention)
	case "install-service":
		err = startup.InstallService(unitPath, binary, configFile)
	default:
		err = hardwareCommand(&cfg, command, sensor)
	}

	if err != nil {
		fail(command, err)
	}
	fmt.Printf("Command %s completed successfully\n", command)
}

func hardwareCommand(cfg *config.Config, command, sensor string) error {
	hw, err := startup.OpenHardware(cfg)
	if err != nil {
		return err
	}
	defer hw.Close()

	ports := model.RelayMask(0)
	for port := range cfg.PortNames() {
		ports |= model.PortMask(port)
	}

	switch command {
	case "read-rom":
		hw.Bus.Lock()
		addr, err := ds18b20.ReadROM(hw.Bridge)
		hw.Bus.Unlock()
		if err != nil {
			return err
		}
		fmt.Println(ds18b20.FormatAddress(addr))
		return nil

	case "scratchpad", "recall":
		dev, err := openSensor(cfg, hw, sensor)
		if err != nil {
			return err
		}
		if command == "recall" {
			if err := dev.RecallEEPROM(); err != nil {
				return err
			}
		}
		sp, err := dev.ReadScratchpad()
		if err != nil {
			return err
		}
		th, tl := sp.Alarms()
		c := sp.Celsius(sp.Resolution())
		fmt.Printf("%s  %s\n", dev, strings.ToUpper(hex.EncodeToString(sp[:])))
		fmt.Printf("  %.4f°C  %.2f°F  %d-bit  TH=%d TL=%d  parasitic=%t\n",
			c, ds18b20.Fahrenheit(c), sp.Resolution(), int8(th), int8(tl), dev.Parasitic())
		return nil

	case "relays":
		var on uint8
		err := hw.Bus.Do(func() error {
			var err error
			on, err = hw.Relays.Relays(uint8(ports))
			return err
		})
		if err != nil {
			return err
		}
		for port, name := range cfg.PortNames() {
			state := "OFF"
			if model.RelayMask(on)&model.PortMask(port) != 0 {
				state = "ON"
			}
			fmt.Printf("port %d  %-8s %s\n", port, name, state)
		}
		return nil

	case "relays-off":
		return hw.Bus.Do(func() error { return hw.Relays.Shutdown(uint8(ports)) })
	}
	return fmt.Errorf("invalid command %q", command)
}

func openSensor(cfg *config.Config, hw *startup.Hardware, name string) (*ds18b20.Dev, error) {
	rom, ok := cfg.Sensors.Devices[name]
	if !ok {
		return nil, fmt.Errorf("unknown sensor %q", name)
	}
	addr, err := ds18b20.ParseAddress(rom)
	if err != nil {
		return nil, err
	}
	return ds18b20.New(hw.Bridge, hw.Bus, addr, hw.SensorOpts(cfg))
}

func fail(command string, err error) {
	fmt.Printf("Command %s failed: %v\n", command, err)
	os.Exit(1)
}
