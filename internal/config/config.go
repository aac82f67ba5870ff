package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/onewire"

	"github.com/thatsimonsguy/seedling-controller/internal/ds18b20"
	"github.com/thatsimonsguy/seedling-controller/internal/model"
)

type I2C struct {
	Bus string `yaml:"bus"`
}

type OneWire struct {
	Address      uint16        `yaml:"address"`
	ActivePullup bool          `yaml:"active_pullup"`
	Overdrive    bool          `yaml:"overdrive"`
	PollBudget   int           `yaml:"poll_budget"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type RelayBank struct {
	Address uint16 `yaml:"address"`
}

type Sensors struct {
	Devices           map[string]string `yaml:"devices"` // name -> ROM
	Resolution        int               `yaml:"resolution"`
	SkipROM           bool              `yaml:"skip_rom"`
	Retries           int               `yaml:"retries"`
	RetryDelay        time.Duration     `yaml:"retry_delay"`
	FaultOffAfter     int               `yaml:"fault_off_after"`
	MaxDelta          float64           `yaml:"max_delta"`
	PersistResolution bool              `yaml:"persist_resolution"`
}

type Control struct {
	Cycle          time.Duration `yaml:"cycle"`
	DutyPeriod     time.Duration `yaml:"duty_period"`
	DefaultBand    float64       `yaml:"default_band"`
	SetpointMin    float64       `yaml:"setpoint_min"`
	SetpointMax    float64       `yaml:"setpoint_max"`
	QueueSize      int           `yaml:"queue_size"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

type Channel struct {
	Name     string   `yaml:"name"`
	Port     *int     `yaml:"port"` // nil for an auxiliary channel
	Sensors  []string `yaml:"sensors"`
	Strategy string   `yaml:"strategy"`
	Band     float64  `yaml:"band"`
	Duty     float64  `yaml:"duty"`
	Setpoint *float64 `yaml:"setpoint"`
	Enabled  bool     `yaml:"enabled"`
}

type Database struct {
	Path          string        `yaml:"path"`
	Retention     time.Duration `yaml:"retention"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

type InfluxDB struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

type MQTT struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type API struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type Datadog struct {
	Enabled   bool     `yaml:"enabled"`
	Addr      string   `yaml:"addr"`
	Namespace string   `yaml:"namespace"`
	Tags      []string `yaml:"tags"`
}

type Config struct {
	ConfigFile string        `yaml:"-"`
	LogLevel   zerolog.Level `yaml:"-"`

	LogFile  string `yaml:"log_file"`
	SafeMode bool   `yaml:"safe_mode"`

	I2C       I2C       `yaml:"i2c"`
	OneWire   OneWire   `yaml:"onewire"`
	RelayBank RelayBank `yaml:"relay_bank"`
	Sensors   Sensors   `yaml:"sensors"`
	Control   Control   `yaml:"control"`
	Channels  []Channel `yaml:"channels"`

	DefaultsFile string   `yaml:"defaults_file"`
	Database     Database `yaml:"database"`
	InfluxDB     InfluxDB `yaml:"influxdb"`
	MQTT         MQTT     `yaml:"mqtt"`
	API          API      `yaml:"api"`
	Datadog      Datadog  `yaml:"datadog"`
	NtfyTopic    string   `yaml:"ntfy_topic"`
}

func Default() Config {
	return Config{
		LogLevel: zerolog.InfoLevel,
		I2C:      I2C{Bus: "/dev/i2c-1"},
		OneWire: OneWire{
			Address:      0x18,
			ActivePullup: true,
			PollBudget:   40,
			PollInterval: 100 * time.Microsecond,
		},
		RelayBank: RelayBank{Address: 0x22},
		Sensors: Sensors{
			Resolution:    11,
			Retries:       2,
			RetryDelay:    100 * time.Millisecond,
			FaultOffAfter: 3,
		},
		Control: Control{
			Cycle:          5 * time.Second,
			DutyPeriod:     600 * time.Second,
			DefaultBand:    1.0,
			SetpointMin:    32,
			SetpointMax:    110,
			QueueSize:      16,
			CommandTimeout: 5 * time.Second,
		},
		DefaultsFile: "data/defaults.txt",
		Database: Database{
			Path:          "data/seedling.db",
			Retention:     12 * time.Hour,
			PruneInterval: 8 * time.Hour,
		},
		MQTT: MQTT{
			Broker:      "tcp://localhost:1883",
			ClientID:    "seedling-controller",
			TopicPrefix: "seedling",
		},
		API:     API{Port: 8080},
		Datadog: Datadog{Addr: "127.0.0.1:8125", Namespace: "seedling."},
	}
}

// Load reads flags and the YAML file named by -config-file. Any problem is
// fatal.
func Load() Config {
	return Parse(flag.CommandLine, os.Args[1:])
}

func Parse(fs *flag.FlagSet, args []string) Config {
	var (
		configFile   string
		defaultsFile string
		logLevel     string
	)
	fs.StringVar(&configFile, "config-file", "seedling.yaml", "Path to controller config file")
	fs.StringVar(&defaultsFile, "defaults-file", "", "Path to channel defaults file (overrides config)")
	fs.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		panic("Failed to parse flags: " + err.Error())
	}

	file, err := os.Open(configFile)
	if err != nil {
		panic("Failed to load config file: " + err.Error())
	}
	defer file.Close()

	cfg, err := Decode(file)
	if err != nil {
		panic("Failed to parse config file: " + err.Error())
	}
	cfg.ConfigFile = configFile
	cfg.LogLevel = parseLogLevel(logLevel)
	if defaultsFile != "" {
		cfg.DefaultsFile = defaultsFile
	}

	cfg.validate()
	return cfg
}

// Decode parses a YAML document over Default and applies environment
// overrides. It does not validate.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil && err != io.EOF {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SEEDLING_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("SEEDLING_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	if v := os.Getenv("SEEDLING_NTFY_TOPIC"); v != "" {
		cfg.NtfyTopic = v
	}
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (cfg *Config) validate() {
	if problems := cfg.problems(); len(problems) > 0 {
		panic("Invalid config: " + strings.Join(problems, "; "))
	}
}

func (cfg *Config) problems() []string {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if cfg.Control.Cycle <= 0 {
		add("control.cycle must be positive")
	}
	if cfg.Control.DutyPeriod <= 0 {
		add("control.duty_period must be positive")
	}
	if cfg.Control.SetpointMin > cfg.Control.SetpointMax {
		add("control.setpoint_min %g above setpoint_max %g", cfg.Control.SetpointMin, cfg.Control.SetpointMax)
	}
	if !ds18b20.Resolution(cfg.Sensors.Resolution).Valid() {
		add("sensors.resolution %d not in 9..12", cfg.Sensors.Resolution)
	}
	if cfg.Sensors.Retries < 0 {
		add("sensors.retries must not be negative")
	}
	if cfg.Sensors.SkipROM && len(cfg.Sensors.Devices) > 1 {
		add("sensors.skip_rom needs a single sensor, %d configured", len(cfg.Sensors.Devices))
	}

	roms := map[onewire.Address]string{}
	for _, name := range cfg.SensorNames() {
		addr, err := ds18b20.ParseAddress(cfg.Sensors.Devices[name])
		if err != nil {
			add("sensors.devices.%s: %v", name, err)
			continue
		}
		if other, exists := roms[addr]; exists {
			add("sensors %s and %s share ROM %s", name, other, ds18b20.FormatAddress(addr))
		}
		roms[addr] = name
	}

	names := map[string]bool{}
	ports := map[int]string{}
	for i, ch := range cfg.Channels {
		name := strings.ToUpper(ch.Name)
		if name == "" || strings.ContainsAny(name, " \t:") {
			add("channels[%d]: bad name %q", i, ch.Name)
		} else if names[name] {
			add("channels[%d]: duplicate name %s", i, name)
		}
		names[name] = true

		if ch.Port != nil {
			if *ch.Port < 0 || *ch.Port > 7 {
				add("channel %s: port %d not in 0..7", name, *ch.Port)
			} else if other, exists := ports[*ch.Port]; exists {
				add("channels %s and %s both use port %d", name, other, *ch.Port)
			} else {
				ports[*ch.Port] = name
			}
		}

		switch model.Strategy(ch.Strategy) {
		case model.StrategyHysteresis, "":
		case model.StrategyDutyCycle:
			if ch.Port == nil {
				add("channel %s: duty_cycle needs a port", name)
			}
		default:
			add("channel %s: unknown strategy %q", name, ch.Strategy)
		}
		if ch.Duty < 0 || ch.Duty > 1 {
			add("channel %s: duty %g not in [0,1]", name, ch.Duty)
		}
		if ch.Band < 0 {
			add("channel %s: negative band", name)
		}
		for _, s := range ch.Sensors {
			if _, ok := cfg.Sensors.Devices[s]; !ok {
				add("channel %s: unknown sensor %q", name, s)
			}
		}
	}
	return problems
}

// SensorNames lists the configured sensors in sampling order.
func (cfg *Config) SensorNames() []string {
	names := make([]string, 0, len(cfg.Sensors.Devices))
	for name := range cfg.Sensors.Devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildChannels turns the channel list into engine channels. A configured
// setpoint and enabled flag are the starting values; the defaults file may
// override them afterwards.
func (cfg *Config) BuildChannels() []*model.Channel {
	out := make([]*model.Channel, 0, len(cfg.Channels))
	for _, c := range cfg.Channels {
		ch := &model.Channel{
			Name:     strings.ToUpper(c.Name),
			Sensors:  c.Sensors,
			Strategy: model.Strategy(c.Strategy),
			Band:     c.Band,
			Duty:     c.Duty,
		}
		if ch.Strategy == "" {
			ch.Strategy = model.StrategyHysteresis
		}
		if ch.Band == 0 {
			ch.Band = cfg.Control.DefaultBand
		}
		if c.Port != nil {
			ch.Mask = model.PortMask(*c.Port)
			ch.Enabled = c.Enabled
			if c.Setpoint != nil {
				ch.Setpoint = *c.Setpoint
				ch.HasSetpoint = true
			}
		}
		out = append(out, ch)
	}
	return out
}

// PortNames maps relay ports to channel names.
func (cfg *Config) PortNames() map[int]string {
	m := map[int]string{}
	for _, c := range cfg.Channels {
		if c.Port != nil {
			m[*c.Port] = strings.ToUpper(c.Name)
		}
	}
	return m
}
