package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/seedling-controller/db"
	"github.com/thatsimonsguy/seedling-controller/internal/api"
	"github.com/thatsimonsguy/seedling-controller/internal/config"
	"github.com/thatsimonsguy/seedling-controller/internal/control"
	"github.com/thatsimonsguy/seedling-controller/internal/datadog"
	"github.com/thatsimonsguy/seedling-controller/internal/device"
	"github.com/thatsimonsguy/seedling-controller/internal/logging"
	"github.com/thatsimonsguy/seedling-controller/internal/mqtt"
	"github.com/thatsimonsguy/seedling-controller/internal/notifications"
	"github.com/thatsimonsguy/seedling-controller/internal/scheduler"
	"github.com/thatsimonsguy/seedling-controller/internal/state"
	"github.com/thatsimonsguy/seedling-controller/internal/store"
	"github.com/thatsimonsguy/seedling-controller/internal/temperature"
	"github.com/thatsimonsguy/seedling-controller/internal/tsdb"
	"github.com/thatsimonsguy/seedling-controller/system/shutdown"
	"github.com/thatsimonsguy/seedling-controller/system/startup"
)

const terminateTimeout = 30 * time.Second

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel, cfg.LogFile)

	log.Info().
		Str("config_file", cfg.ConfigFile).
		Dur("cycle", cfg.Control.Cycle).
		Int("channels", len(cfg.Channels)).
		Int("sensors", len(cfg.Sensors.Devices)).
		Msg("Starting seedling controller")

	if cfg.SafeMode {
		log.Warn().Msg("SAFE MODE ENABLED: relay writes are disabled")
	}

	notifications.Init(cfg.NtfyTopic)
	if cfg.Datadog.Enabled {
		datadog.InitMetrics(cfg.Datadog.Addr, cfg.Datadog.Namespace, cfg.Datadog.Tags)
		defer datadog.Close()
	}

	engine, err := control.New(cfg.BuildChannels(), control.Options{
		DutyPeriod:    cfg.Control.DutyPeriod,
		SetpointMin:   cfg.Control.SetpointMin,
		SetpointMax:   cfg.Control.SetpointMax,
		FaultOffAfter: cfg.Sensors.FaultOffAfter,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid channel configuration")
	}

	defaults := store.New(cfg.DefaultsFile)
	presets, err := defaults.Load()
	if err != nil {
		log.Warn().Err(err).Str("path", defaults.Path()).Msg("Failed to read channel defaults")
	}
	for _, d := range presets {
		if err := engine.Preset(d.Name, d.Value, d.Enabled); err != nil {
			log.Warn().Err(err).Str("channel", d.Name).Msg("Ignoring channel default")
		}
	}

	hw, err := startup.OpenHardware(&cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open hardware")
	}
	defer hw.Close()

	bank := device.NewBank(hw.Relays, hw.Bus, cfg.PortNames(), cfg.SafeMode)
	shutdown.Register(bank.Halt(engine.Ports()))
	if err := bank.Start(engine.Ports()); err != nil {
		shutdown.ShutdownWithError(err, "Relay bank start failed")
	}

	sampler := temperature.NewService(cfg.SensorNames(), hw.OpenSensors(&cfg), temperature.Options{
		Retries:    cfg.Sensors.Retries,
		RetryDelay: cfg.Sensors.RetryDelay,
		FaultAfter: cfg.Sensors.FaultOffAfter,
		MaxDelta:   cfg.Sensors.MaxDelta,
	})

	var sinks []scheduler.Sink
	conn, err := db.Open(cfg.Database.Path)
	if err != nil {
		log.Error().Err(err).Msg("History database unavailable, continuing without it")
	} else {
		defer conn.Close()
		sinks = append(sinks, db.NewSink(conn))
	}
	if cfg.InfluxDB.Enabled {
		mirror, err := tsdb.Connect(cfg.InfluxDB)
		if err != nil {
			log.Error().Err(err).Msg("InfluxDB mirror unavailable")
		} else {
			defer mirror.Close()
			sinks = append(sinks, mirror)
		}
	}

	board := state.NewBoard()
	queue := scheduler.NewQueue(cfg.Control.QueueSize, cfg.Control.CommandTimeout)
	loop, err := scheduler.New(engine, sampler, bank, queue, cfg.Control.Cycle,
		scheduler.WithSinks(sinks...),
		scheduler.WithPublisher(board),
		scheduler.WithDefaults(defaults),
	)
	if err != nil {
		shutdown.ShutdownWithError(err, "Invalid control loop configuration")
	}

	bg, cancel := context.WithCancel(context.Background())
	defer cancel()

	if conn != nil && cfg.Database.PruneInterval > 0 {
		go pruneHistory(bg, conn, cfg.Database.Retention, cfg.Database.PruneInterval)
	}

	if cfg.API.Enabled {
		server := api.NewServer(queue, board, conn)
		go func() {
			if err := server.Start(cfg.API.Port); err != nil {
				log.Error().Err(err).Msg("REST API server stopped")
			}
		}()
		defer func() {
			ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			server.Shutdown(ctx)
		}()
	}

	if cfg.MQTT.Enabled {
		bridge, err := mqtt.Connect(cfg.MQTT, queue)
		if err != nil {
			log.Error().Err(err).Msg("MQTT bridge unavailable")
		} else {
			go bridge.Run(bg, board.Updates())
			defer bridge.Close()
		}
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	stopped := make(chan struct{})
	go func() {
		if err := terminateOnSignal(signals, stopped, queue.Terminate); err != nil {
			log.Error().Err(err).Msg("Terminate failed, forcing relays off")
			shutdown.Shutdown()
		}
	}()

	err = loop.Run(context.Background())
	close(stopped)
	if err != nil {
		shutdown.ShutdownWithError(err, "Control loop ended with relays in an unknown state")
	}
	log.Info().Msg("Seedling controller stopped")
}

// terminateOnSignal injects END into the queue on the first signal. Once
// stopped is closed the loop has exited and nothing is sent.
func terminateOnSignal(signals <-chan os.Signal, stopped <-chan struct{}, terminate func(context.Context) error) error {
	select {
	case <-stopped:
		return nil
	case sig := <-signals:
		select {
		case <-stopped:
			return nil
		default:
		}
		log.Info().Str("signal", sig.String()).Msg("Signal received, terminating control loop")
		ctx, done := context.WithTimeout(context.Background(), terminateTimeout)
		defer done()
		return terminate(ctx)
	}
}

func pruneHistory(ctx context.Context, conn *sql.DB, retention, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		temps, relays, err := db.Prune(conn, time.Now().Add(-retention))
		if err != nil {
			log.Warn().Err(err).Msg("History prune failed")
		} else {
			log.Info().Int64("temperature_rows", temps).Int64("relay_rows", relays).Msg("Pruned history")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
