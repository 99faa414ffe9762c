package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/motorblog/blogcache/admin"
	"github.com/motorblog/blogcache/blog"
	"github.com/motorblog/blogcache/bus"
	"github.com/motorblog/blogcache/cache"
	"github.com/motorblog/blogcache/cfg"
	"github.com/motorblog/blogcache/eventlog"
	_ "github.com/motorblog/blogcache/eventlog/kafkalog"
	_ "github.com/motorblog/blogcache/eventlog/natslog"
	_ "github.com/motorblog/blogcache/eventlog/pebblelog"
	_ "github.com/motorblog/blogcache/eventlog/sqllog"
	"github.com/motorblog/blogcache/hlc"
	"github.com/motorblog/blogcache/notify"
	"github.com/motorblog/blogcache/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("blogcache - event log cache invalidation bus")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	// Phase 1: event log and bus
	hub := notify.NewHub()
	eventLog, err := eventlog.Open(cfg.Config, hub)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Config.EventLog.Backend).Msg("Failed to open event log")
	}

	eventBus, err := bus.New(bus.Config{
		Log:     eventLog,
		Clock:   hlc.NewClock(cfg.Config.NodeID),
		Backend: cfg.Config.EventLog.Backend,
		Backoff: time.Duration(cfg.Config.Tailer.BackoffMS) * time.Millisecond,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create event bus")
	}

	// Phase 2: cache and collaborators; bindings are registered before the
	// tailer starts
	memo := cache.New(eventBus, cache.Options{SingleFlight: cfg.Config.Cache.SingleFlight})
	defer memo.Close()

	awaitTimeout := time.Duration(cfg.Config.Cache.AwaitTimeoutMS) * time.Millisecond
	categories, err := blog.OpenCategories(cfg.BlogDatabasePath(), memo, eventBus, awaitTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open blog database")
	}
	defer categories.Close()

	// Phase 3: start following the log
	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = eventBus.Startup(startCtx)
	cancel()
	if errors.Is(err, eventlog.ErrMisprovisioned) {
		log.Fatal().Err(err).Msg("Event log is misprovisioned")
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start event bus")
	}

	collector := telemetry.NewMetricsCollector(
		eventBus.Registry(),
		memo,
		time.Duration(cfg.Config.Cache.CollectIntervalMS)*time.Millisecond,
	)
	collector.Start()

	// Phase 4: admin surface
	var adminServer *admin.Server
	if cfg.Config.Admin.Enabled {
		adminServer = admin.NewServer(
			fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port),
			admin.NewAdminHandlers(eventBus, memo, categories, awaitTimeout),
			cfg.Config.Admin.Token,
			telemetry.GetMetricsHandler(),
		)
		if err := adminServer.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start admin server")
		}
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("backend", cfg.Config.EventLog.Backend).
		Str("data_dir", cfg.Config.DataDir).
		Msg("blogcache started successfully")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	if adminServer != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := adminServer.Stop(stopCtx); err != nil {
			log.Warn().Err(err).Msg("Admin server did not stop cleanly")
		}
		cancel()
	}
	collector.Stop()

	if err := eventBus.Shutdown(); err != nil {
		log.Error().Err(err).Msg("Failed to shut down event bus")
	}
}
